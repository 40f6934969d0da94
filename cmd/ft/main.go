// Command ft is the field traceability device agent.
package main

import "github.com/and161185/fieldtrace/internal/cli"

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	cli.Version, cli.BuildDate = version, buildDate
	cli.Execute()
}
