// Package migrations embeds the SQL schema for the server and device stores.
package migrations

import "embed"

// Postgres holds the server of record schema, rooted at "postgres".
//
//go:embed postgres/*.sql
var Postgres embed.FS

// SQLite holds the device store schema, rooted at "sqlite".
//
//go:embed sqlite/*.sql
var SQLite embed.FS
