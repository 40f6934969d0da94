package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult is the outcome of walking the chain.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify checks that every line references the hash of its predecessor.
// A missing file is an empty, valid log.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return VerifyResult{Valid: true}
	}
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	want := GenesisHash
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
		line := sc.Bytes()
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return VerifyResult{Lines: n - 1, Error: fmt.Sprintf("parse: %v", err), ErrorLine: n}
		}
		if e.PrevHash != want {
			return VerifyResult{Lines: n - 1, Error: fmt.Sprintf("chain broken: want %s, got %s", want, e.PrevHash), ErrorLine: n}
		}
		want = HashLine(line)
	}
	if err := sc.Err(); err != nil {
		return VerifyResult{Lines: n, Error: fmt.Sprintf("scan: %v", err)}
	}
	return VerifyResult{Valid: true, Lines: n}
}

// Read returns the events of path, optionally only those of kind.
func Read(path, kind string) ([]Event, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	return out, sc.Err()
}
