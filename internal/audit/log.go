package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first line of a new log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// TimestampFormat is the layout of Event.Timestamp.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Log is the hash-chained audit file.
type Log struct {
	mu   sync.Mutex
	file *os.File
	tail string
	now  func() time.Time
}

// Open opens or creates the log at path and recovers the chain tail.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	tail, err := lastHash(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	return &Log{file: f, tail: tail, now: time.Now}, nil
}

func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	var last []byte
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			last = append(last[:0], sc.Bytes()...)
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("audit: scan existing log: %w", err)
	}
	if last == nil {
		return GenesisHash, nil
	}
	return HashLine(last), nil
}

// Record appends e, filling Timestamp if empty and PrevHash always, and syncs.
func (l *Log) Record(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp == "" {
		e.Timestamp = l.now().UTC().Format(TimestampFormat)
	}
	e.PrevHash = l.tail
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	l.tail = HashLine(line)
	return nil
}

// Close closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of line.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
