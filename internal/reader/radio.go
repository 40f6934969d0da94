// Package reader performs exclusive, bounded block I/O against contactless tokens.
package reader

import (
	"context"
	"fmt"

	"github.com/and161185/fieldtrace/internal/errs"
)

// Radio is the driver contract for a contactless reader. Implementations wrap
// transport faults with errs.ErrTransport and key rejections with
// errs.ErrAuthentication.
type Radio interface {
	// Probe reports what the hardware behind the driver can do.
	Probe(ctx context.Context) (Capability, error)
	// Poll blocks until a token enters the field and returns its hardware UID.
	Poll(ctx context.Context) ([]byte, error)
	// Authenticate opens the sector holding block with the given key.
	Authenticate(ctx context.Context, block int, kt KeyType, key Key) error
	// ReadBlock reads one block of an authenticated sector.
	ReadBlock(ctx context.Context, block int) (Block, error)
	// WriteBlock writes one block of an authenticated sector.
	WriteBlock(ctx context.Context, block int, data Block) error
	// Halt ends the token session.
	Halt(ctx context.Context) error
}

// Capability is the outcome of startup negotiation with the radio driver.
type Capability struct {
	Driver    string `json:"driver"`
	Model     string `json:"model"`
	Supported bool   `json:"supported"`
	KeyAuth   bool   `json:"key_auth"` // sector key authentication available
	Writable  bool   `json:"writable"` // provisioning writes available
}

// Negotiate probes the radio once and validates that it can run the
// validation protocol. Callers keep the returned value for the process lifetime.
func Negotiate(ctx context.Context, r Radio) (Capability, error) {
	if r == nil {
		return Capability{Driver: "none"}, fmt.Errorf("negotiate: no radio: %w", errs.ErrReaderUnsupported)
	}
	c, err := r.Probe(ctx)
	if err != nil {
		return Capability{}, fmt.Errorf("negotiate: %w", err)
	}
	if !c.Supported || !c.KeyAuth {
		return c, fmt.Errorf("negotiate %s/%s: %w", c.Driver, c.Model, errs.ErrReaderUnsupported)
	}
	return c, nil
}
