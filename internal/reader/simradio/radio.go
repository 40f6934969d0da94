package simradio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/reader"
)

const pollInterval = 5 * time.Millisecond

// Radio is an in-memory reader. At most one card is in the field.
type Radio struct {
	mu         sync.Mutex
	card       *Card
	authSector int
	selected   bool
	persist    func(*Card) error

	// Latency delays every physical operation after Poll.
	Latency time.Duration
	// failNext is returned once by the next physical operation.
	failNext error
}

// New returns a radio with an empty field.
func New() *Radio { return &Radio{authSector: -1} }

// OpenImage returns a radio whose field holds the card stored at path, if any.
// Writes are saved back to path.
func OpenImage(path string) (*Radio, error) {
	r := New()
	r.persist = func(c *Card) error { return SaveImage(path, c) }
	c, err := LoadImage(path)
	switch {
	case err == nil:
		r.card = c
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}
	return r, nil
}

// Present puts card into the field, replacing any previous card.
func (r *Radio) Present(c *Card) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.card = c
	r.selected = false
	r.authSector = -1
	if r.persist != nil && c != nil {
		_ = r.persist(c)
	}
}

// Remove takes the card out of the field.
func (r *Radio) Remove() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.card = nil
	r.selected = false
	r.authSector = -1
}

// Card returns the card in the field (nil if none).
func (r *Radio) Card() *Card {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.card
}

// FailNext makes the next physical operation return err.
func (r *Radio) FailNext(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = err
}

// Probe implements reader.Radio.
func (r *Radio) Probe(context.Context) (reader.Capability, error) {
	return reader.Capability{
		Driver:    "sim",
		Model:     "sim-mfc1k",
		Supported: true,
		KeyAuth:   true,
		Writable:  true,
	}, nil
}

// Poll implements reader.Radio.
func (r *Radio) Poll(ctx context.Context) ([]byte, error) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		r.mu.Lock()
		if r.card != nil {
			r.selected = true
			r.authSector = -1
			uid := append([]byte(nil), r.card.UID...)
			r.mu.Unlock()
			return uid, nil
		}
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// physical simulates radio latency and injected faults, and returns the
// selected card with the lock held.
func (r *Radio) physical(ctx context.Context) (*Card, func(), error) {
	if r.Latency > 0 {
		select {
		case <-time.After(r.Latency):
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("radio: %v: %w", ctx.Err(), errs.ErrTransport)
		}
	}
	r.mu.Lock()
	if err := r.failNext; err != nil {
		r.failNext = nil
		r.mu.Unlock()
		return nil, nil, err
	}
	if r.card == nil || !r.selected {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("token not in field: %w", errs.ErrTransport)
	}
	return r.card, r.mu.Unlock, nil
}

// Authenticate implements reader.Radio. A rejected key halts the card, as the
// hardware does.
func (r *Radio) Authenticate(ctx context.Context, block int, kt reader.KeyType, key reader.Key) error {
	c, unlock, err := r.physical(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if !reader.ValidBlock(block) {
		return fmt.Errorf("block %d: %w", block, errs.ErrTransport)
	}
	want := c.keyA(block)
	if kt == reader.KeyB {
		want = c.keyB(block)
	}
	if want != key {
		r.selected = false
		r.authSector = -1
		return fmt.Errorf("sector %d: %w", reader.SectorOf(block), errs.ErrAuthentication)
	}
	r.authSector = reader.SectorOf(block)
	return nil
}

// ReadBlock implements reader.Radio. Trailer keys read back as zeros.
func (r *Radio) ReadBlock(ctx context.Context, block int) (reader.Block, error) {
	c, unlock, err := r.physical(ctx)
	if err != nil {
		return reader.Block{}, err
	}
	defer unlock()
	if r.authSector != reader.SectorOf(block) {
		return reader.Block{}, fmt.Errorf("read block %d unauthenticated: %w", block, errs.ErrAuthentication)
	}
	b := c.Blocks[block]
	if reader.IsTrailer(block) {
		for i := 0; i < 6; i++ {
			b[i] = 0
		}
	}
	return b, nil
}

// WriteBlock implements reader.Radio.
func (r *Radio) WriteBlock(ctx context.Context, block int, data reader.Block) error {
	c, unlock, err := r.physical(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if block == 0 {
		return fmt.Errorf("manufacturer block is read-only: %w", errs.ErrAuthentication)
	}
	if r.authSector != reader.SectorOf(block) {
		return fmt.Errorf("write block %d unauthenticated: %w", block, errs.ErrAuthentication)
	}
	c.Blocks[block] = data
	if r.persist != nil {
		if err := r.persist(c); err != nil {
			return fmt.Errorf("persist card image: %v: %w", err, errs.ErrTransport)
		}
	}
	return nil
}

// Halt implements reader.Radio.
func (r *Radio) Halt(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selected = false
	r.authSector = -1
	return nil
}
