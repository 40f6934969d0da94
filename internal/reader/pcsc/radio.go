// Package pcsc drives PC/SC contactless readers using the PC/SC part 3
// pseudo-APDUs for MIFARE Classic tokens. The platform binding supplies the
// Context; this package only frames commands and interprets status words.
package pcsc

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/reader"
)

// Card is a connected token as exposed by the platform binding.
type Card interface {
	Transmit(apdu []byte) ([]byte, error)
	Disconnect() error
}

// Context is a PC/SC reader handle.
type Context interface {
	// Name is the reader name reported by the PC/SC service.
	Name() string
	// Connect blocks until a token is present and connects to it.
	Connect(ctx context.Context) (Card, error)
}

// keySlot is the volatile reader key slot used for every authentication.
const keySlot = 0x00

// Status words.
var (
	swOK             = [2]byte{0x90, 0x00}
	swFailed         = [2]byte{0x63, 0x00}
	swSecurityStatus = [2]byte{0x69, 0x82}
)

// Radio implements reader.Radio on top of a PC/SC Context.
type Radio struct {
	pc   Context
	mu   sync.Mutex
	card Card
}

// New wraps a PC/SC context.
func New(pc Context) *Radio { return &Radio{pc: pc} }

// Probe implements reader.Radio.
func (r *Radio) Probe(context.Context) (reader.Capability, error) {
	if r.pc == nil {
		return reader.Capability{Driver: "pcsc"}, nil
	}
	return reader.Capability{
		Driver:    "pcsc",
		Model:     r.pc.Name(),
		Supported: true,
		KeyAuth:   true,
		Writable:  true,
	}, nil
}

// Poll implements reader.Radio.
func (r *Radio) Poll(ctx context.Context) ([]byte, error) {
	card, err := r.pc.Connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("pcsc connect: %v: %w", err, errs.ErrTransport)
	}
	r.mu.Lock()
	r.card = card
	r.mu.Unlock()

	resp, err := r.transmit([]byte{0xFF, 0xCA, 0x00, 0x00, 0x00})
	if err != nil {
		return nil, err
	}
	if sw(resp) != swOK {
		return nil, fmt.Errorf("get uid: sw=%s: %w", hex.EncodeToString(resp), errs.ErrTransport)
	}
	return resp[:len(resp)-2], nil
}

// Authenticate implements reader.Radio.
func (r *Radio) Authenticate(_ context.Context, block int, kt reader.KeyType, key reader.Key) error {
	load := append([]byte{0xFF, 0x82, 0x00, keySlot, 0x06}, key[:]...)
	resp, err := r.transmit(load)
	if err != nil {
		return err
	}
	if sw(resp) != swOK {
		return fmt.Errorf("load key: sw=%s: %w", hex.EncodeToString(resp), errs.ErrTransport)
	}
	auth := []byte{0xFF, 0x86, 0x00, 0x00, 0x05, 0x01, 0x00, byte(block), byte(kt), keySlot}
	resp, err = r.transmit(auth)
	if err != nil {
		return err
	}
	switch sw(resp) {
	case swOK:
		return nil
	case swFailed, swSecurityStatus:
		return fmt.Errorf("sector %d: %w", reader.SectorOf(block), errs.ErrAuthentication)
	default:
		return fmt.Errorf("authenticate: sw=%s: %w", hex.EncodeToString(resp), errs.ErrTransport)
	}
}

// ReadBlock implements reader.Radio.
func (r *Radio) ReadBlock(_ context.Context, block int) (reader.Block, error) {
	resp, err := r.transmit([]byte{0xFF, 0xB0, 0x00, byte(block), reader.BlockSize})
	if err != nil {
		return reader.Block{}, err
	}
	if err := statusErr("read", resp); err != nil {
		return reader.Block{}, err
	}
	if len(resp) != reader.BlockSize+2 {
		return reader.Block{}, fmt.Errorf("read: %d bytes: %w", len(resp), errs.ErrTransport)
	}
	var b reader.Block
	copy(b[:], resp)
	return b, nil
}

// WriteBlock implements reader.Radio.
func (r *Radio) WriteBlock(_ context.Context, block int, data reader.Block) error {
	apdu := append([]byte{0xFF, 0xD6, 0x00, byte(block), reader.BlockSize}, data[:]...)
	resp, err := r.transmit(apdu)
	if err != nil {
		return err
	}
	return statusErr("write", resp)
}

// Halt implements reader.Radio.
func (r *Radio) Halt(context.Context) error {
	r.mu.Lock()
	card := r.card
	r.card = nil
	r.mu.Unlock()
	if card == nil {
		return nil
	}
	return card.Disconnect()
}

func (r *Radio) transmit(apdu []byte) ([]byte, error) {
	r.mu.Lock()
	card := r.card
	r.mu.Unlock()
	if card == nil {
		return nil, fmt.Errorf("no card connected: %w", errs.ErrTransport)
	}
	resp, err := card.Transmit(apdu)
	if err != nil {
		return nil, fmt.Errorf("transmit: %v: %w", err, errs.ErrTransport)
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("short response: %w", errs.ErrTransport)
	}
	return resp, nil
}

func sw(resp []byte) [2]byte {
	return [2]byte{resp[len(resp)-2], resp[len(resp)-1]}
}

func statusErr(op string, resp []byte) error {
	switch sw(resp) {
	case swOK:
		return nil
	case swSecurityStatus:
		return fmt.Errorf("%s: %w", op, errs.ErrAuthentication)
	default:
		return fmt.Errorf("%s: sw=%x: %w", op, sw(resp), errs.ErrTransport)
	}
}
