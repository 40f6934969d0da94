package reader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
)

// Defaults for Options.
const (
	DefaultReadTimeout = 3 * time.Second
)

// Options tune a Reader.
type Options struct {
	// ReadTimeout bounds the physical sequence after a token answered.
	ReadTimeout time.Duration
	// TapTimeout bounds the wait for a token; zero waits until ctx is done.
	TapTimeout time.Duration
	Logger     *zap.Logger
}

// Reader serializes access to a Radio: one read/authenticate/write sequence at a time.
type Reader struct {
	radio       Radio
	capability  Capability
	sem         chan struct{}
	readTimeout time.Duration
	tapTimeout  time.Duration
	log         *zap.Logger
}

// New wraps a negotiated radio.
func New(radio Radio, c Capability, opts Options) (*Reader, error) {
	if radio == nil || !c.Supported || !c.KeyAuth {
		return nil, fmt.Errorf("reader: %w", errs.ErrReaderUnsupported)
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Reader{
		radio:       radio,
		capability:  c,
		sem:         make(chan struct{}, 1),
		readTimeout: opts.ReadTimeout,
		tapTimeout:  opts.TapTimeout,
		log:         opts.Logger,
	}, nil
}

// Capability returns the negotiated capability.
func (r *Reader) Capability() Capability { return r.capability }

// acquire takes the radio session slot; it blocks until ctx is done.
func (r *Reader) acquire(ctx context.Context) (func(), error) {
	select {
	case r.sem <- struct{}{}:
		return func() { <-r.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire radio: %v: %w", ctx.Err(), errs.ErrReaderBusy)
	}
}

// session runs fn inside one exclusive token session. The wait for a tap honours
// ctx; once the token answered, fn runs to completion under ReadTimeout even if
// ctx is cancelled, since aborting mid-authentication can corrupt the token session.
func (r *Reader) session(ctx context.Context, fn func(pctx context.Context, uid []byte) error) error {
	release, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	pollCtx := ctx
	if r.tapTimeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, r.tapTimeout)
		defer cancel()
	}
	uid, err := r.radio.Poll(pollCtx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(pollCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("no token presented: %w", errs.ErrTransport)
		}
		return err
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.readTimeout)
	defer cancel()
	defer func() {
		if herr := r.radio.Halt(pctx); herr != nil {
			r.log.Debug("halt", zap.Error(herr))
		}
	}()

	err = fn(pctx, uid)
	if err != nil && pctx.Err() != nil && !errors.Is(err, errs.ErrTransport) {
		err = fmt.Errorf("radio timeout after %s: %v: %w", r.readTimeout, err, errs.ErrTransport)
	}
	return err
}

func (r *Reader) readAuthenticated(ctx context.Context, block int, key Key) (Block, error) {
	if !ValidBlock(block) {
		return Block{}, fmt.Errorf("block %d out of range", block)
	}
	if err := r.radio.Authenticate(ctx, block, KeyA, key); err != nil {
		return Block{}, fmt.Errorf("authenticate block %d: %w", block, err)
	}
	b, err := r.radio.ReadBlock(ctx, block)
	if err != nil {
		return Block{}, fmt.Errorf("read block %d: %w", block, err)
	}
	return b, nil
}

func (r *Reader) writeAuthenticated(ctx context.Context, block int, data Block, key Key) error {
	if !ValidBlock(block) {
		return fmt.Errorf("block %d out of range", block)
	}
	if err := r.radio.Authenticate(ctx, block, KeyA, key); err != nil {
		return fmt.Errorf("authenticate block %d: %w", block, err)
	}
	if err := r.radio.WriteBlock(ctx, block, data); err != nil {
		return fmt.Errorf("write block %d: %w", block, err)
	}
	return nil
}

// ReadUID returns the hardware serial of the token in the field.
func (r *Reader) ReadUID(ctx context.Context) ([]byte, error) {
	var out []byte
	err := r.session(ctx, func(_ context.Context, uid []byte) error {
		out = append([]byte(nil), uid...)
		return nil
	})
	return out, err
}

// ReadBlock reads one block with key.
func (r *Reader) ReadBlock(ctx context.Context, block int, key Key) (Block, error) {
	var out Block
	err := r.session(ctx, func(pctx context.Context, _ []byte) error {
		b, err := r.readAuthenticated(pctx, block, key)
		out = b
		return err
	})
	return out, err
}

// WriteBlock writes one block with key. Administrative use only.
func (r *Reader) WriteBlock(ctx context.Context, block int, data Block, key Key) error {
	if !r.capability.Writable {
		return fmt.Errorf("write: %w", errs.ErrReaderUnsupported)
	}
	return r.session(ctx, func(pctx context.Context, _ []byte) error {
		return r.writeAuthenticated(pctx, block, data, key)
	})
}

// KeyFunc derives the protected-sector key for a plaintext identity.
type KeyFunc func(model.TokenIdentity) (model.DerivedSecret, error)

// ReadLaborToken reads the plaintext identity and, when secret is non-nil, the
// verification copy. A rejected key yields Authenticated=false without error.
func (r *Reader) ReadLaborToken(ctx context.Context, secret *model.DerivedSecret) (model.BlockReadout, error) {
	var kf KeyFunc
	if secret != nil {
		s := *secret
		kf = func(model.TokenIdentity) (model.DerivedSecret, error) { return s, nil }
	}
	return r.ReadLaborTokenWith(ctx, kf)
}

// ReadLaborTokenWith is ReadLaborToken with the key derived from the plaintext
// identity inside the same token session, so the verification read cannot land
// on a different token.
func (r *Reader) ReadLaborTokenWith(ctx context.Context, keyFor KeyFunc) (model.BlockReadout, error) {
	var out model.BlockReadout
	err := r.session(ctx, func(pctx context.Context, uid []byte) error {
		out.UID = append([]byte(nil), uid...)

		pb, err := r.readAuthenticated(pctx, PlaintextBlock, FactoryKey)
		if err != nil {
			return err
		}
		plain, err := model.BytesToIdentity(pb[:])
		if err != nil {
			return err
		}
		out.Plaintext = plain
		if keyFor == nil {
			return nil
		}

		derived, err := keyFor(plain)
		if err != nil {
			return err
		}
		vb, err := r.readAuthenticated(pctx, VerifyBlock, KeyFromSecret(derived))
		switch {
		case errors.Is(err, errs.ErrAuthentication):
			r.log.Debug("verification block rejected key", zap.String("token", plain.String()))
			return nil
		case err != nil:
			return err
		}
		verified, err := model.BytesToIdentity(vb[:])
		if err != nil {
			return err
		}
		out.Verified = &verified
		out.Authenticated = true
		return nil
	})
	return out, err
}

// Provision writes identity, verification copy and checksum, then locks the
// protected sectors with the derived key. The token must be blank (factory keys).
func (r *Reader) Provision(ctx context.Context, id model.TokenIdentity, derived model.DerivedSecret) error {
	if !r.capability.Writable {
		return fmt.Errorf("provision: %w", errs.ErrReaderUnsupported)
	}
	key := KeyFromSecret(derived)
	return r.session(ctx, func(pctx context.Context, uid []byte) error {
		if err := r.writeAuthenticated(pctx, PlaintextBlock, IdentityBlock(id), FactoryKey); err != nil {
			return err
		}
		if err := r.writeAuthenticated(pctx, VerifyBlock, IdentityBlock(id), FactoryKey); err != nil {
			return err
		}
		if err := r.writeAuthenticated(pctx, ChecksumBlock, Checksum(id, derived), FactoryKey); err != nil {
			return err
		}
		for _, blk := range []int{VerifyBlock, ChecksumBlock} {
			if err := r.writeAuthenticated(pctx, TrailerOf(blk), Trailer(key, key), FactoryKey); err != nil {
				return err
			}
		}
		// read back through the new key before declaring success
		vb, err := r.readAuthenticated(pctx, VerifyBlock, key)
		if err != nil {
			return err
		}
		want := IdentityBlock(id)
		if !bytes.Equal(vb[:], want[:]) {
			return fmt.Errorf("provision readback mismatch: %w", errs.ErrTransport)
		}
		r.log.Info("token provisioned", zap.String("token", id.String()), zap.Binary("uid", uid))
		return nil
	})
}
