// Package scan decides whether a presented token is genuine and authorized.
// Every step runs against the token and the local whitelist only.
package scan

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/fieldtrace/internal/audit"
	"github.com/and161185/fieldtrace/internal/crypto/tokenkey"
	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
	"github.com/and161185/fieldtrace/internal/reader"
)

// TokenReader performs the two-block read in one radio session.
type TokenReader interface {
	ReadLaborTokenWith(ctx context.Context, keyFor reader.KeyFunc) (model.BlockReadout, error)
}

// Whitelist answers local authorization lookups.
type Whitelist interface {
	Lookup(ctx context.Context, id model.TokenIdentity) (*model.WhitelistEntry, error)
	Known(ctx context.Context, id model.TokenIdentity) (bool, error)
}

// Orchestrator runs the validation protocol.
type Orchestrator struct {
	reader TokenReader
	secret *tokenkey.MasterSecret
	wl     Whitelist
	audit  audit.Recorder
	log    *zap.Logger
}

// New constructs an orchestrator. rec and log may be nil.
func New(r TokenReader, secret *tokenkey.MasterSecret, wl Whitelist, rec audit.Recorder, log *zap.Logger) *Orchestrator {
	if rec == nil {
		rec = audit.Nop
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{reader: r, secret: secret, wl: wl, audit: rec, log: log}
}

// Validate waits for a tap and classifies the token. The returned error is
// non-nil only when ctx was cancelled; any classification is then discarded,
// although a suspected clone is still audited.
func (o *Orchestrator) Validate(ctx context.Context) (Result, error) {
	if !o.secret.Provisioned() {
		return Result{
			Outcome: AuthenticationError,
			Reason:  "device not provisioned",
			Err:     errs.ErrNoMasterSecret,
		}, nil
	}

	ro, err := o.reader.ReadLaborTokenWith(ctx, o.secret.Derive)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, err
		}
		return o.fault(ro, err), nil
	}

	res := o.classify(ctx, ro)
	if res.Outcome == CloneSuspected {
		o.reportClone(res)
	}
	if err := ctx.Err(); err != nil {
		o.log.Debug("scan result discarded after cancellation", zap.String("outcome", string(res.Outcome)))
		return Result{}, err
	}
	return res, nil
}

// Scan runs Validate in the background. The channel yields exactly one Result
// and is then closed; it is closed without a value when ctx is cancelled.
func (o *Orchestrator) Scan(ctx context.Context) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		res, err := o.Validate(ctx)
		if err != nil {
			return
		}
		out <- res
	}()
	return out
}

func (o *Orchestrator) fault(ro model.BlockReadout, err error) Result {
	switch {
	case errors.Is(err, errs.ErrAuthentication):
		return Result{Outcome: AuthenticationError, Readout: ro, Reason: "token rejected factory key", Err: err}
	case errors.Is(err, errs.ErrNoMasterSecret):
		return Result{Outcome: AuthenticationError, Readout: ro, Reason: "device not provisioned", Err: err}
	default:
		o.log.Info("token read failed", zap.Error(err))
		return Result{Outcome: TransportError, Readout: ro, Reason: "present the token again", Err: err}
	}
}

// classify applies the decision table to a completed readout. The whitelist is
// read with a context detached from cancellation so a discarded scan still
// reaches a decision for the audit trail.
func (o *Orchestrator) classify(ctx context.Context, ro model.BlockReadout) Result {
	lctx := context.WithoutCancel(ctx)
	res := Result{Readout: ro}

	if ro.Plaintext == (model.TokenIdentity{}) {
		res.Outcome = AuthenticationError
		res.Reason = "blank token"
		res.Err = errs.ErrAuthentication
		return res
	}

	if !ro.Authenticated {
		known, err := o.wl.Known(lctx, ro.Plaintext)
		if err != nil {
			return Result{Outcome: TransportError, Readout: ro, Reason: "whitelist unavailable", Err: err}
		}
		if known {
			res.Outcome = CloneSuspected
			res.Reason = "whitelisted identity failed verification"
			return res
		}
		res.Outcome = AuthenticationError
		res.Reason = "unprovisioned or corrupt token"
		res.Err = errs.ErrAuthentication
		return res
	}

	if ro.Verified == nil || *ro.Verified != ro.Plaintext {
		res.Outcome = CloneSuspected
		res.Reason = "verification copy mismatch"
		return res
	}

	entry, err := o.wl.Lookup(lctx, ro.Plaintext)
	if err != nil {
		return Result{Outcome: TransportError, Readout: ro, Reason: "whitelist unavailable", Err: err}
	}
	if entry == nil {
		res.Outcome = NotAuthorized
		res.Reason = "no active whitelist entry"
		return res
	}
	res.Outcome = Valid
	res.Entry = entry
	return res
}

func (o *Orchestrator) reportClone(res Result) {
	verified := ""
	if res.Readout.Verified != nil {
		verified = res.Readout.Verified.String()
	}
	uid := hex.EncodeToString(res.Readout.UID)
	o.log.Error("clone suspected",
		zap.String("security_event", audit.KindCloneSuspected),
		zap.String("token", res.Readout.Plaintext.String()),
		zap.String("verified", verified),
		zap.String("uid", uid),
		zap.String("reason", res.Reason),
	)
	err := o.audit.Record(audit.Event{
		Kind:   audit.KindCloneSuspected,
		Token:  res.Readout.Plaintext.String(),
		UID:    uid,
		Reason: fmt.Sprintf("%s (verified=%s)", res.Reason, verified),
	})
	if err != nil {
		o.log.Error("audit write failed", zap.String("security_event", audit.KindCloneSuspected), zap.Error(err))
	}
}
