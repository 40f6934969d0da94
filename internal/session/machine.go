// Package session times a unit of physical work between two validated taps of
// the same token and delivers the timing record to the server of record.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/fieldtrace/internal/audit"
	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
	"github.com/and161185/fieldtrace/internal/repository"
	"github.com/and161185/fieldtrace/internal/scan"
)

// Validator produces one validation result per tap.
type Validator interface {
	Validate(ctx context.Context) (scan.Result, error)
}

// Recorder is the server-of-record session API.
type Recorder interface {
	StartSession(ctx context.Context, s model.SessionStart) error
	EndSession(ctx context.Context, e model.SessionEnd) error
}

// Enqueuer hands undeliverable records to the offline queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind model.ActionKind, payload []byte) (*model.QueuedAction, error)
}

// RejectedError is returned when the tap did not validate.
type RejectedError struct{ Result scan.Result }

func (e *RejectedError) Error() string {
	return fmt.Sprintf("tap rejected: %s: %s", e.Result.Outcome, e.Result.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Result.AsError() }

// Delivery says what happened to the end record.
type Delivery string

const (
	Delivered         Delivery = "delivered"
	Queued            Delivery = "queued"
	DiscardedByPolicy Delivery = "discarded_by_policy"
)

// EndReport describes a completed session.
type EndReport struct {
	Session  model.ScanSession
	EndedAt  time.Time
	Delivery Delivery
	// QueuedID is the offline action id when Delivery is Queued.
	QueuedID uuid.UUID
}

// Options tune a Machine.
type Options struct {
	Logger *zap.Logger
	Audit  audit.Recorder
	Clock  func() time.Time
}

// Machine drives Idle, AwaitingStart, InProgress, AwaitingEnd, Completed.
// Open sessions live in the store so start and end may happen in different
// processes.
type Machine struct {
	v     Validator
	rec   Recorder
	q     Enqueuer
	store repository.SessionStore
	log   *zap.Logger
	audit audit.Recorder
	now   func() time.Time
}

// New constructs a Machine.
func New(v Validator, rec Recorder, q Enqueuer, store repository.SessionStore, opts Options) *Machine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Machine{v: v, rec: rec, q: q, store: store, log: opts.Logger, audit: opts.Audit, now: opts.Clock}
}

func (m *Machine) validate(ctx context.Context) (scan.Result, error) {
	res, err := m.v.Validate(ctx)
	if err != nil {
		return res, err
	}
	if res.Outcome != scan.Valid {
		return res, &RejectedError{Result: res}
	}
	return res, nil
}

// Start waits for a tap and opens a session for the validated subject. The
// start record is delivered best-effort; when that fails it is queued. A
// queueing failure is returned together with the open session.
func (m *Machine) Start(ctx context.Context, workRef string) (*model.ScanSession, error) {
	res, err := m.validate(ctx)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	s := &model.ScanSession{ID: id, Subject: res.Subject(), WorkRef: workRef, State: model.SessionAwaitingStart}
	if err := m.create(ctx, s); err != nil {
		return nil, err
	}

	started := m.now().UTC()
	s.StartedAt = &started
	s.State = model.SessionInProgress

	rec := model.SessionStart{SessionID: s.ID, Subject: s.Subject, WorkRef: workRef, StartedAt: started}
	err = m.rec.StartSession(ctx, rec)
	switch {
	case err == nil, errors.Is(err, errs.ErrConflict):
	default:
		m.log.Info("session start not confirmed, queueing", zap.String("session", s.ID.String()), zap.Error(err))
		s.StartQueued = true
		if _, qerr := m.enqueue(ctx, model.KindSessionStart, rec); qerr != nil {
			_ = m.store.Update(context.WithoutCancel(ctx), s)
			return s, qerr
		}
	}
	if err := m.store.Update(context.WithoutCancel(ctx), s); err != nil {
		return s, fmt.Errorf("persist session: %w", err)
	}
	m.log.Info("session started", zap.String("session", s.ID.String()), zap.String("subject", s.Subject.String()))
	return s, nil
}

// End waits for the second tap of the same subject and completes its session.
// The session is completed locally whatever happens to the end record.
func (m *Machine) End(ctx context.Context, payload json.RawMessage) (*EndReport, error) {
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, errors.New("validation: result payload must be JSON")
	}
	res, err := m.validate(ctx)
	if err != nil {
		return nil, err
	}

	s, err := m.store.BySubject(ctx, res.Subject())
	if errors.Is(err, errs.ErrNotFound) || (err == nil && !endable(s)) {
		return nil, fmt.Errorf("subject %s: %w", res.Subject(), errs.ErrNoActiveSession)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s.State == model.SessionAwaitingEnd {
		m.log.Warn("resuming interrupted session end", zap.String("session", s.ID.String()))
	}

	// from here on the operator's second tap is committed
	ctx = context.WithoutCancel(ctx)
	s.State = model.SessionAwaitingEnd
	if err := m.store.Update(ctx, s); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	ended := m.now().UTC()
	rec := model.SessionEnd{
		SessionID:     s.ID,
		Subject:       s.Subject,
		WorkRef:       s.WorkRef,
		StartedAt:     *s.StartedAt,
		EndedAt:       ended,
		ResultPayload: payload,
	}
	rep := &EndReport{EndedAt: ended}
	fields := []zap.Field{zap.String("session", s.ID.String()), zap.String("subject", s.Subject.String())}

	var subErr error
	if s.StartQueued {
		subErr = errors.New("start record still queued")
	} else {
		subErr = m.rec.EndSession(ctx, rec)
	}

	switch {
	case subErr == nil, errors.Is(subErr, errs.ErrConflict):
		rep.Delivery = Delivered
	case errors.Is(subErr, errs.ErrTimingPolicy):
		// the session still closes and nothing is queued
		rep.Delivery = DiscardedByPolicy
		m.log.Warn("session end rejected by timing policy, discarded", append(fields, zap.Error(subErr))...)
		if err := m.audit.Record(audit.Event{
			Kind:   audit.KindTimingPolicy,
			Token:  s.Subject.String(),
			Ref:    s.ID.String(),
			Reason: fmt.Sprintf("duration %s rejected: %v", ended.Sub(*s.StartedAt).Round(time.Second), subErr),
		}); err != nil {
			m.log.Error("audit write failed", zap.Error(err))
		}
	default:
		a, err := m.enqueue(ctx, model.KindSessionEnd, rec)
		if err != nil {
			// the end record exists nowhere; reopen so the operator can tap again
			s.State = model.SessionInProgress
			if uerr := m.store.Update(ctx, s); uerr != nil {
				m.log.Error("reopen session failed", append(fields, zap.Error(uerr))...)
			}
			return nil, err
		}
		rep.Delivery = Queued
		rep.QueuedID = a.ID
		m.log.Info("session end queued", append(fields, zap.String("action", a.ID.String()), zap.NamedError("cause", subErr))...)
	}

	if err := m.store.Delete(ctx, s.ID); err != nil {
		return nil, fmt.Errorf("close session: %w", err)
	}
	s.State = model.SessionCompleted
	rep.Session = *s
	m.log.Info("session completed", append(fields, zap.String("delivery", string(rep.Delivery)))...)
	return rep, nil
}

// create opens s, first clearing a session of the same subject that never
// got past AwaitingStart (an interrupted Start).
func (m *Machine) create(ctx context.Context, s *model.ScanSession) error {
	err := m.store.Create(ctx, s)
	if errors.Is(err, errs.ErrSessionAlreadyActive) {
		stale, lerr := m.store.BySubject(ctx, s.Subject)
		if lerr == nil && stale.State == model.SessionAwaitingStart && stale.StartedAt == nil {
			m.log.Warn("dropping interrupted session start", zap.String("session", stale.ID.String()))
			if err = m.store.Delete(ctx, stale.ID); err == nil {
				err = m.store.Create(ctx, s)
			}
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrSessionAlreadyActive):
		return fmt.Errorf("subject %s: %w", s.Subject, errs.ErrSessionAlreadyActive)
	default:
		return fmt.Errorf("open session: %w", err)
	}
}

// endable reports whether End may complete s. AwaitingEnd means a previous
// End was interrupted before the record was handed off.
func endable(s *model.ScanSession) bool {
	return s.StartedAt != nil && (s.State == model.SessionInProgress || s.State == model.SessionAwaitingEnd)
}

// Cancel drops the open session of subject, returning it to Idle. Nothing is
// sent to the server; a start record already delivered stays open there.
func (m *Machine) Cancel(ctx context.Context, subject model.TokenIdentity) error {
	s, err := m.store.BySubject(ctx, subject)
	if errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("subject %s: %w", subject, errs.ErrNoActiveSession)
	}
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, s.ID); err != nil {
		return err
	}
	m.log.Info("session cancelled", zap.String("session", s.ID.String()), zap.String("subject", subject.String()))
	return nil
}

// Active lists open sessions.
func (m *Machine) Active(ctx context.Context) ([]model.ScanSession, error) {
	return m.store.List(ctx)
}

func (m *Machine) enqueue(ctx context.Context, kind model.ActionKind, v any) (*model.QueuedAction, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	a, err := m.q.Enqueue(ctx, kind, b)
	if err != nil {
		m.log.Error("queueing failed, record not durable", zap.String("kind", string(kind)), zap.Error(err))
		return nil, fmt.Errorf("queue %s: %w", kind, err)
	}
	return a, nil
}
