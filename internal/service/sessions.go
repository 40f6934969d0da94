package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
	"github.com/and161185/fieldtrace/internal/repository"
)

// TimingPolicy bounds the duration of a scan session. A zero Max is unbounded.
type TimingPolicy struct {
	Min time.Duration
	Max time.Duration
}

// Check returns errs.ErrTimingPolicy when d is out of bounds.
func (p TimingPolicy) Check(d time.Duration) error {
	if d < p.Min || d < 0 {
		return fmt.Errorf("duration %s below minimum %s: %w", d, p.Min, errs.ErrTimingPolicy)
	}
	if p.Max > 0 && d > p.Max {
		return fmt.Errorf("duration %s above maximum %s: %w", d, p.Max, errs.ErrTimingPolicy)
	}
	return nil
}

// SessionService records scan-session timing. Start and End are idempotent on
// the session id so devices may redeliver from their offline queue.
type SessionService struct {
	repo   repository.SessionRepository
	policy TimingPolicy
	log    *zap.Logger
}

// NewSessionService constructs a SessionService.
func NewSessionService(repo repository.SessionRepository, policy TimingPolicy, log *zap.Logger) *SessionService {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionService{repo: repo, policy: policy, log: log}
}

// Start records a session start. Redelivery of a known id succeeds.
func (s *SessionService) Start(ctx context.Context, scope string, in model.SessionStart) error {
	if in.SessionID == uuid.Nil || in.Subject == uuid.Nil || in.StartedAt.IsZero() {
		return fmt.Errorf("session start: missing id/subject/started_at: %w", errs.ErrInvalid)
	}
	err := s.repo.Start(ctx, &model.Session{
		ID:        in.SessionID,
		Scope:     scope,
		Subject:   in.Subject,
		WorkRef:   in.WorkRef,
		StartedAt: in.StartedAt.UTC(),
	})
	if errors.Is(err, errs.ErrAlreadyExists) {
		s.log.Debug("session start redelivered", zap.String("session", in.SessionID.String()))
		return nil
	}
	return err
}

// End completes a session after checking the timing policy. An end whose
// start never arrived is recorded from its own start fields. Ending twice
// yields errs.ErrConflict.
func (s *SessionService) End(ctx context.Context, scope string, in model.SessionEnd) error {
	if in.SessionID == uuid.Nil || in.EndedAt.IsZero() {
		return fmt.Errorf("session end: missing id/ended_at: %w", errs.ErrInvalid)
	}
	if len(in.ResultPayload) > 0 && !json.Valid(in.ResultPayload) {
		return fmt.Errorf("session end: result payload is not JSON: %w", errs.ErrInvalid)
	}

	sess, err := s.repo.Get(ctx, scope, in.SessionID)
	if errors.Is(err, errs.ErrNotFound) {
		if err := s.Start(ctx, scope, model.SessionStart{
			SessionID: in.SessionID,
			Subject:   in.Subject,
			WorkRef:   in.WorkRef,
			StartedAt: in.StartedAt,
		}); err != nil {
			return err
		}
		sess, err = s.repo.Get(ctx, scope, in.SessionID)
	}
	if err != nil {
		return err
	}
	if sess.EndedAt != nil {
		return fmt.Errorf("session %s already ended: %w", in.SessionID, errs.ErrConflict)
	}
	if in.Subject != uuid.Nil && in.Subject != sess.Subject {
		return fmt.Errorf("session %s: end subject differs from start: %w", in.SessionID, errs.ErrInvalid)
	}

	if err := s.policy.Check(in.EndedAt.Sub(sess.StartedAt)); err != nil {
		s.log.Info("session rejected by timing policy",
			zap.String("session", in.SessionID.String()),
			zap.String("subject", sess.Subject.String()),
			zap.Error(err))
		return err
	}
	return s.repo.End(ctx, scope, in.SessionID, in.EndedAt.UTC(), in.ResultPayload)
}
