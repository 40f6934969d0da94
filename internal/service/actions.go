package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
	"github.com/and161185/fieldtrace/internal/repository"
)

// ActionService applies generic device actions exactly once per idempotency key.
type ActionService struct {
	repo repository.ActionRepository
	log  *zap.Logger
}

// NewActionService constructs an ActionService.
func NewActionService(repo repository.ActionRepository, log *zap.Logger) *ActionService {
	if log == nil {
		log = zap.NewNop()
	}
	return &ActionService{repo: repo, log: log}
}

// Apply records the action. applied is false when key was already seen; the
// caller reports success either way.
func (s *ActionService) Apply(ctx context.Context, scope string, key uuid.UUID, kind string, payload json.RawMessage) (applied bool, err error) {
	if key == uuid.Nil {
		return false, fmt.Errorf("missing idempotency key: %w", errs.ErrInvalid)
	}
	if kind == "" || !json.Valid(payload) {
		return false, fmt.Errorf("action needs a kind and a JSON payload: %w", errs.ErrInvalid)
	}
	applied, err = s.repo.Apply(ctx, &model.ActionReceipt{ID: key, Scope: scope, Kind: kind, Payload: payload})
	if err != nil {
		return false, err
	}
	if !applied {
		s.log.Debug("action redelivered", zap.String("key", key.String()), zap.String("kind", kind))
	}
	return applied, nil
}
