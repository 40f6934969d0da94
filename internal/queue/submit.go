package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fieldtrace/internal/model"
)

// Submitter delivers one action to the server of record.
type Submitter interface {
	Submit(ctx context.Context, a model.QueuedAction) error
}

// RecordAPI is the subset of the server-of-record client used for delivery.
type RecordAPI interface {
	StartSession(ctx context.Context, s model.SessionStart) error
	EndSession(ctx context.Context, e model.SessionEnd) error
	SubmitAction(ctx context.Context, id uuid.UUID, kind model.ActionKind, payload []byte) error
}

// RecordSubmitter routes session kinds to the session endpoints and
// everything else to POST /actions.
type RecordSubmitter struct{ API RecordAPI }

// Submit implements Submitter.
func (s RecordSubmitter) Submit(ctx context.Context, a model.QueuedAction) error {
	switch a.Kind {
	case model.KindSessionStart:
		var st model.SessionStart
		if err := json.Unmarshal(a.Payload, &st); err != nil {
			return fmt.Errorf("decode %s payload: %w", a.Kind, err)
		}
		return s.API.StartSession(ctx, st)
	case model.KindSessionEnd:
		var end model.SessionEnd
		if err := json.Unmarshal(a.Payload, &end); err != nil {
			return fmt.Errorf("decode %s payload: %w", a.Kind, err)
		}
		return s.API.EndSession(ctx, end)
	default:
		return s.API.SubmitAction(ctx, a.ID, a.Kind, a.Payload)
	}
}

// SubmitFunc adapts a function to Submitter.
type SubmitFunc func(ctx context.Context, a model.QueuedAction) error

// Submit implements Submitter.
func (f SubmitFunc) Submit(ctx context.Context, a model.QueuedAction) error { return f(ctx, a) }
