package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
	"github.com/and161185/fieldtrace/internal/repository"
)

type fakeWhitelist struct {
	entries map[string][]model.WhitelistEntry
	listErr error
}

var _ repository.WhitelistRepository = (*fakeWhitelist)(nil)

func (f *fakeWhitelist) List(_ context.Context, scope string) ([]model.WhitelistEntry, error) {
	return f.entries[scope], f.listErr
}
func (f *fakeWhitelist) Upsert(_ context.Context, scope string, e model.WhitelistEntry) error {
	if f.entries == nil {
		f.entries = map[string][]model.WhitelistEntry{}
	}
	for i, cur := range f.entries[scope] {
		if cur.Token == e.Token {
			f.entries[scope][i] = e
			return nil
		}
	}
	f.entries[scope] = append(f.entries[scope], e)
	return nil
}
func (f *fakeWhitelist) SetStatus(_ context.Context, scope string, token model.TokenIdentity, st model.EntryStatus) error {
	for i, cur := range f.entries[scope] {
		if cur.Token == token {
			f.entries[scope][i].Status = st
			return nil
		}
	}
	return errs.ErrNotFound
}

func TestWhitelistService(t *testing.T) {
	ctx := context.Background()
	repo := &fakeWhitelist{}
	s := NewWhitelistService(repo)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	tok := uuid.Must(uuid.NewV4())

	require.ErrorIs(t, s.Upsert(ctx, "plant-a", model.WhitelistEntry{}), errs.ErrInvalid)
	require.ErrorIs(t, s.Upsert(ctx, "plant-a", model.WhitelistEntry{Token: tok, Status: "revoked"}), errs.ErrInvalid)
	require.ErrorIs(t, s.Upsert(ctx, "plant-a", model.WhitelistEntry{Token: tok, Location: &model.Location{Name: "x"}}), errs.ErrInvalid)

	require.NoError(t, s.Upsert(ctx, "plant-a", model.WhitelistEntry{Token: tok}))
	snap, err := s.Snapshot(ctx, "plant-a")
	require.NoError(t, err)
	require.Equal(t, "plant-a", snap.Scope)
	require.Equal(t, now, snap.LastSyncedAt)
	require.Len(t, snap.Entries, 1)
	require.Equal(t, model.StatusActive, snap.Entries[0].Status, "status defaults to active")
	require.Equal(t, now, snap.Entries[0].ActivatedAt)

	require.NoError(t, s.SetStatus(ctx, "plant-a", tok, model.StatusUnderService))
	require.Equal(t, model.StatusUnderService, repo.entries["plant-a"][0].Status)
	require.ErrorIs(t, s.SetStatus(ctx, "plant-a", tok, "gone"), errs.ErrInvalid)
	require.ErrorIs(t, s.SetStatus(ctx, "plant-b", tok, model.StatusActive), errs.ErrNotFound)

	repo.listErr = errors.New("db down")
	_, err = s.Snapshot(ctx, "plant-a")
	require.Error(t, err)
}

type fakeSessions struct {
	byID map[uuid.UUID]*model.Session
}

var _ repository.SessionRepository = (*fakeSessions)(nil)

func (f *fakeSessions) Start(_ context.Context, s *model.Session) error {
	if _, ok := f.byID[s.ID]; ok {
		return errs.ErrAlreadyExists
	}
	c := *s
	f.byID[s.ID] = &c
	return nil
}
func (f *fakeSessions) Get(_ context.Context, scope string, id uuid.UUID) (*model.Session, error) {
	s, ok := f.byID[id]
	if !ok || s.Scope != scope {
		return nil, errs.ErrNotFound
	}
	c := *s
	return &c, nil
}
func (f *fakeSessions) End(_ context.Context, scope string, id uuid.UUID, endedAt time.Time, result []byte) error {
	s, ok := f.byID[id]
	if !ok || s.Scope != scope {
		return errs.ErrNotFound
	}
	if s.EndedAt != nil {
		return errs.ErrConflict
	}
	s.EndedAt = &endedAt
	s.Result = result
	return nil
}

func TestTimingPolicy_Check(t *testing.T) {
	p := TimingPolicy{Min: time.Second, Max: time.Hour}
	require.NoError(t, p.Check(time.Minute))
	require.ErrorIs(t, p.Check(500*time.Millisecond), errs.ErrTimingPolicy)
	require.ErrorIs(t, p.Check(2*time.Hour), errs.ErrTimingPolicy)
	require.ErrorIs(t, TimingPolicy{}.Check(-time.Second), errs.ErrTimingPolicy, "end before start")
	require.NoError(t, TimingPolicy{}.Check(1000*time.Hour), "zero max is unbounded")
}

func TestSessionService_StartEnd(t *testing.T) {
	ctx := context.Background()
	repo := &fakeSessions{byID: map[uuid.UUID]*model.Session{}}
	s := NewSessionService(repo, TimingPolicy{Min: 5 * time.Second, Max: time.Hour}, zaptest.NewLogger(t))

	start := time.Now().UTC().Add(-10 * time.Minute)
	in := model.SessionStart{SessionID: uuid.Must(uuid.NewV4()), Subject: uuid.Must(uuid.NewV4()), WorkRef: "weld-9", StartedAt: start}

	require.ErrorIs(t, s.Start(ctx, "plant-a", model.SessionStart{}), errs.ErrInvalid)
	require.NoError(t, s.Start(ctx, "plant-a", in))
	require.NoError(t, s.Start(ctx, "plant-a", in), "redelivered start is accepted")

	end := model.SessionEnd{
		SessionID:     in.SessionID,
		Subject:       in.Subject,
		StartedAt:     start,
		EndedAt:       start.Add(2 * time.Second),
		ResultPayload: json.RawMessage(`{"passes":3}`),
	}
	require.ErrorIs(t, s.End(ctx, "plant-a", end), errs.ErrTimingPolicy)
	require.Nil(t, repo.byID[in.SessionID].EndedAt, "rejected end leaves the session open")

	end.Subject = uuid.Must(uuid.NewV4())
	end.EndedAt = start.Add(time.Minute)
	require.ErrorIs(t, s.End(ctx, "plant-a", end), errs.ErrInvalid)

	end.Subject = in.Subject
	require.NoError(t, s.End(ctx, "plant-a", end))
	require.JSONEq(t, `{"passes":3}`, string(repo.byID[in.SessionID].Result))
	require.ErrorIs(t, s.End(ctx, "plant-a", end), errs.ErrConflict)

	end.ResultPayload = json.RawMessage(`{broken`)
	require.ErrorIs(t, s.End(ctx, "plant-a", end), errs.ErrInvalid)
}

func TestSessionService_EndWithoutStart(t *testing.T) {
	ctx := context.Background()
	repo := &fakeSessions{byID: map[uuid.UUID]*model.Session{}}
	s := NewSessionService(repo, TimingPolicy{}, nil)

	start := time.Now().UTC().Add(-time.Minute)
	end := model.SessionEnd{
		SessionID: uuid.Must(uuid.NewV4()),
		Subject:   uuid.Must(uuid.NewV4()),
		WorkRef:   "weld-1",
		StartedAt: start,
		EndedAt:   start.Add(30 * time.Second),
	}
	require.NoError(t, s.End(ctx, "plant-a", end))
	got := repo.byID[end.SessionID]
	require.Equal(t, "weld-1", got.WorkRef)
	require.NotNil(t, got.EndedAt)

	orphan := end
	orphan.SessionID = uuid.Must(uuid.NewV4())
	orphan.StartedAt = time.Time{}
	require.ErrorIs(t, s.End(ctx, "plant-a", orphan), errs.ErrInvalid)
}

type fakeActions struct {
	seen map[uuid.UUID]model.ActionReceipt
	err  error
}

var _ repository.ActionRepository = (*fakeActions)(nil)

func (f *fakeActions) Apply(_ context.Context, r *model.ActionReceipt) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.seen[r.ID]; ok {
		return false, nil
	}
	f.seen[r.ID] = *r
	return true, nil
}

func TestActionService_Apply(t *testing.T) {
	ctx := context.Background()
	repo := &fakeActions{seen: map[uuid.UUID]model.ActionReceipt{}}
	s := NewActionService(repo, zaptest.NewLogger(t))
	key := uuid.Must(uuid.NewV4())

	_, err := s.Apply(ctx, "plant-a", uuid.Nil, "inspection", json.RawMessage(`{}`))
	require.ErrorIs(t, err, errs.ErrInvalid)
	_, err = s.Apply(ctx, "plant-a", key, "", json.RawMessage(`{}`))
	require.ErrorIs(t, err, errs.ErrInvalid)
	_, err = s.Apply(ctx, "plant-a", key, "inspection", json.RawMessage(`nope`))
	require.ErrorIs(t, err, errs.ErrInvalid)

	applied, err := s.Apply(ctx, "plant-a", key, "inspection", json.RawMessage(`{"weld":"W-1"}`))
	require.NoError(t, err)
	require.True(t, applied)
	applied, err = s.Apply(ctx, "plant-a", key, "inspection", json.RawMessage(`{"weld":"W-1"}`))
	require.NoError(t, err)
	require.False(t, applied)
	require.Len(t, repo.seen, 1)
	require.Equal(t, "plant-a", repo.seen[key].Scope)

	repo.err = errors.New("db down")
	_, err = s.Apply(ctx, "plant-a", uuid.Must(uuid.NewV4()), "inspection", json.RawMessage(`{}`))
	require.Error(t, err)
}
