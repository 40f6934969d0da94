// Package memory holds the server-of-record repositories in process memory,
// for development runs without PostgreSQL and for end-to-end tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
)

// Store implements every server repository interface.
type Store struct {
	mu        sync.RWMutex
	devices   map[string]*model.Device // by name
	whitelist map[string]map[uuid.UUID]model.WhitelistEntry
	sessions  map[uuid.UUID]*model.Session
	receipts  map[uuid.UUID]model.ActionReceipt
	now       func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		devices:   make(map[string]*model.Device),
		whitelist: make(map[string]map[uuid.UUID]model.WhitelistEntry),
		sessions:  make(map[uuid.UUID]*model.Session),
		receipts:  make(map[uuid.UUID]model.ActionReceipt),
		now:       time.Now,
	}
}

// Create implements DeviceRepository.
func (s *Store) Create(_ context.Context, d *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[d.Name]; ok {
		return errs.ErrAlreadyExists
	}
	for _, cur := range s.devices {
		if cur.ID == d.ID {
			return errs.ErrAlreadyExists
		}
	}
	c := *d
	c.CreatedAt = s.now().UTC()
	s.devices[d.Name] = &c
	return nil
}

// GetByID implements DeviceRepository.
func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.devices {
		if d.ID == id {
			c := *d
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

// GetByName implements DeviceRepository.
func (s *Store) GetByName(_ context.Context, name string) (*model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[name]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *d
	return &c, nil
}

// MasterSecret implements DeviceRepository.
func (s *Store) MasterSecret(_ context.Context, scope string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.devices {
		if d.Scope == scope {
			return append([]byte(nil), d.MasterSecret...), nil
		}
	}
	return nil, errs.ErrNotFound
}

// RotateMasterSecret implements DeviceRepository.
func (s *Store) RotateMasterSecret(_ context.Context, scope string, secret []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.devices {
		if d.Scope == scope {
			d.MasterSecret = append([]byte(nil), secret...)
			n++
		}
	}
	if n == 0 {
		return 0, errs.ErrNotFound
	}
	return n, nil
}

// List implements WhitelistRepository.
func (s *Store) List(_ context.Context, scope string) ([]model.WhitelistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.WhitelistEntry, 0, len(s.whitelist[scope]))
	for _, e := range s.whitelist[scope] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ActivatedAt.Equal(out[j].ActivatedAt) {
			return out[i].ActivatedAt.Before(out[j].ActivatedAt)
		}
		return out[i].Token.String() < out[j].Token.String()
	})
	return out, nil
}

// Upsert implements WhitelistRepository.
func (s *Store) Upsert(_ context.Context, scope string, e model.WhitelistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.whitelist[scope]
	if !ok {
		m = make(map[uuid.UUID]model.WhitelistEntry)
		s.whitelist[scope] = m
	}
	if e.Location != nil {
		loc := *e.Location
		e.Location = &loc
	}
	m[e.Token] = e
	return nil
}

// SetStatus implements WhitelistRepository.
func (s *Store) SetStatus(_ context.Context, scope string, token model.TokenIdentity, st model.EntryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.whitelist[scope][token]
	if !ok {
		return errs.ErrNotFound
	}
	e.Status = st
	s.whitelist[scope][token] = e
	return nil
}

// Start implements SessionRepository.
func (s *Store) Start(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return errs.ErrAlreadyExists
	}
	c := *sess
	s.sessions[sess.ID] = &c
	return nil
}

// Get implements SessionRepository.
func (s *Store) Get(_ context.Context, scope string, id uuid.UUID) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Scope != scope {
		return nil, errs.ErrNotFound
	}
	c := *sess
	return &c, nil
}

// End implements SessionRepository.
func (s *Store) End(_ context.Context, scope string, id uuid.UUID, endedAt time.Time, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Scope != scope {
		return errs.ErrNotFound
	}
	if sess.EndedAt != nil {
		return errs.ErrConflict
	}
	sess.EndedAt = &endedAt
	sess.Result = append([]byte(nil), result...)
	return nil
}

// Apply implements ActionRepository.
func (s *Store) Apply(_ context.Context, r *model.ActionReceipt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.receipts[r.ID]; ok {
		return false, nil
	}
	c := *r
	c.AppliedAt = s.now().UTC()
	s.receipts[r.ID] = c
	return true, nil
}

// Sessions returns every recorded session of scope, oldest first.
func (s *Store) Sessions(scope string) []model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Session
	for _, sess := range s.sessions {
		if sess.Scope == scope {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Receipts returns the number of applied actions.
func (s *Store) Receipts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.receipts)
}
