// Package model defines domain entities shared by the device agent and the server of record.
package model

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Tokens collects an issued device access token.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time // access token expiry (for diagnostics)
}

// EntryStatus is the lifecycle status of a whitelist entry.
type EntryStatus string

const (
	StatusActive       EntryStatus = "active"
	StatusInactive     EntryStatus = "inactive"
	StatusUnderService EntryStatus = "under_service"
)

// Valid reports whether s is one of the known statuses.
func (s EntryStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusUnderService:
		return true
	}
	return false
}

// Location is the optional place a token is bound to.
type Location struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WhitelistEntry authorizes one token identity for the current scope.
type WhitelistEntry struct {
	Token       TokenIdentity `json:"token"`
	Location    *Location     `json:"location,omitempty"`
	ActivatedAt time.Time     `json:"activated_at"`
	Status      EntryStatus   `json:"status"`
}

// Authorizes reports whether the entry yields an authorized validation.
func (e WhitelistEntry) Authorizes() bool { return e.Status == StatusActive }

// WhitelistSnapshot is the whole local cache for one scope.
type WhitelistSnapshot struct {
	Scope        string           `json:"scope"`
	Entries      []WhitelistEntry `json:"entries"`
	LastSyncedAt time.Time        `json:"last_synced_at"`
}

// BlockReadout is the transient result of one physical token read.
type BlockReadout struct {
	UID           []byte         // manufacturer serial, not trusted for authorization
	Plaintext     TokenIdentity  // block 1
	Verified      *TokenIdentity // block 4, nil unless authenticated
	Authenticated bool
}

// SessionState is a scan-pair session lifecycle state.
type SessionState string

const (
	SessionIdle          SessionState = "idle"
	SessionAwaitingStart SessionState = "awaiting_start"
	SessionInProgress    SessionState = "in_progress"
	SessionAwaitingEnd   SessionState = "awaiting_end"
	SessionCompleted     SessionState = "completed"
)

// ScanSession times one unit of physical work between two validated taps.
type ScanSession struct {
	ID        uuid.UUID
	Subject   TokenIdentity
	WorkRef   string // caller's reference for the unit of work (e.g. weld id)
	State     SessionState
	StartedAt *time.Time
	// StartQueued is set when the start record went to the offline queue; the
	// end record then follows it there to keep server-side order.
	StartQueued bool
}

// SessionStart is the payload of POST /scan-sessions/{id}/start.
type SessionStart struct {
	SessionID uuid.UUID     `json:"session_id"`
	Subject   TokenIdentity `json:"subject"`
	WorkRef   string        `json:"work_ref,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}

// SessionEnd is the payload of POST /scan-sessions/{id}/end.
type SessionEnd struct {
	SessionID     uuid.UUID       `json:"session_id"`
	Subject       TokenIdentity   `json:"subject"`
	WorkRef       string          `json:"work_ref,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       time.Time       `json:"ended_at"`
	ResultPayload json.RawMessage `json:"result_payload,omitempty"`
}

// ActionKind names what a queued action submits.
type ActionKind string

const (
	KindSessionStart ActionKind = "session-start"
	KindSessionEnd   ActionKind = "session-end"
	KindGeneric      ActionKind = "generic"
)

// ActionStatus is the lifecycle status of a queued action.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionInFlight ActionStatus = "in_flight"
	ActionFailed   ActionStatus = "failed"
	ActionDone     ActionStatus = "done"
)

// QueuedAction is a write that could not be confirmed synchronously.
type QueuedAction struct {
	ID          uuid.UUID // also the idempotency key
	Kind        ActionKind
	Payload     []byte
	EnqueuedAt  time.Time
	Attempts    int
	NextRetryAt time.Time
	Status      ActionStatus
	LastError   string
}

// Device is a handheld registered with the server of record.
type Device struct {
	ID           uuid.UUID
	Name         string // unique login name
	Scope        string // tenant scope the device operates in
	PwdHash      []byte // Argon2id(password, SaltAuth)
	SaltAuth     []byte
	MasterSecret []byte // shared token master secret for the scope
	CreatedAt    time.Time
}

// Session records a scan session as persisted by the server of record.
type Session struct {
	ID        uuid.UUID
	Scope     string
	Subject   TokenIdentity
	WorkRef   string
	StartedAt time.Time
	EndedAt   *time.Time
	Result    []byte
}

// ActionReceipt remembers an applied generic action by its idempotency key.
type ActionReceipt struct {
	ID        uuid.UUID
	Scope     string
	Kind      string
	Payload   []byte
	AppliedAt time.Time
}
