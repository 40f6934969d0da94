// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization against the server of record.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., device id taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalid indicates a malformed request to the server of record.
	ErrInvalid = errors.New("invalid argument")
)

// Token and reader sentinels.
var (
	// ErrTransport covers radio faults: no token in field, token removed mid-read,
	// radio gone. Retryable.
	ErrTransport = errors.New("reader transport error")

	// ErrAuthentication indicates a sector rejected the presented key. Not retryable
	// with the same key.
	ErrAuthentication = errors.New("sector authentication failed")

	// ErrReaderBusy indicates the radio session could not be acquired in time.
	ErrReaderBusy = errors.New("reader busy")

	// ErrReaderUnsupported indicates capability negotiation found no usable radio.
	ErrReaderUnsupported = errors.New("reader unsupported")

	// ErrMalformedIdentity indicates a token identity that is not exactly 128 bits.
	ErrMalformedIdentity = errors.New("malformed token identity")

	// ErrNoMasterSecret indicates the master secret has not been provisioned.
	ErrNoMasterSecret = errors.New("master secret not provisioned")
)

// Validation decisions. These are definitive answers, not faults.
var (
	// ErrCloneSuspected indicates plaintext and verified identities disagree, or a
	// whitelisted identity failed verification. Security event, never retried.
	ErrCloneSuspected = errors.New("clone suspected")

	// ErrNotAuthorized indicates a genuine token without an active whitelist entry.
	ErrNotAuthorized = errors.New("not authorized")
)

// Sync, session and queue sentinels.
var (
	// ErrSync indicates a whitelist pull failed; the local cache is retained.
	ErrSync = errors.New("whitelist sync failed")

	// ErrUnavailable indicates the server of record could not be reached or failed
	// with a transient error.
	ErrUnavailable = errors.New("server unavailable")

	// ErrConflict indicates the server already completed or modified the entity.
	ErrConflict = errors.New("conflict")

	// ErrTimingPolicy indicates the server rejected a session because its duration
	// is outside policy bounds.
	ErrTimingPolicy = errors.New("timing policy violation")

	// ErrSessionAlreadyActive indicates the subject already has a session in progress.
	ErrSessionAlreadyActive = errors.New("session already active")

	// ErrNoActiveSession indicates the subject has no session in progress.
	ErrNoActiveSession = errors.New("no active session")

	// ErrQueueExhausted indicates a queued action failed past the max attempt count.
	ErrQueueExhausted = errors.New("queued action exhausted")
)
