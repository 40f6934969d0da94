package scan

import (
	"fmt"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
)

// Outcome tags a validation result. The five outcomes are exhaustive and
// mutually exclusive.
type Outcome string

const (
	Valid               Outcome = "valid"
	CloneSuspected      Outcome = "clone_suspected"
	NotAuthorized       Outcome = "not_authorized"
	TransportError      Outcome = "transport_error"
	AuthenticationError Outcome = "authentication_error"
)

// Retryable reports whether presenting the same token again may succeed.
func (o Outcome) Retryable() bool { return o == TransportError }

// Result is the single value produced by one validation.
type Result struct {
	Outcome Outcome
	// Entry is set only for Valid.
	Entry   *model.WhitelistEntry
	Readout model.BlockReadout
	// Reason is a short operator-facing explanation.
	Reason string
	// Err carries the underlying fault for TransportError and AuthenticationError.
	Err error
}

// Subject is the plaintext identity read from the token.
func (r Result) Subject() model.TokenIdentity { return r.Readout.Plaintext }

// AsError maps a non-valid result onto the sentinel callers match with errors.Is.
func (r Result) AsError() error {
	switch r.Outcome {
	case Valid:
		return nil
	case CloneSuspected:
		return fmt.Errorf("token %s: %s: %w", r.Readout.Plaintext, r.Reason, errs.ErrCloneSuspected)
	case NotAuthorized:
		return fmt.Errorf("token %s: %w", r.Readout.Plaintext, errs.ErrNotAuthorized)
	case AuthenticationError:
		if r.Err != nil {
			return fmt.Errorf("%s: %w", r.Reason, r.Err)
		}
		return fmt.Errorf("%s: %w", r.Reason, errs.ErrAuthentication)
	default:
		if r.Err != nil {
			return r.Err
		}
		return errs.ErrTransport
	}
}
