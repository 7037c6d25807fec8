// Package mailbox defines the capability interface the acquisition engine
// borrows from an already authenticated mailbox, plus the error
// classification shared by all provider adapters.
package mailbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/dhcgn/otp-inbox/model"
)

// ErrSessionInvalid marks errors after which the session cannot be used
// again without out-of-band re-authentication.
var ErrSessionInvalid = errors.New("mailbox session invalid")

// Session is implemented by every provider adapter. Search returns
// candidates most-recent-first. Implementations must be safe for
// concurrent use.
type Session interface {
	Search(ctx context.Context, query string, limit int) ([]model.Candidate, error)
	Fetch(ctx context.Context, id string) (model.Message, error)
	MarkConsumed(ctx context.Context, id string) error
}

// Scoper is implemented by sessions whose message ids are only unique
// within a narrower namespace than the provider, such as an IMAP folder.
// LedgerScope names that namespace.
type Scoper interface {
	LedgerScope() string
}

// AuthError indicates that a provider rejected the session credentials.
type AuthError struct {
	Provider string
	Message  string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error (%s): %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("auth error (%s): %s", e.Provider, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrSessionInvalid) match any AuthError.
func (e *AuthError) Is(target error) bool {
	return target == ErrSessionInvalid
}

// IsSessionInvalid reports whether err (or any error in its chain) means
// the session is unusable.
func IsSessionInvalid(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionInvalid) {
		return true
	}
	var authErr *AuthError
	return errors.As(err, &authErr)
}
