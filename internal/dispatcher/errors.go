package dispatcher

import (
	"errors"
	"fmt"

	"github.com/stealth-dispatcher/internal/proxypool"
	"github.com/stealth-dispatcher/internal/tokens"
	"github.com/stealth-dispatcher/internal/types"
)

// ErrRetriesExhausted is wrapped when the attempt ceiling is reached
var ErrRetriesExhausted = errors.New("attempt ceiling reached")

// DispatchError is the terminal failure of one logical request
type DispatchError struct {
	Kind       types.FailureKind
	Attempts   int
	StatusCode int
	Err        error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch failed after %d attempt(s): %s: %v", e.Attempts, e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Recoverable reports whether the caller may retry after pausing
func (e *DispatchError) Recoverable() bool {
	return e.Kind == types.FailureTargetRateLimited
}

// StatusError is returned for responses the target answered with a failing status
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string { return fmt.Sprintf("HTTP %d", e.StatusCode) }

// IsFatal reports whether err means no further request can be issued this run
func IsFatal(err error) bool {
	return errors.Is(err, proxypool.ErrNoHealthyProxy) || errors.Is(err, tokens.ErrNoValidCredentials)
}
