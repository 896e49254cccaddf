package session

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated means there is no signed-in identity. It is the
// normal result for anonymous visitors, not a failure.
var ErrNotAuthenticated = errors.New("not authenticated")

// LookupError means the identity could not be resolved because a provider
// call failed. Unlike ErrNotAuthenticated the visitor may well be signed in.
type LookupError struct {
	Op  string
	Err error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// InputError is raised by validation before any provider call is made.
// Message is user-facing.
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }

func invalid(msg string) error { return &InputError{Message: msg} }

// AuthError is a provider rejection with a user-facing message, either
// remapped from a known provider message or passed through verbatim.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string { return e.Message }

func (e *AuthError) Unwrap() error { return e.Err }
