// FILE: errors.go
// Package main – Error taxonomy shared by the client, store and controller.
//
// Every boundary returns (value, error). Absence is ErrNotFound, never a nil
// value with a nil error. Callers classify with errors.Is / errors.As:
//   • transport errors       – *TransportError (reads retried by the client)
//   • malformed payloads     – ErrMalformed (abort this identity's turn)
//   • rejected actions       – *BadRequestError (message kept verbatim)
//   • lock timeout           – ErrLockTimeout (skip, retried next pass)
//   • partition violation    – ErrInconsistentState (manual intervention)
//   • bond retry exhaustion  – ErrBondExpired (reassessed next pass)
//   • book fan-out failure   – ErrAllCoordinatorsFailed

package main

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrMalformed             = errors.New("malformed response")
	ErrLockTimeout           = errors.New("lock acquisition timed out")
	ErrInconsistentState     = errors.New("robot found in more than one state")
	ErrBondExpired           = errors.New("bond not locked before retries ran out")
	ErrBondCheckFailed       = errors.New("bond invoice failed amount check")
	ErrAllCoordinatorsFailed = errors.New("all coordinators failed")
)

// BadRequestError is a coordinator's semantic rejection of a request.
type BadRequestError struct {
	Coordinator string
	Message     string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("%s bad request: %s", e.Coordinator, e.Message)
}

// TransportError wraps network failures and 5xx responses.
type TransportError struct {
	Coordinator string
	Op          string
	Err         error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Coordinator, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// malformed tags err with ErrMalformed and keeps the raw payload for the log.
func malformed(op string, raw []byte, err error) error {
	const maxRaw = 512
	if len(raw) > maxRaw {
		raw = raw[:maxRaw]
	}
	return fmt.Errorf("%w: %s: %v (payload=%q)", ErrMalformed, op, err, raw)
}

// isFatal reports errors that must not be healed by retrying next pass.
func isFatal(err error) bool {
	return errors.Is(err, ErrInconsistentState)
}

// errorKind maps an error to a short label used in logs and metrics.
func errorKind(err error) string {
	var br *BadRequestError
	var te *TransportError
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &br):
		return "bad_request"
	case errors.As(err, &te):
		return "transport"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrInconsistentState):
		return "inconsistent_state"
	case errors.Is(err, ErrBondExpired):
		return "bond_expired"
	case errors.Is(err, ErrBondCheckFailed):
		return "bond_check"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAllCoordinatorsFailed):
		return "book_unavailable"
	default:
		return "other"
	}
}
