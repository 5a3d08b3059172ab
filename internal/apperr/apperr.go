// Package apperr defines the closed business-error taxonomy the engine
// returns. The HTTP layer maps each kind to a status code; everything
// else (transient agent errors, internal failures) stays a plain wrapped
// error and never reaches this taxonomy.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the engine's business-error categories. Transient
// agent errors (rate limit, connection, timeout, upstream 5xx) are
// deliberately not part of this taxonomy: the Lifecycle classifies those
// itself and they never bubble past it.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindInvalidState  Kind = "invalid_state"
	KindBudgetExhaust Kind = "budget_exhausted"
	KindPlanParse     Kind = "plan_parse"
	KindCycleDetected Kind = "cycle_detected"
	KindConflict      Kind = "conflict"
)

// Error wraps a Kind with a message and an optional cause, so
// errors.Is/errors.As can recover the business-error kind from anywhere
// it was wrapped with fmt.Errorf("...: %w", err).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, apperr.NotFound) match any *Error of that kind,
// regardless of message or cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

func new(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Sentinel values usable with errors.Is(err, apperr.NotFound).
var (
	NotFound      = new(KindNotFound, "not found")
	InvalidState  = new(KindInvalidState, "invalid state")
	BudgetExhaust = new(KindBudgetExhaust, "budget exhausted")
	PlanParse     = new(KindPlanParse, "plan parse error")
	CycleDetected = new(KindCycleDetected, "cycle detected")
	Conflict      = new(KindConflict, "conflict")
)

// NotFoundf builds a NotFound error with a specific message.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// InvalidStatef builds an InvalidState error with a specific message.
func InvalidStatef(format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

// BudgetExhaustedf builds a BudgetExhausted error with a specific message.
func BudgetExhaustedf(format string, args ...any) error {
	return &Error{Kind: KindBudgetExhaust, Message: fmt.Sprintf(format, args...)}
}

// PlanParsef builds a PlanParse error with a specific message.
func PlanParsef(format string, args ...any) error {
	return &Error{Kind: KindPlanParse, Message: fmt.Sprintf(format, args...)}
}

// CycleDetectedf builds a CycleDetected error naming the two offending
// task titles.
func CycleDetectedf(format string, args ...any) error {
	return &Error{Kind: KindCycleDetected, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds a Conflict error with a specific message.
func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// StatusCode maps a Kind to the HTTP status the API surface returns
// for it.
func StatusCode(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return 500
	}
	switch e.Kind {
	case KindNotFound:
		return 404
	case KindInvalidState:
		return 409
	case KindBudgetExhaust:
		return 402
	case KindPlanParse, KindCycleDetected:
		return 422
	case KindConflict:
		return 400
	default:
		return 500
	}
}
