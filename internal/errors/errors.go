// Package errors provides structured error types for stage coordination.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common failure modes.
var (
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnavailable       = errors.New("service unavailable")
	ErrConflict          = errors.New("write conflict")
	ErrBusy              = errors.New("storage busy")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Kind groups failures by where in the stage lifecycle they happened.
type Kind string

const (
	KindAdmission   Kind = "admission"
	KindAdapter     Kind = "adapter"
	KindReservation Kind = "reservation"
	KindPersistence Kind = "persistence"
)

// Code is the stable, machine-readable reason carried on execution records.
type Code string

const (
	CodePremiumMinBalance    Code = "premium_min_balance_not_met"
	CodeSimultaneousJobLimit Code = "simultaneous_job_limit"
	CodeDailyLimitExceeded   Code = "daily_limit_exceeded"
	CodeBudgetExhausted      Code = "budget_exhausted"
	CodeInsufficientCredits  Code = "insufficient_credits"
	CodeDuplicateJob         Code = "duplicate_job"
	CodeAdapterFailed        Code = "adapter_failed"
	CodeNoAdapter            Code = "no_adapter"
	CodeFallbacksExhausted   Code = "fallbacks_exhausted"
	CodePersistenceFailed    Code = "persistence_failed"
	CodeDependencyDown       Code = "dependency_unavailable"
)

// StageError is a classified failure produced while admitting, reserving for,
// or executing a stage.
type StageError struct {
	Kind    Kind
	Code    Code
	Message string
	Err     error
}

func (e *StageError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *StageError) Unwrap() error { return e.Err }

// Admission creates an admission-kind error. Admission errors are raised before
// any adapter call.
func Admission(code Code, message string) *StageError {
	return &StageError{Kind: KindAdmission, Code: code, Message: message}
}

// Reservation creates a reservation-kind error.
func Reservation(code Code, message string) *StageError {
	return &StageError{Kind: KindReservation, Code: code, Message: message}
}

// Adapter wraps an adapter failure.
func Adapter(code Code, message string, err error) *StageError {
	return &StageError{Kind: KindAdapter, Code: code, Message: message, Err: err}
}

// Persistence wraps a storage failure that happened after an outcome was computed.
func Persistence(message string, err error) *StageError {
	return &StageError{Kind: KindPersistence, Code: CodePersistenceFailed, Message: message, Err: err}
}

// CodeOf returns the Code of the first StageError in err's chain, or "".
func CodeOf(err error) Code {
	var se *StageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// KindOf returns the Kind of the first StageError in err's chain, or "".
func KindOf(err error) Kind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsRetryable returns true if the error is a transient storage condition worth
// retrying: a busy database or an optimistic write collision.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable)
}
