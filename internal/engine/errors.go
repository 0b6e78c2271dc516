package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/ofrenda/internal/ir"
)

// ErrorCode categorizes dispatch failures.
type ErrorCode string

const (
	// ErrCodeValidation: the action or the post-reduction state failed
	// structural checks.
	ErrCodeValidation ErrorCode = "validation_error"

	// ErrCodeActionFailed: the reducer returned an error or panicked.
	ErrCodeActionFailed ErrorCode = "action_failed"

	// ErrCodeStateSync: the reducer could not reconcile external state.
	ErrCodeStateSync ErrorCode = "state_sync_error"

	// ErrCodeRegistration: a module with the same name is already registered.
	ErrCodeRegistration ErrorCode = "registration_error"

	// ErrCodeUnknownAction: no registered module handles the action type.
	ErrCodeUnknownAction ErrorCode = "unknown_action"
)

// ErrStateSync marks reducer errors caused by state that cannot be
// reconciled. Reducers wrap it; the engine maps it to ErrCodeStateSync.
var ErrStateSync = errors.New("state out of sync")

// EngineError is the typed error returned by the engine.
type EngineError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	ActionID   string
	ActionType ir.ActionType
	Payload    ir.Payload
	Module     ir.ModuleName

	// Retries is how many times the reducer was retried before giving up.
	Retries int

	// Recoverable reports whether a recovery strategy may repair the failure.
	Recoverable bool

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.ActionType != "" {
		msg += fmt.Sprintf(" (action=%s", e.ActionType)
		if e.ActionID != "" {
			msg += fmt.Sprintf(", id=%s", e.ActionID)
		}
		if e.Retries > 0 {
			msg += fmt.Sprintf(", retries=%d", e.Retries)
		}
		msg += ")"
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// recoverable reports the default recoverability of a code.
func recoverable(code ErrorCode) bool {
	switch code {
	case ErrCodeActionFailed, ErrCodeStateSync:
		return true
	}
	return false
}

// Invalidf returns a validation error. Reducers use it to reject an action
// the current state cannot accept.
func Invalidf(format string, args ...any) error {
	return &EngineError{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

// newError builds an EngineError for action a.
func newError(code ErrorCode, a ir.Action, module ir.ModuleName, err error) *EngineError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &EngineError{
		Code:        code,
		Message:     msg,
		ActionID:    a.ID,
		ActionType:  a.Type,
		Payload:     a.Payload,
		Module:      module,
		Recoverable: recoverable(code),
		Err:         err,
	}
}

// asEngineError returns err as an *EngineError, classifying plain errors.
func asEngineError(err error, a ir.Action, module ir.ModuleName) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) {
		if ee.ActionID == "" {
			ee.ActionID, ee.ActionType, ee.Payload = a.ID, a.Type, a.Payload
		}
		if ee.Module == "" {
			ee.Module = module
		}
		return ee
	}
	if errors.Is(err, ErrStateSync) {
		return newError(ErrCodeStateSync, a, module, err)
	}
	return newError(ErrCodeActionFailed, a, module, err)
}

// CodeOf returns the EngineError code of err, or "" if err is not one.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsValidationError returns true if err is a validation error.
func IsValidationError(err error) bool {
	return CodeOf(err) == ErrCodeValidation
}

// IsRegistrationError returns true if err is a registration error.
func IsRegistrationError(err error) bool {
	return CodeOf(err) == ErrCodeRegistration
}

// IsUnknownAction returns true if err reports an unroutable action.
func IsUnknownAction(err error) bool {
	return CodeOf(err) == ErrCodeUnknownAction
}
