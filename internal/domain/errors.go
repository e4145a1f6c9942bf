package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors, matchable with errors.Is against the typed errors below.
var (
	ErrActionNotSupported    = errors.New("action not supported")
	ErrConditionNotSupported = errors.New("condition not supported")
	ErrActionNotAllowed      = errors.New("action not allowed")
	ErrAdapter               = errors.New("cloud adapter error")
	ErrMalformedInput        = errors.New("malformed input")
)

// ActionNotSupportedError is returned when an action id is absent from the catalogue
type ActionNotSupportedError struct {
	ActionID string
}

func (e *ActionNotSupportedError) Error() string {
	return fmt.Sprintf("action %s is not supported", e.ActionID)
}

func (e *ActionNotSupportedError) Is(target error) bool {
	return target == ErrActionNotSupported
}

// ConditionNotSupportedError is returned when a condition operator has no evaluator
type ConditionNotSupportedError struct {
	Kind string
}

func (e *ConditionNotSupportedError) Error() string {
	return fmt.Sprintf("condition %s is not supported", e.Kind)
}

func (e *ConditionNotSupportedError) Is(target error) bool {
	return target == ErrConditionNotSupported
}

// ActionNotAllowedError is returned when the constraint table or a simulation
// precondition rejects an action between two nodes. Target is empty for
// actions without a concrete counterpart.
type ActionNotAllowedError struct {
	Source string
	Target string
	Action string
	Reason string
}

func (e *ActionNotAllowedError) Error() string {
	target := e.Target
	if target == "" {
		target = "*"
	}
	msg := fmt.Sprintf("action %s not allowed from %s to %s", e.Action, e.Source, target)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ActionNotAllowedError) Is(target error) bool {
	return target == ErrActionNotAllowed
}

// AdapterError wraps a cloud provider failure with its provider error code
type AdapterError struct {
	Operation string
	Code      string
	Err       error
}

func (e *AdapterError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("adapter %s failed (%s): %v", e.Operation, e.Code, e.Err)
	}
	return fmt.Sprintf("adapter %s failed: %v", e.Operation, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

func (e *AdapterError) Is(target error) bool {
	return target == ErrAdapter
}

// MalformedInputError reports a structurally invalid policy document or identifier
type MalformedInputError struct {
	Field   string
	Message string
	Err     error
}

func (e *MalformedInputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed input on %s: %s: %v", e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("malformed input on %s: %s", e.Field, e.Message)
}

func (e *MalformedInputError) Unwrap() error {
	return e.Err
}

func (e *MalformedInputError) Is(target error) bool {
	return target == ErrMalformedInput
}
