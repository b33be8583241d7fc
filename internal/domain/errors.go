// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrInvalidGraph       = errors.New("invalid step graph")
	ErrPlaybookNotFound   = errors.New("playbook not found")
	ErrPlaybookNotActive  = errors.New("playbook not active")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrRunNotFound        = errors.New("run not found")
	ErrStepRunNotFound    = errors.New("step run not found")
	ErrInvalidResumeState = errors.New("run cannot be resumed in its current state")
	ErrRunTerminal        = errors.New("run already terminal")
	ErrInvalidAPIKeyName  = errors.New("invalid api key name")
	ErrAPIKeyNotFound     = errors.New("api key not found")
)

// ValidationError describes a malformed playbook or request. It matches
// ErrValidation with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// HandlerExecutionError is the failure recorded on a step run when its
// handler returned an error or panicked.
type HandlerExecutionError struct {
	StepKey string
	Message string
	Stack   string
	Err     error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("step %s: %s", e.StepKey, e.Message)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// Detail renders the message plus the captured stack, when there is one.
func (e *HandlerExecutionError) Detail() string {
	if e.Stack == "" {
		return e.Message
	}
	return e.Message + "\n" + e.Stack
}
