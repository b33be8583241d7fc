// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestRunStatusConstants(t *testing.T) {
	cases := map[RunStatus]string{
		RunPending:   "PENDING",
		RunRunning:   "RUNNING",
		RunSucceeded: "SUCCEEDED",
		RunFailed:    "FAILED",
		RunCanceled:  "CANCELED",
	}
	for status, want := range cases {
		if string(status) != want {
			t.Fatalf("unexpected run status value: %s", status)
		}
	}
}

func TestStepStatusConstants(t *testing.T) {
	cases := map[StepStatus]string{
		StepQueued:    "QUEUED",
		StepWaiting:   "WAITING_FOR_DEPENDENCIES",
		StepRunning:   "RUNNING",
		StepSucceeded: "SUCCEEDED",
		StepFailed:    "FAILED",
		StepSkipped:   "SKIPPED",
		StepCanceled:  "CANCELED",
	}
	for status, want := range cases {
		if string(status) != want {
			t.Fatalf("unexpected step status value: %s", status)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	if RunPending.IsTerminal() || RunRunning.IsTerminal() {
		t.Fatal("expected pending/running runs to be non-terminal")
	}
	for _, s := range []RunStatus{RunSucceeded, RunFailed, RunCanceled} {
		if !s.IsTerminal() {
			t.Fatalf("expected run status %s to be terminal", s)
		}
	}

	for _, s := range ActiveStepStatuses {
		if s.IsTerminal() {
			t.Fatalf("expected step status %s to be non-terminal", s)
		}
	}
	for _, s := range []StepStatus{StepSucceeded, StepFailed, StepSkipped, StepCanceled} {
		if !s.IsTerminal() {
			t.Fatalf("expected step status %s to be terminal", s)
		}
	}
}

func TestValidationErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("execute: %w", &ValidationError{Field: "steps[0].key", Reason: "required"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "steps[0].key" {
		t.Fatalf("expected ValidationError with field, got %v", err)
	}
}

func TestHandlerExecutionErrorDetail(t *testing.T) {
	cause := errors.New("boom")
	err := &HandlerExecutionError{StepKey: "a", Message: "boom", Stack: "goroutine 1", Err: cause}

	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause")
	}
	if err.Detail() != "boom\ngoroutine 1" {
		t.Fatalf("unexpected detail %q", err.Detail())
	}
	if (&HandlerExecutionError{Message: "x"}).Detail() != "x" {
		t.Fatal("expected message-only detail without stack")
	}
}
