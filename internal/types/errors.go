package types

import (
	"fmt"
	"time"
)

// ValidationError reports contradictory or incomplete fault parameters.
// It is raised before anything is sent and is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// TransientError wraps a control-plane read that may succeed when retried.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// InjectionError is a fatal, non-retried failure while submitting or
// remediating a fault.
type InjectionError struct {
	Category Category
	Subtype  string
	TaskID   string
	Reason   string
}

func (e *InjectionError) Error() string {
	switch {
	case e.TaskID != "":
		return fmt.Sprintf("fault %s:%s task %s: %s", e.Category, e.Subtype, e.TaskID, e.Reason)
	case e.Subtype != "":
		return fmt.Sprintf("fault %s:%s injection failed: %s", e.Category, e.Subtype, e.Reason)
	}
	return "fault injection failed: " + e.Reason
}

// TimeoutError is returned when a bounded poll never observed one of the
// expected statuses.
type TimeoutError struct {
	TaskID   string
	Expected StatusSet
	Last     Status
	Waited   time.Duration
}

func (e *TimeoutError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("timed out after %s waiting for status %s", e.Waited, e.Expected)
	}
	return fmt.Sprintf("task %s: timed out after %s waiting for status %s (last %q)",
		e.TaskID, e.Waited, e.Expected, e.Last)
}

// TerminalStatusError is returned when a polled task lands in a failure
// status.
type TerminalStatusError struct {
	TaskID      string
	Status      Status
	Description string
}

func (e *TerminalStatusError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("task %s reached terminal status %s", e.TaskID, e.Status)
	}
	return fmt.Sprintf("task %s reached terminal status %s: %s", e.TaskID, e.Status, e.Description)
}
