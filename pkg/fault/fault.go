// Package fault defines the runtime's error taxonomy. Every rejection a
// caller sees carries a machine-readable class plus a human-readable
// message; classes decide retry policy (only Conflict is retryable) and
// map onto transport status codes at the edges.
package fault

import (
	"errors"
	"fmt"
)

// Class is the machine-readable error category.
type Class string

const (
	// Validation - a business rule was violated (non-adjacent transition,
	// term mismatch, insufficient balance). Never retried.
	Validation Class = "VALIDATION"
	// Conflict - an optimistic-concurrency collision. Locally retryable.
	Conflict Class = "CONFLICT"
	// Unauthorized - the authority check on the caller failed.
	Unauthorized Class = "UNAUTHORIZED"
	// ResourceExhausted - a bounded resource is taken (assignment already
	// leased, lane rate exceeded).
	ResourceExhausted Class = "RESOURCE_EXHAUSTED"
	// Internal - store or transport failure; retries exhausted.
	Internal Class = "INTERNAL"
)

// Fault is a classified error.
type Fault struct {
	Class   Class
	Message string
	cause   error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Class, f.Message)
}

func (f *Fault) Unwrap() error { return f.cause }

// New creates a classified error.
func New(class Class, format string, args ...any) *Fault {
	return &Fault{Class: class, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error, preserving it for errors.Is/As.
func Wrap(class Class, cause error, format string, args ...any) *Fault {
	return &Fault{Class: class, Message: fmt.Sprintf(format, args...), cause: cause}
}

// ClassOf extracts the class of an error. Unclassified errors are
// Internal: the taxonomy fails closed on the least retryable side that
// still permits operator investigation.
func ClassOf(err error) Class {
	var f *Fault
	if errors.As(err, &f) {
		return f.Class
	}
	return Internal
}

// MessageOf extracts the human-readable message of an error.
func MessageOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
