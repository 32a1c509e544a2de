package core

import (
	"fmt"
	"strings"
	"time"
)

// Error taxonomy. Every error leaving this package is one of these typed
// values so callers can branch with errors.As instead of string matching.
// Underlying driver and provider errors are preserved for the audit
// trail but never shown to end users verbatim.

// ValidationError reports rejected caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports a duplicate connection name within a tenant.
type ConflictError struct {
	Name string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("a connection named %q already exists", e.Name)
}

// NotFoundError covers both genuinely missing records and records owned
// by another tenant. The two cases are indistinguishable on purpose:
// existence itself is tenant-scoped information.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// DecryptionError reports that a stored secret could not be recovered,
// usually after a key rotation that dropped the old key. There is no
// server-side recovery; the remediation is recreating the connection
// with fresh credentials.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "stored credentials could not be decrypted (" + e.Reason +
		"); recreate the connection with fresh credentials"
}

// SafetyViolation reports a query rejected by the safety validator.
type SafetyViolation struct {
	Stage   string // mongodb stage or operator, when applicable
	Keyword string // sql keyword or code pattern, when applicable
	Reason  string
}

func (e *SafetyViolation) Error() string {
	var b strings.Builder
	b.WriteString("query rejected: ")
	switch {
	case e.Stage != "":
		b.WriteString(e.Stage + " ")
	case e.Keyword != "":
		b.WriteString(e.Keyword + " ")
	}
	b.WriteString(e.Reason)
	return b.String()
}

// TranslationProviderError wraps a language model failure that survived
// the retry policy.
type TranslationProviderError struct {
	Err error
}

func (e *TranslationProviderError) Error() string {
	return "translation provider failed: " + e.Err.Error()
}

func (e *TranslationProviderError) Unwrap() error { return e.Err }

// TranslationFormatError reports model output that did not match the
// required response contract.
type TranslationFormatError struct {
	Reason string
}

func (e *TranslationFormatError) Error() string {
	return "malformed model response: " + e.Reason
}

// ExecutionTimeout reports an execution that exceeded the wall-clock
// budget. Partial results are discarded, never returned.
type ExecutionTimeout struct {
	Elapsed time.Duration
}

func (e *ExecutionTimeout) Error() string {
	return fmt.Sprintf("execution exceeded its time budget after %s", e.Elapsed.Round(time.Millisecond))
}

// ExecutionError wraps a database failure during execution.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return "execution failed: " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }
