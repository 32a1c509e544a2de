// Package provider abstracts the language-model backend used to translate
// natural language into canonical queries. The core treats a provider as a
// black box: prompt in, text plus token count out.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Result is one model generation.
type Result struct {
	Text       string
	TokensUsed int
}

// Provider is the pluggable text-generation contract.
type Provider interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (*Result, error)
}

// Error describes a provider failure. Transient failures (timeouts, 5xx)
// may be retried once by the caller; everything else is terminal.
type Error struct {
	Status    int
	Transient bool
	Message   string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider error (status %d): %s", e.Status, e.Message)
	}
	return "provider error: " + e.Message
}

// IsTransient reports whether err is a provider failure worth one retry.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}
