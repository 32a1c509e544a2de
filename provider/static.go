package provider

import (
	"context"
	"sync"
)

// Static returns canned responses keyed by user prompt, falling back to a
// default. It backs tests and offline demos; no network is involved.
type Static struct {
	mu        sync.Mutex
	Responses map[string]string
	Default   string
	Tokens    int
	calls     int
}

// Generate returns the canned response for userPrompt.
func (p *Static) Generate(ctx context.Context, systemPrompt, userPrompt string) (*Result, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	text, ok := p.Responses[userPrompt]
	if !ok {
		text = p.Default
	}
	tokens := p.Tokens
	if tokens == 0 {
		tokens = len(systemPrompt)/4 + len(text)/4
	}
	return &Result{Text: text, TokensUsed: tokens}, nil
}

// Calls reports how many times Generate ran.
func (p *Static) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
