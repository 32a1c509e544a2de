package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, float64(0), req.Temperature)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body)) //nolint:errcheck
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIGenerate(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{
		"choices": [{"message": {"role": "assistant", "content": "{\"query\":{}}"}}],
		"usage": {"total_tokens": 42}
	}`)

	p := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-4o-mini"})
	res, err := p.Generate(context.Background(), "system", "question")
	require.NoError(t, err)
	assert.Equal(t, `{"query":{}}`, res.Text)
	assert.Equal(t, 42, res.TokensUsed)
}

func TestOpenAIGenerateServerError(t *testing.T) {
	srv := chatServer(t, http.StatusServiceUnavailable, `{"error": {"message": "overloaded"}}`)

	p := NewOpenAI(OpenAIConfig{BaseURL: srv.URL})
	_, err := p.Generate(context.Background(), "system", "question")

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusServiceUnavailable, perr.Status)
	assert.True(t, perr.Transient)
	assert.Contains(t, perr.Message, "overloaded")
}

func TestOpenAIGenerateAuthError(t *testing.T) {
	srv := chatServer(t, http.StatusUnauthorized, `{"error": {"message": "invalid api key"}}`)

	p := NewOpenAI(OpenAIConfig{BaseURL: srv.URL})
	_, err := p.Generate(context.Background(), "system", "question")

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusUnauthorized, perr.Status)
	assert.False(t, perr.Transient)
}

func TestOpenAIGenerateNoChoices(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"choices": []}`)

	p := NewOpenAI(OpenAIConfig{BaseURL: srv.URL})
	_, err := p.Generate(context.Background(), "system", "question")

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.False(t, perr.Transient)
	assert.Contains(t, perr.Message, "no completion choices")
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&Error{Status: 503, Transient: true}))
	assert.False(t, IsTransient(&Error{Status: 401}))
	assert.False(t, IsTransient(errors.New("something else")))
	assert.False(t, IsTransient(nil))
}

func TestStaticProvider(t *testing.T) {
	p := &Static{
		Responses: map[string]string{"known question": "canned"},
		Default:   "fallback",
	}

	res, err := p.Generate(context.Background(), "sys", "known question")
	require.NoError(t, err)
	assert.Equal(t, "canned", res.Text)

	res, err = p.Generate(context.Background(), "sys", "unknown")
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.Text)
	assert.Equal(t, 2, p.Calls())
}
