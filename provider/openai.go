package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// OpenAIConfig configures the OpenAI-compatible chat completions client.
// Any endpoint speaking the same protocol (OpenAI, Azure OpenAI, Ollama,
// vLLM) works through this provider.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAI generates completions against an OpenAI-compatible HTTP API.
type OpenAI struct {
	conf   OpenAIConfig
	client *resty.Client
}

// NewOpenAI builds the provider with sane defaults.
func NewOpenAI(conf OpenAIConfig) *OpenAI {
	if conf.BaseURL == "" {
		conf.BaseURL = "https://api.openai.com/v1"
	}
	if conf.Model == "" {
		conf.Model = "gpt-4o-mini"
	}
	if conf.Timeout == 0 {
		conf.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(conf.BaseURL).
		SetTimeout(conf.Timeout).
		SetHeader("Content-Type", "application/json")
	if conf.APIKey != "" {
		client.SetAuthToken(conf.APIKey)
	}
	return &OpenAI{conf: conf, client: client}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends one chat completion request. Temperature is pinned to
// zero; translation must be as deterministic as the backend allows.
func (p *OpenAI) Generate(ctx context.Context, systemPrompt, userPrompt string) (*Result, error) {
	body := chatRequest{
		Model: p.conf.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}

	var out chatResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post("/chat/completions")
	if err != nil {
		// resty returns transport errors here: timeouts, DNS, refused
		return nil, &Error{Transient: true, Message: err.Error()}
	}

	if resp.IsError() {
		msg := resp.Status()
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return nil, &Error{
			Status:    resp.StatusCode(),
			Transient: resp.StatusCode() >= http.StatusInternalServerError,
			Message:   msg,
		}
	}

	if len(out.Choices) == 0 {
		return nil, &Error{Status: resp.StatusCode(), Message: "no completion choices returned"}
	}

	return &Result{
		Text:       out.Choices[0].Message.Content,
		TokensUsed: out.Usage.TotalTokens,
	}, nil
}
