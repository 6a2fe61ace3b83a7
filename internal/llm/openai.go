package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/circuitbreaker"
	"github.com/inkwell-ai/inkwell/internal/models"
)

func init() {
	Register("openai", newOpenAIProvider)
}

// openaiProvider speaks the chat-completions wire format, which most
// hosted and self-hosted gateways accept.
type openaiProvider struct {
	cfg Config
	hw  *circuitbreaker.HTTPWrapper
}

func newOpenAIProvider(cfg Config, hw *circuitbreaker.HTTPWrapper) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	return &openaiProvider{cfg: cfg, hw: hw}
}

func (p *openaiProvider) Name() string { return "openai" }

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	StreamOptions  *streamOptions  `json:"stream_options,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage,omitempty"`
}

type chatCompletionChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage,omitempty"`
}

func (p *openaiProvider) buildRequest(req Request, stream bool) chatCompletionRequest {
	msgs := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, req.Messages...)

	out := chatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    msgs,
		Stream:      stream,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.Model != "" {
		out.Model = req.Model
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if out.Temperature == nil && p.cfg.Temperature > 0 {
		t := p.cfg.Temperature
		out.Temperature = &t
	}
	if req.JSONMode {
		out.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return out
}

func (p *openaiProvider) post(ctx context.Context, body interface{}) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(p.cfg.BaseURL, "/v1/chat/completions"), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	return p.hw.Do(req)
}

func (p *openaiProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, apperr.Wrap(apperr.ExternalService, err, "llm request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeHTTPError(resp)
	}

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(apperr.ExternalService, err, "llm response decode failed")
	}
	if len(out.Choices) == 0 {
		return nil, apperr.New(apperr.ExternalService, "llm returned no choices")
	}

	r := &Response{
		Content:      out.Choices[0].Message.Content,
		FinishReason: out.Choices[0].FinishReason,
	}
	if out.Usage != nil {
		r.Usage = models.TokenUsage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
			Model:            out.Model,
		}
	}
	return r, nil
}

func (p *openaiProvider) StreamComplete(ctx context.Context, req Request) (*Stream, error) {
	resp, err := p.post(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, apperr.Wrap(apperr.ExternalService, err, "llm stream request failed")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeHTTPError(resp)
	}

	tokens := make(chan string, 16)
	errCh := make(chan error, 1)
	usageCh := make(chan models.TokenUsage, 1)

	go func() {
		defer resp.Body.Close()
		defer close(tokens)
		defer close(errCh)
		defer close(usageCh)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				return
			}

			var chunk chatCompletionChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Usage != nil {
				usageCh <- models.TokenUsage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
					Model:            chunk.Model,
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				select {
				case tokens <- delta:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- apperr.Wrap(apperr.ExternalService, err, "llm stream read failed")
		}
	}()

	return &Stream{Tokens: tokens, Err: errCh, Usage: usageCh}, nil
}

// decodeHTTPError maps provider HTTP failures onto error kinds; 429 keeps
// its retry-after hint when present.
func decodeHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e := apperr.New(apperr.RateLimit, "llm rate limited: %s", msg)
		e.RetryAfterSeconds = 30
		return e
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.New(apperr.Authentication, "llm auth failed: %s", msg)
	default:
		return apperr.New(apperr.ExternalService, "llm returned %d: %s", resp.StatusCode, msg)
	}
}
