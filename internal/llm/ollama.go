package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/circuitbreaker"
	"github.com/inkwell-ai/inkwell/internal/models"
)

func init() {
	Register("ollama", newOllamaProvider)
}

// ollamaProvider talks to a local ollama daemon. Streaming is plain
// JSON-per-line rather than SSE; token counts arrive on the final line.
type ollamaProvider struct {
	cfg Config
	hw  *circuitbreaker.HTTPWrapper
}

func newOllamaProvider(cfg Config, hw *circuitbreaker.HTTPWrapper) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	return &ollamaProvider{cfg: cfg, hw: hw}
}

func (p *ollamaProvider) Name() string { return "ollama" }

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	// DoneReason is set on the final chunk ("stop", "length", ...).
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

func (p *ollamaProvider) buildRequest(req Request, stream bool) ollamaChatRequest {
	msgs := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, req.Messages...)

	out := ollamaChatRequest{
		Model:    p.cfg.Model,
		Messages: msgs,
		Stream:   stream,
	}
	if req.Model != "" {
		out.Model = req.Model
	}
	if req.JSONMode {
		out.Format = "json"
	}

	opts := &ollamaOptions{}
	if req.Temperature != nil {
		opts.Temperature = req.Temperature
	} else if p.cfg.Temperature > 0 {
		t := p.cfg.Temperature
		opts.Temperature = &t
	}
	if req.MaxTokens > 0 {
		opts.NumPredict = req.MaxTokens
	} else if p.cfg.MaxTokens > 0 {
		opts.NumPredict = p.cfg.MaxTokens
	}
	if opts.Temperature != nil || opts.NumPredict > 0 {
		out.Options = opts
	}
	return out
}

func (p *ollamaProvider) post(ctx context.Context, body ollamaChatRequest) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(p.cfg.BaseURL, "/api/chat"), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return p.hw.Do(req)
}

func (p *ollamaProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, apperr.Wrap(apperr.ExternalService, err, "llm request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeHTTPError(resp)
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(apperr.ExternalService, err, "llm response decode failed")
	}

	return &Response{
		Content:      out.Message.Content,
		FinishReason: out.DoneReason,
		Usage: models.TokenUsage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
			Model:            out.Model,
		},
	}, nil
}

func (p *ollamaProvider) StreamComplete(ctx context.Context, req Request) (*Stream, error) {
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
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			if chunk.Message.Content != "" {
				select {
				case tokens <- chunk.Message.Content:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
			if chunk.Done {
				usageCh <- models.TokenUsage{
					PromptTokens:     chunk.PromptEvalCount,
					CompletionTokens: chunk.EvalCount,
					TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
					Model:            chunk.Model,
				}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- apperr.Wrap(apperr.ExternalService, err, "llm stream read failed")
		}
	}()

	return &Stream{Tokens: tokens, Err: errCh, Usage: usageCh}, nil
}
