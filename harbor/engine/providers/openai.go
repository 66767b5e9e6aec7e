// Package providers holds the decision backends: an OpenAI-compatible HTTP
// client, a llama.cpp binding behind the llama build tag, and a stub for
// running without a model.
package providers

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/ports"
)

// OpenAIOptions configures the OpenAI-compatible provider.
type OpenAIOptions struct {
	BaseURL        string // endpoint root, e.g. http://127.0.0.1:11434/v1
	Model          string
	APIKey         string // empty means no Authorization header
	RequestTimeout time.Duration
	MaxRetries     int           // transport-level retries after the first attempt
	Backoff        time.Duration // base delay, doubled per attempt
	Logger         *slog.Logger
}

// OpenAIProvider talks to any /chat/completions endpoint: OpenAI, Ollama,
// llama.cpp server, vLLM. Transient failures (network, 429, 5xx) are
// retried here with exponential backoff, so the engine never has to.
type OpenAIProvider struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

// NewOpenAIProvider creates the provider. Zero options get sane defaults.
func NewOpenAIProvider(opts OpenAIOptions) *OpenAIProvider {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIProvider{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		model:   opts.Model,
		apiKey:  opts.APIKey,
		client:  &http.Client{Timeout: opts.RequestTimeout},
		retries: opts.MaxRetries,
		backoff: opts.Backoff,
		logger:  logger.With("component", "openai_provider", "model", opts.Model),
	}
}

// Wire types for the chat completions schema.

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Seed        *int          `json:"seed,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete performs one chat completion call.
func (p *OpenAIProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	body, err := json.Marshal(p.buildRequest(in, opts))
	if err != nil {
		return ports.Completion{}, fmt.Errorf("marshal chat request: %w", err)
	}
	endpoint := p.baseURL + "/chat/completions"

	attempts := p.retries + 1
	idemKey := idempotencyKey()
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return ports.Completion{}, fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", idemKey)
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ports.Completion{}, ctx.Err()
			}
			lastErr = err
			if attempt < attempts-1 && isRetryable(err) {
				p.logger.Debug("retrying chat completion", "attempt", attempt+1, "error", err)
				if serr := p.sleepBackoff(ctx, attempt, 0); serr != nil {
					return ports.Completion{}, serr
				}
				continue
			}
			return ports.Completion{}, fmt.Errorf("%w: %s: %v", ports.ErrProviderUnavailable, endpoint, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if attempt < attempts-1 {
				if serr := p.sleepBackoff(ctx, attempt, 0); serr != nil {
					return ports.Completion{}, serr
				}
				continue
			}
			return ports.Completion{}, fmt.Errorf("%w: read response: %v", ports.ErrProviderUnavailable, readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("chat API %s: %d: %s", endpoint, resp.StatusCode, truncate(string(respBody), 500))
			if attempt < attempts-1 {
				retryAfter, _ := retryAfterDuration(resp.Header.Get("Retry-After"), time.Now())
				p.logger.Debug("retrying chat completion", "attempt", attempt+1, "status", resp.StatusCode)
				if serr := p.sleepBackoff(ctx, attempt, retryAfter); serr != nil {
					return ports.Completion{}, serr
				}
				continue
			}
			return ports.Completion{}, fmt.Errorf("%w: %v", ports.ErrProviderUnavailable, lastErr)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return ports.Completion{}, fmt.Errorf("chat API %s: %d: %s", endpoint, resp.StatusCode, truncate(string(respBody), 500))
		}

		return p.parseResponse(respBody)
	}
	return ports.Completion{}, fmt.Errorf("%w: %v", ports.ErrProviderUnavailable, lastErr)
}

// Stream emulates streaming with a single terminal chunk. The decision loop
// consumes whole completions, so token-level deltas buy nothing here.
func (p *OpenAIProvider) Stream(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
	completion, err := p.Complete(ctx, in, opts)
	if err != nil {
		return nil, err
	}
	ch := make(chan ports.CompletionChunk, 1)
	ch <- ports.CompletionChunk{
		DeltaText: completion.Text,
		ToolCalls: completion.ToolCalls,
		Done:      true,
		Usage:     completion.Usage,
	}
	close(ch)
	return ch, nil
}

func (p *OpenAIProvider) buildRequest(in ports.PromptInput, opts ports.Options) chatRequest {
	messages := make([]chatMessage, 0, len(in.Messages)+1)
	if in.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: in.System})
	}
	for _, m := range in.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	var tools []chatTool
	for _, spec := range in.Tools {
		tools = append(tools, chatTool{
			Type: "function",
			Function: chatToolFunction{
				Name:        encodeToolName(spec.Name),
				Description: spec.Description,
				Parameters:  spec.JSONSchema,
			},
		})
	}

	req := chatRequest{
		Model:    p.model,
		Messages: messages,
		Tools:    tools,
		Stop:     opts.Stop,
	}
	temp := float64(opts.Temperature)
	req.Temperature = &temp
	if opts.TopP > 0 {
		topP := float64(opts.TopP)
		req.TopP = &topP
	}
	if opts.MaxNewTokens > 0 {
		req.MaxTokens = opts.MaxNewTokens
	}
	if opts.Seed != 0 {
		seed := opts.Seed
		req.Seed = &seed
	}
	return req
}

func (p *OpenAIProvider) parseResponse(body []byte) (ports.Completion, error) {
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ports.Completion{}, fmt.Errorf("decode chat response: %w; body: %s", err, truncate(string(body), 500))
	}
	if len(parsed.Choices) == 0 {
		return ports.Completion{}, fmt.Errorf("chat response has no choices")
	}

	choice := parsed.Choices[0]
	completion := ports.Completion{Text: choice.Message.Content, Raw: json.RawMessage(body)}
	for _, call := range choice.Message.ToolCalls {
		completion.ToolCalls = append(completion.ToolCalls, ports.ToolCall{
			Name: decodeToolName(call.Function.Name),
			Args: json.RawMessage(call.Function.Arguments),
		})
	}
	if parsed.Usage != nil {
		completion.Usage = &ports.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}
	return completion, nil
}

// sleepBackoff waits base<<attempt (capped at 2s), or the server-provided
// duration when given, honoring ctx.
func (p *OpenAIProvider) sleepBackoff(ctx context.Context, attempt int, serverWait time.Duration) error {
	d := serverWait
	if d <= 0 {
		d = p.backoff << attempt
		if d > 2*time.Second {
			d = 2 * time.Second
		}
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Function names must match ^[a-zA-Z0-9_-]{1,64}$ on strict endpoints, so
// the qualified-name slash is tunneled through a double underscore.
func encodeToolName(name string) string {
	return strings.ReplaceAll(name, "/", "__")
}

func decodeToolName(name string) string {
	return strings.Replace(name, "__", "/", 1)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// isRetryable reports transient network failures worth another attempt.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "timeout") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset")
}

// retryAfterDuration parses Retry-After as integer seconds or an HTTP date.
func retryAfterDuration(h string, now time.Time) (time.Duration, bool) {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0, false
	}
	if secs, err := time.ParseDuration(h + "s"); err == nil && secs > 0 {
		return secs, true
	}
	if t, err := time.Parse(http.TimeFormat, h); err == nil && t.After(now) {
		return t.Sub(now), true
	}
	return 0, false
}

func idempotencyKey() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("harbor-%d", time.Now().UnixNano())
	}
	return "harbor-" + hex.EncodeToString(b[:])
}

var _ ports.Provider = (*OpenAIProvider)(nil)
