package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/ports"
)

func chatOK(content string) string {
	raw, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16},
	})
	return string(raw)
}

func promptInput() ports.PromptInput {
	return ports.PromptInput{
		System: "decide carefully",
		Messages: []ports.PromptMessage{
			{Role: "user", Content: "read the hosts file"},
		},
		Tools: []ports.ToolSpec{
			{Name: "files/read_file", Description: "Read a file", JSONSchema: []byte(`{"type":"object"}`)},
		},
	}
}

func TestOpenAICompleteHappyPath(t *testing.T) {
	var captured chatRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatOK("The hosts file maps localhost.")))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIOptions{
		BaseURL: srv.URL + "/v1",
		Model:   "llama3.2",
		APIKey:  "sk-test",
	})

	completion, err := p.Complete(context.Background(), promptInput(), ports.Options{
		MaxNewTokens: 256,
		Temperature:  0.2,
		TopP:         0.9,
	})
	require.NoError(t, err)

	assert.Equal(t, "The hosts file maps localhost.", completion.Text)
	require.NotNil(t, completion.Usage)
	assert.Equal(t, 16, completion.Usage.TotalTokens)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "llama3.2", captured.Model)
	require.NotEmpty(t, captured.Messages)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "decide carefully", captured.Messages[0].Content)
	assert.Equal(t, "user", captured.Messages[1].Role)
	require.Len(t, captured.Tools, 1)
	assert.Equal(t, "files__read_file", captured.Tools[0].Function.Name)
	assert.Equal(t, 256, captured.MaxTokens)
	require.NotNil(t, captured.Temperature)
	assert.InDelta(t, 0.2, *captured.Temperature, 0.001)
}

func TestOpenAIParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"content": "",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "files__read_file",
							"arguments": `{"path": "/etc/hosts"}`,
						},
					}},
				},
			}},
		})
		_, _ = w.Write(raw)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIOptions{BaseURL: srv.URL, Model: "m"})
	completion, err := p.Complete(context.Background(), promptInput(), ports.Options{})
	require.NoError(t, err)

	require.Len(t, completion.ToolCalls, 1)
	assert.Equal(t, "files/read_file", completion.ToolCalls[0].Name)
	assert.JSONEq(t, `{"path":"/etc/hosts"}`, string(completion.ToolCalls[0].Args))
}

func TestOpenAIRetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		mu.Unlock()
		if n < 3 {
			http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(chatOK("recovered")))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIOptions{
		BaseURL:    srv.URL,
		Model:      "m",
		MaxRetries: 2,
		Backoff:    time.Millisecond,
	})

	completion, err := p.Complete(context.Background(), promptInput(), ports.Options{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", completion.Text)
	assert.Equal(t, 3, calls)
	assert.Equal(t, keys[0], keys[1], "idempotency key is stable across attempts")
	assert.Equal(t, keys[1], keys[2])
}

func TestOpenAIRetriesTooManyRequests(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(chatOK("after backoff")))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIOptions{BaseURL: srv.URL, Model: "m", MaxRetries: 1, Backoff: time.Millisecond})
	completion, err := p.Complete(context.Background(), promptInput(), ports.Options{})
	require.NoError(t, err)
	assert.Equal(t, "after backoff", completion.Text)
	assert.Equal(t, 2, calls)
}

func TestOpenAIGivesUpAfterRetries(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIOptions{BaseURL: srv.URL, Model: "m", MaxRetries: 2, Backoff: time.Millisecond})
	_, err := p.Complete(context.Background(), promptInput(), ports.Options{})
	assert.ErrorIs(t, err, ports.ErrProviderUnavailable)
	assert.Equal(t, 3, calls)
}

func TestOpenAIBadRequestNotRetried(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, `{"error": "model not found"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIOptions{BaseURL: srv.URL, Model: "m", MaxRetries: 3, Backoff: time.Millisecond})
	_, err := p.Complete(context.Background(), promptInput(), ports.Options{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ports.ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, 1, calls)
}

func TestOpenAIUnreachableEndpoint(t *testing.T) {
	p := NewOpenAIProvider(OpenAIOptions{
		BaseURL:        "http://127.0.0.1:1",
		Model:          "m",
		RequestTimeout: time.Second,
	})
	_, err := p.Complete(context.Background(), promptInput(), ports.Options{})
	assert.ErrorIs(t, err, ports.ErrProviderUnavailable)
}

func TestOpenAIHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIOptions{BaseURL: srv.URL, Model: "m"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Complete(ctx, promptInput(), ports.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestOpenAIStreamSingleChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chatOK("chunked answer")))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIOptions{BaseURL: srv.URL, Model: "m"})
	ch, err := p.Stream(context.Background(), promptInput(), ports.Options{})
	require.NoError(t, err)

	chunk, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "chunked answer", chunk.DeltaText)
	assert.True(t, chunk.Done)
	_, open := <-ch
	assert.False(t, open)
}

func TestToolNameEncoding(t *testing.T) {
	assert.Equal(t, "files__read_file", encodeToolName("files/read_file"))
	assert.Equal(t, "files/read_file", decodeToolName("files__read_file"))
	assert.Equal(t, "plain", encodeToolName("plain"))
	assert.Equal(t, "plain", decodeToolName("plain"))
}

func TestRetryAfterDuration(t *testing.T) {
	now := time.Now()

	d, ok := retryAfterDuration("3", now)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, d)

	future := now.Add(90 * time.Second).UTC().Format(http.TimeFormat)
	d, ok = retryAfterDuration(future, now)
	require.True(t, ok)
	assert.InDelta(t, float64(90*time.Second), float64(d), float64(2*time.Second))

	_, ok = retryAfterDuration("soon", now)
	assert.False(t, ok)

	_, ok = retryAfterDuration("", now)
	assert.False(t, ok)
}

func TestStubProviderScripted(t *testing.T) {
	p := NewStubProvider(`{"answer": "first"}`, `{"answer": "second"}`)

	c1, err := p.Complete(context.Background(), promptInput(), ports.Options{})
	require.NoError(t, err)
	c2, err := p.Complete(context.Background(), promptInput(), ports.Options{})
	require.NoError(t, err)
	c3, err := p.Complete(context.Background(), promptInput(), ports.Options{})
	require.NoError(t, err)

	assert.Equal(t, `{"answer": "first"}`, c1.Text)
	assert.Equal(t, `{"answer": "second"}`, c2.Text)
	assert.Equal(t, `{"answer": "second"}`, c3.Text, "script repeats its last reply")
}

func TestStubProviderEchoes(t *testing.T) {
	p := NewStubProvider()

	completion, err := p.Complete(context.Background(), promptInput(), ports.Options{})
	require.NoError(t, err)

	var env struct {
		Answer string `json:"answer"`
	}
	require.NoError(t, json.Unmarshal([]byte(completion.Text), &env))
	assert.Contains(t, env.Answer, "read the hosts file")
}
