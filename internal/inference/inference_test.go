package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "edgeai/internal/errors"
	"edgeai/internal/observability"
	"edgeai/internal/registry"
)

var builderModel = registry.Handle{ModelID: "builder-7b", BackendName: "qwen2.5-coder:7b-q4"}

func TestOllamaInferMarksTruncatedOutputDegraded(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             "qwen2.5-coder:7b-q4",
			"message":           map[string]string{"role": "assistant", "content": "func main() {"},
			"done":              true,
			"done_reason":       "length",
			"prompt_eval_count": 12,
			"eval_count":        64,
		})
	}))
	defer srv.Close()

	o := NewOllama(OllamaOptions{BaseURL: srv.URL + "/api"})
	res, err := o.Infer(context.Background(), builderModel, "write main", Params{
		System:      "you are the builder",
		Temperature: 0.2,
		MaxTokens:   64,
		Stop:        []string{"```"},
	})
	require.NoError(t, err)

	assert.Equal(t, "qwen2.5-coder:7b-q4", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "write main", got.Messages[1].Content)
	assert.EqualValues(t, 64, got.Options["num_predict"])
	assert.Equal(t, "-1", got.KeepAlive)

	assert.Equal(t, "func main() {", res.Text)
	assert.True(t, res.Degraded)
	assert.NotEmpty(t, res.DegradedReason)
	assert.Equal(t, 12, res.PromptTokens)
	assert.Equal(t, 64, res.CompletionTokens)
}

func TestOllamaLoaderAndResidentLister(t *testing.T) {
	var mu sync.Mutex
	var keepAlives []any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			var req map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "qwen2.5-coder:7b-q4", req["model"])
			mu.Lock()
			keepAlives = append(keepAlives, req["keep_alive"])
			mu.Unlock()
			_, _ = w.Write([]byte(`{"done":true}`))
		case "/api/ps":
			_, _ = w.Write([]byte(`{"models":[{"name":"qwen2.5-coder:7b-q4","model":"qwen2.5-coder:7b-q4","size":4200000000},{"name":"phi3:mini","model":"phi3:mini-q4"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	o := NewOllama(OllamaOptions{BaseURL: srv.URL, KeepAlive: "30m"})
	spec := registry.ModelSpec{ID: "builder-7b", BackendName: "qwen2.5-coder:7b-q4"}
	require.NoError(t, o.Load(context.Background(), spec))
	require.NoError(t, o.Unload(context.Background(), spec))
	assert.Equal(t, []any{"30m", float64(0)}, keepAlives)

	names, err := o.ListResident(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"qwen2.5-coder:7b-q4", "phi3:mini", "phi3:mini-q4"}, names)
}

func TestOllamaHTTPErrorIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOllama(OllamaOptions{BaseURL: srv.URL}).Infer(context.Background(), builderModel, "hi", Params{})
	require.Error(t, err)
	var statusErr *apperrors.HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.True(t, apperrors.IsTransient(err))
}

func TestOpenAIBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen2.5-coder:7b-q4", req["model"])
		assert.Equal(t, []any{"END"}, req["stop"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "qwen2.5-coder:7b-q4",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "plan ready"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 2, "total_tokens": 11}
		}`))
	}))
	defer srv.Close()

	o := NewOpenAI(srv.URL+"/v1", "")
	res, err := o.Infer(context.Background(), builderModel, "plan it", Params{System: "planner", MaxTokens: 32, Stop: []string{"END"}})
	require.NoError(t, err)
	assert.Equal(t, "plan ready", res.Text)
	assert.False(t, res.Degraded)
	assert.Equal(t, 9, res.PromptTokens)
	assert.Equal(t, 2, res.CompletionTokens)
}

func TestStaticBackend(t *testing.T) {
	res, err := Static{}.Infer(context.Background(), builderModel, "context\nbuild the parser", Params{})
	require.NoError(t, err)
	assert.Equal(t, "[qwen2.5-coder:7b-q4] build the parser", res.Text)
	assert.False(t, res.Degraded)

	res, err = Static{Reply: strings.Repeat("word ", 200)}.Infer(context.Background(), builderModel, "x", Params{MaxTokens: 10})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.LessOrEqual(t, res.CompletionTokens, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Static{}.Infer(ctx, builderModel, "x", Params{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateLimitedWaitsForTokens(t *testing.T) {
	var calls int
	backend := RateLimited(BackendFunc(func(context.Context, registry.Handle, string, Params) (Result, error) {
		calls++
		return Result{Text: "ok"}, nil
	}), 1, 1)

	_, err := backend.Infer(context.Background(), builderModel, "a", Params{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = backend.Infer(ctx, builderModel, "b", Params{})
	assert.Error(t, err, "second call cannot get a token within the deadline")
	assert.Equal(t, 1, calls)
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	var calls int
	failing := BackendFunc(func(context.Context, registry.Handle, string, Params) (Result, error) {
		calls++
		return Result{}, &apperrors.HTTPStatusError{StatusCode: 502, Body: "bad gateway"}
	})
	breaker := apperrors.NewCircuitBreaker("inference", apperrors.CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Minute}, nil)
	backend := Instrumented(WithCircuitBreaker(failing, breaker), &observability.MetricsCollector{}, nil)

	for i := 0; i < 2; i++ {
		_, err := backend.Infer(context.Background(), builderModel, "x", Params{})
		require.Error(t, err)
	}
	_, err := backend.Infer(context.Background(), builderModel, "x", Params{})
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)
	assert.True(t, apperrors.IsTransient(err))
	assert.Equal(t, 2, calls)
	assert.Equal(t, apperrors.StateOpen, breaker.State())
}

func TestArtifactLoader(t *testing.T) {
	dir := t.TempDir()
	weights := filepath.Join(dir, "model.gguf")
	require.NoError(t, os.WriteFile(weights, []byte("GGUF"), 0o600))

	loader := ArtifactLoader{Next: NopLoader{}}
	assert.NoError(t, loader.Load(context.Background(), registry.ModelSpec{ID: "m", Artifact: weights}))
	assert.NoError(t, loader.Load(context.Background(), registry.ModelSpec{ID: "no-artifact"}))
	assert.Error(t, loader.Load(context.Background(), registry.ModelSpec{ID: "m", Artifact: filepath.Join(dir, "missing.gguf")}))
	assert.Error(t, loader.Load(context.Background(), registry.ModelSpec{ID: "m", Artifact: dir}))

	names, err := loader.ListResident(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, names)
}
