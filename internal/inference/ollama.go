package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "edgeai/internal/errors"
	"edgeai/internal/logging"
	"edgeai/internal/registry"
)

var (
	_ Backend                 = (*Ollama)(nil)
	_ registry.Loader         = (*Ollama)(nil)
	_ registry.ResidentLister = (*Ollama)(nil)
)

// Ollama drives a local Ollama server. It serves completions and also acts as
// the registry's loader: a load is an empty generate call with keep_alive, an
// unload the same call with keep_alive 0.
type Ollama struct {
	baseURL    string
	keepAlive  string
	httpClient *http.Client
	logger     logging.Logger
}

// OllamaOptions configures NewOllama.
type OllamaOptions struct {
	BaseURL string
	Timeout time.Duration
	// KeepAlive is how long Ollama keeps a loaded model resident; "-1" pins
	// it until the registry unloads it.
	KeepAlive  string
	HTTPClient *http.Client
	Logger     logging.Logger
}

func NewOllama(opts OllamaOptions) *Ollama {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimSuffix(baseURL, "/api")

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	keepAlive := opts.KeepAlive
	if keepAlive == "" {
		keepAlive = "-1"
	}
	return &Ollama{
		baseURL:    baseURL,
		keepAlive:  keepAlive,
		httpClient: client,
		logger:     logging.OrNop(opts.Logger),
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model     string          `json:"model"`
	Messages  []ollamaMessage `json:"messages"`
	Stream    bool            `json:"stream"`
	Options   map[string]any  `json:"options,omitempty"`
	KeepAlive any             `json:"keep_alive,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"`
}

type ollamaGenerateRequest struct {
	Model     string `json:"model"`
	KeepAlive any    `json:"keep_alive"`
	Stream    bool   `json:"stream"`
}

type ollamaPsResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
		Size  int64  `json:"size"`
	} `json:"models"`
}

func (o *Ollama) Infer(ctx context.Context, model registry.Handle, prompt string, params Params) (Result, error) {
	req := ollamaChatRequest{
		Model:     modelName(model),
		Stream:    false,
		KeepAlive: o.keepAlive,
	}
	if params.System != "" {
		req.Messages = append(req.Messages, ollamaMessage{Role: "system", Content: params.System})
	}
	req.Messages = append(req.Messages, ollamaMessage{Role: "user", Content: prompt})

	options := make(map[string]any)
	if params.Temperature > 0 {
		options["temperature"] = params.Temperature
	}
	if params.TopP > 0 {
		options["top_p"] = params.TopP
	}
	if params.MaxTokens > 0 {
		options["num_predict"] = params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = append([]string(nil), params.Stop...)
	}
	if len(options) > 0 {
		req.Options = options
	}

	var resp ollamaChatResponse
	if err := o.post(ctx, "/api/chat", req, &resp); err != nil {
		return Result{}, err
	}
	if resp.Error != "" {
		return Result{}, fmt.Errorf("ollama error: %s", resp.Error)
	}
	res := Result{
		Text:             resp.Message.Content,
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
	}
	applyFinishReason(&res, resp.DoneReason)
	return res, nil
}

// Load asks Ollama to bring the model into memory and keep it there.
func (o *Ollama) Load(ctx context.Context, spec registry.ModelSpec) error {
	o.logger.Debug("Loading %s (keep_alive=%s)", spec.Name(), o.keepAlive)
	return o.post(ctx, "/api/generate", ollamaGenerateRequest{Model: spec.Name(), KeepAlive: o.keepAlive}, nil)
}

// Unload evicts the model from device memory.
func (o *Ollama) Unload(ctx context.Context, spec registry.ModelSpec) error {
	o.logger.Debug("Unloading %s", spec.Name())
	return o.post(ctx, "/api/generate", ollamaGenerateRequest{Model: spec.Name(), KeepAlive: 0}, nil)
}

// ListResident returns the names of models Ollama currently holds in memory.
func (o *Ollama) ListResident(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/ps", nil)
	if err != nil {
		return nil, err
	}
	var ps ollamaPsResponse
	if err := o.do(req, &ps); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ps.Models)*2)
	for _, m := range ps.Models {
		names = append(names, m.Name)
		if m.Model != "" && m.Model != m.Name {
			names = append(names, m.Model)
		}
	}
	return names, nil
}

func (o *Ollama) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal ollama request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return o.do(req, out)
}

func (o *Ollama) do(req *http.Request, out any) error {
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama %s: %w", req.URL.Path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return &apperrors.HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode ollama %s response: %w", req.URL.Path, err)
	}
	return nil
}
