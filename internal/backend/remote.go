package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fireside/internal/domain"
	"fireside/internal/tokenizer"
)

const (
	defaultRemoteBaseURL = "http://localhost:11434"

	// defaultRemoteIdleTimeout bounds the gap between streamed chunks. A
	// server that stops producing mid-stream fails the generation instead of
	// hanging it.
	defaultRemoteIdleTimeout = 90 * time.Second

	// remoteCallTimeout bounds non-streaming calls (tags, unload).
	remoteCallTimeout = 30 * time.Second
)

// RemoteOption is a functional option for configuring Remote.
type RemoteOption func(*Remote)

// WithRemoteLogger sets a structured logger. If l is nil it is ignored.
func WithRemoteLogger(l *slog.Logger) RemoteOption {
	return func(b *Remote) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithRemoteHTTPClient overrides the HTTP client.
func WithRemoteHTTPClient(c *http.Client) RemoteOption {
	return func(b *Remote) {
		if c != nil {
			b.client = c
		}
	}
}

// WithRemoteIdleTimeout overrides the mid-stream idle timeout.
func WithRemoteIdleTimeout(d time.Duration) RemoteOption {
	return func(b *Remote) {
		if d > 0 {
			b.idleTimeout = d
		}
	}
}

// Remote talks to an Ollama-compatible HTTP server. The server owns the
// model; Load only verifies the model exists, and token counts are always
// the local heuristic estimate.
type Remote struct {
	client      *http.Client
	logger      *slog.Logger
	idleTimeout time.Duration
	counter     *tokenizer.MessageCounter

	mu          sync.Mutex
	loaded      bool
	baseURL     string
	model       string
	contextSize int

	cancelMu sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRemote creates a remote backend. Call Load before streaming.
func NewRemote(opts ...RemoteOption) *Remote {
	b := &Remote{
		client:      &http.Client{},
		logger:      slog.Default(),
		idleTimeout: defaultRemoteIdleTimeout,
		counter:     tokenizer.NewMessageCounter(tokenizer.Heuristic{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type remoteChatRequest struct {
	Model    string           `json:"model"`
	Messages []domain.Message `json:"messages"`
	Stream   bool             `json:"stream"`
	Options  map[string]any   `json:"options,omitempty"`
}

type remoteChatChunk struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

type remoteTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type remoteUnloadRequest struct {
	Model     string `json:"model"`
	KeepAlive int    `json:"keep_alive"`
}

// Load verifies the configured model is available on the server.
func (b *Remote) Load(ctx context.Context, settings domain.ModelSettings) error {
	if err := settings.Validate(); err != nil {
		return &domain.LoadError{Backend: domain.BackendRemote, Err: err}
	}
	baseURL := strings.TrimSuffix(settings.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultRemoteBaseURL
	}

	names, err := b.listModels(ctx, baseURL)
	if err != nil {
		return &domain.LoadError{Backend: domain.BackendRemote, Err: err}
	}
	if !modelAvailable(names, settings.Model) {
		return &domain.LoadError{
			Backend: domain.BackendRemote,
			Err:     fmt.Errorf("model %q not found on %s", settings.Model, baseURL),
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.baseURL = baseURL
	b.model = settings.Model
	b.contextSize = settings.ContextSize
	b.loaded = true
	b.logger.Info("backend: model verified", "backend", "remote", "model", settings.Model, "url", baseURL)
	return nil
}

// ListModels returns the model names the server advertises.
func (b *Remote) ListModels(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	baseURL := b.baseURL
	b.mu.Unlock()
	if baseURL == "" {
		baseURL = defaultRemoteBaseURL
	}
	return b.listModels(ctx, baseURL)
}

func (b *Remote) listModels(ctx context.Context, baseURL string) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, remoteCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("remote tags request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote tags: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote tags: %s", resp.Status)
	}

	var tags remoteTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("remote tags decode: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// modelAvailable matches either the exact name or the bare name against a
// tagged one ("llama3" matches "llama3:latest").
func modelAvailable(names []string, model string) bool {
	for _, name := range names {
		if name == model || strings.HasPrefix(name, model+":") {
			return true
		}
	}
	return false
}

// StreamChat opens a streaming chat request and relays NDJSON chunks as
// delta events. Cancelling ctx aborts the HTTP request; the stream then
// terminates with a Usage event covering the partial output.
func (b *Remote) StreamChat(ctx context.Context, messages []domain.Message, params domain.SamplingParams) (<-chan domain.StreamEvent, error) {
	b.mu.Lock()
	if !b.loaded {
		b.mu.Unlock()
		return nil, domain.ErrNotLoaded
	}
	baseURL, model, contextSize := b.baseURL, b.model, b.contextSize
	b.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	b.cancelMu.Lock()
	b.cancel = cancel
	b.cancelMu.Unlock()

	body := remoteChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Options:  samplingOptions(params, contextSize),
	}
	raw, err := json.Marshal(body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("remote chat marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, baseURL+"/api/chat", bytes.NewReader(raw))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("remote chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		cancel()
		return nil, &domain.GenerationError{Err: fmt.Errorf("remote chat: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		cancel()
		return nil, &domain.GenerationError{Err: fmt.Errorf("remote chat: %s: %s", resp.Status, bytes.TrimSpace(detail))}
	}

	out := make(chan domain.StreamEvent, streamBuffer)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		defer cancel()
		defer resp.Body.Close()
		b.relayStream(streamCtx, cancel, resp.Body, messages, out)
	}()
	return out, nil
}

// relayStream reads NDJSON chunks until the server's done chunk, the idle
// watchdog fires, or the context is cancelled.
func (b *Remote) relayStream(ctx context.Context, cancel context.CancelFunc, body io.Reader, messages []domain.Message, out chan<- domain.StreamEvent) {
	var timedOut atomic.Bool
	watchdog := time.AfterFunc(b.idleTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	var usage domain.Usage
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		watchdog.Reset(b.idleTimeout)
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk remoteChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			out <- domain.StreamEvent{Err: &domain.ProtocolError{Detail: "remote chunk decode", Err: err}}
			return
		}
		if chunk.Error != "" {
			out <- domain.StreamEvent{Err: &domain.GenerationError{Err: fmt.Errorf("remote: %s", chunk.Error)}}
			return
		}
		if chunk.Message.Content != "" {
			select {
			case out <- domain.StreamEvent{Delta: chunk.Message.Content}:
				usage.CompletionTokens++
			case <-ctx.Done():
				b.finishCancelled(&timedOut, &usage, messages, out)
				return
			}
		}
		if chunk.Done {
			if chunk.PromptEvalCount > 0 {
				usage.PromptTokens = chunk.PromptEvalCount
			}
			if chunk.EvalCount > 0 {
				usage.CompletionTokens = chunk.EvalCount
			}
			out <- domain.StreamEvent{Usage: &usage}
			return
		}
	}

	err := scanner.Err()
	switch {
	case timedOut.Load():
		out <- domain.StreamEvent{Err: &domain.TimeoutError{What: "remote stream", Err: err}}
	case ctx.Err() != nil:
		b.finishCancelled(&timedOut, &usage, messages, out)
	case err != nil:
		out <- domain.StreamEvent{Err: &domain.ProtocolError{Detail: "remote stream read", Err: err}}
	default:
		out <- domain.StreamEvent{Err: &domain.ProtocolError{Detail: "remote stream ended without done chunk", Err: io.ErrUnexpectedEOF}}
	}
}

// finishCancelled terminates a cancelled stream. The server never sent its
// final counts, so the prompt side falls back to the heuristic estimate.
func (b *Remote) finishCancelled(timedOut *atomic.Bool, usage *domain.Usage, messages []domain.Message, out chan<- domain.StreamEvent) {
	if timedOut.Load() {
		out <- domain.StreamEvent{Err: &domain.TimeoutError{What: "remote stream", Err: context.DeadlineExceeded}}
		return
	}
	if prompt, err := b.counter.CountMessages(messages); err == nil {
		usage.PromptTokens = prompt
	}
	out <- domain.StreamEvent{Usage: usage}
}

// CountTokens estimates with the chars/4 heuristic. The remote server offers
// no tokenize endpoint.
func (b *Remote) CountTokens(messages []domain.Message) (int, error) {
	return b.counter.CountMessages(messages)
}

// Unload cancels any in-flight stream and asks the server to evict the model
// by sending a zero keep_alive. Eviction failures are logged, not returned:
// the server owns the model's lifetime.
func (b *Remote) Unload() error {
	b.cancelMu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	b.cancelMu.Unlock()
	b.wg.Wait()

	b.mu.Lock()
	baseURL, model, loaded := b.baseURL, b.model, b.loaded
	b.loaded = false
	b.mu.Unlock()
	if !loaded {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), remoteCallTimeout)
	defer cancel()
	raw, err := json.Marshal(remoteUnloadRequest{Model: model})
	if err != nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/generate", bytes.NewReader(raw))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Warn("backend: remote unload failed", "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b.logger.Warn("backend: remote unload failed", "status", resp.Status)
	}
	return nil
}

// samplingOptions maps sampling parameters onto the server's options object.
func samplingOptions(params domain.SamplingParams, contextSize int) map[string]any {
	opts := map[string]any{
		"temperature":    params.Temperature,
		"top_p":          params.TopP,
		"top_k":          params.TopK,
		"repeat_penalty": params.RepeatPenalty,
	}
	if params.MinP > 0 {
		opts["min_p"] = params.MinP
	}
	if params.MaxTokens > 0 {
		opts["num_predict"] = params.MaxTokens
	}
	if contextSize > 0 {
		opts["num_ctx"] = contextSize
	}
	return opts
}

var _ domain.ModelBackend = (*Remote)(nil)
