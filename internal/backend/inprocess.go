package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"fireside/internal/domain"
)

// streamBuffer decouples the producing engine from the consuming session.
const streamBuffer = 32

// InProcessOption is a functional option for configuring InProcess.
type InProcessOption func(*InProcess)

// WithInProcessLogger sets a structured logger. If l is nil it is ignored.
func WithInProcessLogger(l *slog.Logger) InProcessOption {
	return func(b *InProcess) {
		if l != nil {
			b.logger = l
		}
	}
}

// InProcess hosts an Engine inside the application process. The engine's
// blocking Chat call runs on a dedicated goroutine per stream; events reach
// the caller through a buffered channel.
type InProcess struct {
	engine domain.Engine
	logger *slog.Logger

	mu     sync.Mutex
	loaded bool

	cancelMu sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewInProcess creates an in-process backend around the given engine.
// Panics if engine is nil.
func NewInProcess(engine domain.Engine, opts ...InProcessOption) *InProcess {
	if engine == nil {
		panic("backend: engine must not be nil")
	}
	b := &InProcess{
		engine: engine,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Load delegates to the engine. Loading over an existing handle cancels any
// in-flight stream first.
func (b *InProcess) Load(ctx context.Context, settings domain.ModelSettings) error {
	b.stopInflight()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.engine.Load(ctx, settings); err != nil {
		return &domain.LoadError{Backend: domain.BackendInProcess, Err: err}
	}
	b.loaded = true
	b.logger.Info("backend: model loaded", "backend", "inprocess", "model", settings.Model)
	return nil
}

// StreamChat runs one generation on a worker goroutine. The returned channel
// yields delta events, then one terminal event, then closes. A cancelled
// generation terminates with a Usage event covering the partial output.
func (b *InProcess) StreamChat(ctx context.Context, messages []domain.Message, params domain.SamplingParams) (<-chan domain.StreamEvent, error) {
	b.mu.Lock()
	loaded := b.loaded
	b.mu.Unlock()
	if !loaded {
		return nil, domain.ErrNotLoaded
	}

	streamCtx, cancel := context.WithCancel(ctx)
	b.cancelMu.Lock()
	b.cancel = cancel
	b.cancelMu.Unlock()

	out := make(chan domain.StreamEvent, streamBuffer)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		defer cancel()

		usage, err := b.engine.Chat(streamCtx, messages, params, func(delta string) error {
			select {
			case out <- domain.StreamEvent{Delta: delta}:
				return nil
			case <-streamCtx.Done():
				return streamCtx.Err()
			}
		})
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			// Cancellation is a normal outcome: report what was produced.
			out <- domain.StreamEvent{Usage: &usage}
		default:
			out <- domain.StreamEvent{Err: &domain.GenerationError{Err: err}}
		}
	}()
	return out, nil
}

// CountTokens delegates to the engine's tokenizer.
func (b *InProcess) CountTokens(messages []domain.Message) (int, error) {
	return b.engine.CountTokens(messages)
}

// Unload cancels any in-flight stream, waits for it to finish, and closes
// the engine.
func (b *InProcess) Unload() error {
	b.stopInflight()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.loaded = false
	if err := b.engine.Close(); err != nil {
		return fmt.Errorf("backend: unload: %w", err)
	}
	return nil
}

func (b *InProcess) stopInflight() {
	b.cancelMu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	b.cancelMu.Unlock()
	b.wg.Wait()
}

var _ domain.ModelBackend = (*InProcess)(nil)
