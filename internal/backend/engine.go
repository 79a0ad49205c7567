package backend

import (
	"context"
	"strings"
	"sync"
	"time"

	"fireside/internal/domain"
	"fireside/internal/tokenizer"
)

// EchoOption is a functional option for configuring EchoEngine.
type EchoOption func(*EchoEngine)

// WithEchoPrefix sets the text prepended to every reply.
func WithEchoPrefix(prefix string) EchoOption {
	return func(e *EchoEngine) { e.prefix = prefix }
}

// WithEchoDelay sets a pause between emitted deltas, which makes
// cancellation windows observable in tests and demos.
func WithEchoDelay(d time.Duration) EchoOption {
	return func(e *EchoEngine) { e.delay = d }
}

// WithEchoReply overrides the reply function entirely.
func WithEchoReply(fn func(messages []domain.Message) string) EchoOption {
	return func(e *EchoEngine) {
		if fn != nil {
			e.reply = fn
		}
	}
}

// EchoEngine is a model-agnostic deterministic engine for manual testing
// without model weights. It echoes the last user message word by word,
// honouring cancellation between deltas. It implements domain.Engine.
type EchoEngine struct {
	mu       sync.Mutex
	loaded   bool
	settings domain.ModelSettings
	prefix   string
	delay    time.Duration
	reply    func(messages []domain.Message) string
	counter  *tokenizer.MessageCounter
}

// NewEchoEngine returns an echo engine ready for Load.
func NewEchoEngine(opts ...EchoOption) *EchoEngine {
	e := &EchoEngine{
		prefix:  "Echo: ",
		counter: tokenizer.NewMessageCounter(tokenizer.Heuristic{}),
	}
	e.reply = e.defaultReply
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load records the settings. The echo engine has no real handle to acquire.
func (e *EchoEngine) Load(ctx context.Context, settings domain.ModelSettings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings = settings
	e.loaded = true
	return nil
}

// Chat emits the reply one word at a time, checking cancellation between
// deltas. On cancellation it returns the usage accumulated so far together
// with ctx.Err().
func (e *EchoEngine) Chat(ctx context.Context, messages []domain.Message, params domain.SamplingParams, emit func(delta string) error) (domain.Usage, error) {
	e.mu.Lock()
	loaded := e.loaded
	e.mu.Unlock()
	if !loaded {
		return domain.Usage{}, domain.ErrNotLoaded
	}

	prompt, _ := e.counter.CountMessages(messages)
	usage := domain.Usage{PromptTokens: prompt}

	words := strings.Fields(e.reply(messages))
	if params.MaxTokens > 0 && len(words) > params.MaxTokens {
		words = words[:params.MaxTokens]
	}
	for i, word := range words {
		if err := ctx.Err(); err != nil {
			return usage, err
		}
		if e.delay > 0 {
			select {
			case <-time.After(e.delay):
			case <-ctx.Done():
				return usage, ctx.Err()
			}
		}
		delta := word
		if i < len(words)-1 {
			delta += " "
		}
		if err := emit(delta); err != nil {
			return usage, err
		}
		usage.CompletionTokens++
	}
	return usage, nil
}

// CountTokens estimates with the chars/4 heuristic.
func (e *EchoEngine) CountTokens(messages []domain.Message) (int, error) {
	return e.counter.CountMessages(messages)
}

// Close drops the loaded state.
func (e *EchoEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = false
	return nil
}

func (e *EchoEngine) defaultReply(messages []domain.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleUser {
			return e.prefix + messages[i].Content
		}
	}
	return e.prefix + "(nothing to echo)"
}

var _ domain.Engine = (*EchoEngine)(nil)
