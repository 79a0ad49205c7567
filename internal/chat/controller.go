// Package chat owns the conversation: ordered history, its settings
// snapshot, and the operations that mutate it. All mutation happens on the
// goroutine that called the operation while it holds the single-flight gate,
// so there is exactly one writer at any time.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"fireside/internal/domain"
	"fireside/internal/generate"
	"fireside/internal/prune"
)

// Generation outcomes as recorded in the metrics sink.
const (
	OutcomeCompleted = "completed"
	OutcomeStopped   = "stopped"
	OutcomeFailed    = "failed"
)

// defaultGateWait bounds how long an operation waits for the single-flight
// gate before being rejected with ErrGenerationInProgress.
const defaultGateWait = 100 * time.Millisecond

// ControllerOption is a functional option for configuring Controller.
type ControllerOption func(*Controller)

// WithLogger sets a structured logger. If l is nil it is ignored.
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets a sink for finalized generation metrics.
func WithMetrics(sink domain.MetricsSink) ControllerOption {
	return func(c *Controller) { c.metrics = sink }
}

// WithGateWait overrides the bounded wait for the single-flight gate.
func WithGateWait(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.gateWait = d
		}
	}
}

// Controller is the single entry point for conversation operations. One
// generation may be in flight at a time across all operations; concurrent
// operations are rejected, never queued. Stop is the exception: it is
// accepted at any time and cancels the in-flight generation cooperatively.
type Controller struct {
	backend domain.ModelBackend
	pruner  *prune.Manager
	display domain.Display
	metrics domain.MetricsSink
	logger  *slog.Logger

	gate     chan struct{}
	gateWait time.Duration

	// current is published before each generation so Stop can reach it
	// without the gate.
	sessionMu sync.Mutex
	current   *generate.Session

	state domain.ConversationState
}

// NewController creates a controller around an empty conversation.
// Panics if backend, pruner, or display is nil.
func NewController(backend domain.ModelBackend, pruner *prune.Manager, display domain.Display, opts ...ControllerOption) *Controller {
	if backend == nil {
		panic("chat: backend must not be nil")
	}
	if pruner == nil {
		panic("chat: pruner must not be nil")
	}
	if display == nil {
		panic("chat: display must not be nil")
	}
	c := &Controller{
		backend:  backend,
		pruner:   pruner,
		display:  display,
		logger:   slog.Default(),
		gate:     make(chan struct{}, 1),
		gateWait: defaultGateWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// acquire takes the single-flight gate within the bounded wait. Contention
// is an immediate, explicit rejection.
func (c *Controller) acquire() error {
	select {
	case c.gate <- struct{}{}:
		return nil
	default:
	}
	timer := time.NewTimer(c.gateWait)
	defer timer.Stop()
	select {
	case c.gate <- struct{}{}:
		return nil
	case <-timer.C:
		return domain.ErrGenerationInProgress
	}
}

func (c *Controller) release() {
	<-c.gate
}

// =============================================================================
// Setup and snapshots
// =============================================================================

// Load applies settings: it loads the backend handle and records the
// settings snapshot on the conversation.
func (c *Controller) Load(ctx context.Context, settings domain.ModelSettings) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	if err := c.backend.Load(ctx, settings); err != nil {
		return err
	}
	c.state.Settings = settings
	c.logger.Info("chat: settings applied", "backend", settings.Backend, "model", settings.Model)
	return nil
}

// SetSampling replaces the sampling parameters for subsequent generations.
func (c *Controller) SetSampling(params domain.SamplingParams) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()
	c.state.Settings.Sampling = params
	return nil
}

// SetSystemPrompt installs or replaces the system message at position zero.
func (c *Controller) SetSystemPrompt(prompt string) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	msg := domain.Message{Role: domain.RoleSystem, Content: prompt}
	if _, ok := c.state.SystemMessage(); ok {
		c.state.Messages[0] = msg
	} else {
		c.state.Messages = append([]domain.Message{msg}, c.state.Messages...)
	}
	c.display.Replay(c.snapshotMessages())
	return nil
}

// State returns a deep copy of the conversation for persistence.
func (c *Controller) State() (domain.ConversationState, error) {
	if err := c.acquire(); err != nil {
		return domain.ConversationState{}, err
	}
	defer c.release()
	return c.state.Clone(), nil
}

// Restore replaces the conversation with a persisted one and republishes it.
func (c *Controller) Restore(state domain.ConversationState) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	c.state = state.Clone()
	c.display.Replay(c.snapshotMessages())
	return nil
}

// =============================================================================
// Conversation operations
// =============================================================================

// Send appends a user message and runs one generation against the pruned
// history. It blocks until the generation reaches a terminal state.
func (c *Controller) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return &domain.StateError{Op: "send", Reason: "message is empty"}
	}
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	c.state.Messages = append(c.state.Messages, domain.Message{Role: domain.RoleUser, Content: text})
	c.display.Replay(c.snapshotMessages())
	return c.generate(ctx, generationTarget{})
}

// Continue resumes generation from the current history without adding a
// user turn. New text extends the trailing assistant message when there is
// one.
func (c *Controller) Continue(ctx context.Context) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	if len(c.state.Messages) == 0 {
		return &domain.StateError{Op: "continue", Reason: "conversation is empty"}
	}
	target := generationTarget{}
	if last, _ := c.state.LastMessage(); last.Role == domain.RoleAssistant {
		target.extendLast = true
	}
	return c.generate(ctx, target)
}

// Regenerate discards the trailing assistant message and produces a fresh
// reply to the same user turn.
func (c *Controller) Regenerate(ctx context.Context) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	msgs := c.state.Messages
	keep := len(msgs)
	if keep > 0 && msgs[keep-1].Role == domain.RoleAssistant {
		keep--
	}
	if keep == 0 || msgs[keep-1].Role != domain.RoleUser {
		return domain.ErrNoPriorUserMessage
	}
	c.state.Messages = msgs[:keep]
	c.display.Replay(c.snapshotMessages())
	return c.generate(ctx, generationTarget{})
}

// Rewind removes the last exchange: the trailing assistant message (if any)
// and the user message before it. No generation runs.
func (c *Controller) Rewind() error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	msgs := c.state.Messages
	keep := len(msgs)
	if keep > 0 && msgs[keep-1].Role == domain.RoleAssistant {
		keep--
	}
	if keep == 0 || msgs[keep-1].Role != domain.RoleUser {
		return &domain.StateError{Op: "rewind", Reason: "no user message to rewind"}
	}
	c.state.Messages = msgs[:keep-1]
	c.display.Replay(c.snapshotMessages())
	return nil
}

// Restart truncates the conversation to its system message and opens with a
// fresh assistant greeting.
func (c *Controller) Restart(ctx context.Context) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	if sys, ok := c.state.SystemMessage(); ok {
		c.state.Messages = []domain.Message{sys}
	} else {
		c.state.Messages = nil
	}
	c.display.Replay(c.snapshotMessages())
	return c.generate(ctx, generationTarget{})
}

// Clear wipes the conversation entirely, system message included.
func (c *Controller) Clear() error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	c.state.Messages = nil
	c.display.Replay(c.snapshotMessages())
	return nil
}

// Stop cancels the in-flight generation, if any. It never waits for the
// gate, is idempotent, and is a no-op when nothing is streaming. Partial
// output is kept by the generation path, not discarded here.
func (c *Controller) Stop() {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.current != nil {
		c.current.Stop()
	}
}

// =============================================================================
// Generation
// =============================================================================

type generationTarget struct {
	// extendLast appends new text to the trailing assistant message instead
	// of adding a new one.
	extendLast bool
}

// generate runs one attempt while the caller holds the gate. The
// conversation keeps whatever text was produced, for every outcome.
func (c *Controller) generate(ctx context.Context, target generationTarget) error {
	if err := c.resyncPruned(); err != nil {
		return err
	}

	session := generate.NewSession(c.backend, generate.WithSessionLogger(c.logger))
	c.publishSession(session)
	defer c.retireSession()

	res := session.Run(ctx, c.snapshotMessages(), c.state.Settings.Sampling, c.display.AppendDelta)
	c.adopt(res.Text, target)

	switch res.Phase {
	case generate.PhaseCompleted:
		c.display.Completed(res.Text, res.Metrics)
		c.record(OutcomeCompleted, res.Metrics)
	case generate.PhaseStopped:
		c.display.Stopped(res.Text, res.Metrics)
		c.record(OutcomeStopped, res.Metrics)
	default:
		c.display.Failed(res.Err, res.Text)
		c.record(OutcomeFailed, res.Metrics)
		return res.Err
	}

	// A long reply can push the history over the trigger; prune now so the
	// next prompt starts inside budget.
	return c.resyncPruned()
}

// adopt folds generated text into the history.
func (c *Controller) adopt(text string, target generationTarget) {
	if text == "" {
		return
	}
	if target.extendLast {
		if last, ok := c.state.LastMessage(); ok && last.Role == domain.RoleAssistant {
			c.state.Messages[len(c.state.Messages)-1].Content += text
			return
		}
	}
	c.state.Messages = append(c.state.Messages, domain.Message{Role: domain.RoleAssistant, Content: text})
}

// resyncPruned applies the pruning policy to the live history. When
// anything was deleted, the canonical history shrinks and the display is
// replayed, so what the user sees is exactly what the model sees.
func (c *Controller) resyncPruned() error {
	if c.state.Settings.ContextSize <= 0 {
		return nil // no settings applied yet; nothing to budget against
	}
	pruned, err := c.pruner.Prepare(c.state)
	if err != nil {
		return err
	}
	if len(pruned) == len(c.state.Messages) {
		return nil
	}
	c.logger.Info("chat: pruned history", "before", len(c.state.Messages), "after", len(pruned))
	c.state.Messages = pruned
	c.display.Replay(c.snapshotMessages())
	return nil
}

func (c *Controller) publishSession(s *generate.Session) {
	c.sessionMu.Lock()
	c.current = s
	c.sessionMu.Unlock()
}

func (c *Controller) retireSession() {
	c.sessionMu.Lock()
	c.current = nil
	c.sessionMu.Unlock()
}

func (c *Controller) record(outcome string, metrics domain.GenerationMetrics) {
	if c.metrics == nil {
		return
	}
	if err := c.metrics.Record(c.state.Settings.Model, outcome, metrics); err != nil {
		c.logger.Warn("chat: metrics record failed", "error", err)
	}
}

func (c *Controller) snapshotMessages() []domain.Message {
	out := make([]domain.Message, len(c.state.Messages))
	copy(out, c.state.Messages)
	return out
}
