// Package generate runs one streaming generation attempt and tracks its
// lifecycle: Idle -> Starting -> Streaming -> Completed | Stopped | Failed.
// A Session is single-use; the controller creates a fresh one per attempt.
package generate

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"fireside/internal/domain"
)

// now is an injectable clock for metrics tests.
var now = time.Now

// peakWindow is the sampling window for the peak tokens/sec figure.
const peakWindow = time.Second

// Phase is a generation session's lifecycle state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseStreaming
	PhaseCompleted
	PhaseStopped
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseStreaming:
		return "streaming"
	case PhaseCompleted:
		return "completed"
	case PhaseStopped:
		return "stopped"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the phase is an end state.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseStopped || p == PhaseFailed
}

// Result is the outcome of one generation attempt. Text holds whatever was
// produced, including partial output from stopped and failed attempts.
type Result struct {
	Text    string
	Metrics domain.GenerationMetrics
	Phase   Phase
	Err     error
}

// SessionOption is a functional option for configuring Session.
type SessionOption func(*Session)

// WithSessionLogger sets a structured logger. If l is nil it is ignored.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// Session drives one streaming generation against a backend. Run blocks
// until the stream terminates; Stop and Phase are safe to call from other
// goroutines while Run is in flight.
type Session struct {
	backend domain.ModelBackend
	logger  *slog.Logger

	mu      sync.Mutex
	phase   Phase
	stopped bool
	cancel  context.CancelFunc
	partial strings.Builder

	tokens      int
	started     time.Time
	windowStart time.Time
	windowCount int
	peak        float64
}

// NewSession creates an idle session. Panics if backend is nil.
func NewSession(backend domain.ModelBackend, opts ...SessionOption) *Session {
	if backend == nil {
		panic("generate: backend must not be nil")
	}
	s := &Session{
		backend: backend,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Partial returns the text accumulated so far.
func (s *Session) Partial() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial.String()
}

// Stop requests cancellation. It is idempotent and a no-op once the session
// has reached a terminal phase. Cancellation latency is bounded by the time
// to produce one more token.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() || s.stopped {
		return
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
}

// Run executes the attempt. onDelta is invoked on the calling goroutine for
// every token delta, after the delta has been accumulated. Run never returns
// before the backend stream has fully terminated, so the backend is on a
// clean boundary when it does.
func (s *Session) Run(ctx context.Context, messages []domain.Message, params domain.SamplingParams, onDelta func(delta string)) Result {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.phase != PhaseIdle {
		s.mu.Unlock()
		return Result{Phase: PhaseFailed, Err: &domain.StateError{Op: "run", Reason: "session already used"}}
	}
	s.phase = PhaseStarting
	s.cancel = cancel
	alreadyStopped := s.stopped
	s.mu.Unlock()
	if alreadyStopped {
		// Stopped before the stream opened: nothing was produced.
		return s.finish(PhaseStopped, nil, nil)
	}

	start := now()
	s.mu.Lock()
	s.started = start
	s.windowStart = start
	s.mu.Unlock()

	events, err := s.backend.StreamChat(streamCtx, messages, params)
	if err != nil {
		return s.finish(PhaseFailed, nil, err)
	}

	var usage *domain.Usage
	var streamErr error
	for ev := range events {
		switch {
		case ev.Err != nil:
			streamErr = ev.Err
		case ev.Usage != nil:
			usage = ev.Usage
		default:
			s.recordDelta(ev.Delta)
			if onDelta != nil {
				onDelta(ev.Delta)
			}
		}
	}

	switch {
	case streamErr != nil:
		return s.finish(PhaseFailed, usage, streamErr)
	case s.wasStopped():
		return s.finish(PhaseStopped, usage, nil)
	default:
		return s.finish(PhaseCompleted, usage, nil)
	}
}

func (s *Session) wasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Session) recordDelta(delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseStarting {
		s.phase = PhaseStreaming
	}
	s.partial.WriteString(delta)
	s.tokens++
	s.windowCount++
	if elapsed := now().Sub(s.windowStart); elapsed >= peakWindow {
		rate := float64(s.windowCount) / elapsed.Seconds()
		if rate > s.peak {
			s.peak = rate
		}
		s.windowStart = now()
		s.windowCount = 0
	}
}

func (s *Session) finish(phase Phase, usage *domain.Usage, err error) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase

	metrics := domain.GenerationMetrics{
		TokensGenerated:  s.tokens,
		PeakTokensPerSec: s.peak,
	}
	if usage != nil && usage.CompletionTokens > 0 {
		metrics.TokensGenerated = usage.CompletionTokens
	}
	if !s.started.IsZero() {
		metrics.Elapsed = now().Sub(s.started)
	}
	// Close the final, shorter-than-window sample.
	if s.windowCount > 0 && !s.windowStart.IsZero() {
		if elapsed := now().Sub(s.windowStart); elapsed > 0 {
			if rate := float64(s.windowCount) / elapsed.Seconds(); rate > metrics.PeakTokensPerSec {
				metrics.PeakTokensPerSec = rate
			}
		}
	}

	if err != nil {
		s.logger.Warn("generate: attempt failed", "phase", phase.String(), "error", err)
	} else {
		s.logger.Debug("generate: attempt finished",
			"phase", phase.String(),
			"tokens", metrics.TokensGenerated,
			"elapsed", metrics.Elapsed)
	}
	return Result{
		Text:    s.partial.String(),
		Metrics: metrics,
		Phase:   phase,
		Err:     err,
	}
}
