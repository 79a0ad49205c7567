package domain

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Messages
// =============================================================================

// MessageRole identifies who produced a message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Valid reports whether the role is one of the three known roles.
func (r MessageRole) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single conversation turn. Ordering in a conversation is
// meaningful; a system message, when present, occupies position 0.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// =============================================================================
// Model settings & sampling
// =============================================================================

// BackendKind selects the concrete ModelBackend implementation.
type BackendKind string

const (
	BackendInProcess BackendKind = "inprocess"
	BackendSandboxed BackendKind = "sandboxed"
	BackendRemote    BackendKind = "remote"
)

// SamplingParams are the generation knobs forwarded to the backend.
type SamplingParams struct {
	Temperature   float64 `json:"temperature" yaml:"temperature"`
	TopP          float64 `json:"topP" yaml:"topP"`
	TopK          int     `json:"topK" yaml:"topK"`
	RepeatPenalty float64 `json:"repeatPenalty" yaml:"repeatPenalty"`
	MinP          float64 `json:"minP" yaml:"minP"`
	MaxTokens     int     `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
}

// DefaultSamplingParams returns the sampling defaults used when no preset is chosen.
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		Temperature:   0.8,
		TopP:          0.9,
		TopK:          40,
		RepeatPenalty: 1.0,
		MinP:          0.0,
	}
}

// ModelSettings is the immutable per-session snapshot describing which model
// to run and how. A settings change is applied by unloading the old backend
// handle and loading a new one, never by mutating in place.
type ModelSettings struct {
	Backend     BackendKind    `json:"backend"`
	Model       string         `json:"model"` // model identifier or file path
	ContextSize int            `json:"contextSize"`
	GPULayers   int            `json:"gpuLayers,omitempty"`
	BaseURL     string         `json:"baseUrl,omitempty"`    // remote backend only
	WorkerPath  string         `json:"workerPath,omitempty"` // sandboxed backend only
	Sampling    SamplingParams `json:"sampling"`
}

// Validate checks the settings fields that every backend requires.
func (s ModelSettings) Validate() error {
	if s.Model == "" {
		return errors.New("settings: model must not be empty")
	}
	if s.ContextSize <= 0 {
		return errors.New("settings: contextSize must be > 0")
	}
	switch s.Backend {
	case BackendInProcess, BackendSandboxed, BackendRemote:
	default:
		return fmt.Errorf("settings: unknown backend %q (use: inprocess, sandboxed, remote)", s.Backend)
	}
	return nil
}

// =============================================================================
// Conversation state
// =============================================================================

// ConversationState is the ordered message history plus the ModelSettings
// snapshot active when it was produced. It is owned by the controller and
// mutated only on the control goroutine. The structure round-trips through
// JSON so the persistence collaborator can store it as an opaque value.
type ConversationState struct {
	Messages []Message     `json:"messages"`
	Settings ModelSettings `json:"settings"`
}

// Clone returns a deep copy so backend goroutines can read a snapshot
// without racing the control goroutine.
func (c ConversationState) Clone() ConversationState {
	out := c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	return out
}

// SystemMessage returns the system message and true when one is present.
func (c ConversationState) SystemMessage() (Message, bool) {
	if len(c.Messages) > 0 && c.Messages[0].Role == RoleSystem {
		return c.Messages[0], true
	}
	return Message{}, false
}

// LastMessage returns the final message and true when the conversation is non-empty.
func (c ConversationState) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// =============================================================================
// Pruning policy
// =============================================================================

// PruningPolicy controls when and how aggressively conversation middles are
// deleted to stay inside the context budget. Constant for a session's lifetime.
type PruningPolicy struct {
	TriggerRatio           float64 `json:"triggerRatio"`
	TargetRatio            float64 `json:"targetRatio"`
	PreservedHeadExchanges int     `json:"preservedHeadExchanges"`
	PreservedTail          int     `json:"preservedTail"`
}

// DefaultPruningPolicy returns the policy the original application shipped:
// prune above 85% of the context window, down to 60%, keeping the first
// three user/assistant exchanges and the final message.
func DefaultPruningPolicy() PruningPolicy {
	return PruningPolicy{
		TriggerRatio:           0.85,
		TargetRatio:            0.60,
		PreservedHeadExchanges: 3,
		PreservedTail:          1,
	}
}

// Validate enforces the policy invariants, notably target < trigger.
func (p PruningPolicy) Validate() error {
	if p.TriggerRatio <= 0 || p.TriggerRatio > 1 {
		return errors.New("pruning: triggerRatio must be in (0, 1]")
	}
	if p.TargetRatio <= 0 {
		return errors.New("pruning: targetRatio must be > 0")
	}
	if p.TargetRatio >= p.TriggerRatio {
		return errors.New("pruning: targetRatio must be < triggerRatio")
	}
	if p.PreservedHeadExchanges < 0 {
		return errors.New("pruning: preservedHeadExchanges must be >= 0")
	}
	if p.PreservedTail < 1 {
		return errors.New("pruning: preservedTail must be >= 1")
	}
	return nil
}

// =============================================================================
// Streaming
// =============================================================================

// Usage is the token accounting reported by the terminal frame of a stream.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// StreamEvent is one element of a generation stream: zero or more delta
// events carrying text, then exactly one terminal event with either Usage
// (success) or Err (failure). The producing goroutine closes the channel
// after the terminal event.
type StreamEvent struct {
	Delta string
	Usage *Usage
	Err   error
}

// Terminal reports whether this event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Usage != nil || e.Err != nil
}

// =============================================================================
// Generation metrics
// =============================================================================

// GenerationMetrics accumulates over one streaming attempt and is finalized
// at completion or cancellation, then discarded after reporting.
type GenerationMetrics struct {
	TokensGenerated  int           `json:"tokensGenerated"`
	Elapsed          time.Duration `json:"elapsed"`
	PeakTokensPerSec float64       `json:"peakTokensPerSec"`
}

// TokensPerSecond returns the mean generation rate over the whole attempt.
func (m GenerationMetrics) TokensPerSecond() float64 {
	if m.Elapsed <= 0 {
		return 0
	}
	return float64(m.TokensGenerated) / m.Elapsed.Seconds()
}
