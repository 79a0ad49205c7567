package domain

import "context"

// ModelBackend is a concrete way of running the language model. The backend
// owns its opaque handle (loaded model, subprocess, HTTP client): Load
// replaces it, Unload releases it.
//
// Implementations run all blocking work off the caller's goroutine and
// deliver stream events through a single-producer channel.
type ModelBackend interface {
	// Load acquires the backend handle for the given settings. It may block
	// for a long time (model load) and must be invoked off the control
	// goroutine. Loading over an existing handle releases the old one first.
	Load(ctx context.Context, settings ModelSettings) error

	// StreamChat opens one streaming generation attempt. The returned channel
	// yields zero or more delta events followed by exactly one terminal event
	// (Usage or Err), then closes. The sequence is lazy, single-pass, and not
	// restartable. Cancelling ctx stops the stream; cancellation latency is
	// bounded by the time to produce one more token.
	StreamChat(ctx context.Context, messages []Message, params SamplingParams) (<-chan StreamEvent, error)

	// CountTokens returns the backend's token count estimate for the messages.
	CountTokens(messages []Message) (int, error)

	// Unload releases the handle. Safe to call mid-generation: it requests
	// cancellation first and blocks until the in-flight call returns.
	Unload() error
}

// Engine is a direct in-memory model handle: the blocking, callback-based
// contract hosted by the in-process backend and by the sandbox worker. emit
// is called once per token delta on the engine's goroutine; returning an
// error from emit aborts the generation.
type Engine interface {
	Load(ctx context.Context, settings ModelSettings) error
	Chat(ctx context.Context, messages []Message, params SamplingParams, emit func(delta string) error) (Usage, error)
	CountTokens(messages []Message) (int, error)
	Close() error
}

// Tokenizer counts tokens in a string for context window management.
type Tokenizer interface {
	CountTokens(text string) (int, error)
}

// MessageCounter estimates the token cost of a whole message list, including
// per-message framing overhead.
type MessageCounter interface {
	CountMessages(messages []Message) (int, error)
}

// Display is the UI collaborator contract. The controller publishes every
// accepted operation's outcome through it; the display renders and never
// mutates conversation state. All calls happen on the control goroutine
// except AppendDelta, which is invoked once per token while streaming.
type Display interface {
	// Replay republishes the full ordered message list after any mutation
	// (send, prune resync, rewind, restart, clear, chat load).
	Replay(messages []Message)

	// AppendDelta appends incremental assistant text during streaming.
	AppendDelta(text string)

	// Completed reports a finished generation with its final text.
	Completed(text string, metrics GenerationMetrics)

	// Stopped reports a cancelled generation; partial text is always kept.
	Stopped(partial string, metrics GenerationMetrics)

	// Failed reports a backend error, timeout, or protocol failure.
	// Partial text (possibly empty) has been preserved in the conversation.
	Failed(err error, partial string)
}

// MetricsSink records finalized generation metrics. Implementations must
// tolerate being called once per generation attempt, including stopped and
// failed ones.
type MetricsSink interface {
	Record(model string, outcome string, metrics GenerationMetrics) error
}
