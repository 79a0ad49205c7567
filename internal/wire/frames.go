// Package wire defines the newline-delimited JSON protocol spoken between
// the sandboxed backend client and its worker process, plus the worker-side
// serve loop. A conforming worker and a conforming client are independently
// replaceable, so this is the one bit-exact contract in the system.
package wire

import "fireside/internal/domain"

// Request kinds.
const (
	KindLoad        = "load"
	KindChat        = "chat"
	KindCancel      = "cancel"
	KindCountTokens = "count_tokens"
	KindUnload      = "unload"
	KindShutdown    = "shutdown"
)

// Response types.
const (
	TypeToken = "token"
	TypeDone  = "done"
	TypeError = "error"
)

// Request is one client→worker frame. Every request carries a monotonically
// increasing ID; for KindCancel the ID names the chat request to cancel.
type Request struct {
	ID       uint64                 `json:"id"`
	Kind     string                 `json:"kind"`
	Settings *domain.ModelSettings  `json:"settings,omitempty"`
	Messages []domain.Message       `json:"messages,omitempty"`
	Params   *domain.SamplingParams `json:"params,omitempty"`
}

// Response is one worker→client frame. Every response echoes the ID of the
// request it answers, so the client can discard stale frames from a prior,
// now-cancelled request. A chat request produces zero or more TypeToken
// frames followed by exactly one TypeDone (with Usage) or TypeError frame;
// every other request produces a single TypeDone or TypeError frame.
type Response struct {
	ID      uint64        `json:"id"`
	Type    string        `json:"type"`
	Text    string        `json:"text,omitempty"`
	Usage   *domain.Usage `json:"usage,omitempty"`
	Count   int           `json:"count,omitempty"`
	Message string        `json:"message,omitempty"`
}
