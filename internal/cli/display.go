// Package cli hosts the terminal front end: a console renderer for the
// conversation and the interactive REPL that drives the controller.
package cli

import (
	"fmt"
	"io"
	"sync"

	"fireside/internal/domain"
)

// rolePrefix maps message roles to their transcript markers.
func rolePrefix(role domain.MessageRole) string {
	switch role {
	case domain.RoleSystem:
		return "[system]"
	case domain.RoleUser:
		return "you>"
	default:
		return "ai>"
	}
}

// ConsoleDisplay renders the conversation to a writer. It implements
// domain.Display. All methods are safe for concurrent use; the controller
// calls AppendDelta from the generation goroutine.
type ConsoleDisplay struct {
	mu        sync.Mutex
	out       io.Writer
	showStats bool
}

// NewConsoleDisplay creates a display writing to out. Panics if out is nil.
func NewConsoleDisplay(out io.Writer, showStats bool) *ConsoleDisplay {
	if out == nil {
		panic("cli: out must not be nil")
	}
	return &ConsoleDisplay{out: out, showStats: showStats}
}

// Replay reprints the whole transcript after a history mutation.
func (d *ConsoleDisplay) Replay(messages []domain.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintln(d.out, "----")
	for _, m := range messages {
		fmt.Fprintf(d.out, "%s %s\n", rolePrefix(m.Role), m.Content)
	}
	fmt.Fprintln(d.out, "----")
}

// AppendDelta streams incremental assistant text.
func (d *ConsoleDisplay) AppendDelta(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprint(d.out, text)
}

// Completed closes the streamed line and optionally prints throughput.
func (d *ConsoleDisplay) Completed(text string, metrics domain.GenerationMetrics) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintln(d.out)
	if d.showStats {
		fmt.Fprintf(d.out, "[%d tokens, %.1f tok/s, peak %.1f]\n",
			metrics.TokensGenerated, metrics.TokensPerSecond(), metrics.PeakTokensPerSec)
	}
}

// Stopped marks a cancelled generation; the partial text stays on screen.
func (d *ConsoleDisplay) Stopped(partial string, metrics domain.GenerationMetrics) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, "\n[stopped after %d tokens]\n", metrics.TokensGenerated)
}

// Failed reports a generation failure.
func (d *ConsoleDisplay) Failed(err error, partial string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, "\n[error: %v]\n", err)
}

var _ domain.Display = (*ConsoleDisplay)(nil)
