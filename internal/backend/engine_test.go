package backend

import (
	"context"
	"strings"
	"testing"
	"time"

	"fireside/internal/domain"
)

func echoSettings() domain.ModelSettings {
	return domain.ModelSettings{
		Backend:     domain.BackendInProcess,
		Model:       "echo",
		ContextSize: 4096,
	}
}

func userMessages(content string) []domain.Message {
	return []domain.Message{{Role: domain.RoleUser, Content: content}}
}

// collect reads deltas on the caller's goroutine, emit-style.
func collectChat(t *testing.T, e *EchoEngine, ctx context.Context, messages []domain.Message, params domain.SamplingParams) (string, domain.Usage, error) {
	t.Helper()
	var text strings.Builder
	usage, err := e.Chat(ctx, messages, params, func(delta string) error {
		text.WriteString(delta)
		return nil
	})
	return text.String(), usage, err
}

func TestEchoEngine_WhenNotLoaded_ShouldReturnErrNotLoaded(t *testing.T) {
	e := NewEchoEngine()
	_, _, err := collectChat(t, e, context.Background(), userMessages("hi"), domain.DefaultSamplingParams())
	if err != domain.ErrNotLoaded {
		t.Errorf("expected ErrNotLoaded, got %v", err)
	}
}

func TestEchoEngine_WhenChatted_ShouldEchoLastUserMessage(t *testing.T) {
	e := NewEchoEngine()
	if err := e.Load(context.Background(), echoSettings()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	msgs := []domain.Message{
		{Role: domain.RoleSystem, Content: "be brief"},
		{Role: domain.RoleUser, Content: "first question"},
		{Role: domain.RoleAssistant, Content: "first answer"},
		{Role: domain.RoleUser, Content: "second question"},
	}
	text, usage, err := collectChat(t, e, context.Background(), msgs, domain.DefaultSamplingParams())
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if text != "Echo: second question" {
		t.Errorf("expected echo of last user message, got %q", text)
	}
	if usage.CompletionTokens != 3 {
		t.Errorf("expected 3 completion tokens, got %d", usage.CompletionTokens)
	}
	if usage.PromptTokens == 0 {
		t.Error("expected nonzero prompt token estimate")
	}
}

func TestEchoEngine_WhenMaxTokensSet_ShouldTruncateReply(t *testing.T) {
	e := NewEchoEngine()
	if err := e.Load(context.Background(), echoSettings()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	params := domain.DefaultSamplingParams()
	params.MaxTokens = 2

	text, usage, err := collectChat(t, e, context.Background(), userMessages("one two three four"), params)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if usage.CompletionTokens != 2 {
		t.Errorf("expected 2 completion tokens, got %d", usage.CompletionTokens)
	}
	if !strings.HasPrefix(text, "Echo:") {
		t.Errorf("unexpected reply %q", text)
	}
}

func TestEchoEngine_WhenContextCancelled_ShouldReturnPartialUsage(t *testing.T) {
	e := NewEchoEngine(WithEchoDelay(5 * time.Millisecond))
	if err := e.Load(context.Background(), echoSettings()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	emitted := 0
	_, err := e.Chat(ctx, userMessages("a b c d e f g h"), domain.DefaultSamplingParams(), func(delta string) error {
		emitted++
		if emitted == 2 {
			cancel()
		}
		return nil
	})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if emitted >= 8 {
		t.Errorf("expected early stop, got %d deltas", emitted)
	}
}

func TestEchoEngine_WhenLoadSettingsInvalid_ShouldReturnError(t *testing.T) {
	e := NewEchoEngine()
	bad := echoSettings()
	bad.ContextSize = 0
	if err := e.Load(context.Background(), bad); err == nil {
		t.Error("expected validation error")
	}
}

func TestEchoEngine_WhenClosed_ShouldRejectChat(t *testing.T) {
	e := NewEchoEngine()
	if err := e.Load(context.Background(), echoSettings()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, _, err := collectChat(t, e, context.Background(), userMessages("hi"), domain.DefaultSamplingParams())
	if err != domain.ErrNotLoaded {
		t.Errorf("expected ErrNotLoaded after close, got %v", err)
	}
}

func TestEchoEngine_WithCustomReply_ShouldUseIt(t *testing.T) {
	e := NewEchoEngine(WithEchoReply(func(messages []domain.Message) string {
		return "fixed reply"
	}))
	if err := e.Load(context.Background(), echoSettings()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	text, _, err := collectChat(t, e, context.Background(), userMessages("anything"), domain.DefaultSamplingParams())
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if text != "fixed reply" {
		t.Errorf("expected custom reply, got %q", text)
	}
}
