package tokenizer

import (
	"errors"
	"testing"

	"fireside/internal/domain"
)

// =============================================================================
// Heuristic Tests
// =============================================================================

func TestHeuristic_CountTokens_WhenEmptyString_ShouldReturnZero(t *testing.T) {
	count, err := Heuristic{}.CountTokens("")
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 tokens for empty string, got %d", count)
	}
}

func TestHeuristic_CountTokens_WhenShortText_ShouldReturnAtLeastOne(t *testing.T) {
	count, err := Heuristic{}.CountTokens("hi")
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 token for 2-char text, got %d", count)
	}
}

func TestHeuristic_CountTokens_ShouldEstimateFourCharsPerToken(t *testing.T) {
	// 40 characters => 10 tokens.
	count, err := Heuristic{}.CountTokens("aaaabbbbccccddddeeeeffffgggghhhhiiiijjjj")
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if count != 10 {
		t.Errorf("expected 10 tokens for 40 chars, got %d", count)
	}
}

// =============================================================================
// MessageCounter Tests
// =============================================================================

// fixedTokenizer returns one token per character, making counts obvious.
type fixedTokenizer struct{}

func (fixedTokenizer) CountTokens(text string) (int, error) {
	return len(text), nil
}

func TestNewMessageCounter_WhenNilTokenizer_ShouldPanic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic when tokenizer is nil")
		}
	}()
	NewMessageCounter(nil)
}

func TestMessageCounter_CountMessages_WhenEmpty_ShouldReturnZero(t *testing.T) {
	c := NewMessageCounter(fixedTokenizer{})
	count, err := c.CountMessages(nil)
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0, got %d", count)
	}
}

func TestMessageCounter_CountMessages_WhenSingleMessage_ShouldOmitOverhead(t *testing.T) {
	c := NewMessageCounter(fixedTokenizer{})
	count, err := c.CountMessages([]domain.Message{
		{Role: domain.RoleUser, Content: "abcd"},
	})
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if count != 4 {
		t.Errorf("expected 4 (no overhead for single message), got %d", count)
	}
}

func TestMessageCounter_CountMessages_ShouldAddPerMessageOverhead(t *testing.T) {
	c := NewMessageCounter(fixedTokenizer{})
	// Contents: 3 + 5 + 2 = 10, overhead: (3-1)*2 = 4 => 14.
	count, err := c.CountMessages([]domain.Message{
		{Role: domain.RoleSystem, Content: "sys"},
		{Role: domain.RoleUser, Content: "hello"},
		{Role: domain.RoleAssistant, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if count != 14 {
		t.Errorf("expected 14, got %d", count)
	}
}

func TestMessageCounter_CountMessages_WhenTokenizerFails_ShouldReturnError(t *testing.T) {
	failing := &failingTokenizer{err: errors.New("tokenizer exploded")}
	c := NewMessageCounter(failing)
	_, err := c.CountMessages([]domain.Message{{Role: domain.RoleUser, Content: "hi"}})
	if err == nil {
		t.Error("expected error when tokenizer fails")
	}
}

type failingTokenizer struct{ err error }

func (f *failingTokenizer) CountTokens(string) (int, error) { return 0, f.err }

// =============================================================================
// TikToken Tests (require the encoding to be fetchable)
// =============================================================================

func TestNewTikToken_WhenInvalidEncoding_ShouldReturnError(t *testing.T) {
	tok, err := NewTikToken("totally_invalid_encoding_xyz")
	if err == nil {
		t.Fatal("expected error for invalid encoding")
	}
	if tok != nil {
		t.Fatal("expected nil tokenizer on error")
	}
}

func TestTikToken_CountTokens_WhenSimpleText_ShouldReturnPositiveCount(t *testing.T) {
	tok, err := NewTikToken("cl100k_base")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}

	count, err := tok.CountTokens("Hello, world!")
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if count <= 0 {
		t.Errorf("expected positive token count, got %d", count)
	}
}

func TestTikToken_CountTokens_WhenEmptyString_ShouldReturnZero(t *testing.T) {
	tok, err := NewTikToken("cl100k_base")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}

	count, err := tok.CountTokens("")
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 tokens for empty string, got %d", count)
	}
}
