package tokenizer

import (
	"fmt"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"fireside/internal/domain"
)

// TikToken counts tokens against a real BPE vocabulary via tiktoken-go,
// for pruning math that matches what remote chat models actually charge.
type TikToken struct {
	enc *tiktoken.Tiktoken
}

// NewTikToken resolves the named encoding. "cl100k_base" covers most chat
// models; "o200k_base" is the newer OpenAI family. Unrecognized names fail.
func NewTikToken(name string) (*TikToken, error) {
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: encoding %q: %w", name, err)
	}
	return &TikToken{enc: enc}, nil
}

// CountTokens encodes text and reports its token count.
func (t *TikToken) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// Heuristic estimates tokens as len(text)/4, the rough English average.
// Used when the real tokenizer is unavailable, e.g. while a single-lane
// sandbox worker is busy streaming and cannot interleave a count request.
type Heuristic struct{}

// CountTokens returns the chars/4 estimate, at least 1 for non-empty text.
func (Heuristic) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n, nil
}

// perMessageOverhead accounts for the role/separator framing each message
// adds on the wire beyond its raw content.
const perMessageOverhead = 2

// MessageCounter counts whole message lists with a Tokenizer, adding the
// framing overhead for every message after the first.
type MessageCounter struct {
	tok domain.Tokenizer
}

// NewMessageCounter returns a MessageCounter. Panics if tok is nil.
func NewMessageCounter(tok domain.Tokenizer) *MessageCounter {
	if tok == nil {
		panic("tokenizer: tok must not be nil")
	}
	return &MessageCounter{tok: tok}
}

// CountMessages sums the token counts of all message contents plus overhead.
func (c *MessageCounter) CountMessages(messages []domain.Message) (int, error) {
	total := 0
	for i, msg := range messages {
		n, err := c.tok.CountTokens(msg.Content)
		if err != nil {
			return 0, fmt.Errorf("tokenizer: counting message %d: %w", i, err)
		}
		total += n
	}
	if len(messages) > 1 {
		total += (len(messages) - 1) * perMessageOverhead
	}
	return total, nil
}

var (
	_ domain.Tokenizer      = (*TikToken)(nil)
	_ domain.Tokenizer      = Heuristic{}
	_ domain.MessageCounter = (*MessageCounter)(nil)
)
