package prune

import (
	"fmt"

	"fireside/internal/domain"
)

// Manager implements the token-budget pruning policy: when a conversation
// exceeds the trigger ratio of the context window, middle messages are
// deleted oldest-candidate-first until the target ratio is reached. The
// system prompt, the first preserved exchanges, and the most recent tail
// are never deleted.
type Manager struct {
	counter domain.MessageCounter
	policy  domain.PruningPolicy
}

// NewManager creates a Manager with the given counter and policy.
// Panics if counter is nil or the policy is invalid.
func NewManager(counter domain.MessageCounter, policy domain.PruningPolicy) *Manager {
	if counter == nil {
		panic("prune: counter must not be nil")
	}
	if err := policy.Validate(); err != nil {
		panic("prune: " + err.Error())
	}
	return &Manager{counter: counter, policy: policy}
}

// Policy returns the policy this Manager enforces.
func (m *Manager) Policy() domain.PruningPolicy { return m.policy }

// Prepare returns the message list ready for a generation attempt. Below the
// trigger ratio the input is returned unchanged. Above it, candidates between
// the preserved head and the preserved tail are deleted one at a time from
// the earliest candidate position, recounting after each deletion, until the
// count drops to the target ratio or only preserved messages remain.
//
// Preservation takes priority over the trigger: a conversation shorter than
// the preserved set is never pruned, and pruning stops once only preserved
// messages remain even if the count is still above target.
func (m *Manager) Prepare(state domain.ConversationState) ([]domain.Message, error) {
	messages := state.Messages
	limit := state.Settings.ContextSize
	if limit <= 0 {
		return nil, fmt.Errorf("prune: context size must be > 0, got %d", limit)
	}

	used, err := m.counter.CountMessages(messages)
	if err != nil {
		return nil, fmt.Errorf("prune: counting conversation: %w", err)
	}
	if float64(used) <= m.policy.TriggerRatio*float64(limit) {
		return messages, nil
	}

	head := m.preservedHead(messages)
	tail := m.policy.PreservedTail
	if len(messages) <= head+tail {
		// Shorter than the preserved set: nothing to delete.
		return messages, nil
	}

	target := m.policy.TargetRatio * float64(limit)

	pruned := make([]domain.Message, len(messages))
	copy(pruned, messages)

	for len(pruned) > head+tail {
		used, err = m.counter.CountMessages(pruned)
		if err != nil {
			return nil, fmt.Errorf("prune: recounting after deletion: %w", err)
		}
		if float64(used) <= target {
			break
		}
		// Delete the earliest candidate: the message right after the head.
		pruned = append(pruned[:head], pruned[head+1:]...)
	}

	return pruned, nil
}

// preservedHead returns how many leading messages are off-limits: the system
// message at index 0 (when present) plus two messages for every preserved
// head exchange, capped at the conversation length.
func (m *Manager) preservedHead(messages []domain.Message) int {
	head := 0
	if len(messages) > 0 && messages[0].Role == domain.RoleSystem {
		head = 1
	}
	head += 2 * m.policy.PreservedHeadExchanges
	if head > len(messages) {
		head = len(messages)
	}
	return head
}
