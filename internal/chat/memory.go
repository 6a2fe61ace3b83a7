package chat

import (
	"sync"

	"github.com/inkwell-ai/inkwell/internal/models"
)

// defaultMemoryTokens bounds the conversation buffer when the config
// leaves the limit unset.
const defaultMemoryTokens = 3000

// Memory is a bounded token-buffer of conversation turns. Token counts
// are estimated at 4 characters per token; when the buffer exceeds its
// limit the oldest turns are evicted first. The newest turn is always
// kept even when it alone exceeds the limit.
type Memory struct {
	mu     sync.Mutex
	turns  []models.ConversationMessage
	tokens int
	limit  int
}

// NewMemory creates an empty buffer with the given token limit.
func NewMemory(tokenLimit int) *Memory {
	if tokenLimit <= 0 {
		tokenLimit = defaultMemoryTokens
	}
	return &Memory{limit: tokenLimit}
}

// estimateTokens approximates the token count of s at 4 characters per
// token, minimum 1 for non-empty strings.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// Put appends a turn, evicting oldest turns while over the limit.
func (m *Memory) Put(msg models.ConversationMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, msg)
	m.tokens += estimateTokens(msg.Content)
	for m.tokens > m.limit && len(m.turns) > 1 {
		m.tokens -= estimateTokens(m.turns[0].Content)
		m.turns = m.turns[1:]
	}
}

// Messages returns a copy of the buffered turns, oldest first.
func (m *Memory) Messages() []models.ConversationMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ConversationMessage, len(m.turns))
	copy(out, m.turns)
	return out
}

// Len returns the number of buffered turns.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns)
}

// Tokens returns the current estimated token total.
func (m *Memory) Tokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens
}

// Reset replaces the buffer contents, applying eviction so an oversized
// history loads only its newest turns.
func (m *Memory) Reset(msgs []models.ConversationMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = nil
	m.tokens = 0
	for _, msg := range msgs {
		m.turns = append(m.turns, msg)
		m.tokens += estimateTokens(msg.Content)
	}
	for m.tokens > m.limit && len(m.turns) > 1 {
		m.tokens -= estimateTokens(m.turns[0].Content)
		m.turns = m.turns[1:]
	}
}

// Clone copies the buffer verbatim for an engine rebuild.
func (m *Memory) Clone() *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &Memory{limit: m.limit, tokens: m.tokens}
	c.turns = make([]models.ConversationMessage, len(m.turns))
	copy(c.turns, m.turns)
	return c
}
