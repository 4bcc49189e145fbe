package gembot

import (
	"sync"
)

// MemoryCache is a process-local bounded cache of recent turns per
// conversation, used when durable history is unavailable or empty.
// After an append, only the most recent 2*maxTurns entries are kept
// (oldest dropped first). Contents are lost on restart; that's an
// accepted durability gap.
type MemoryCache struct {
	mu       sync.Mutex
	maxTurns int
	turns    map[string][]Turn
}

func NewMemoryCache(maxTurns int) *MemoryCache {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxMemoryTurns
	}
	return &MemoryCache{
		maxTurns: maxTurns,
		turns:    map[string][]Turn{},
	}
}

// Get returns the cached turns for the conversation, oldest first.
func (m *MemoryCache) Get(conversationID string) []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	cached := m.turns[conversationID]
	if len(cached) == 0 {
		return nil
	}
	turns := make([]Turn, len(cached))
	copy(turns, cached)
	return turns
}

// Append adds turns to the conversation's cache, discarding the oldest
// entries past the cap.
func (m *MemoryCache) Append(conversationID string, turns ...Turn) {
	if len(turns) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := append(m.turns[conversationID], turns...)
	if limit := 2 * m.maxTurns; len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	m.turns[conversationID] = entries
}

// Delete drops all cached turns for the conversation.
func (m *MemoryCache) Delete(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, conversationID)
}

// Len returns the number of cached turns for the conversation.
func (m *MemoryCache) Len(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns[conversationID])
}
