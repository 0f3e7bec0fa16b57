package edgelink

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// SuppressionTTL is how long a delivered reflex suppresses a matching
// first bubble from the HTTP path.
const SuppressionTTL = 10 * time.Second

// SuppressionMap remembers the last reflex delivered per thread so the
// ingress loop can drop the duplicate first bubble of a backend HTTP
// response. Written by the command handler (WebSocket path), read and
// consumed by the ingress loop. All methods are safe for concurrent use.
type SuppressionMap struct {
	entries *expirable.LRU[string, string]
}

// NewSuppressionMap creates a SuppressionMap with the standard 10 s TTL.
func NewSuppressionMap() *SuppressionMap {
	return &SuppressionMap{
		entries: expirable.NewLRU[string, string](256, nil, SuppressionTTL),
	}
}

// Record notes that text was just delivered as a reflex into threadID.
func (m *SuppressionMap) Record(threadID, text string) {
	m.entries.Add(threadID, text)
}

// Consume reports whether text matches a live reflex entry for threadID,
// removing the entry on match so it suppresses exactly once.
func (m *SuppressionMap) Consume(threadID, text string) bool {
	got, ok := m.entries.Get(threadID)
	if !ok || got != text {
		return false
	}
	m.entries.Remove(threadID)
	return true
}
