package audit

import (
	"sync"

	"github.com/medrelay-project/medrelay/internal/core"
)

// MemorySink is an in-memory Sink used in tests and as a best-effort
// secondary channel when the durable sink is unavailable.
type MemorySink struct {
	mu     sync.Mutex
	events []core.SecurityEvent
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append stores the event.
func (m *MemorySink) Append(event core.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of all recorded events.
func (m *MemorySink) Events() []core.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.SecurityEvent, len(m.events))
	copy(out, m.events)
	return out
}

// ByType returns recorded events of the given type.
func (m *MemorySink) ByType(eventType string) []core.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.SecurityEvent
	for _, e := range m.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
