package memory

import (
	"context"
	"sync"

	"github.com/aegisflow/aegis/internal/domain/audit"
	"github.com/aegisflow/aegis/internal/domain/decision"
	"github.com/aegisflow/aegis/internal/port/outbound"
)

// RecordSink implements outbound.RecordSink with bounded in-memory
// retention. Events beyond the cap evict oldest-first.
type RecordSink struct {
	mu       sync.RWMutex
	events   []decision.Event
	byID     map[string]int
	audits   []audit.Entry
	maxItems int
}

// NewRecordSink creates a sink retaining at most maxItems events.
func NewRecordSink(maxItems int) *RecordSink {
	if maxItems <= 0 {
		maxItems = 1000
	}
	return &RecordSink{
		byID:     make(map[string]int),
		maxItems: maxItems,
	}
}

// PersistEvent stores a decision event.
func (s *RecordSink) PersistEvent(ctx context.Context, e decision.Event) outbound.Ack {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) >= s.maxItems {
		evicted := s.events[0]
		s.events = s.events[1:]
		delete(s.byID, evicted.EventID)
		for id, idx := range s.byID {
			s.byID[id] = idx - 1
		}
	}
	s.byID[e.EventID] = len(s.events)
	s.events = append(s.events, e)
	return outbound.Ack{Accepted: true}
}

// PersistAudit stores an audit entry. Entries are append-only: there is
// no API to update or remove them.
func (s *RecordSink) PersistAudit(ctx context.Context, e audit.Entry) outbound.Ack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, e)
	return outbound.Ack{Accepted: true}
}

// Event returns a persisted event by id.
func (s *RecordSink) Event(id string) (decision.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return decision.Event{}, false
	}
	return s.events[idx], true
}

// Events returns all retained events in persistence order.
func (s *RecordSink) Events() []decision.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]decision.Event(nil), s.events...)
}

// AuditEntries returns all retained audit entries in append order.
func (s *RecordSink) AuditEntries() []audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Entry(nil), s.audits...)
}

// Compile-time interface verification.
var _ outbound.RecordSink = (*RecordSink)(nil)
