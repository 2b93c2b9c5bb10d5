// TraceRing is a bounded message-trace buffer, grounded on
// core::FifoMessageTrace and the messageTraces_ queue in
// fifo_logger.h/fifo_logger.cpp (original_source/src/core) — the original
// keeps a std::queue capped at maxTraceEntries and filters it by clientId on
// read; TraceRing generalizes that from FIFO-only tracing to every
// transport kind this module implements.
package observability

import (
	"sync"
	"time"
)

// Direction names which way a traced message moved.
type Direction string

const (
	DirectionSent     Direction = "SENT"
	DirectionReceived Direction = "RECEIVED"
)

// Trace is one recorded message event.
type Trace struct {
	MessageID      string
	ClientID       string
	Channel        string // pipe path / connection address / topic
	Timestamp      time.Time
	Direction      Direction
	MessageSize    int
	MessageType    string
	ProcessingTime time.Duration
}

// TraceRing is a fixed-capacity ring buffer of Trace entries.
type TraceRing struct {
	mu       sync.Mutex
	entries  []Trace
	capacity int
	next     int // next write index once full
	full     bool
}

// NewTraceRing builds a ring retaining up to capacity entries.
func NewTraceRing(capacity int) *TraceRing {
	if capacity <= 0 {
		capacity = 10000
	}
	return &TraceRing{capacity: capacity}
}

// Add appends a trace entry, evicting the oldest once capacity is reached.
func (r *TraceRing) Add(t Trace) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) < r.capacity {
		r.entries = append(r.entries, t)
		return
	}
	r.entries[r.next] = t
	r.next = (r.next + 1) % r.capacity
	r.full = true
}

// Len reports the number of entries currently retained.
func (r *TraceRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Recent returns entries in chronological order, optionally filtered by
// clientID (empty string matches all).
func (r *TraceRing) Recent(clientID string) []Trace {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := make([]Trace, 0, len(r.entries))
	if !r.full {
		ordered = append(ordered, r.entries...)
	} else {
		ordered = append(ordered, r.entries[r.next:]...)
		ordered = append(ordered, r.entries[:r.next]...)
	}

	if clientID == "" {
		return ordered
	}
	filtered := make([]Trace, 0, len(ordered))
	for _, t := range ordered {
		if t.ClientID == clientID {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// Clear discards all retained entries.
func (r *TraceRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	r.next = 0
	r.full = false
}
