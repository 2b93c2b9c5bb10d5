// Package transport defines the abstract communicator contract every
// Hydrogen protocol implementation honors (spec.md §4.4), generalized from
// two common connector interface shapes that converge on the same
// connect/send/stats contract: a messaging-layer interface and a
// cloud-connector interface.
package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"hydrogen/internal/message"
)

// Kind identifies a transport protocol.
type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindTCP       Kind = "tcp"
	KindMQTT      Kind = "mqtt"
	KindGRPC      Kind = "grpc"
	KindZMQ       Kind = "zmq"
	KindSTDIO     Kind = "stdio"
	KindFIFO      Kind = "fifo"
)

// MessageHandler receives every inbound message on a communicator.
type MessageHandler func(msg *message.Message)

// ConnectionHandler is notified of connect/disconnect transitions.
type ConnectionHandler func(connected bool)

// Future is returned by SendAsync; it completes with the correlated
// response or an error (timeout, connection closed).
type Future struct {
	done chan struct{}
	resp *message.Message
	err  error
	once sync.Once
}

// NewFuture creates an unresolved Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete resolves the future exactly once; later calls are no-ops, which
// keeps a race between a late reply and a timeout from panicking on a
// closed channel.
func (f *Future) Complete(resp *message.Message, err error) {
	f.once.Do(func() {
		f.resp = resp
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the future completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (*message.Message, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats is the statistics snapshot every communicator exposes (spec.md §4.4).
type Stats struct {
	Sent         uint64
	Received     uint64
	Timeouts     uint64
	Errors       uint64
	AvgRoundTrip time.Duration
	MinRoundTrip time.Duration
	MaxRoundTrip time.Duration
	LastActivity time.Time
}

// QoSParams configures delivery semantics for transports that support them.
type QoSParams struct {
	Level        message.QoS
	RetryCount   int
	RetryBackoff time.Duration
}

// Communicator is the contract every per-protocol implementation honors.
type Communicator interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	SendAsync(msg *message.Message) (*Future, error)
	SendSync(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error)

	OnMessage(cb MessageHandler)
	OnConnectionChanged(cb ConnectionHandler)

	Stats() Stats
	ResetStats()

	SetQoS(params QoSParams)
	SetCompression(enabled bool)
	SetEncryption(enabled bool, key []byte) error
}

// BaseStats is embedded by every communicator implementation: it holds the
// atomic counters and rolling round-trip bounds so per-protocol code only
// has to call the Record* helpers, grounded on the atomic-counter-struct
// style a messaging component's metrics type commonly uses, generalized
// here to a single reusable type.
type BaseStats struct {
	sent         uint64
	received     uint64
	timeouts     uint64
	errors       uint64
	mu           sync.Mutex
	sumRoundTrip time.Duration
	countRT      uint64
	minRT        time.Duration
	maxRT        time.Duration
	lastActivity atomic.Int64 // unix nanos
}

func (s *BaseStats) RecordSent() {
	atomic.AddUint64(&s.sent, 1)
	s.touch()
}

func (s *BaseStats) RecordReceived() {
	atomic.AddUint64(&s.received, 1)
	s.touch()
}

func (s *BaseStats) RecordTimeout() {
	atomic.AddUint64(&s.timeouts, 1)
}

func (s *BaseStats) RecordError() {
	atomic.AddUint64(&s.errors, 1)
}

func (s *BaseStats) RecordRoundTrip(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sumRoundTrip += d
	s.countRT++
	if s.minRT == 0 || d < s.minRT {
		s.minRT = d
	}
	if d > s.maxRT {
		s.maxRT = d
	}
}

func (s *BaseStats) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Snapshot returns an eventually-consistent view of the counters (spec.md §5:
// "stat snapshots are eventually consistent").
func (s *BaseStats) Snapshot() Stats {
	s.mu.Lock()
	var avg time.Duration
	if s.countRT > 0 {
		avg = s.sumRoundTrip / time.Duration(s.countRT)
	}
	min, max := s.minRT, s.maxRT
	s.mu.Unlock()

	last := s.lastActivity.Load()
	var lastTime time.Time
	if last != 0 {
		lastTime = time.Unix(0, last)
	}

	return Stats{
		Sent:         atomic.LoadUint64(&s.sent),
		Received:     atomic.LoadUint64(&s.received),
		Timeouts:     atomic.LoadUint64(&s.timeouts),
		Errors:       atomic.LoadUint64(&s.errors),
		AvgRoundTrip: avg,
		MinRoundTrip: min,
		MaxRoundTrip: max,
		LastActivity: lastTime,
	}
}

// Reset zeroes every counter, matching Communicator.ResetStats.
func (s *BaseStats) Reset() {
	atomic.StoreUint64(&s.sent, 0)
	atomic.StoreUint64(&s.received, 0)
	atomic.StoreUint64(&s.timeouts, 0)
	atomic.StoreUint64(&s.errors, 0)
	s.mu.Lock()
	s.sumRoundTrip = 0
	s.countRT = 0
	s.minRT = 0
	s.maxRT = 0
	s.mu.Unlock()
}

// Handlers bundles the message/connection callback slots shared by every
// communicator, with snapshot-then-invoke semantics so callbacks never run
// under the owner's lock (spec.md §9).
type Handlers struct {
	mu       sync.RWMutex
	onMsg    MessageHandler
	onConnFn ConnectionHandler
}

func (h *Handlers) SetOnMessage(cb MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMsg = cb
}

func (h *Handlers) SetOnConnectionChanged(cb ConnectionHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnFn = cb
}

func (h *Handlers) FireMessage(msg *message.Message) {
	h.mu.RLock()
	cb := h.onMsg
	h.mu.RUnlock()
	if cb != nil {
		cb(msg)
	}
}

func (h *Handlers) FireConnectionChanged(connected bool) {
	h.mu.RLock()
	cb := h.onConnFn
	h.mu.RUnlock()
	if cb != nil {
		cb(connected)
	}
}
