// Package fifo implements Hydrogen's named-pipe/FIFO Communicator (spec.md
// §4.9), the transport most likely to front a bench-mounted device driver
// speaking a legacy framing convention. Framing is pluggable behind a
// Framer interface with one struct per mode, grounded on the common
// ProtocolHandler pattern of one strategy struct per protocol, generalized
// from device-protocol dispatch to byte-stream framing. The reconnect
// state machine is grounded on an atomic connection-state field plus a
// bounded-backoff retry loop, the same shape an MQTT messaging component
// and a generic retry manager both use.
package fifo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"hydrogen/internal/message"
	"hydrogen/internal/transport"
)

// FramingMode names one of the five wire framings a FIFO can use.
type FramingMode string

const (
	FramingNewline       FramingMode = "NEWLINE"
	FramingJSONLines     FramingMode = "JSON_LINES"
	FramingLengthPrefixed FramingMode = "LENGTH_PREFIXED"
	FramingCustomDelim   FramingMode = "CUSTOM_DELIMITER"
	FramingNullTerminated FramingMode = "NULL_TERMINATED"
)

// ConnectionState mirrors spec.md §4.9's getConnectionState() enum.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateReconnecting ConnectionState = "RECONNECTING"
	StateError        ConnectionState = "ERROR"
)

// ErrFraming is returned by a Framer when a frame violates its own shape
// (e.g. a LENGTH_PREFIXED length exceeding MaxMessageSize).
var ErrFraming = fmt.Errorf("fifo: framing error")

// Framer reads and writes one frame at a time off a byte stream. Each mode
// gets its own implementation rather than a single mode-switching function,
// matching the one-struct-per-protocol shape used above.
type Framer interface {
	ReadFrame(r io.Reader) ([]byte, error)
	WriteFrame(w io.Writer, payload []byte) error
}

// NewlineFramer implements NEWLINE and JSON_LINES (wire-identical: both
// consume bytes up to the first LF).
type NewlineFramer struct{}

func (NewlineFramer) ReadFrame(r io.Reader) ([]byte, error) {
	return readUntil(r, func(buf []byte) int { return bytes.IndexByte(buf, '\n') }, 1)
}

func (NewlineFramer) WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(append(append([]byte{}, payload...), '\n'))
	return err
}

// JSONLinesFramer is wire-identical to NewlineFramer; kept distinct so
// config/logging can name the mode the operator actually configured.
type JSONLinesFramer struct{ NewlineFramer }

// LengthPrefixedFramer implements a 4-byte big-endian length prefix
// followed by that many payload bytes (spec.md §6.3).
type LengthPrefixedFramer struct {
	MaxMessageSize int
}

func (f LengthPrefixedFramer) ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	if n < 0 || (f.MaxMessageSize > 0 && n > f.MaxMessageSize) {
		return nil, fmt.Errorf("%w: length %d exceeds maxMessageSize %d", ErrFraming, n, f.MaxMessageSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (LengthPrefixedFramer) WriteFrame(w io.Writer, payload []byte) error {
	n := len(payload)
	lenBuf := [4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// CustomDelimiterFramer consumes bytes until a configured delimiter
// substring, excluded from the returned payload.
type CustomDelimiterFramer struct {
	Delimiter string
}

func (f CustomDelimiterFramer) ReadFrame(r io.Reader) ([]byte, error) {
	delim := []byte(f.Delimiter)
	return readUntil(r, func(buf []byte) int { return bytes.Index(buf, delim) }, len(delim))
}

func (f CustomDelimiterFramer) WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(append(append([]byte{}, payload...), []byte(f.Delimiter)...))
	return err
}

// NullTerminatedFramer consumes bytes until a NUL byte.
type NullTerminatedFramer struct{}

func (NullTerminatedFramer) ReadFrame(r io.Reader) ([]byte, error) {
	return readUntil(r, func(buf []byte) int { return bytes.IndexByte(buf, 0) }, 1)
}

func (NullTerminatedFramer) WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(append(append([]byte{}, payload...), 0))
	return err
}

// readUntil reads one byte at a time (FIFOs have no seek/peek) accumulating
// into buf until find reports the terminator's index, then returns
// everything before it, discarding termLen bytes of terminator.
func readUntil(r io.Reader, find func([]byte) int, termLen int) ([]byte, error) {
	var buf []byte
	one := make([]byte, 1)
	for {
		if _, err := r.Read(one); err != nil {
			return nil, err
		}
		buf = append(buf, one[0])
		if idx := find(buf); idx >= 0 {
			return buf[:idx], nil
		}
	}
}

// Config configures a FIFO session (spec.md §4.9).
type Config struct {
	PipeName              string
	FramingMode           FramingMode
	CustomDelimiter       string
	ReadTimeout           time.Duration
	WriteTimeout          time.Duration
	ConnectTimeout        time.Duration
	MaxMessageSize        int
	MaxQueueSize          int
	EnableAutoReconnect   bool
	MaxReconnectAttempts  int
	ReconnectDelay        time.Duration
}

func DefaultConfig(pipeName string) Config {
	return Config{
		PipeName:             pipeName,
		FramingMode:          FramingNewline,
		ReadTimeout:          30 * time.Second,
		WriteTimeout:         5 * time.Second,
		ConnectTimeout:       10 * time.Second,
		MaxMessageSize:       1 << 20,
		MaxQueueSize:         1000,
		EnableAutoReconnect:  true,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       2 * time.Second,
	}
}

func (c Config) framer() Framer {
	switch c.FramingMode {
	case FramingLengthPrefixed:
		return LengthPrefixedFramer{MaxMessageSize: c.MaxMessageSize}
	case FramingCustomDelim:
		return CustomDelimiterFramer{Delimiter: c.CustomDelimiter}
	case FramingNullTerminated:
		return NullTerminatedFramer{}
	case FramingJSONLines:
		return JSONLinesFramer{}
	default:
		return NewlineFramer{}
	}
}

// Statistics mirrors spec.md §4.9's getStatistics() shape.
type Statistics struct {
	MessagesSent      uint64
	MessagesReceived  uint64
	BytesTransferred  uint64
	Errors            uint64
	MessagesPerSecond float64
	BytesPerSecond    float64
	UptimeMs          int64
}

// Opener produces a fresh byte-stream connection for (re)connect attempts;
// the concrete pipe open call (os.OpenFile on a named FIFO path on Unix, or
// a platform-specific named-pipe dial on Windows) is supplied by the caller
// so this package stays free of build-tag-gated syscalls.
type Opener func(ctx context.Context) (io.ReadWriteCloser, error)

type pendingEntry struct {
	future *transport.Future
	sentAt time.Time
}

// Session is the FIFO Communicator.
type Session struct {
	transport.BaseStats
	transport.Handlers

	cfg    Config
	open   Opener
	framer Framer

	mu       sync.Mutex
	rwc      io.ReadWriteCloser
	state    atomic.Value // ConnectionState
	attempts int

	startedAt time.Time
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64

	inboxMu sync.Mutex
	inbox   []*message.Message

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry

	stopCh chan struct{}
}

// New builds a disconnected Session; call Connect to open the pipe.
func New(cfg Config, open Opener) *Session {
	s := &Session{cfg: cfg, open: open, framer: cfg.framer(), pending: make(map[string]*pendingEntry), stopCh: make(chan struct{})}
	s.state.Store(StateDisconnected)
	return s
}

func (s *Session) setState(st ConnectionState) { s.state.Store(st) }

// GetConnectionState reports the session's reconnect state machine position.
func (s *Session) GetConnectionState() ConnectionState {
	return s.state.Load().(ConnectionState)
}

func (s *Session) Connect(ctx context.Context) error {
	s.setState(StateConnecting)
	connectCtx := ctx
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}
	rwc, err := s.open(connectCtx)
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("fifo: open %s: %w", s.cfg.PipeName, err)
	}
	s.mu.Lock()
	s.rwc = rwc
	s.mu.Unlock()

	s.attempts = 0
	s.startedAt = time.Now()
	s.setState(StateConnected)
	go s.readLoop()
	s.FireConnectionChanged(true)
	return nil
}

func (s *Session) Disconnect() error {
	s.mu.Lock()
	rwc := s.rwc
	s.rwc = nil
	s.mu.Unlock()

	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.setState(StateDisconnected)
	s.failPending(fmt.Errorf("fifo: session closed"))
	s.FireConnectionChanged(false)
	if rwc != nil {
		return rwc.Close()
	}
	return nil
}

func (s *Session) IsConnected() bool { return s.GetConnectionState() == StateConnected }

// IsHealthy reports CONNECTED with an acceptable error rate, per spec.md
// §4.9's isHealthy() (threshold: fewer than 1 error per 10 messages seen).
func (s *Session) IsHealthy() bool {
	if s.GetConnectionState() != StateConnected {
		return false
	}
	stats := s.Stats()
	total := stats.Sent + stats.Received
	if total == 0 {
		return true
	}
	return float64(stats.Errors)/float64(total) < 0.1
}

func (s *Session) SendAsync(msg *message.Message) (*transport.Future, error) {
	if !s.IsConnected() {
		return nil, fmt.Errorf("fifo: not connected")
	}
	payload, err := message.Serialize(msg)
	if err != nil {
		return nil, err
	}

	future := transport.NewFuture()
	if msg.MessageType == message.TypeCommand {
		s.pendingMu.Lock()
		s.pending[msg.MessageID] = &pendingEntry{future: future, sentAt: time.Now()}
		s.pendingMu.Unlock()
	} else {
		future.Complete(nil, nil)
	}

	s.mu.Lock()
	rwc := s.rwc
	s.mu.Unlock()
	if rwc == nil {
		return nil, fmt.Errorf("fifo: not connected")
	}
	if err := s.framer.WriteFrame(rwc, payload); err != nil {
		s.RecordError()
		s.pendingMu.Lock()
		delete(s.pending, msg.MessageID)
		s.pendingMu.Unlock()
		go s.handleBrokenPipe()
		return nil, fmt.Errorf("fifo: write: %w", err)
	}
	s.bytesOut.Add(uint64(len(payload)))
	s.RecordSent()
	return future, nil
}

func (s *Session) SendSync(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	future, err := s.SendAsync(msg)
	if err != nil {
		return nil, err
	}
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := future.Wait(waitCtx)
	if err != nil {
		s.RecordTimeout()
		s.pendingMu.Lock()
		delete(s.pending, msg.MessageID)
		s.pendingMu.Unlock()
		return nil, err
	}
	return resp, nil
}

func (s *Session) OnMessage(cb transport.MessageHandler)             { s.SetOnMessage(cb) }
func (s *Session) OnConnectionChanged(cb transport.ConnectionHandler) { s.SetOnConnectionChanged(cb) }
func (s *Session) Stats() transport.Stats                             { return s.Snapshot() }
func (s *Session) ResetStats()                                        { s.Reset() }
func (s *Session) SetQoS(transport.QoSParams)                         {}
func (s *Session) SetCompression(bool)                                {}

func (s *Session) SetEncryption(enabled bool, key []byte) error {
	if enabled {
		return fmt.Errorf("fifo: transport has no channel to encrypt, it is a local pipe")
	}
	return nil
}

// HasMessage reports whether a decoded message is queued for ReadMessage.
func (s *Session) HasMessage() bool {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	return len(s.inbox) > 0
}

// ReadMessage pops the oldest queued message, or nil if none is queued.
func (s *Session) ReadMessage() *message.Message {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	if len(s.inbox) == 0 {
		return nil
	}
	msg := s.inbox[0]
	s.inbox = s.inbox[1:]
	return msg
}

// GetStatistics returns the spec.md §4.9 statistics shape.
func (s *Session) GetStatistics() Statistics {
	base := s.Snapshot()
	var uptime int64
	if !s.startedAt.IsZero() {
		uptime = time.Since(s.startedAt).Milliseconds()
	}
	var mps, bps float64
	if uptime > 0 {
		seconds := float64(uptime) / 1000
		mps = float64(base.Sent+base.Received) / seconds
		bps = float64(s.bytesIn.Load()+s.bytesOut.Load()) / seconds
	}
	return Statistics{
		MessagesSent:      base.Sent,
		MessagesReceived:  base.Received,
		BytesTransferred:  s.bytesIn.Load() + s.bytesOut.Load(),
		Errors:            base.Errors,
		MessagesPerSecond: mps,
		BytesPerSecond:    bps,
		UptimeMs:          uptime,
	}
}

// UpdateConfig swaps in a new config, re-deriving the active Framer. Any
// in-flight ReadFrame call keeps using the old framer until the next read.
func (s *Session) UpdateConfig(cfg Config) {
	s.cfg = cfg
	s.framer = cfg.framer()
}

// Reconnect tears down and re-establishes the connection immediately,
// bypassing the automatic backoff loop.
func (s *Session) Reconnect(ctx context.Context) error {
	s.Disconnect()
	s.stopCh = make(chan struct{})
	return s.Connect(ctx)
}

func (s *Session) readLoop() {
	for {
		s.mu.Lock()
		rwc := s.rwc
		s.mu.Unlock()
		if rwc == nil {
			return
		}
		frame, err := s.framer.ReadFrame(rwc)
		if err != nil {
			s.mu.Lock()
			closedLocally := s.rwc != rwc
			s.mu.Unlock()
			if closedLocally {
				return // Disconnect/Reconnect already swapped the pipe out
			}
			s.RecordError()
			go s.handleBrokenPipe()
			return
		}
		s.bytesIn.Add(uint64(len(frame)))
		s.RecordReceived()
		msg, err := message.Deserialize(frame)
		if err != nil {
			s.RecordError()
			continue
		}
		s.enqueue(msg)
		s.dispatch(msg)
	}
}

func (s *Session) enqueue(msg *message.Message) {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	if s.cfg.MaxQueueSize > 0 && len(s.inbox) >= s.cfg.MaxQueueSize {
		s.inbox = s.inbox[1:] // drop-oldest backpressure (spec.md §4.9)
		s.RecordError()
	}
	s.inbox = append(s.inbox, msg)
}

func (s *Session) dispatch(msg *message.Message) {
	if msg.OriginalMessageID != "" {
		s.pendingMu.Lock()
		entry, ok := s.pending[msg.OriginalMessageID]
		if ok {
			delete(s.pending, msg.OriginalMessageID)
		}
		s.pendingMu.Unlock()
		if ok {
			s.RecordRoundTrip(time.Since(entry.sentAt))
			entry.future.Complete(msg, nil)
			return
		}
	}
	s.FireMessage(msg)
}

func (s *Session) failPending(err error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, entry := range s.pending {
		entry.future.Complete(nil, err)
		delete(s.pending, id)
	}
}

// handleBrokenPipe implements the reconnect state machine (spec.md §4.9):
// on EOF/broken pipe with EnableAutoReconnect, wait ReconnectDelay and retry
// up to MaxReconnectAttempts; success resets the counter, failure moves to
// ERROR.
func (s *Session) handleBrokenPipe() {
	s.mu.Lock()
	if s.rwc != nil {
		s.rwc.Close()
		s.rwc = nil
	}
	s.mu.Unlock()
	s.failPending(fmt.Errorf("fifo: pipe broken"))
	s.FireConnectionChanged(false)

	if !s.cfg.EnableAutoReconnect {
		s.setState(StateError)
		return
	}

	s.setState(StateReconnecting)
	for s.attempts < s.cfg.MaxReconnectAttempts {
		select {
		case <-s.stopCh:
			return
		case <-time.After(s.cfg.ReconnectDelay):
		}
		s.attempts++
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		err := s.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
	}
	s.setState(StateError)
}
