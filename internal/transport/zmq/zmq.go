// Package zmq implements the Communicator used for Hydrogen's ZeroMQ
// socket-pattern transport (spec.md §4.4.1, socket types REQ/REP/PUB/SUB/
// PUSH/PULL/PAIR). No repo in the retrieval pack imports a ZeroMQ binding
// (libzmq's cgo bindings and the pure-Go zmq4 reimplementation are both
// absent from every go.mod under _examples/), so fabricating one would mean
// inventing a dependency rather than grounding on the corpus. This package
// instead reproduces ZeroMQ's multipart-message wire semantics directly
// over net.Listener/net.Conn, using the same length-prefixed framing idiom
// a cloud buffer's on-disk record format commonly uses.
package zmq

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"hydrogen/internal/message"
	"hydrogen/internal/transport"
)

// SocketType names the ZeroMQ socket pattern a Conn emulates.
type SocketType string

const (
	SocketREQ  SocketType = "REQ"
	SocketREP  SocketType = "REP"
	SocketPUB  SocketType = "PUB"
	SocketSUB  SocketType = "SUB"
	SocketPUSH SocketType = "PUSH"
	SocketPULL SocketType = "PULL"
	SocketPAIR SocketType = "PAIR"
)

// Config configures a client-side dial.
type Config struct {
	Address     string
	Socket      SocketType
	DialTimeout time.Duration
}

func DefaultConfig(address string, socket SocketType) Config {
	return Config{Address: address, Socket: socket, DialTimeout: 10 * time.Second}
}

// writeFrames writes a ZeroMQ-style multipart message: a frame count prefix
// followed by each frame as a uint32-length-prefixed blob.
func writeFrames(w io.Writer, frames [][]byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(frames))); err != nil {
		return err
	}
	for _, f := range frames {
		if err := binary.Write(w, binary.BigEndian, uint32(len(f))); err != nil {
			return err
		}
		if _, err := w.Write(f); err != nil {
			return err
		}
	}
	return nil
}

func readFrames(r io.Reader) ([][]byte, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	frames := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		frames = append(frames, buf)
	}
	return frames, nil
}

type pendingEntry struct {
	future *transport.Future
	sentAt time.Time
}

// Conn emulates one ZeroMQ socket endpoint as a Communicator. REQ/PAIR
// sockets wait for a reply in SendSync; REP/PUB/PUSH send without waiting
// (SendSync returns a nil reply); SUB/PULL are receive-only and return an
// error from SendAsync/SendSync.
type Conn struct {
	transport.BaseStats
	transport.Handlers

	conn      net.Conn
	writer    *bufio.Writer
	cfg       Config
	writeMu   sync.Mutex
	connected atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry

	closeOnce sync.Once
}

// Dial opens a client-side connection emulating cfg.Socket.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	c := &Conn{cfg: cfg, pending: make(map[string]*pendingEntry)}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// FromAccepted wraps a connection returned by a net.Listener.Accept call
// (the REP/PULL/SUB/PAIR server side of a pattern).
func FromAccepted(conn net.Conn, socket SocketType) *Conn {
	c := &Conn{conn: conn, writer: bufio.NewWriter(conn), cfg: Config{Socket: socket}, pending: make(map[string]*pendingEntry)}
	c.connected.Store(true)
	c.startReadLoop()
	return c
}

func (c *Conn) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		c.RecordError()
		return fmt.Errorf("zmq: dial %s: %w", c.cfg.Address, err)
	}
	c.conn = conn
	c.writer = bufio.NewWriter(conn)
	c.connected.Store(true)
	c.startReadLoop()
	c.FireConnectionChanged(true)
	return nil
}

func (c *Conn) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		if c.conn != nil {
			err = c.conn.Close()
		}
		c.failPending(fmt.Errorf("zmq: connection closed"))
		c.FireConnectionChanged(false)
	})
	return err
}

func (c *Conn) IsConnected() bool { return c.connected.Load() }

func (c *Conn) canSend() bool {
	switch c.cfg.Socket {
	case SocketSUB, SocketPULL:
		return false
	default:
		return true
	}
}

func (c *Conn) expectsReply() bool {
	switch c.cfg.Socket {
	case SocketREQ, SocketPAIR:
		return true
	default:
		return false
	}
}

func (c *Conn) SendAsync(msg *message.Message) (*transport.Future, error) {
	if !c.connected.Load() {
		return nil, fmt.Errorf("zmq: not connected")
	}
	if !c.canSend() {
		return nil, fmt.Errorf("zmq: socket type %s is receive-only", c.cfg.Socket)
	}
	verb := msg.Command
	if verb == "" {
		verb = msg.Event
	}
	payload, err := message.Serialize(msg)
	if err != nil {
		return nil, err
	}

	future := transport.NewFuture()
	if c.expectsReply() && msg.MessageType == message.TypeCommand {
		c.pendingMu.Lock()
		c.pending[msg.MessageID] = &pendingEntry{future: future, sentAt: time.Now()}
		c.pendingMu.Unlock()
	} else {
		future.Complete(nil, nil)
	}

	c.writeMu.Lock()
	err = writeFrames(c.writer, [][]byte{[]byte(verb), payload})
	if err == nil {
		err = c.writer.Flush()
	}
	c.writeMu.Unlock()
	if err != nil {
		c.RecordError()
		c.pendingMu.Lock()
		delete(c.pending, msg.MessageID)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("zmq: write: %w", err)
	}
	c.RecordSent()
	return future, nil
}

func (c *Conn) SendSync(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	future, err := c.SendAsync(msg)
	if err != nil {
		return nil, err
	}
	if !c.expectsReply() {
		return nil, nil
	}
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := future.Wait(waitCtx)
	if err != nil {
		c.RecordTimeout()
		c.pendingMu.Lock()
		delete(c.pending, msg.MessageID)
		c.pendingMu.Unlock()
		return nil, err
	}
	return resp, nil
}

func (c *Conn) OnMessage(cb transport.MessageHandler)             { c.SetOnMessage(cb) }
func (c *Conn) OnConnectionChanged(cb transport.ConnectionHandler) { c.SetOnConnectionChanged(cb) }
func (c *Conn) Stats() transport.Stats                             { return c.Snapshot() }
func (c *Conn) ResetStats()                                        { c.Reset() }
func (c *Conn) SetQoS(transport.QoSParams)                         {}
func (c *Conn) SetCompression(bool)                                {}

func (c *Conn) SetEncryption(enabled bool, key []byte) error {
	if enabled {
		return fmt.Errorf("zmq: transport does not implement CURVE/ZAP encryption")
	}
	return nil
}

func (c *Conn) startReadLoop() {
	go func() {
		reader := bufio.NewReader(c.conn)
		for {
			frames, err := readFrames(reader)
			if err != nil {
				c.Disconnect()
				return
			}
			c.RecordReceived()
			if len(frames) < 2 {
				c.RecordError()
				continue
			}
			msg, err := message.Deserialize(frames[1])
			if err != nil {
				c.RecordError()
				continue
			}
			if msg.Command == "" && msg.MessageType == message.TypeCommand {
				msg.Command = string(frames[0])
			}
			c.dispatch(msg)
		}
	}()
}

func (c *Conn) dispatch(msg *message.Message) {
	if msg.OriginalMessageID != "" {
		c.pendingMu.Lock()
		entry, ok := c.pending[msg.OriginalMessageID]
		if ok {
			delete(c.pending, msg.OriginalMessageID)
		}
		c.pendingMu.Unlock()
		if ok {
			c.RecordRoundTrip(time.Since(entry.sentAt))
			entry.future.Complete(msg, nil)
			return
		}
	}
	c.FireMessage(msg)
}

func (c *Conn) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, entry := range c.pending {
		entry.future.Complete(nil, err)
		delete(c.pending, id)
	}
}
