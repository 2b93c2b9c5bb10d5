// Package tcp implements a raw-socket Communicator (spec.md §4.4.1) over a
// newline-delimited JSON framing, the same wire shape internal/transform
// uses for STDIO. No example repo ships a bare TCP transport, so this
// package follows the read-loop/pending-map idiom transport/ws uses rather
// than any single reference file.
package tcp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"hydrogen/internal/message"
	"hydrogen/internal/transport"
)

// Config configures a client-side dial.
type Config struct {
	Address      string
	DialTimeout  time.Duration
	MaxLineBytes int
}

func DefaultConfig(address string) Config {
	return Config{Address: address, DialTimeout: 10 * time.Second, MaxLineBytes: 1 << 20}
}

type pendingEntry struct {
	future *transport.Future
	sentAt time.Time
}

// Conn is a bidirectional newline-framed TCP Communicator.
type Conn struct {
	transport.BaseStats
	transport.Handlers

	conn      net.Conn
	cfg       Config
	writeMu   sync.Mutex
	connected atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry

	closeOnce sync.Once
}

// Dial opens a client-side TCP connection.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	c := &Conn{cfg: cfg, pending: make(map[string]*pendingEntry)}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// FromAccepted wraps a connection returned by a net.Listener.Accept call.
func FromAccepted(conn net.Conn, maxLineBytes int) *Conn {
	c := &Conn{conn: conn, cfg: Config{MaxLineBytes: maxLineBytes}, pending: make(map[string]*pendingEntry)}
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
		return fmt.Errorf("tcp: dial %s: %w", c.cfg.Address, err)
	}
	c.conn = conn
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
		c.failPending(fmt.Errorf("tcp: connection closed"))
		c.FireConnectionChanged(false)
	})
	return err
}

func (c *Conn) IsConnected() bool { return c.connected.Load() }

func (c *Conn) SendAsync(msg *message.Message) (*transport.Future, error) {
	if !c.connected.Load() {
		return nil, fmt.Errorf("tcp: not connected")
	}
	payload, err := message.Serialize(msg)
	if err != nil {
		return nil, err
	}
	payload = append(payload, '\n')

	future := transport.NewFuture()
	if msg.MessageType == message.TypeCommand {
		c.pendingMu.Lock()
		c.pending[msg.MessageID] = &pendingEntry{future: future, sentAt: time.Now()}
		c.pendingMu.Unlock()
	} else {
		future.Complete(nil, nil)
	}

	c.writeMu.Lock()
	_, err = c.conn.Write(payload)
	c.writeMu.Unlock()
	if err != nil {
		c.RecordError()
		c.pendingMu.Lock()
		delete(c.pending, msg.MessageID)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("tcp: write: %w", err)
	}
	c.RecordSent()
	return future, nil
}

func (c *Conn) SendSync(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	future, err := c.SendAsync(msg)
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

// SetCompression is unsupported over a raw socket; there is no framing layer
// to negotiate it, so this is a documented no-op rather than an error.
func (c *Conn) SetCompression(bool) {}

// SetEncryption is unsupported at this layer: a raw TCP Communicator carries
// no TLS by design (use the ws transport, which layers on net/http's TLS
// support, when transport security is required).
func (c *Conn) SetEncryption(enabled bool, key []byte) error {
	if enabled {
		return fmt.Errorf("tcp: transport does not support encryption, use the ws transport")
	}
	return nil
}

func (c *Conn) startReadLoop() {
	go func() {
		scanner := bufio.NewScanner(c.conn)
		if c.cfg.MaxLineBytes > 0 {
			scanner.Buffer(make([]byte, 4096), c.cfg.MaxLineBytes)
		}
		for scanner.Scan() {
			c.RecordReceived()
			msg, err := message.Deserialize(scanner.Bytes())
			if err != nil {
				c.RecordError()
				continue
			}
			c.dispatch(msg)
		}
		c.Disconnect()
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
