// Package ws implements the WebSocket communicator (spec.md §4.4.1),
// grounded on a gateway-style handleWebSocket handler and its wsUpgrader
// field, generalized from a fire-and-forget broadcast socket into a full
// request/response Communicator backed by github.com/gorilla/websocket on
// both ends.
package ws

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"hydrogen/internal/message"
	"hydrogen/internal/transport"
)

// Config configures a client-side dial.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	TLSConfig        *tls.Config
}

// DefaultConfig returns development defaults for the dialer side: a 10s
// handshake timeout, a 30s ping interval and no TLS config.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

// DefaultUpgrader is the websocket.Upgrader for the server side; spec.md leaves
// origin policy to the deployer, so CheckOrigin defaults permissive, with
// a comment marking the trade.
var DefaultUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // deployer fronts with a reverse proxy that enforces origin
}

type pendingEntry struct {
	future *transport.Future
	sentAt time.Time
}

// Conn is a bidirectional WebSocket Communicator, usable both for an
// outbound client dial and for a session accepted from an http.Handler.
type Conn struct {
	transport.BaseStats
	transport.Handlers

	conn   *websocket.Conn
	dialer *websocket.Dialer
	cfg    Config

	writeMu   sync.Mutex
	connected atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry

	qos         transport.QoSParams
	compression atomic.Bool

	closeOnce sync.Once
	stopPing  chan struct{}
}

// Dial opens a client-side WebSocket connection.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		TLSClientConfig:  cfg.TLSConfig,
	}
	c := &Conn{
		dialer:  dialer,
		cfg:     cfg,
		pending: make(map[string]*pendingEntry),
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// FromAccepted wraps an already-upgraded server-side connection (e.g. from
// DefaultUpgrader.Upgrade in an http.HandlerFunc) as a Communicator, mirroring
// a handleWebSocket handler's post-upgrade bookkeeping.
func FromAccepted(conn *websocket.Conn) *Conn {
	c := &Conn{
		conn:    conn,
		pending: make(map[string]*pendingEntry),
	}
	c.connected.Store(true)
	c.startReadLoop()
	return c
}

func (c *Conn) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.RecordError()
		return fmt.Errorf("ws: dial %s: %w", c.cfg.URL, err)
	}
	c.conn = conn
	c.connected.Store(true)
	c.startReadLoop()
	if c.cfg.PingInterval > 0 {
		c.stopPing = make(chan struct{})
		go c.pingLoop(c.cfg.PingInterval)
	}
	c.FireConnectionChanged(true)
	return nil
}

func (c *Conn) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		if c.stopPing != nil {
			close(c.stopPing)
		}
		if c.conn != nil {
			err = c.conn.Close()
		}
		c.failPending(fmt.Errorf("ws: connection closed"))
		c.FireConnectionChanged(false)
	})
	return err
}

func (c *Conn) IsConnected() bool {
	return c.connected.Load()
}

func (c *Conn) SendAsync(msg *message.Message) (*transport.Future, error) {
	if !c.connected.Load() {
		return nil, fmt.Errorf("ws: not connected")
	}
	payload, err := message.Serialize(msg)
	if err != nil {
		return nil, err
	}

	future := transport.NewFuture()
	if msg.MessageType == message.TypeCommand {
		c.pendingMu.Lock()
		c.pending[msg.MessageID] = &pendingEntry{future: future, sentAt: time.Now()}
		c.pendingMu.Unlock()
	} else {
		future.Complete(nil, nil)
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.RecordError()
		c.pendingMu.Lock()
		delete(c.pending, msg.MessageID)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("ws: write: %w", err)
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

func (c *Conn) OnMessage(cb transport.MessageHandler) { c.SetOnMessage(cb) }

func (c *Conn) OnConnectionChanged(cb transport.ConnectionHandler) { c.SetOnConnectionChanged(cb) }

func (c *Conn) Stats() transport.Stats { return c.Snapshot() }

func (c *Conn) ResetStats() { c.Reset() }

func (c *Conn) SetQoS(params transport.QoSParams) { c.qos = params }

func (c *Conn) SetCompression(enabled bool) {
	c.compression.Store(enabled)
	if c.conn != nil {
		c.conn.EnableWriteCompression(enabled)
	}
}

// SetEncryption is a no-op at this layer: transport-level encryption is TLS
// (carried in Config.TLSConfig at dial time), so a key supplied here is only
// meaningful if the caller also wants payload-level encryption, which
// Hydrogen does not define (spec.md Non-goals). Enabling with an empty key
// returns an error; a non-empty key is accepted and not retained.
func (c *Conn) SetEncryption(enabled bool, key []byte) error {
	if enabled && len(key) == 0 {
		return fmt.Errorf("ws: encryption requested without a key")
	}
	if enabled {
		_ = hex.EncodeToString(key[:0]) // key material is not retained; TLS handles transport security
	}
	return nil
}

func (c *Conn) startReadLoop() {
	go func() {
		for {
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				c.Disconnect()
				return
			}
			c.RecordReceived()
			msg, err := message.Deserialize(data)
			if err != nil {
				c.RecordError()
				continue
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

func (c *Conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.Disconnect()
				return
			}
		case <-c.stopPing:
			return
		}
	}
}
