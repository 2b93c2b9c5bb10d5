// Package stdio implements the Communicator used to talk to a device driver
// process over its standard streams (spec.md §4.4.1): one JSON message per
// line, newline-terminated. Grounded on the same line-buffered idiom CLI
// tooling commonly uses for a line-oriented console encoder, adapted from
// a logger sink to a duplex transport.
package stdio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"hydrogen/internal/message"
	"hydrogen/internal/transport"
)

type pendingEntry struct {
	future *transport.Future
	sentAt time.Time
}

// Conn drives a Communicator over an arbitrary io.Reader/io.WriteCloser
// pair, typically os.Stdin/os.Stdout of a child process obtained via
// os/exec.Cmd.StdinPipe/StdoutPipe.
type Conn struct {
	transport.BaseStats
	transport.Handlers

	r      *bufio.Reader
	w      io.WriteCloser
	writeMu sync.Mutex

	connected atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry

	closeOnce sync.Once
}

// New wraps an already-open reader/writer pair and starts the read loop.
func New(r io.Reader, w io.WriteCloser) *Conn {
	c := &Conn{r: bufio.NewReader(r), w: w, pending: make(map[string]*pendingEntry)}
	c.connected.Store(true)
	c.startReadLoop()
	return c
}

// Connect is a no-op: the underlying process's streams are already open by
// the time New is called (spawning the process is the caller's concern).
func (c *Conn) Connect(ctx context.Context) error {
	if !c.connected.Load() {
		return fmt.Errorf("stdio: connection already closed")
	}
	return nil
}

func (c *Conn) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		err = c.w.Close()
		c.failPending(fmt.Errorf("stdio: connection closed"))
		c.FireConnectionChanged(false)
	})
	return err
}

func (c *Conn) IsConnected() bool { return c.connected.Load() }

func (c *Conn) SendAsync(msg *message.Message) (*transport.Future, error) {
	if !c.connected.Load() {
		return nil, fmt.Errorf("stdio: not connected")
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
	_, err = c.w.Write(payload)
	c.writeMu.Unlock()
	if err != nil {
		c.RecordError()
		c.pendingMu.Lock()
		delete(c.pending, msg.MessageID)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("stdio: write: %w", err)
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
func (c *Conn) SetCompression(bool)                                {}

func (c *Conn) SetEncryption(enabled bool, key []byte) error {
	if enabled {
		return fmt.Errorf("stdio: transport has no channel to encrypt, it is a local pipe")
	}
	return nil
}

func (c *Conn) startReadLoop() {
	go func() {
		for {
			line, err := c.r.ReadBytes('\n')
			if len(line) > 0 {
				c.RecordReceived()
				msg, derr := message.Deserialize(trimTerminator(line))
				if derr != nil {
					c.RecordError()
				} else {
					c.dispatch(msg)
				}
			}
			if err != nil {
				c.Disconnect()
				return
			}
		}
	}()
}

func trimTerminator(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
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
