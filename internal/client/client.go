// Package client implements Hydrogen's client-side correlation and
// subscription plane (spec.md §4.6): synchronous/asynchronous send with
// messageId-keyed correlation, property/event subscriptions, and a
// reconnect loop. Grounded on a RetryManager.Execute-style
// context-deadline retry loop for reconnect backoff, and on
// transport.Future (C4) for the pending-slot correlation primitive this
// plane reuses directly rather than reimplementing.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hydrogen/internal/message"
	"hydrogen/internal/transport"
)

// ErrTimeout is returned by Send when no correlated response arrives within
// the caller's timeout. The pending slot is removed before this error is
// returned — it can never leak.
var ErrTimeout = fmt.Errorf("client: send timed out")

// PropertyHandler receives a property's new value.
type PropertyHandler func(deviceID, property string, value interface{})

// EventHandler receives an EVENT message for a subscribed event type.
type EventHandler func(deviceID, eventType string, msg *message.Message)

// ConnectionHandler is notified when the underlying transport's connection
// state changes.
type ConnectionHandler func(connected bool)

// AsyncHandler receives the result of a SendAsync call.
type AsyncHandler func(resp *message.Message, err error)

// ReconnectConfig bounds the client's reconnect behavior after a detected
// drop.
type ReconnectConfig struct {
	Enabled     bool
	MaxAttempts int
	Delay       time.Duration
	Exponential bool
	MaxDelay    time.Duration
}

// DefaultReconnectConfig mirrors RetryManager's exponential-with-cap
// defaults.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{Enabled: true, MaxAttempts: 5, Delay: time.Second, Exponential: true, MaxDelay: 30 * time.Second}
}

func (c ReconnectConfig) delay(attempt int) time.Duration {
	if !c.Exponential {
		return c.Delay
	}
	d := c.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > c.MaxDelay {
			return c.MaxDelay
		}
	}
	return d
}

type propertySub struct {
	deviceID, property string
	cb                 PropertyHandler
}

type eventSub struct {
	deviceID, eventType string
	cb                  EventHandler
}

// Plane is the client-side correlation/subscription plane for one
// underlying transport.Communicator.
type Plane struct {
	comm   transport.Communicator
	reconn ReconnectConfig

	pendingMu sync.Mutex
	pending   map[string]*transport.Future
	asyncCB   map[string]AsyncHandler

	subsMu   sync.RWMutex
	propSubs []propertySub
	evtSubs  []eventSub

	connMu sync.RWMutex
	connCB ConnectionHandler

	reconnecting sync.Mutex
}

// New wraps comm with correlation and subscription handling, wiring its
// message/connection callbacks to this Plane's dispatch logic.
func New(comm transport.Communicator, reconn ReconnectConfig) *Plane {
	p := &Plane{
		comm:    comm,
		reconn:  reconn,
		pending: make(map[string]*transport.Future),
		asyncCB: make(map[string]AsyncHandler),
	}
	comm.OnMessage(p.dispatch)
	comm.OnConnectionChanged(p.handleConnectionChanged)
	return p
}

// Send reserves a correlation slot for msg, writes it, and blocks until a
// correlated RESPONSE/ERROR arrives or timeout elapses. On timeout the slot
// is removed and ErrTimeout is returned — the original spec's "the slot
// cannot leak" invariant.
func (p *Plane) Send(ctx context.Context, msg *message.Message) (*message.Message, error) {
	fut := transport.NewFuture()
	p.pendingMu.Lock()
	p.pending[msg.MessageID] = fut
	p.pendingMu.Unlock()

	if _, err := p.comm.SendAsync(msg); err != nil {
		p.removePending(msg.MessageID)
		return nil, err
	}

	resp, err := fut.Wait(ctx)
	if err != nil {
		p.removePending(msg.MessageID)
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return resp, nil
}

// SendAsync reserves a correlation slot atomically before writing msg, then
// invokes cb from the transport's dispatch goroutine once a response
// arrives (or the transport fails, in which case cb receives an error
// response and the slot is removed).
func (p *Plane) SendAsync(msg *message.Message, cb AsyncHandler) error {
	p.pendingMu.Lock()
	p.asyncCB[msg.MessageID] = cb
	p.pendingMu.Unlock()

	if _, err := p.comm.SendAsync(msg); err != nil {
		p.pendingMu.Lock()
		delete(p.asyncCB, msg.MessageID)
		p.pendingMu.Unlock()
		cb(nil, err)
		return err
	}
	return nil
}

func (p *Plane) removePending(id string) {
	p.pendingMu.Lock()
	delete(p.pending, id)
	delete(p.asyncCB, id)
	p.pendingMu.Unlock()
}

// dispatch routes an inbound message to a pending correlation slot
// (RESPONSE/ERROR with a matching originalMessageId) or, failing that, to
// property/event subscribers. Orphan responses are dropped.
func (p *Plane) dispatch(msg *message.Message) {
	if msg.MessageType == message.TypeResponse || msg.MessageType == message.TypeError {
		if msg.OriginalMessageID == "" {
			return
		}
		p.pendingMu.Lock()
		fut, hasFut := p.pending[msg.OriginalMessageID]
		cb, hasCB := p.asyncCB[msg.OriginalMessageID]
		delete(p.pending, msg.OriginalMessageID)
		delete(p.asyncCB, msg.OriginalMessageID)
		p.pendingMu.Unlock()

		if hasFut {
			fut.Complete(msg, nil)
		}
		if hasCB {
			cb(msg, nil)
		}
		return
	}

	if msg.MessageType == message.TypeEvent {
		p.fireEvent(msg)
	}
	p.firePropertyFromDetails(msg)
}

// firePropertyFromDetails treats a message carrying a "property" + "value"
// detail pair as a property update. dispatch calls it only for messages
// other than RESPONSE/ERROR (in practice EVENTs); a RESPONSE carrying the
// pair is consumed by correlation and never reaches property subscribers.
func (p *Plane) firePropertyFromDetails(msg *message.Message) {
	if msg.Details == nil {
		return
	}
	prop, ok := msg.Details["property"].(string)
	if !ok {
		return
	}
	value := msg.Details["value"]

	p.subsMu.RLock()
	subs := append([]propertySub{}, p.propSubs...)
	p.subsMu.RUnlock()

	for _, s := range subs {
		if s.deviceID == msg.DeviceID && s.property == prop {
			s.cb(msg.DeviceID, prop, value)
		}
	}
}

func (p *Plane) fireEvent(msg *message.Message) {
	p.subsMu.RLock()
	subs := append([]eventSub{}, p.evtSubs...)
	p.subsMu.RUnlock()

	for _, s := range subs {
		if s.deviceID == msg.DeviceID && s.eventType == msg.Event {
			s.cb(msg.DeviceID, msg.Event, msg)
		}
	}
}

// SubscribeProperty registers cb for (deviceID, property) updates.
func (p *Plane) SubscribeProperty(deviceID, property string, cb PropertyHandler) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	p.propSubs = append(p.propSubs, propertySub{deviceID: deviceID, property: property, cb: cb})
}

// UnsubscribeProperty removes every handler registered for (deviceID, property).
func (p *Plane) UnsubscribeProperty(deviceID, property string) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	out := p.propSubs[:0]
	for _, s := range p.propSubs {
		if s.deviceID != deviceID || s.property != property {
			out = append(out, s)
		}
	}
	p.propSubs = out
}

// SubscribeEvent registers cb for (deviceID, eventType) events.
func (p *Plane) SubscribeEvent(deviceID, eventType string, cb EventHandler) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	p.evtSubs = append(p.evtSubs, eventSub{deviceID: deviceID, eventType: eventType, cb: cb})
}

// UnsubscribeEvent removes every handler registered for (deviceID, eventType).
func (p *Plane) UnsubscribeEvent(deviceID, eventType string) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	out := p.evtSubs[:0]
	for _, s := range p.evtSubs {
		if s.deviceID != deviceID || s.eventType != eventType {
			out = append(out, s)
		}
	}
	p.evtSubs = out
}

// SetConnectionCallback registers cb for connection state changes,
// including those triggered by this plane's own reconnect loop.
func (p *Plane) SetConnectionCallback(cb ConnectionHandler) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	p.connCB = cb
}

func (p *Plane) fireConnection(connected bool) {
	p.connMu.RLock()
	cb := p.connCB
	p.connMu.RUnlock()
	if cb != nil {
		cb(connected)
	}
}

// handleConnectionChanged fails every pending slot on disconnect (spec.md
// §4.6: "pending synchronous sends time out; pending async sends receive an
// error") and, if reconnect is enabled, starts the bounded reconnect loop.
func (p *Plane) handleConnectionChanged(connected bool) {
	p.fireConnection(connected)
	if connected {
		return
	}

	p.failAllPending()

	if p.reconn.Enabled {
		go p.reconnectLoop()
	}
}

func (p *Plane) failAllPending() {
	p.pendingMu.Lock()
	futs := make([]*transport.Future, 0, len(p.pending))
	for _, f := range p.pending {
		futs = append(futs, f)
	}
	cbs := make([]AsyncHandler, 0, len(p.asyncCB))
	for _, cb := range p.asyncCB {
		cbs = append(cbs, cb)
	}
	p.pending = make(map[string]*transport.Future)
	p.asyncCB = make(map[string]AsyncHandler)
	p.pendingMu.Unlock()

	err := fmt.Errorf("client: connection lost")
	for _, f := range futs {
		f.Complete(nil, err)
	}
	for _, cb := range cbs {
		cb(nil, err)
	}
}

// reconnectLoop retries comm.Connect with the configured backoff, bounded
// by MaxAttempts; it is a no-op if a reconnect attempt is already running.
func (p *Plane) reconnectLoop() {
	if !p.reconnecting.TryLock() {
		return
	}
	defer p.reconnecting.Unlock()

	for attempt := 1; attempt <= p.reconn.MaxAttempts; attempt++ {
		time.Sleep(p.reconn.delay(attempt))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := p.comm.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
	}
}
