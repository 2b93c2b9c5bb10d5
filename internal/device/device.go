// Package device implements a per-device multi-protocol communicator
// (spec.md §4.5): a registry of zero or more configured transports that can
// be addressed individually or broadcast to together. Grounded on a
// Manager-style multi-connector registry, generalized from "route data to
// cloud platforms" to "route a Message to device transports", and on a
// collectAllData-style per-connector goroutine fan-out for broadcast.
package device

import (
	"fmt"
	"sync"

	"hydrogen/internal/message"
	"hydrogen/internal/transport"
)

// MessageHandler receives a message along with the transport kind it
// arrived on.
type MessageHandler func(kind transport.Kind, msg *message.Message)

// ConnectionHandler receives a connection-state change along with the
// transport kind it happened on.
type ConnectionHandler func(kind transport.Kind, connected bool)

// DiscoveryHook receives a DISCOVERY_RESPONSE message observed on any
// registered transport. Hydrogen treats multicast device discovery as an
// optional integration point rather than a guaranteed feature: nothing in
// this package listens on a multicast socket or originates
// DISCOVERY_REQUEST traffic itself, it only gives a caller that does a
// place to plug in.
type DiscoveryHook func(kind transport.Kind, msg *message.Message)

// ProtocolStatus is one transport's snapshot within Status().
type ProtocolStatus struct {
	Kind      transport.Kind
	Connected bool
	Stats     transport.Stats
}

// Device owns a set of named transports addressing one physical or
// simulated device.
type Device struct {
	id string

	mu         sync.RWMutex
	transports map[transport.Kind]transport.Communicator

	handlersMu sync.RWMutex
	onMsg      []MessageHandler
	onConn     []ConnectionHandler
	onDiscover []DiscoveryHook
}

// New builds an empty Device identified by id; transports are attached via
// AddProtocol.
func New(id string) *Device {
	return &Device{id: id, transports: make(map[transport.Kind]transport.Communicator)}
}

// ID returns the device identifier this communicator addresses.
func (d *Device) ID() string { return d.id }

// AddProtocol registers comm under kind, wiring its message/connection
// callbacks to this Device's fan-out handlers so callers only ever
// subscribe once regardless of how many transports are active.
func (d *Device) AddProtocol(kind transport.Kind, comm transport.Communicator) {
	comm.OnMessage(func(msg *message.Message) {
		d.fireMessage(kind, msg)
	})
	comm.OnConnectionChanged(func(connected bool) {
		d.fireConnection(kind, connected)
	})

	d.mu.Lock()
	d.transports[kind] = comm
	d.mu.Unlock()
}

// RemoveProtocol disconnects and forgets the transport registered under
// kind, if any.
func (d *Device) RemoveProtocol(kind transport.Kind) error {
	d.mu.Lock()
	comm, ok := d.transports[kind]
	if ok {
		delete(d.transports, kind)
	}
	d.mu.Unlock()

	if !ok {
		return nil
	}
	return comm.Disconnect()
}

// HasProtocol reports whether kind is currently registered.
func (d *Device) HasProtocol(kind transport.Kind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.transports[kind]
	return ok
}

// ActiveProtocols lists every currently registered transport kind.
func (d *Device) ActiveProtocols() []transport.Kind {
	d.mu.RLock()
	defer d.mu.RUnlock()
	kinds := make([]transport.Kind, 0, len(d.transports))
	for k := range d.transports {
		kinds = append(kinds, k)
	}
	return kinds
}

// Send routes msg to the single transport named by kind, returning the
// Future the caller can Wait on for a correlated response. Transport
// selection is always an explicit caller decision — Send never falls back
// to a different transport on failure.
func (d *Device) Send(msg *message.Message, kind transport.Kind) (*transport.Future, error) {
	d.mu.RLock()
	comm, ok := d.transports[kind]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("device %s: protocol %s not registered", d.id, kind)
	}
	return comm.SendAsync(msg)
}

// BroadcastResult is one transport's outcome from Broadcast.
type BroadcastResult struct {
	Kind transport.Kind
	Err  error
}

// Broadcast sends msg on every active transport concurrently and reports
// per-transport outcomes; the caller determines "all-ok" from the returned
// slice (spec.md's "combined success (all-ok)").
func (d *Device) Broadcast(msg *message.Message) []BroadcastResult {
	d.mu.RLock()
	comms := make(map[transport.Kind]transport.Communicator, len(d.transports))
	for k, c := range d.transports {
		comms[k] = c
	}
	d.mu.RUnlock()

	results := make([]BroadcastResult, len(comms))
	var wg sync.WaitGroup
	i := 0
	for kind, comm := range comms {
		wg.Add(1)
		idx, k, c := i, kind, comm
		go func() {
			defer wg.Done()
			_, err := c.SendAsync(msg.Clone())
			results[idx] = BroadcastResult{Kind: k, Err: err}
		}()
		i++
	}
	wg.Wait()
	return results
}

// OnMessage registers a handler invoked for every inbound message on any
// transport.
func (d *Device) OnMessage(h MessageHandler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.onMsg = append(d.onMsg, h)
}

// OnConnection registers a handler invoked for every transport's connection
// state change.
func (d *Device) OnConnection(h ConnectionHandler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.onConn = append(d.onConn, h)
}

// OnDiscovery registers a hook invoked for every inbound DISCOVERY_RESPONSE
// message, in addition to the normal OnMessage fan-out.
func (d *Device) OnDiscovery(h DiscoveryHook) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.onDiscover = append(d.onDiscover, h)
}

func (d *Device) fireMessage(kind transport.Kind, msg *message.Message) {
	d.handlersMu.RLock()
	handlers := append([]MessageHandler{}, d.onMsg...)
	var discoverHandlers []DiscoveryHook
	if msg.MessageType == message.TypeDiscoveryResponse {
		discoverHandlers = append([]DiscoveryHook{}, d.onDiscover...)
	}
	d.handlersMu.RUnlock()
	for _, h := range handlers {
		h(kind, msg)
	}
	for _, h := range discoverHandlers {
		h(kind, msg)
	}
}

func (d *Device) fireConnection(kind transport.Kind, connected bool) {
	d.handlersMu.RLock()
	handlers := append([]ConnectionHandler{}, d.onConn...)
	d.handlersMu.RUnlock()
	for _, h := range handlers {
		h(kind, connected)
	}
}

// Status returns a per-transport connected/stats snapshot.
func (d *Device) Status() []ProtocolStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ProtocolStatus, 0, len(d.transports))
	for kind, comm := range d.transports {
		out = append(out, ProtocolStatus{Kind: kind, Connected: comm.IsConnected(), Stats: comm.Stats()})
	}
	return out
}
