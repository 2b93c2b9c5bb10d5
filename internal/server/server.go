// Package server implements Hydrogen's server-side connection plane
// (spec.md §4.7): accept clients per transport, track sessions, route
// device-addressed messages, broadcast events, and enforce per-connection
// limits and command filtering. Grounded on gateway.IndustrialGateway
// end to end — its sync.Map device registry becomes a session registry,
// its startDataCollection ticker loop becomes the cleanup/heartbeat sweep,
// and its securityMiddleware becomes the access-control hook into
// internal/auth (C12).
package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"hydrogen/internal/auth"
	"hydrogen/internal/message"
	"hydrogen/internal/transport"
)

// Status is the server's lifecycle state.
type Status string

const (
	StatusStopped  Status = "STOPPED"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusStopping Status = "STOPPING"
	StatusError    Status = "ERROR"
)

// Config bounds the server's accept and session-management behavior.
type Config struct {
	MaxClients        int
	ClientTimeout     time.Duration
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	AllowedCommands   []string // empty means "allow every command"
}

// DefaultConfig uses conservative industrial-gateway-style sizing
// (MaxConnections/UpdateInterval defaults common to that class of server).
func DefaultConfig() Config {
	return Config{
		MaxClients:        100,
		ClientTimeout:     90 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		CleanupInterval:   15 * time.Second,
	}
}

// Statistics is an atomic snapshot of lifetime and current server counters.
type Statistics struct {
	TotalClientsConnected  uint64
	CurrentActiveClients   int
	TotalMessagesProcessed uint64
	TotalBytesTransferred  uint64
	TotalErrors            uint64
	Uptime                 time.Duration
}

// ClientConnectedHandler is notified when a session is accepted.
type ClientConnectedHandler func(clientID string, kind transport.Kind)

// ClientDisconnectedHandler is notified when a session ends.
type ClientDisconnectedHandler func(clientID string, kind transport.Kind)

// MessageReceivedHandler is notified for every inbound message that passes
// access control.
type MessageReceivedHandler func(clientID string, msg *message.Message)

// ErrorHandler is notified of session-level errors, including
// access-control denials.
type ErrorHandler func(clientID string, err error)

type session struct {
	clientID  string
	kind      transport.Kind
	comm      transport.Communicator
	lastSeen  int64 // unix nanos, atomic
	connected int32 // atomic bool
}

func (s *session) touch() { atomic.StoreInt64(&s.lastSeen, time.Now().UnixNano()) }

func (s *session) isStale(timeout time.Duration) bool {
	last := atomic.LoadInt64(&s.lastSeen)
	return time.Since(time.Unix(0, last)) > timeout
}

// Server is the connection plane accepting and tracking client sessions
// across any number of transports.
type Server struct {
	cfgMu sync.RWMutex
	cfg   Config

	auth auth.Authenticator

	statusMu sync.RWMutex
	status   Status
	startAt  time.Time

	sessionsMu sync.RWMutex
	sessions   map[string]*session // keyed by clientID

	handlersMu  sync.RWMutex
	onConnected []ClientConnectedHandler
	onDisconn   []ClientDisconnectedHandler
	onMessage   []MessageReceivedHandler
	onError     []ErrorHandler

	totalConnected uint64
	totalMessages  uint64
	totalBytes     uint64
	totalErrors    uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Server with cfg and an optional authenticator (nil disables
// the access-control hook).
func New(cfg Config, authenticator auth.Authenticator) *Server {
	return &Server{
		cfg:      cfg,
		auth:     authenticator,
		status:   StatusStopped,
		sessions: make(map[string]*session),
	}
}

// Start transitions the server to RUNNING and launches the cleanup sweep
// and heartbeat loops. It is a no-op if already running.
func (s *Server) Start(ctx context.Context) error {
	s.statusMu.Lock()
	if s.status == StatusRunning || s.status == StatusStarting {
		s.statusMu.Unlock()
		return nil
	}
	s.status = StatusStarting
	s.statusMu.Unlock()

	s.stopCh = make(chan struct{})
	s.startAt = time.Now()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.cleanupLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.heartbeatLoop(ctx)
	}()

	s.statusMu.Lock()
	s.status = StatusRunning
	s.statusMu.Unlock()
	return nil
}

// Stop transitions the server to STOPPED, disconnecting every session.
func (s *Server) Stop() error {
	s.statusMu.Lock()
	if s.status != StatusRunning {
		s.statusMu.Unlock()
		return nil
	}
	s.status = StatusStopping
	s.statusMu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.sessionsMu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.sessionsMu.Unlock()
	for _, sess := range sessions {
		sess.comm.Disconnect()
	}

	s.statusMu.Lock()
	s.status = StatusStopped
	s.statusMu.Unlock()
	return nil
}

// Restart stops and starts the server.
func (s *Server) Restart(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start(ctx)
}

// IsRunning reports whether the server is currently RUNNING.
func (s *Server) IsRunning() bool {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status == StatusRunning
}

// IsHealthy reports IsRunning with no additional checks today; kept
// distinct from IsRunning so a future liveness probe can diverge from bare
// lifecycle state without changing the API.
func (s *Server) IsHealthy() bool { return s.IsRunning() }

// GetStatus returns the server's current lifecycle state.
func (s *Server) GetStatus() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// AcceptClient reports whether a new session for clientID issuing command
// should be admitted: the server must be running, under its max-clients
// limit, and command (if non-empty) must be on the allow list.
func (s *Server) AcceptClient(clientID, command string) bool {
	if !s.IsRunning() {
		return false
	}

	s.cfgMu.RLock()
	maxClients := s.cfg.MaxClients
	allowed := s.cfg.AllowedCommands
	s.cfgMu.RUnlock()

	if command != "" && len(allowed) > 0 && !contains(allowed, command) {
		return false
	}

	s.sessionsMu.RLock()
	_, already := s.sessions[clientID]
	count := len(s.sessions)
	s.sessionsMu.RUnlock()

	if already {
		return true
	}
	return maxClients <= 0 || count < maxClients
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// RegisterSession admits an accepted connection as clientID's session,
// wiring its message/connection callbacks into this server's routing and
// cleanup machinery.
func (s *Server) RegisterSession(clientID string, kind transport.Kind, comm transport.Communicator) {
	sess := &session{clientID: clientID, kind: kind, comm: comm, connected: 1}
	sess.touch()

	comm.OnMessage(func(msg *message.Message) {
		s.handleInbound(sess, msg)
	})
	comm.OnConnectionChanged(func(connected bool) {
		if !connected {
			s.DisconnectClient(clientID)
		}
	})

	s.sessionsMu.Lock()
	s.sessions[clientID] = sess
	s.sessionsMu.Unlock()

	atomic.AddUint64(&s.totalConnected, 1)
	s.fireConnected(clientID, kind)
}

func (s *Server) handleInbound(sess *session, msg *message.Message) {
	sess.touch()
	atomic.AddUint64(&s.totalMessages, 1)

	if msg.MessageType == message.TypeCommand && msg.DeviceID != "" && s.auth != nil {
		if !s.auth.Authorize(sess.clientID, msg.DeviceID, msg.Command) {
			atomic.AddUint64(&s.totalErrors, 1)
			s.fireError(sess.clientID, fmt.Errorf("server: client %s not authorized for %s on %s", sess.clientID, msg.Command, msg.DeviceID))
			return
		}
	}

	s.fireMessage(sess.clientID, msg)
}

// DisconnectClient disconnects and forgets clientID's session, if any.
func (s *Server) DisconnectClient(clientID string) error {
	s.sessionsMu.Lock()
	sess, ok := s.sessions[clientID]
	if ok {
		delete(s.sessions, clientID)
	}
	s.sessionsMu.Unlock()

	if !ok {
		return nil
	}
	if atomic.CompareAndSwapInt32(&sess.connected, 1, 0) {
		s.fireDisconnected(clientID, sess.kind)
	}
	return sess.comm.Disconnect()
}

// IsClientConnected reports whether clientID currently has a registered
// session.
func (s *Server) IsClientConnected(clientID string) bool {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	_, ok := s.sessions[clientID]
	return ok
}

// GetConnectedClients lists every currently registered client ID.
func (s *Server) GetConnectedClients() []string {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SendMessageToClient writes msg to clientID's session. Per-client writes
// are never reordered relative to each other — there is exactly one
// SendAsync call per message per session.
func (s *Server) SendMessageToClient(clientID string, msg *message.Message) error {
	s.sessionsMu.RLock()
	sess, ok := s.sessions[clientID]
	s.sessionsMu.RUnlock()
	if !ok {
		return fmt.Errorf("server: client %s not connected", clientID)
	}
	_, err := sess.comm.SendAsync(msg)
	return err
}

// BroadcastResult is one client's outcome from BroadcastMessage.
type BroadcastResult struct {
	ClientID string
	Err      error
}

// BroadcastMessage sends msg to every connected client concurrently; no
// cross-client ordering is guaranteed, but broadcasts are not reordered
// relative to unicast writes already queued to the same session (each
// session's SendAsync calls are issued from a single goroutine here).
func (s *Server) BroadcastMessage(msg *message.Message) []BroadcastResult {
	s.sessionsMu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionsMu.RUnlock()

	results := make([]BroadcastResult, len(sessions))
	var wg sync.WaitGroup
	for i, sess := range sessions {
		wg.Add(1)
		idx, target := i, sess
		go func() {
			defer wg.Done()
			_, err := target.comm.SendAsync(msg.Clone())
			results[idx] = BroadcastResult{ClientID: target.clientID, Err: err}
		}()
	}
	wg.Wait()
	return results
}

// OnClientConnected registers a handler invoked when a session is accepted.
func (s *Server) OnClientConnected(h ClientConnectedHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onConnected = append(s.onConnected, h)
}

// OnClientDisconnected registers a handler invoked when a session ends.
func (s *Server) OnClientDisconnected(h ClientDisconnectedHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onDisconn = append(s.onDisconn, h)
}

// OnMessageReceived registers a handler invoked for every inbound message
// that passes access control.
func (s *Server) OnMessageReceived(h MessageReceivedHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onMessage = append(s.onMessage, h)
}

// OnError registers a handler invoked for session-level and access-control
// errors.
func (s *Server) OnError(h ErrorHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onError = append(s.onError, h)
}

func (s *Server) fireConnected(clientID string, kind transport.Kind) {
	s.handlersMu.RLock()
	handlers := append([]ClientConnectedHandler{}, s.onConnected...)
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		h(clientID, kind)
	}
}

func (s *Server) fireDisconnected(clientID string, kind transport.Kind) {
	s.handlersMu.RLock()
	handlers := append([]ClientDisconnectedHandler{}, s.onDisconn...)
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		h(clientID, kind)
	}
}

func (s *Server) fireMessage(clientID string, msg *message.Message) {
	s.handlersMu.RLock()
	handlers := append([]MessageReceivedHandler{}, s.onMessage...)
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		h(clientID, msg)
	}
}

func (s *Server) fireError(clientID string, err error) {
	s.handlersMu.RLock()
	handlers := append([]ErrorHandler{}, s.onError...)
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		h(clientID, err)
	}
}

// UpdateConfig merges non-zero-value fields of partial into the live
// config under lock.
func (s *Server) UpdateConfig(partial Config) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if partial.MaxClients != 0 {
		s.cfg.MaxClients = partial.MaxClients
	}
	if partial.ClientTimeout != 0 {
		s.cfg.ClientTimeout = partial.ClientTimeout
	}
	if partial.HeartbeatInterval != 0 {
		s.cfg.HeartbeatInterval = partial.HeartbeatInterval
	}
	if partial.CleanupInterval != 0 {
		s.cfg.CleanupInterval = partial.CleanupInterval
	}
	if partial.AllowedCommands != nil {
		s.cfg.AllowedCommands = partial.AllowedCommands
	}
}

// GetStatistics returns an atomic snapshot of lifetime and current counters.
func (s *Server) GetStatistics() Statistics {
	s.sessionsMu.RLock()
	active := len(s.sessions)
	s.sessionsMu.RUnlock()

	uptime := time.Duration(0)
	if !s.startAt.IsZero() {
		uptime = time.Since(s.startAt)
	}

	return Statistics{
		TotalClientsConnected:  atomic.LoadUint64(&s.totalConnected),
		CurrentActiveClients:   active,
		TotalMessagesProcessed: atomic.LoadUint64(&s.totalMessages),
		TotalBytesTransferred:  atomic.LoadUint64(&s.totalBytes),
		TotalErrors:            atomic.LoadUint64(&s.totalErrors),
		Uptime:                 uptime,
	}
}

// cleanupLoop disconnects sessions that have gone silent past the
// configured client timeout, mirroring
// gateway.IndustrialGateway.startDataCollection's ticker-driven sweep.
func (s *Server) cleanupLoop(ctx context.Context) {
	s.cfgMu.RLock()
	interval := s.cfg.CleanupInterval
	s.cfgMu.RUnlock()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepStale()
		}
	}
}

func (s *Server) sweepStale() {
	s.cfgMu.RLock()
	timeout := s.cfg.ClientTimeout
	s.cfgMu.RUnlock()
	if timeout <= 0 {
		return
	}

	s.sessionsMu.RLock()
	var stale []string
	for id, sess := range s.sessions {
		if sess.isStale(timeout) {
			stale = append(stale, id)
		}
	}
	s.sessionsMu.RUnlock()

	for _, id := range stale {
		s.DisconnectClient(id)
	}
}

// heartbeatLoop periodically broadcasts a HEARTBEAT message to every
// connected session.
func (s *Server) heartbeatLoop(ctx context.Context) {
	s.cfgMu.RLock()
	interval := s.cfg.HeartbeatInterval
	s.cfgMu.RUnlock()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.BroadcastMessage(&message.Message{
				MessageID:   fmt.Sprintf("heartbeat-%d", time.Now().UnixNano()),
				MessageType: message.TypeHeartbeat,
				Timestamp:   message.NowTimestamp(time.Now()),
			})
		}
	}
}
