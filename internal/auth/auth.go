// Package auth is Hydrogen's session gate: an Authenticator hook interface
// plus an in-memory reference implementation (bcrypt password hashing,
// constant-time API key comparison, per-subject audit logging), generalized
// from "user" to also cover (clientId, deviceId) permission checks per the
// access-control hook this module's server connection plane enforces.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrAuthenticationFailed is returned (wrapped with detail) on any rejected
// credential. It is intentionally generic — callers must not leak whether a
// subject exists from the error alone, matching AuthenticationManager's
// "authentication failed" catch-all.
var ErrAuthenticationFailed = errors.New("auth: authentication failed")

// Result is the outcome of a successful or failed authentication attempt.
type Result struct {
	Success     bool
	SubjectID   string
	Roles       []string
	Permissions []string
	Token       string
	ExpiresAt   *time.Time
}

// Authenticator is the hook surface the server connection plane calls
// before admitting a session or authorizing a command.
type Authenticator interface {
	AuthenticateUser(username, password string) (Result, error)
	AuthenticateDevice(deviceID, apiKey string) (Result, error)
	Authorize(clientID, deviceID, command string) bool
}

// AuditLogger receives every authentication/authorization decision.
// Implementations typically forward to an observability.Logger.
type AuditLogger interface {
	LogAuthentication(subject, method string, success bool, detail map[string]interface{})
	LogAuthorization(clientID, deviceID, command string, allowed bool)
}

// NopAuditLogger discards every event; useful in tests and for callers that
// wire their own logging downstream of Authorize's bool return instead.
type NopAuditLogger struct{}

func (NopAuditLogger) LogAuthentication(string, string, bool, map[string]interface{}) {}
func (NopAuditLogger) LogAuthorization(string, string, string, bool)                   {}

type userRecord struct {
	id           string
	passwordHash string
	roles        []string
	permissions  []string
	enabled      bool
}

type deviceRecord struct {
	id           string
	apiKeyHash   string
	capabilities []string
	enabled      bool
}

// attemptWindow tracks recent failed attempts for one subject, used to rate
// limit brute-force login attempts.
type attemptWindow struct {
	failures  int
	windowEnd time.Time
}

// Config bounds login-attempt tracking and token lifetime.
type Config struct {
	TokenExpiry     time.Duration
	MaxFailures     int           // failures allowed within FailureWindow before lockout
	FailureWindow   time.Duration
	LockoutDuration time.Duration
}

// DefaultConfig mirrors common defensive defaults: five failures per minute
// locks a subject out for five minutes.
func DefaultConfig() Config {
	return Config{
		TokenExpiry:     time.Hour,
		MaxFailures:     5,
		FailureWindow:   time.Minute,
		LockoutDuration: 5 * time.Minute,
	}
}

// MemoryAuthenticator is an in-memory reference Authenticator: a user table,
// a device table, and a per-subject permission map, all guarded by one
// mutex. Production deployments swap this for a database-backed
// implementation behind the same interface.
type MemoryAuthenticator struct {
	cfg   Config
	audit AuditLogger

	mu       sync.Mutex
	users    map[string]*userRecord
	devices  map[string]*deviceRecord
	attempts map[string]*attemptWindow
	grants   map[string]map[string]bool // "clientID\x00deviceID" -> command -> allowed
}

// NewMemoryAuthenticator builds an empty authenticator; register subjects
// with RegisterUser/RegisterDevice before use.
func NewMemoryAuthenticator(cfg Config, audit AuditLogger) *MemoryAuthenticator {
	if audit == nil {
		audit = NopAuditLogger{}
	}
	return &MemoryAuthenticator{
		cfg:      cfg,
		audit:    audit,
		users:    make(map[string]*userRecord),
		devices:  make(map[string]*deviceRecord),
		attempts: make(map[string]*attemptWindow),
		grants:   make(map[string]map[string]bool),
	}
}

// HashPassword bcrypt-hashes password for storage via RegisterUser.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// GenerateAPIKey returns a random, base64url-encoded 32-byte API key.
func GenerateAPIKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("auth: generate api key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(key), nil
}

// RegisterUser adds or replaces a user record. passwordHash must already be
// bcrypt-hashed (see HashPassword).
func (a *MemoryAuthenticator) RegisterUser(id, passwordHash string, roles, permissions []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[id] = &userRecord{id: id, passwordHash: passwordHash, roles: roles, permissions: permissions, enabled: true}
}

// RegisterDevice adds or replaces a device record. apiKeyHash must already
// be bcrypt-hashed.
func (a *MemoryAuthenticator) RegisterDevice(id, apiKeyHash string, capabilities []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.devices[id] = &deviceRecord{id: id, apiKeyHash: apiKeyHash, capabilities: capabilities, enabled: true}
}

// SetEnabled toggles a previously registered user or device.
func (a *MemoryAuthenticator) SetEnabled(subjectID string, enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if u, ok := a.users[subjectID]; ok {
		u.enabled = enabled
	}
	if d, ok := a.devices[subjectID]; ok {
		d.enabled = enabled
	}
}

// Grant authorizes (clientID, deviceID) to issue command.
func (a *MemoryAuthenticator) Grant(clientID, deviceID, command string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := clientID + "\x00" + deviceID
	if a.grants[key] == nil {
		a.grants[key] = make(map[string]bool)
	}
	a.grants[key][command] = true
}

func (a *MemoryAuthenticator) locked(subject string) bool {
	w, ok := a.attempts[subject]
	if !ok {
		return false
	}
	return w.failures >= a.cfg.MaxFailures && time.Now().Before(w.windowEnd)
}

func (a *MemoryAuthenticator) recordFailure(subject string) {
	now := time.Now()
	w, ok := a.attempts[subject]
	if !ok || now.After(w.windowEnd) {
		w = &attemptWindow{windowEnd: now.Add(a.cfg.FailureWindow)}
		a.attempts[subject] = w
	}
	w.failures++
	if w.failures >= a.cfg.MaxFailures {
		w.windowEnd = now.Add(a.cfg.LockoutDuration)
	}
}

func (a *MemoryAuthenticator) clearFailures(subject string) {
	delete(a.attempts, subject)
}

// AuthenticateUser verifies username/password against the registered user
// table, enforcing the failure-window lockout.
func (a *MemoryAuthenticator) AuthenticateUser(username, password string) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.locked(username) {
		a.audit.LogAuthentication(username, "password", false, map[string]interface{}{"error": "locked_out"})
		return Result{}, fmt.Errorf("%w: too many attempts", ErrAuthenticationFailed)
	}

	user, ok := a.users[username]
	if !ok || bcrypt.CompareHashAndPassword([]byte(user.passwordHash), []byte(password)) != nil {
		a.recordFailure(username)
		a.audit.LogAuthentication(username, "password", false, map[string]interface{}{"error": "invalid_credentials"})
		return Result{}, ErrAuthenticationFailed
	}
	if !user.enabled {
		a.audit.LogAuthentication(username, "password", false, map[string]interface{}{"error": "disabled"})
		return Result{}, fmt.Errorf("%w: account disabled", ErrAuthenticationFailed)
	}

	a.clearFailures(username)
	token, err := GenerateAPIKey()
	if err != nil {
		return Result{}, err
	}
	expiry := time.Now().Add(a.cfg.TokenExpiry)

	a.audit.LogAuthentication(username, "password", true, map[string]interface{}{"roles": user.roles})
	return Result{
		Success:     true,
		SubjectID:   user.id,
		Roles:       append([]string{}, user.roles...),
		Permissions: append([]string{}, user.permissions...),
		Token:       token,
		ExpiresAt:   &expiry,
	}, nil
}

// AuthenticateDevice verifies a device's API key using constant-time
// comparison of its bcrypt hash.
func (a *MemoryAuthenticator) AuthenticateDevice(deviceID, apiKey string) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.locked(deviceID) {
		a.audit.LogAuthentication(deviceID, "api_key", false, map[string]interface{}{"error": "locked_out"})
		return Result{}, fmt.Errorf("%w: too many attempts", ErrAuthenticationFailed)
	}

	dev, ok := a.devices[deviceID]
	if !ok || !verifyAPIKey(apiKey, dev.apiKeyHash) {
		a.recordFailure(deviceID)
		a.audit.LogAuthentication(deviceID, "api_key", false, map[string]interface{}{"error": "invalid_api_key"})
		return Result{}, ErrAuthenticationFailed
	}
	if !dev.enabled {
		a.audit.LogAuthentication(deviceID, "api_key", false, map[string]interface{}{"error": "disabled"})
		return Result{}, fmt.Errorf("%w: device disabled", ErrAuthenticationFailed)
	}

	a.clearFailures(deviceID)
	a.audit.LogAuthentication(deviceID, "api_key", true, map[string]interface{}{"capabilities": dev.capabilities})
	return Result{Success: true, SubjectID: dev.id, Roles: []string{"device"}, Permissions: append([]string{}, dev.capabilities...)}, nil
}

// verifyAPIKey compares a presented key against its stored bcrypt hash; the
// constant-time guarantee comes from bcrypt's own comparison rather than a
// subtle.ConstantTimeCompare over the raw key, so it survives a
// stolen-hash scenario too.
func verifyAPIKey(provided, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(provided)) == nil
}

// Authorize reports whether (clientID, deviceID) may issue command, per an
// explicit Grant. Unknown (clientID, deviceID, command) triples are denied
// by default.
func (a *MemoryAuthenticator) Authorize(clientID, deviceID, command string) bool {
	a.mu.Lock()
	allowed := a.grants[clientID+"\x00"+deviceID][command]
	a.mu.Unlock()
	a.audit.LogAuthorization(clientID, deviceID, command, allowed)
	return allowed
}

// ConstantTimeEqual is exposed for callers comparing raw secrets (tokens,
// pre-shared keys) outside the bcrypt-hashed paths above.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
