package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(t *testing.T) *MemoryAuthenticator {
	t.Helper()
	a := NewMemoryAuthenticator(DefaultConfig(), NopAuditLogger{})
	hash, err := HashPassword("correct-horse")
	require.NoError(t, err)
	a.RegisterUser("alice", hash, []string{"operator"}, []string{"read", "write"})

	keyHash, err := HashPassword("device-secret")
	require.NoError(t, err)
	a.RegisterDevice("device-001", keyHash, []string{"read", "write"})
	return a
}

func TestAuthenticateUserSucceedsWithCorrectPassword(t *testing.T) {
	a := newTestAuthenticator(t)
	res, err := a.AuthenticateUser("alice", "correct-horse")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "alice", res.SubjectID)
	assert.Contains(t, res.Roles, "operator")
	assert.NotEmpty(t, res.Token)
	require.NotNil(t, res.ExpiresAt)
}

func TestAuthenticateUserFailsWithWrongPassword(t *testing.T) {
	a := newTestAuthenticator(t)
	_, err := a.AuthenticateUser("alice", "wrong")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestAuthenticateUserFailsForUnknownUser(t *testing.T) {
	a := newTestAuthenticator(t)
	_, err := a.AuthenticateUser("nobody", "whatever")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestAuthenticateDeviceSucceedsWithCorrectKey(t *testing.T) {
	a := newTestAuthenticator(t)
	res, err := a.AuthenticateDevice("device-001", "device-secret")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Permissions, "write")
}

func TestAuthenticateDeviceFailsWithWrongKey(t *testing.T) {
	a := newTestAuthenticator(t)
	_, err := a.AuthenticateDevice("device-001", "wrong-secret")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestDisabledUserIsRejectedEvenWithCorrectPassword(t *testing.T) {
	a := newTestAuthenticator(t)
	a.SetEnabled("alice", false)
	_, err := a.AuthenticateUser("alice", "correct-horse")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestLockoutAfterMaxFailures(t *testing.T) {
	cfg := Config{TokenExpiry: time.Hour, MaxFailures: 2, FailureWindow: time.Minute, LockoutDuration: time.Minute}
	a := NewMemoryAuthenticator(cfg, NopAuditLogger{})
	hash, _ := HashPassword("secret")
	a.RegisterUser("bob", hash, nil, nil)

	_, _ = a.AuthenticateUser("bob", "bad1")
	_, _ = a.AuthenticateUser("bob", "bad2")

	_, err := a.AuthenticateUser("bob", "secret")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestSuccessfulLoginClearsFailureCounter(t *testing.T) {
	cfg := Config{TokenExpiry: time.Hour, MaxFailures: 3, FailureWindow: time.Minute, LockoutDuration: time.Minute}
	a := NewMemoryAuthenticator(cfg, NopAuditLogger{})
	hash, _ := HashPassword("secret")
	a.RegisterUser("carol", hash, nil, nil)

	_, _ = a.AuthenticateUser("carol", "bad")
	res, err := a.AuthenticateUser("carol", "secret")
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, _ = a.AuthenticateUser("carol", "bad")
	_, _ = a.AuthenticateUser("carol", "bad")
	_, err = a.AuthenticateUser("carol", "secret")
	assert.NoError(t, err)
}

func TestAuthorizeDeniesByDefault(t *testing.T) {
	a := newTestAuthenticator(t)
	assert.False(t, a.Authorize("client-1", "device-001", "move"))
}

func TestAuthorizeAllowsAfterGrant(t *testing.T) {
	a := newTestAuthenticator(t)
	a.Grant("client-1", "device-001", "move")
	assert.True(t, a.Authorize("client-1", "device-001", "move"))
	assert.False(t, a.Authorize("client-1", "device-001", "reboot"))
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("abc", "abc"))
	assert.False(t, ConstantTimeEqual("abc", "abd"))
}
