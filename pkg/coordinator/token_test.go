package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTokenProducesUniqueHex(t *testing.T) {
	tm := NewTokenManager(nil)

	a, err := tm.GenerateToken(RoleWorker, time.Hour)
	require.NoError(t, err)
	b, err := tm.GenerateToken(RoleWorker, time.Hour)
	require.NoError(t, err)

	assert.Len(t, a.Token, 64)
	assert.NotEqual(t, a.Token, b.Token)
	assert.Equal(t, RoleWorker, a.Role)
	assert.True(t, a.ExpiresAt.After(a.CreatedAt))
}

func TestValidateTokenReturnsRole(t *testing.T) {
	tm := NewTokenManager(nil)

	jt, err := tm.GenerateToken(RoleAdmin, time.Hour)
	require.NoError(t, err)

	role, err := tm.ValidateToken(jt.Token)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, role)
}

func TestValidateTokenRejectsUnknown(t *testing.T) {
	tm := NewTokenManager(nil)

	_, err := tm.ValidateToken("deadbeef")
	require.EqualError(t, err, "invalid token")
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	tm := NewTokenManager(clock)

	jt, err := tm.GenerateToken(RoleWorker, time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = tm.ValidateToken(jt.Token)
	require.EqualError(t, err, "token expired")
}

func TestRevokeToken(t *testing.T) {
	tm := NewTokenManager(nil)

	jt, err := tm.GenerateToken(RoleWorker, time.Hour)
	require.NoError(t, err)

	tm.RevokeToken(jt.Token)
	_, err = tm.ValidateToken(jt.Token)
	require.EqualError(t, err, "invalid token")

	// Revoking again is a no-op.
	tm.RevokeToken(jt.Token)
}

func TestCleanupExpiredTokens(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	tm := NewTokenManager(clock)

	short, err := tm.GenerateToken(RoleWorker, time.Minute)
	require.NoError(t, err)
	long, err := tm.GenerateToken(RoleWorker, time.Hour)
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	tm.CleanupExpiredTokens()

	tokens := tm.ListTokens()
	require.Len(t, tokens, 1)
	assert.Equal(t, long.Token, tokens[0].Token)

	_, err = tm.ValidateToken(short.Token)
	assert.EqualError(t, err, "invalid token")
}

func TestGenerateTokenDefaultTTL(t *testing.T) {
	now := time.Now()
	tm := NewTokenManager(func() time.Time { return now })

	jt, err := tm.GenerateToken(RoleWorker, 0)
	require.NoError(t, err)
	assert.Equal(t, now.Add(DefaultTokenTTL), jt.ExpiresAt)
}
