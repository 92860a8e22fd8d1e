package coordinator

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Token roles. Worker tokens are the only ones the channel hub accepts
// at registration; admin tokens are reserved for privileged API calls.
const (
	RoleWorker = "worker"
	RoleAdmin  = "admin"
)

// DefaultTokenTTL is how long a generated join token stays valid when
// the caller does not pick a duration.
const DefaultTokenTTL = 24 * time.Hour

// JoinToken is a credential a worker presents in its Register frame.
type JoinToken struct {
	Token     string    `json:"token"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenManager issues and validates join tokens. It satisfies the
// hub's TokenValidator interface.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]*JoinToken
	now    func() time.Time
}

// NewTokenManager creates an empty token manager.
func NewTokenManager(clock func() time.Time) *TokenManager {
	if clock == nil {
		clock = time.Now
	}
	return &TokenManager{
		tokens: make(map[string]*JoinToken),
		now:    clock,
	}
}

// GenerateToken mints a random token for the given role. Zero duration
// applies DefaultTokenTTL.
func (tm *TokenManager) GenerateToken(role string, duration time.Duration) (*JoinToken, error) {
	if duration <= 0 {
		duration = DefaultTokenTTL
	}

	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to generate random token: %w", err)
	}

	now := tm.now()
	jt := &JoinToken{
		Token:     hex.EncodeToString(bytes),
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
	}

	tm.mu.Lock()
	tm.tokens[jt.Token] = jt
	tm.mu.Unlock()

	return jt, nil
}

// ValidateToken checks a token and returns its role.
func (tm *TokenManager) ValidateToken(token string) (string, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	jt, exists := tm.tokens[token]
	if !exists {
		return "", fmt.Errorf("invalid token")
	}
	if tm.now().After(jt.ExpiresAt) {
		return "", fmt.Errorf("token expired")
	}
	return jt.Role, nil
}

// RevokeToken removes a token. Revoking an unknown token is a no-op.
func (tm *TokenManager) RevokeToken(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// CleanupExpiredTokens drops tokens past their expiry.
func (tm *TokenManager) CleanupExpiredTokens() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := tm.now()
	for token, jt := range tm.tokens {
		if now.After(jt.ExpiresAt) {
			delete(tm.tokens, token)
		}
	}
}

// ListTokens returns all tokens still held, expired or not.
func (tm *TokenManager) ListTokens() []*JoinToken {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	tokens := make([]*JoinToken, 0, len(tm.tokens))
	for _, jt := range tm.tokens {
		tokens = append(tokens, jt)
	}
	return tokens
}
