package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManager_UsesConfiguredTTL(t *testing.T) {
	ttl := 2 * time.Hour
	tm := NewTokenManager("test-secret", ttl)

	userID := uuid.New()
	start := time.Now()

	token, err := tm.GenerateToken(userID, RoleAgent)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := tm.ValidateToken(token)
	require.NoError(t, err)
	require.NotNil(t, claims.ExpiresAt)

	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, RoleAgent, claims.Role)
	assert.WithinDuration(t, start.Add(ttl), claims.ExpiresAt.Time, 2*time.Second)
}

func TestTokenManager_RejectsForeignSignature(t *testing.T) {
	issuer := NewTokenManager("secret-a", time.Hour)
	verifier := NewTokenManager("secret-b", time.Hour)

	token, err := issuer.GenerateToken(uuid.New(), RoleCustomer)
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.Error(t, err)
}

func TestTokenManager_RejectsExpired(t *testing.T) {
	tm := NewTokenManager("secret", time.Nanosecond)
	token, err := tm.GenerateToken(uuid.New(), RoleAgent)
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	_, err = tm.ValidateToken(token)
	assert.Error(t, err)
}

func TestTokenManager_UnknownRole(t *testing.T) {
	tm := NewTokenManager("secret", time.Hour)
	_, err := tm.GenerateToken(uuid.New(), "admin")
	assert.Error(t, err)
}
