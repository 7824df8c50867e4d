package services

import (
	"testing"
	"time"

	"xolo/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	a := NewAuthenticator(config.AuthConfig{JWTSecret: "s3cret", Admins: []string{"alice", "bob"}})

	token, err := a.GenerateToken("alice")
	require.NoError(t, err)
	claims, err := a.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Admin)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "xolo-server", claims.Issuer)
	assert.WithinDuration(t, time.Now().Add(12*time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestTokenRejected(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := start
	a := NewAuthenticator(config.AuthConfig{JWTSecret: "s3cret", TokenTTL: time.Hour, Admins: []string{"alice"}})
	a.now = func() time.Time { return now }

	_, err := a.GenerateToken("mallory")
	assert.True(t, ErrValidation.Has(err))
	_, err = a.GenerateToken("")
	assert.True(t, ErrValidation.Has(err))

	token, err := a.GenerateToken("alice")
	require.NoError(t, err)

	now = start.Add(2 * time.Hour)
	_, err = a.ParseToken(token)
	assert.True(t, ErrValidation.Has(err))
	assert.Contains(t, err.Error(), "expired")

	// 换了密钥的服务器不认旧令牌
	now = start
	other := NewAuthenticator(config.AuthConfig{JWTSecret: "other"})
	other.now = a.now
	_, err = other.ParseToken(token)
	assert.True(t, ErrValidation.Has(err))

	// 从管理员名单移除后令牌失效
	a.admins = []string{"bob"}
	_, err = a.ParseToken(token)
	assert.True(t, ErrValidation.Has(err))
	assert.Contains(t, err.Error(), "no longer an allowed admin")

	_, err = a.ParseToken("not-a-token")
	assert.True(t, ErrValidation.Has(err))
}

func TestTokenWithoutSecret(t *testing.T) {
	a := NewAuthenticator(config.AuthConfig{})
	_, err := a.GenerateToken("alice")
	assert.True(t, ErrFatal.Has(err))
	_, err = a.ParseToken("x.y.z")
	assert.True(t, ErrFatal.Has(err))
}
