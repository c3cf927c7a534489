package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerifyToken(t *testing.T) {
	m := NewJWTManager("secret", 1)
	tok, err := m.GenerateToken("ops-bot", RoleAdmin)
	require.NoError(t, err)

	claims, err := m.VerifyToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "ops-bot", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)
}

func TestVerifyTokenRejectsOtherSecret(t *testing.T) {
	tok, err := NewJWTManager("secret-a", 1).GenerateToken("u", "")
	require.NoError(t, err)

	_, err = NewJWTManager("secret-b", 1).VerifyToken(tok)
	assert.Error(t, err)
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	m := NewJWTManager("secret", 1)
	claims := CustomClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = m.VerifyToken(tok)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestGenerateTokenRequiresSubject(t *testing.T) {
	_, err := NewJWTManager("secret", 1).GenerateToken("", "")
	assert.Error(t, err)
}
