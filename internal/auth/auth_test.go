package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestJWTVerifierAcceptsValidToken(t *testing.T) {
	v := NewJWTVerifier("secret")
	token := signToken(t, "secret", jwt.MapClaims{
		"sub":   "alice",
		"name":  "Alice",
		"color": "hsl(120, 80%, 60%)",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	p, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, "hsl(120, 80%, 60%)", p.Color)
}

func TestJWTVerifierDerivesDisplayName(t *testing.T) {
	v := NewJWTVerifier("secret")
	token := signToken(t, "secret", jwt.MapClaims{"sub": "alice-long-id"})

	p, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "User-alic", p.DisplayName)
}

func TestJWTVerifierRejects(t *testing.T) {
	v := NewJWTVerifier("secret")
	ctx := context.Background()

	cases := map[string]string{
		"empty token":  "",
		"garbage":      "not-a-jwt",
		"wrong secret": signToken(t, "other-secret", jwt.MapClaims{"sub": "alice"}),
		"missing sub":  signToken(t, "secret", jwt.MapClaims{"name": "Alice"}),
		"expired": signToken(t, "secret", jwt.MapClaims{
			"sub": "alice",
			"exp": time.Now().Add(-time.Hour).Unix(),
		}),
	}
	for name, token := range cases {
		_, err := v.Verify(ctx, token)
		assert.ErrorIs(t, err, ErrUnauthorized, name)
	}
}

func TestJWTVerifierRejectsNoneAlgorithm(t *testing.T) {
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewJWTVerifier("secret").Verify(context.Background(), unsigned)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAnonymousVerifier(t *testing.T) {
	v := AnonymousVerifier{}

	p, err := v.Verify(context.Background(), "guest-42")
	require.NoError(t, err)
	assert.Equal(t, "guest-42", p.UserID)
	assert.Equal(t, "User-gues", p.DisplayName)

	_, err = v.Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestColorForStableAndInRange(t *testing.T) {
	assert.Equal(t, ColorFor("alice"), ColorFor("alice"))

	for i := 0; i < 200; i++ {
		color := ColorFor(fmt.Sprintf("user-%d", i))
		var hue, sat, light int
		_, err := fmt.Sscanf(color, "hsl(%d, %d%%, %d%%)", &hue, &sat, &light)
		require.NoError(t, err, color)
		assert.GreaterOrEqual(t, hue, 0)
		assert.Less(t, hue, 360)
		assert.GreaterOrEqual(t, sat, 70)
		assert.LessOrEqual(t, sat, 95)
		assert.GreaterOrEqual(t, light, 50)
		assert.LessOrEqual(t, light, 70)
	}
}
