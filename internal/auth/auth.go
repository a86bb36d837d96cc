// Package auth resolves bearer credentials into verified principals.
//
// Credential issuance lives outside this service; the gateway only consumes
// tokens. The package also assigns the per-user display color used for
// remote cursors when the credential does not carry one.
package auth

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for missing, malformed or expired credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Principal is a verified identity attached to a connection.
type Principal struct {
	UserID      string
	DisplayName string
	Color       string
}

// Verifier resolves a bearer credential into a Principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// JWTVerifier validates HMAC-signed bearer tokens. Expected claims:
// "sub" (user id, required), "name" (display name), "color" (optional
// preset cursor color).
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, fmt.Errorf("empty token: %w", ErrUnauthorized)
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Principal{}, fmt.Errorf("token rejected: %w", ErrUnauthorized)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, fmt.Errorf("unexpected claims shape: %w", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, fmt.Errorf("missing sub claim: %w", ErrUnauthorized)
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name = "User-" + shortID(sub)
	}
	color, _ := claims["color"].(string)

	return Principal{UserID: sub, DisplayName: name, Color: color}, nil
}

// AnonymousVerifier accepts any non-empty token and treats it as the user
// id. Used in dev mode and tests; never in production deployments.
type AnonymousVerifier struct{}

func (AnonymousVerifier) Verify(_ context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, fmt.Errorf("empty token: %w", ErrUnauthorized)
	}
	return Principal{
		UserID:      token,
		DisplayName: "User-" + shortID(token),
	}, nil
}

// ColorFor derives a stable HSL cursor color from the user id. Hue spreads
// across the full wheel; saturation stays in 70-95% and lightness in 50-70%
// so every cursor reads well on a dark editor background. The same user gets
// the same color on every node.
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	sum := h.Sum32()

	hue := sum % 360
	sat := 70 + (sum/360)%26    // 70..95
	light := 50 + (sum/9360)%21 // 50..70
	return fmt.Sprintf("hsl(%d, %d%%, %d%%)", hue, sat, light)
}

func shortID(s string) string {
	if len(s) > 4 {
		return s[:4]
	}
	return s
}
