// Package auth issues and verifies session tokens and runs the
// passcode login flow (RequestAuth / DoAuth).
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated caller decoded from a session token.
type Identity struct {
	UserID   string
	DeviceID string
}

// Subject renders the token subject, "<device_id>/<user_id>".
func (id Identity) Subject() string {
	return id.DeviceID + "/" + id.UserID
}

// ParseSubject decodes a token subject. Exactly two non-empty
// slash-separated parts are accepted; anything else is malformed.
func ParseSubject(sub string) (Identity, error) {
	parts := strings.Split(sub, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Identity{}, fmt.Errorf("malformed token subject %q", sub)
	}
	return Identity{DeviceID: parts[0], UserID: parts[1]}, nil
}

// Manager mints and verifies HMAC-SHA256 session tokens. Claims are
// kept to {sub, iat, exp}; everything else about the session lives
// server-side.
type Manager struct {
	secret []byte
}

// NewManager builds a token manager over the shared HMAC secret.
func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret)}
}

// Issue mints a token for identity valid for lifetime from now.
func (m *Manager) Issue(identity Identity, lifetime time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   identity.Subject(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry and returns the caller
// identity. Only HMAC-family tokens are accepted; an attacker must not
// be able to pick the verification algorithm.
func (m *Manager) Verify(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&jwt.RegisteredClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
	)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return Identity{}, errors.New("invalid token claims")
	}

	return ParseSubject(claims.Subject)
}
