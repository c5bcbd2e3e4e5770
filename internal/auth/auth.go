// Package auth implements the Session Supervisor's authenticate step
// (spec §4.7): verifying the token a client presents on its first control
// message and resolving it to a user id before any other message is honored.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrAuthDisabled = errors.New("auth: verifier has no secret configured")
	ErrInvalidToken = errors.New("auth: invalid or expired token")
)

// Verifier resolves a bearer token to a user id. The Supervisor calls it
// exactly once per session, on the first control message.
type Verifier interface {
	Verify(token string) (userID string, err error)
}

// JWTVerifier is the default Verifier: HS256, a configured secret and
// expiry, subject claim carries the user id.
type JWTVerifier struct {
	secret []byte
	expiry time.Duration
}

func NewJWTVerifier(secret string, expiry time.Duration) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), expiry: expiry}
}

type claims struct {
	jwt.RegisteredClaims
}

// Issue signs a token for userID, for use by whatever external system hands
// clients their session tokens.
func (v *JWTVerifier) Issue(userID string) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", ErrAuthDisabled
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("auth: user id required")
	}

	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}}
	if v.expiry > 0 {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(v.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(v.secret)
}

func (v *JWTVerifier) Verify(token string) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	userID := strings.TrimSpace(c.Subject)
	if userID == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}
