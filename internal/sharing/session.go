package sharing

import (
	"errors"
	"time"

	"github.com/docvault/docvault/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims binds an access session to one share and principal.
type SessionClaims struct {
	jwt.RegisteredClaims
	ShareID   string `json:"share_id"`
	Principal string `json:"principal"`
}

// NewSessionToken mints a short-lived HS256 token handed out after a
// successful share access, so follow-up requests don't re-present the
// share password.
func NewSessionToken(shareID, principal string, secret []byte, ttl time.Duration, now func() time.Time) (string, error) {
	issued := now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
		},
		ShareID:   shareID,
		Principal: principal,
	})
	return token.SignedString(secret)
}

// VerifySessionToken parses and validates a session token. Expired tokens
// yield common.ErrTokenExpired; any other defect yields
// common.ErrInvalidToken.
func VerifySessionToken(tokenString string, secret []byte, now func() time.Time) (*SessionClaims, error) {
	claims := &SessionClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrTokenExpired
		}
		return nil, common.ErrInvalidToken
	}
	if !token.Valid {
		return nil, common.ErrInvalidToken
	}
	return claims, nil
}
