// Package common defines shared sentinel errors used across the DocVault
// security engine. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Storage-level errors.
	ErrNotFound    = errors.New("not found")
	ErrStoreLocked = errors.New("store is not initialized")

	// Cryptographic errors. ErrCryptoFailure covers an unavailable entropy
	// source and authentication-tag mismatches; it is never silently
	// degraded into a default value.
	ErrCryptoFailure   = errors.New("cryptographic failure")
	ErrInvalidPassword = errors.New("invalid password")

	// Access-control and sharing errors.
	ErrUnauthorized    = errors.New("unauthorized")
	ErrExpired         = errors.New("expired")
	ErrAccessExhausted = errors.New("access count exhausted")
	ErrRevoked         = errors.New("revoked")

	// Generic internal flow control.
	ErrInternal = errors.New("internal error")

	// Token lifecycle errors.
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
