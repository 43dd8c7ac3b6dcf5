// Package sharing implements the shareable-link lifecycle: token issuance,
// password gating, expiration, access-count limits, revocation, and access
// analytics. Descriptors live in the encrypted store; recipients present
// an opaque token and get reason-tagged results back, never bare denials.
package sharing

import (
	"fmt"
	"net/url"
	"time"

	"github.com/docvault/docvault/internal/access"
	"github.com/docvault/docvault/internal/cryptox"
)

// Reason explains why a share validation or access attempt failed. The
// distinct values let calling UIs prompt correctly (password form vs
// "link expired" page) instead of showing a generic dead end.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonNotFound         Reason = "not_found"
	ReasonRevoked          Reason = "revoked"
	ReasonExpired          Reason = "expired"
	ReasonAccessExhausted  Reason = "access_exhausted"
	ReasonRequiresPassword Reason = "requires_password"
	// ReasonInvalidCredentials deliberately does not say which part of the
	// credential was wrong.
	ReasonInvalidCredentials Reason = "invalid_credentials"
	// ReasonResourceGone marks a valid token whose resource has since been
	// deleted — a different failure class than a bad token, kept separate
	// for telemetry.
	ReasonResourceGone Reason = "resource_gone"
	ReasonUnauthorized Reason = "unauthorized"
)

// LogEntry is one immutable access-log record. Entries are only ever
// appended, never edited, and are subject to retention pruning.
type LogEntry struct {
	ID         string    `json:"id"`
	Principal  string    `json:"principal"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	SourceHint string    `json:"source_hint,omitempty"`
}

// OutcomeSuccess marks a successful access in the log.
const OutcomeSuccess = "success"

// Descriptor describes one issued shareable link. State machine:
// Active → {Active, Expired, AccessExhausted, Revoked}; terminal states
// are absorbing.
type Descriptor struct {
	ID             string                `json:"id"`
	ResourceID     string                `json:"resource_id"`
	Token          string                `json:"token"`
	PasswordHash   *cryptox.PasswordHash `json:"password_hash,omitempty"`
	Permissions    []access.Action       `json:"permissions"`
	CreatedBy      string                `json:"created_by"`
	CreatedAt      time.Time             `json:"created_at"`
	ExpiresAt      *time.Time            `json:"expires_at,omitempty"`
	MaxAccessCount int                   `json:"max_access_count,omitempty"`
	AccessCount    int                   `json:"access_count"`
	IsActive       bool                  `json:"is_active"`
	AccessLog      []LogEntry            `json:"access_log"`
}

// Expired reports whether the descriptor is past its expiry at the given
// time.
func (d *Descriptor) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && !d.ExpiresAt.After(now)
}

// Exhausted reports whether the access budget is used up. Zero means
// unlimited.
func (d *Descriptor) Exhausted() bool {
	return d.MaxAccessCount > 0 && d.AccessCount >= d.MaxAccessCount
}

// Protected reports whether the share is password-gated.
func (d *Descriptor) Protected() bool {
	return d.PasswordHash != nil
}

// URL renders the share link for the given origin. Password-gated shares
// carry protected=true so the UI can pre-render a password prompt without
// a round trip.
func (d *Descriptor) URL(origin string) string {
	u := fmt.Sprintf("%s/shared/%s?token=%s", origin, url.PathEscape(d.ID), url.QueryEscape(d.Token))
	if d.Protected() {
		u += "&protected=true"
	}
	return u
}

// Config is the caller-supplied share configuration.
type Config struct {
	// Password gates the share when non-empty.
	Password string
	// TTL bounds the share's lifetime. Zero selects the default horizon;
	// shares are never issued without an expiry.
	TTL time.Duration
	// MaxAccessCount caps successful accesses. Zero means unlimited.
	MaxAccessCount int
	// Permissions carried by the link.
	Permissions []access.Action
}

// ValidationResult is the read-only answer of ValidateShare.
type ValidationResult struct {
	Valid  bool        `json:"valid"`
	Share  *Descriptor `json:"share,omitempty"`
	Reason Reason      `json:"reason,omitempty"`
}

// AccessResult is the answer of AccessShare. On success SessionToken
// carries a short-lived signed token the UI can use for follow-up
// requests without re-presenting the share password.
type AccessResult struct {
	Success      bool        `json:"success"`
	Share        *Descriptor `json:"share,omitempty"`
	Reason       Reason      `json:"reason,omitempty"`
	SessionToken string      `json:"session_token,omitempty"`
}

// Stats is computed on read from the access log; the descriptor's
// AccessCount is only a fast-path cache of the same information.
type Stats struct {
	TotalAccesses    int            `json:"total_accesses"`
	UniqueAccessors  int            `json:"unique_accessors"`
	FailedAttempts   int            `json:"failed_attempts"`
	AccessesByDay    map[string]int `json:"accesses_by_day"`
	AccessesBySource map[string]int `json:"accesses_by_source"`
	LastAccessedAt   *time.Time     `json:"last_accessed_at,omitempty"`
}
