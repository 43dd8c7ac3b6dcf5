package sharing

import (
	"context"
	"fmt"
	"time"

	"github.com/docvault/docvault/internal/access"
	"github.com/docvault/docvault/internal/common"
	"github.com/docvault/docvault/internal/cryptox"
	"github.com/docvault/docvault/internal/keystore"
	"github.com/docvault/docvault/internal/logging"
	"github.com/google/uuid"
)

const (
	descKeyPrefix  = "share/desc/"
	tokenKeyPrefix = "share/token/"

	// DefaultTTL bounds shares whose config leaves the lifetime zero.
	// Links are never issued without an expiry.
	DefaultTTL = 7 * 24 * time.Hour

	// DefaultSessionTTL bounds the post-access session token.
	DefaultSessionTTL = 15 * time.Minute
)

// ResourceChecker reports whether the shared resource still exists. Used
// to distinguish resource_gone from not_found.
type ResourceChecker func(ctx context.Context, resourceID string) (bool, error)

// Service owns the share-descriptor lifecycle. All persistence goes
// through the encrypted store; the access evaluator is consulted for
// principal-level deny overrides on access.
type Service struct {
	store     *keystore.Store
	evaluator *access.Evaluator
	logger    logging.Logger

	resourceExists ResourceChecker
	sessionSecret  []byte
	sessionTTL     time.Duration
	defaultTTL     time.Duration
	now            func() time.Time
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithResourceChecker installs the resource-existence callback.
func WithResourceChecker(fn ResourceChecker) ServiceOption {
	return func(s *Service) { s.resourceExists = fn }
}

// WithSessionTTL overrides the session-token lifetime.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.sessionTTL = ttl }
}

// WithDefaultTTL overrides the default share lifetime.
func WithDefaultTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.defaultTTL = ttl }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a sharing Service. sessionSecret signs the
// short-lived access-session tokens handed out on successful access.
func NewService(store *keystore.Store, evaluator *access.Evaluator, sessionSecret []byte, logger logging.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:         store,
		evaluator:     evaluator,
		logger:        logger.With("component", "sharing"),
		sessionSecret: sessionSecret,
		sessionTTL:    DefaultSessionTTL,
		defaultTTL:    DefaultTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateShare issues a new shareable link for resourceID. The returned
// descriptor starts active with a zero access count.
func (s *Service) CreateShare(ctx context.Context, resourceID, createdBy string, cfg Config) (*Descriptor, error) {
	id, err := cryptox.NewID("share")
	if err != nil {
		return nil, err
	}
	token, err := cryptox.NewToken(32)
	if err != nil {
		return nil, err
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	expiresAt := s.now().Add(ttl)

	desc := &Descriptor{
		ID:             id,
		ResourceID:     resourceID,
		Token:          token,
		Permissions:    cfg.Permissions,
		CreatedBy:      createdBy,
		CreatedAt:      s.now(),
		ExpiresAt:      &expiresAt,
		MaxAccessCount: cfg.MaxAccessCount,
		IsActive:       true,
		AccessLog:      []LogEntry{},
	}
	if len(desc.Permissions) == 0 {
		desc.Permissions = []access.Action{access.ActionView}
	}

	if cfg.Password != "" {
		hash, err := cryptox.HashPassword([]byte(cfg.Password))
		if err != nil {
			return nil, err
		}
		desc.PasswordHash = hash
	}

	if err := s.persist(ctx, desc); err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, tokenKeyPrefix+token, id, nil); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "share created",
		"share_id", desc.ID, "resource_id", resourceID,
		"protected", desc.Protected(), "expires_at", expiresAt)
	return desc, nil
}

// ValidateShare is the pure read-only check. The precedence is fixed:
// existence → active → not expired → access budget → password. The first
// failing check short-circuits with its specific reason.
func (s *Service) ValidateShare(ctx context.Context, token, password string) (*ValidationResult, error) {
	desc, err := s.byToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if desc == nil {
		return &ValidationResult{Reason: ReasonNotFound}, nil
	}

	if reason := s.gate(desc, password); reason != ReasonNone {
		return &ValidationResult{Share: desc, Reason: reason}, nil
	}
	return &ValidationResult{Valid: true, Share: desc}, nil
}

// gate applies the descriptor-level checks shared by validation and
// access, returning the first failing reason.
func (s *Service) gate(desc *Descriptor, password string) Reason {
	switch {
	case !desc.IsActive:
		return ReasonRevoked
	case desc.Expired(s.now()):
		return ReasonExpired
	case desc.Exhausted():
		return ReasonAccessExhausted
	case desc.Protected() && password == "":
		return ReasonRequiresPassword
	case desc.Protected() && !cryptox.VerifyPassword([]byte(password), desc.PasswordHash):
		return ReasonInvalidCredentials
	}
	return ReasonNone
}

// AccessShare re-runs validation and, on success, appends a success log
// entry, bumps the access counter, and mints a session token. Failures
// against an existing descriptor are logged too (audit trail), without
// touching the counter.
func (s *Service) AccessShare(ctx context.Context, token, principal, password, sourceHint string) (*AccessResult, error) {
	desc, err := s.byToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if desc == nil {
		return &AccessResult{Reason: ReasonNotFound}, nil
	}

	if reason := s.gate(desc, password); reason != ReasonNone {
		if err := s.logAttempt(ctx, desc, principal, string(reason), sourceHint); err != nil {
			return nil, err
		}
		return &AccessResult{Reason: reason}, nil
	}

	// Principal-level overrides: an explicit ACL or policy deny for this
	// principal blocks the share even with a valid token. The evaluator's
	// default "nothing matched" denial does not.
	if s.evaluator != nil && principal != "" {
		action := access.ActionView
		if len(desc.Permissions) > 0 {
			action = desc.Permissions[0]
		}
		decision, err := s.evaluator.CheckAccess(ctx, &access.Request{
			ResourceID:   desc.ResourceID,
			ResourceType: "document",
			Action:       action,
			PrincipalID:  principal,
		})
		if err != nil {
			return nil, err
		}
		if !decision.Granted && (decision.Reason == access.ReasonACLDeny || decision.Reason == access.ReasonPolicyDeny) {
			if err := s.logAttempt(ctx, desc, principal, string(ReasonUnauthorized), sourceHint); err != nil {
				return nil, err
			}
			return &AccessResult{Reason: ReasonUnauthorized}, nil
		}
	}

	if s.resourceExists != nil {
		exists, err := s.resourceExists(ctx, desc.ResourceID)
		if err != nil {
			return nil, err
		}
		if !exists {
			if err := s.logAttempt(ctx, desc, principal, string(ReasonResourceGone), sourceHint); err != nil {
				return nil, err
			}
			return &AccessResult{Reason: ReasonResourceGone}, nil
		}
	}

	desc.AccessCount++
	desc.AccessLog = append(desc.AccessLog, s.newLogEntry(principal, OutcomeSuccess, sourceHint))
	if err := s.persist(ctx, desc); err != nil {
		return nil, err
	}

	session, err := NewSessionToken(desc.ID, principal, s.sessionSecret, s.sessionTTL, s.now)
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "share accessed", "share_id", desc.ID, "principal", principal, "access_count", desc.AccessCount)
	return &AccessResult{Success: true, Share: desc, SessionToken: session}, nil
}

// RevokeShare flips the descriptor inactive, unconditionally and
// irreversibly. The descriptor and its log survive for audit. Revoking
// an already-revoked share is a no-op, not an error.
func (s *Service) RevokeShare(ctx context.Context, id string) error {
	desc, err := keystore.Retrieve[Descriptor](ctx, s.store, descKeyPrefix+id)
	if err != nil {
		return err
	}
	if desc == nil {
		return fmt.Errorf("share %s: %w", id, common.ErrNotFound)
	}
	if !desc.IsActive {
		return nil
	}

	desc.IsActive = false
	if err := s.persist(ctx, desc); err != nil {
		return err
	}
	s.logger.Info(ctx, "share revoked", "share_id", id)
	return nil
}

// GetShare returns a descriptor by ID, or nil when absent.
func (s *Service) GetShare(ctx context.Context, id string) (*Descriptor, error) {
	return keystore.Retrieve[Descriptor](ctx, s.store, descKeyPrefix+id)
}

// SharesForResource lists descriptors bound to resourceID.
func (s *Service) SharesForResource(ctx context.Context, resourceID string) ([]*Descriptor, error) {
	keys, err := s.store.Keys(ctx, descKeyPrefix)
	if err != nil {
		return nil, err
	}
	var result []*Descriptor
	for _, k := range keys {
		desc, err := keystore.Retrieve[Descriptor](ctx, s.store, k)
		if err != nil {
			return nil, err
		}
		if desc != nil && desc.ResourceID == resourceID {
			result = append(result, desc)
		}
	}
	return result, nil
}

// CleanupExpiredShares deactivates every descriptor past its expiry or
// at/over its access budget and returns the number deactivated.
func (s *Service) CleanupExpiredShares(ctx context.Context) (int, error) {
	keys, err := s.store.Keys(ctx, descKeyPrefix)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, k := range keys {
		desc, err := keystore.Retrieve[Descriptor](ctx, s.store, k)
		if err != nil {
			return count, err
		}
		if desc == nil || !desc.IsActive {
			continue
		}
		if desc.Expired(s.now()) || desc.Exhausted() {
			desc.IsActive = false
			if err := s.persist(ctx, desc); err != nil {
				return count, err
			}
			count++
		}
	}
	if count > 0 {
		s.logger.Info(ctx, "expired shares deactivated", "count", count)
	}
	return count, nil
}

// Stats derives analytics from the access log on read. The log is the
// single source of truth; nothing here is a separately-maintained
// counter that could drift.
func (s *Service) Stats(ctx context.Context, id string) (*Stats, error) {
	desc, err := s.GetShare(ctx, id)
	if err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, fmt.Errorf("share %s: %w", id, common.ErrNotFound)
	}

	stats := &Stats{
		AccessesByDay:    map[string]int{},
		AccessesBySource: map[string]int{},
	}
	seen := map[string]struct{}{}
	for i := range desc.AccessLog {
		entry := &desc.AccessLog[i]
		if entry.Outcome != OutcomeSuccess {
			stats.FailedAttempts++
			continue
		}
		stats.TotalAccesses++
		if _, ok := seen[entry.Principal]; !ok {
			seen[entry.Principal] = struct{}{}
			stats.UniqueAccessors++
		}
		stats.AccessesByDay[entry.Timestamp.Format("2006-01-02")]++
		if entry.SourceHint != "" {
			stats.AccessesBySource[entry.SourceHint]++
		}
		ts := entry.Timestamp
		if stats.LastAccessedAt == nil || ts.After(*stats.LastAccessedAt) {
			stats.LastAccessedAt = &ts
		}
	}
	return stats, nil
}

// Reconcile verifies that the descriptor's fast-path counter matches the
// number of successful log entries, repairing the counter from the log
// when they disagree.
func (s *Service) Reconcile(ctx context.Context, id string) (bool, error) {
	desc, err := s.GetShare(ctx, id)
	if err != nil {
		return false, err
	}
	if desc == nil {
		return false, fmt.Errorf("share %s: %w", id, common.ErrNotFound)
	}

	successes := 0
	for i := range desc.AccessLog {
		if desc.AccessLog[i].Outcome == OutcomeSuccess {
			successes++
		}
	}
	if successes == desc.AccessCount {
		return true, nil
	}

	s.logger.Warn(ctx, "access counter drift repaired from log",
		"share_id", id, "counter", desc.AccessCount, "log", successes)
	desc.AccessCount = successes
	return false, s.persist(ctx, desc)
}

// PruneAccessLog trims the log to its most recent keep entries.
func (s *Service) PruneAccessLog(ctx context.Context, id string, keep int) error {
	desc, err := s.GetShare(ctx, id)
	if err != nil {
		return err
	}
	if desc == nil {
		return fmt.Errorf("share %s: %w", id, common.ErrNotFound)
	}
	if keep < 0 || len(desc.AccessLog) <= keep {
		return nil
	}
	desc.AccessLog = append([]LogEntry{}, desc.AccessLog[len(desc.AccessLog)-keep:]...)
	return s.persist(ctx, desc)
}

func (s *Service) byToken(ctx context.Context, token string) (*Descriptor, error) {
	id, err := keystore.Retrieve[string](ctx, s.store, tokenKeyPrefix+token)
	if err != nil || id == nil {
		return nil, err
	}
	return keystore.Retrieve[Descriptor](ctx, s.store, descKeyPrefix+*id)
}

func (s *Service) persist(ctx context.Context, desc *Descriptor) error {
	return s.store.Put(ctx, descKeyPrefix+desc.ID, desc, nil)
}

func (s *Service) logAttempt(ctx context.Context, desc *Descriptor, principal, outcome, sourceHint string) error {
	desc.AccessLog = append(desc.AccessLog, s.newLogEntry(principal, outcome, sourceHint))
	return s.persist(ctx, desc)
}

func (s *Service) newLogEntry(principal, outcome, sourceHint string) LogEntry {
	return LogEntry{
		ID:         uuid.NewString(),
		Principal:  principal,
		Timestamp:  s.now(),
		Action:     "access",
		Outcome:    outcome,
		SourceHint: sourceHint,
	}
}
