package access

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docvault/docvault/internal/common"
	"github.com/docvault/docvault/internal/keystore"
	"github.com/docvault/docvault/internal/logging"
	"github.com/google/uuid"
)

// Storage keys. Grants and role assignments are keyed per principal,
// roles and ACLs per ID, policies in one ordered list.
const (
	grantKeyPrefix = "access/grant/"
	roleKeyPrefix  = "access/role/"
	rolesKeyPrefix = "access/principal-roles/"
	aclKeyPrefix   = "access/acl/"
	policiesKey    = "access/policies"
	auditKeyPrefix = "access/audit/"
)

// Evaluator answers access questions via a fixed four-tier pipeline:
// explicit grants, then role permissions, then the resource ACL, then
// policies. Explicit per-user grants are strongest; a direct grant is
// never silently overridden by a generic policy. Ties within a tier go
// to the first match in stored order.
type Evaluator struct {
	store  *keystore.Store
	logger logging.Logger
	now    func() time.Time
	seq    atomic.Uint64
}

// NewEvaluator creates an Evaluator over the given encrypted store.
func NewEvaluator(store *keystore.Store, logger logging.Logger) *Evaluator {
	return &Evaluator{
		store:  store,
		logger: logger.With("component", "access"),
		now:    time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// CheckAccess runs the decision pipeline for req. It never returns a
// denial as an error; errors are reserved for storage failures.
func (e *Evaluator) CheckAccess(ctx context.Context, req *Request) (*Decision, error) {
	// Tier 1: explicit grants.
	granted, err := e.checkGrants(ctx, req)
	if err != nil {
		return nil, err
	}
	if granted {
		return &Decision{Granted: true, Reason: ReasonExplicitGrant, Policy: TagExplicit}, nil
	}

	// Tier 2: role permissions.
	granted, err = e.checkRoles(ctx, req)
	if err != nil {
		return nil, err
	}
	if granted {
		return &Decision{Granted: true, Reason: ReasonRolePermission, Policy: TagRole}, nil
	}

	// Tier 3: resource ACL. A present ACL is terminal: its default effect
	// applies when no entry matches.
	decision, err := e.checkACL(ctx, req)
	if err != nil {
		return nil, err
	}
	if decision != nil {
		return decision, nil
	}

	// Tier 4: policies.
	decision, err = e.checkPolicies(ctx, req)
	if err != nil {
		return nil, err
	}
	if decision != nil {
		return decision, nil
	}

	return &Decision{Granted: false, Reason: ReasonNoMatch, Policy: TagNone}, nil
}

func (e *Evaluator) checkGrants(ctx context.Context, req *Request) (bool, error) {
	grants, err := keystore.Retrieve[[]PermissionGrant](ctx, e.store, grantKeyPrefix+req.PrincipalID)
	if err != nil || grants == nil {
		return false, err
	}

	now := e.now()
	for _, g := range *grants {
		if g.Expired(now) {
			continue
		}
		if g.Action != ActionAdminAll {
			if g.Action != req.Action {
				continue
			}
			if g.ResourceType != "" && g.ResourceType != req.ResourceType {
				continue
			}
		}
		if !conditionsMatch(g.Conditions, req.Context) {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (e *Evaluator) principalRoles(ctx context.Context, req *Request) ([]string, error) {
	assigned, err := keystore.Retrieve[[]string](ctx, e.store, rolesKeyPrefix+req.PrincipalID)
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	var roles []string
	for _, set := range [][]string{req.Roles, deref(assigned)} {
		for _, r := range set {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			roles = append(roles, r)
		}
	}
	return roles, nil
}

func (e *Evaluator) checkRoles(ctx context.Context, req *Request) (bool, error) {
	roleIDs, err := e.principalRoles(ctx, req)
	if err != nil {
		return false, err
	}

	for _, id := range roleIDs {
		role, err := keystore.Retrieve[Role](ctx, e.store, roleKeyPrefix+id)
		if err != nil {
			return false, err
		}
		if role == nil {
			continue
		}
		for _, p := range role.Permissions {
			if p.ResourceType != "" && p.ResourceType != req.ResourceType {
				continue
			}
			if !actionMatches(p.Actions, req.Action) {
				continue
			}
			if !conditionsMatch(p.Conditions, req.Context) {
				continue
			}
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) checkACL(ctx context.Context, req *Request) (*Decision, error) {
	acl, err := keystore.Retrieve[ACL](ctx, e.store, aclKeyPrefix+req.ResourceID)
	if err != nil || acl == nil {
		return nil, err
	}

	roleIDs, err := e.principalRoles(ctx, req)
	if err != nil {
		return nil, err
	}

	now := e.now()

	// Principal-specific entries first, then role/group entries, each pass
	// in list order.
	passes := []func(ACLEntry) bool{
		func(en ACLEntry) bool {
			return en.PrincipalType == PrincipalUser && en.PrincipalID == req.PrincipalID
		},
		func(en ACLEntry) bool {
			switch en.PrincipalType {
			case PrincipalRole:
				return contains(roleIDs, en.PrincipalID)
			case PrincipalGroup:
				return contains(req.Groups, en.PrincipalID)
			default:
				return false
			}
		},
	}

	for _, match := range passes {
		for _, en := range acl.Entries {
			if en.Expired(now) || !match(en) || !actionMatches(en.Actions, req.Action) {
				continue
			}
			if en.Effect == EffectAllow {
				return &Decision{Granted: true, Reason: ReasonACLAllow, Policy: TagACL}, nil
			}
			return &Decision{Granted: false, Reason: ReasonACLDeny, Policy: TagACL}, nil
		}
	}

	return &Decision{
		Granted: acl.DefaultEffect == EffectAllow,
		Reason:  ReasonACLDefault,
		Policy:  TagACL,
	}, nil
}

func (e *Evaluator) checkPolicies(ctx context.Context, req *Request) (*Decision, error) {
	policies, err := keystore.Retrieve[[]Policy](ctx, e.store, policiesKey)
	if err != nil || policies == nil {
		return nil, err
	}

	for _, p := range *policies {
		if !p.Active {
			continue
		}
		for _, rule := range p.Rules {
			if rule.ResourceType != "" && rule.ResourceType != req.ResourceType {
				continue
			}
			if !actionMatches(rule.Actions, req.Action) {
				continue
			}
			if !conditionsMatch(rule.Conditions, req.Context) {
				continue
			}
			if rule.Effect == EffectAllow {
				return &Decision{Granted: true, Reason: ReasonPolicyAllow, Policy: TagPolicy}, nil
			}
			return &Decision{Granted: false, Reason: ReasonPolicyDeny, Policy: TagPolicy}, nil
		}
	}
	return nil, nil
}

// GrantPermission appends a direct grant for the principal and audits the
// mutation. The grant ID is generated when empty.
func (e *Evaluator) GrantPermission(ctx context.Context, grantedBy string, grant PermissionGrant) (*PermissionGrant, error) {
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	grant.GrantedBy = grantedBy
	grant.GrantedAt = e.now()

	key := grantKeyPrefix + grant.PrincipalID
	grants, err := keystore.Retrieve[[]PermissionGrant](ctx, e.store, key)
	if err != nil {
		return nil, err
	}
	updated := append(deref(grants), grant)
	if err := e.store.Put(ctx, key, updated, nil); err != nil {
		return nil, err
	}

	if err := e.audit(ctx, grantedBy, "grant_permission", fmt.Sprintf("%s:%s:%s", grant.PrincipalID, grant.ResourceType, grant.Action)); err != nil {
		return nil, err
	}
	return &grant, nil
}

// RevokePermission removes a grant by ID and audits the mutation.
func (e *Evaluator) RevokePermission(ctx context.Context, revokedBy, principalID, grantID string) error {
	key := grantKeyPrefix + principalID
	grants, err := keystore.Retrieve[[]PermissionGrant](ctx, e.store, key)
	if err != nil {
		return err
	}

	remaining := make([]PermissionGrant, 0, len(deref(grants)))
	found := false
	for _, g := range deref(grants) {
		if g.ID == grantID {
			found = true
			continue
		}
		remaining = append(remaining, g)
	}
	if !found {
		return fmt.Errorf("grant %s: %w", grantID, common.ErrNotFound)
	}

	if err := e.store.Put(ctx, key, remaining, nil); err != nil {
		return err
	}
	return e.audit(ctx, revokedBy, "revoke_permission", principalID+":"+grantID)
}

// UpsertRole stores a role definition and audits the mutation.
func (e *Evaluator) UpsertRole(ctx context.Context, actor string, role Role) error {
	if role.ID == "" {
		return fmt.Errorf("role id is required")
	}
	if err := e.store.Put(ctx, roleKeyPrefix+role.ID, role, nil); err != nil {
		return err
	}
	return e.audit(ctx, actor, "upsert_role", role.ID)
}

// AssignRole adds a role to a principal's stored role set.
func (e *Evaluator) AssignRole(ctx context.Context, actor, principalID, roleID string) error {
	key := rolesKeyPrefix + principalID
	assigned, err := keystore.Retrieve[[]string](ctx, e.store, key)
	if err != nil {
		return err
	}
	roles := deref(assigned)
	if !contains(roles, roleID) {
		roles = append(roles, roleID)
		if err := e.store.Put(ctx, key, roles, nil); err != nil {
			return err
		}
	}
	return e.audit(ctx, actor, "assign_role", principalID+":"+roleID)
}

// UnassignRole removes a role from a principal's stored role set.
func (e *Evaluator) UnassignRole(ctx context.Context, actor, principalID, roleID string) error {
	key := rolesKeyPrefix + principalID
	assigned, err := keystore.Retrieve[[]string](ctx, e.store, key)
	if err != nil {
		return err
	}
	remaining := make([]string, 0, len(deref(assigned)))
	for _, r := range deref(assigned) {
		if r != roleID {
			remaining = append(remaining, r)
		}
	}
	if err := e.store.Put(ctx, key, remaining, nil); err != nil {
		return err
	}
	return e.audit(ctx, actor, "unassign_role", principalID+":"+roleID)
}

// SetACL stores the resource's access-control list, replacing any prior
// one, and audits the mutation.
func (e *Evaluator) SetACL(ctx context.Context, actor string, acl ACL) error {
	if acl.ResourceID == "" {
		return fmt.Errorf("acl resource id is required")
	}
	if acl.DefaultEffect == "" {
		acl.DefaultEffect = EffectDeny
	}
	if err := e.store.Put(ctx, aclKeyPrefix+acl.ResourceID, acl, nil); err != nil {
		return err
	}
	return e.audit(ctx, actor, "set_acl", acl.ResourceID)
}

// GetACL returns the resource's ACL, or nil when none is set.
func (e *Evaluator) GetACL(ctx context.Context, resourceID string) (*ACL, error) {
	return keystore.Retrieve[ACL](ctx, e.store, aclKeyPrefix+resourceID)
}

// AddPolicy appends a policy to the ordered policy list.
func (e *Evaluator) AddPolicy(ctx context.Context, actor string, policy Policy) error {
	if policy.ID == "" {
		policy.ID = uuid.NewString()
	}
	policies, err := keystore.Retrieve[[]Policy](ctx, e.store, policiesKey)
	if err != nil {
		return err
	}
	updated := append(deref(policies), policy)
	if err := e.store.Put(ctx, policiesKey, updated, nil); err != nil {
		return err
	}
	return e.audit(ctx, actor, "add_policy", policy.ID)
}

// RemovePolicy deletes a policy by ID.
func (e *Evaluator) RemovePolicy(ctx context.Context, actor, policyID string) error {
	policies, err := keystore.Retrieve[[]Policy](ctx, e.store, policiesKey)
	if err != nil {
		return err
	}
	remaining := make([]Policy, 0, len(deref(policies)))
	found := false
	for _, p := range deref(policies) {
		if p.ID == policyID {
			found = true
			continue
		}
		remaining = append(remaining, p)
	}
	if !found {
		return fmt.Errorf("policy %s: %w", policyID, common.ErrNotFound)
	}
	if err := e.store.Put(ctx, policiesKey, remaining, nil); err != nil {
		return err
	}
	return e.audit(ctx, actor, "remove_policy", policyID)
}

// AuditTrail returns all mutation audit records in insertion order.
func (e *Evaluator) AuditTrail(ctx context.Context) ([]AuditRecord, error) {
	keys, err := e.store.Keys(ctx, auditKeyPrefix)
	if err != nil {
		return nil, err
	}
	records := make([]AuditRecord, 0, len(keys))
	for _, k := range keys {
		rec, err := keystore.Retrieve[AuditRecord](ctx, e.store, k)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, *rec)
		}
	}
	return records, nil
}

func (e *Evaluator) audit(ctx context.Context, principalID, action, target string) error {
	rec := AuditRecord{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Action:      action,
		Target:      target,
		Timestamp:   e.now(),
	}
	// The key carries timestamp plus a per-process sequence so the trail
	// reads back in append order even when timestamps collide.
	key := fmt.Sprintf("%s%020d-%06d", auditKeyPrefix, rec.Timestamp.UnixNano(), e.seq.Add(1))
	if err := e.store.Put(ctx, key, rec, nil); err != nil {
		return err
	}
	e.logger.Info(ctx, "access mutation", "action", action, "principal", principalID, "target", target)
	return nil
}

func actionMatches(actions []Action, want Action) bool {
	for _, a := range actions {
		if a == want || a == ActionAdminAll {
			return true
		}
	}
	return false
}

func conditionsMatch(conds []Condition, ctx map[string]any) bool {
	for _, c := range conds {
		if !conditionMatches(c, ctx) {
			return false
		}
	}
	return true
}

func conditionMatches(c Condition, ctx map[string]any) bool {
	actual, ok := ctx[c.Field]
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return looseEqual(actual, c.Value)
	case OpNotEquals:
		return !looseEqual(actual, c.Value)
	case OpContains:
		return containsValue(actual, c.Value)
	case OpGreaterThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		return aok && bok && a > b
	case OpLessThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		return aok && bok && a < b
	default:
		return false
	}
}

// looseEqual compares values after numeric normalization, since values
// that round-trip through JSON arrive as float64.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func containsValue(actual, want any) bool {
	switch v := actual.(type) {
	case string:
		return strings.Contains(v, fmt.Sprintf("%v", want))
	case []any:
		for _, item := range v {
			if looseEqual(item, want) {
				return true
			}
		}
		return false
	case []string:
		return contains(v, fmt.Sprintf("%v", want))
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func deref[T any](p *[]T) []T {
	if p == nil {
		return nil
	}
	return *p
}
