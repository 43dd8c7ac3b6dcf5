// Package access implements the layered permission evaluator: explicit
// grants, role permissions, per-resource ACLs, and organization-wide
// policies, consulted in that fixed order. All persisted state goes
// through the encrypted store; the evaluator never touches the
// persistence substrate directly.
package access

import "time"

// Action is the closed set of operations a principal can attempt.
type Action string

const (
	ActionView     Action = "view"
	ActionComment  Action = "comment"
	ActionEdit     Action = "edit"
	ActionDelete   Action = "delete"
	ActionShare    Action = "share"
	ActionDownload Action = "download"

	// ActionAdminAll is the wildcard: a grant or permission carrying it
	// matches any requested action.
	ActionAdminAll Action = "admin_all"
)

// Effect is the outcome an ACL entry or policy rule produces on match.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// PrincipalType classifies whom an ACL entry applies to.
type PrincipalType string

const (
	PrincipalUser  PrincipalType = "user"
	PrincipalRole  PrincipalType = "role"
	PrincipalGroup PrincipalType = "group"
)

// Operator is the closed set of comparison operators usable in
// conditions.
type Operator string

const (
	OpEquals      Operator = "eq"
	OpNotEquals   Operator = "ne"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "gt"
	OpLessThan    Operator = "lt"
)

// Condition is a simple field comparison evaluated against the request
// context.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// PermissionGrant is a direct, per-principal grant. Grants are the
// strongest tier: a matching grant is never overridden by an ACL or
// policy.
type PermissionGrant struct {
	ID           string      `json:"id"`
	PrincipalID  string      `json:"principal_id"`
	ResourceType string      `json:"resource_type"`
	Action       Action      `json:"action"`
	Conditions   []Condition `json:"conditions,omitempty"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`
	GrantedBy    string      `json:"granted_by"`
	GrantedAt    time.Time   `json:"granted_at"`
}

// Expired reports whether the grant is past its expiry at the given time.
func (g *PermissionGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// Permission is one resource-type/action set inside a role.
type Permission struct {
	ResourceType string      `json:"resource_type"`
	Actions      []Action    `json:"actions"`
	Conditions   []Condition `json:"conditions,omitempty"`
}

// Role is a named permission set with a hierarchy level.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Level       int          `json:"level"`
	Permissions []Permission `json:"permissions"`
}

// ACLEntry is one allow/deny line in a resource's access-control list.
type ACLEntry struct {
	PrincipalID   string        `json:"principal_id"`
	PrincipalType PrincipalType `json:"principal_type"`
	Effect        Effect        `json:"effect"`
	Actions       []Action      `json:"actions"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
}

// Expired reports whether the entry is past its expiry at the given time.
func (e *ACLEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// ACL is an ordered, per-resource list of entries plus a default effect.
// Entries are evaluated in insertion order; the first matching
// non-expired entry wins; if none match, DefaultEffect applies.
type ACL struct {
	ResourceID    string     `json:"resource_id"`
	Entries       []ACLEntry `json:"entries"`
	DefaultEffect Effect     `json:"default_effect"`
}

// PolicyRule is a resource/action/condition matcher with an effect,
// evaluated after grants, roles, and ACLs.
type PolicyRule struct {
	ID           string      `json:"id"`
	ResourceType string      `json:"resource_type"`
	Actions      []Action    `json:"actions"`
	Effect       Effect      `json:"effect"`
	Conditions   []Condition `json:"conditions,omitempty"`
}

// Policy is a named, ordered rule list. Inactive policies are skipped.
type Policy struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Active bool         `json:"active"`
	Rules  []PolicyRule `json:"rules"`
}

// Request is one "may principal P perform action A on resource R"
// question.
type Request struct {
	ResourceID   string
	ResourceType string
	Action       Action
	PrincipalID  string
	Roles        []string
	Groups       []string
	Context      map[string]any
}

// Tag names the tier that produced a decision.
type Tag string

const (
	TagExplicit Tag = "explicit"
	TagRole     Tag = "role"
	TagACL      Tag = "acl"
	TagPolicy   Tag = "policy"
	TagNone     Tag = "none"
)

// Decision is the evaluator's answer. Denials are results, not errors:
// callers are expected to branch on Granted and Reason.
type Decision struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason"`
	Policy  Tag    `json:"policy"`
}

// Decision reasons.
const (
	ReasonExplicitGrant  = "explicit_grant"
	ReasonRolePermission = "role_permission"
	ReasonACLAllow       = "acl_allow"
	ReasonACLDeny        = "acl_deny"
	ReasonACLDefault     = "acl_default"
	ReasonPolicyAllow    = "policy_allow"
	ReasonPolicyDeny     = "policy_deny"
	ReasonNoMatch        = "no_matching_permission"
)

// AuditRecord is an immutable trace of one grant/revoke/ACL/policy
// mutation. Evaluation reads are deliberately not audited.
type AuditRecord struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id"`
	Action      string    `json:"action"`
	Target      string    `json:"target"`
	Timestamp   time.Time `json:"timestamp"`
}
