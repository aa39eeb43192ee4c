package rbac

import "time"

// Resource is a protected domain area
type Resource string

const (
	ResourceVersions Resource = "versions"
	ResourceClients  Resource = "clients"
	ResourceModules  Resource = "modules"
	ResourceAudit    Resource = "audit"
	ResourceUsers    Resource = "users"
	ResourceReports  Resource = "reports"
)

// Action is an operation on a resource
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionManage Action = "manage"
	ActionExport Action = "export"
)

// Resources lists every known resource in display order
var Resources = []Resource{
	ResourceVersions,
	ResourceClients,
	ResourceModules,
	ResourceAudit,
	ResourceUsers,
	ResourceReports,
}

// Actions lists every known action in display order
var Actions = []Action{
	ActionCreate,
	ActionRead,
	ActionUpdate,
	ActionDelete,
	ActionManage,
	ActionExport,
}

// Valid reports whether r is a known resource
func (r Resource) Valid() bool {
	for _, known := range Resources {
		if r == known {
			return true
		}
	}
	return false
}

// Valid reports whether a is a known action
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// ParseResource parses a resource name; unknown names return false
func ParseResource(s string) (Resource, bool) {
	r := Resource(s)
	return r, r.Valid()
}

// ParseAction parses an action name; unknown names return false
func ParseAction(s string) (Action, bool) {
	a := Action(s)
	return a, a.Valid()
}

// Permission represents a specific permission (resource + action). It is the
// composite key of the role-default table and of override lookups.
type Permission struct {
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`
}

// String returns a string representation of the permission
func (p Permission) String() string {
	return string(p.Resource) + "." + string(p.Action)
}

// Valid reports whether both halves are known
func (p Permission) Valid() bool {
	return p.Resource.Valid() && p.Action.Valid()
}

// Override is a per-subject point override of one permission. It replaces the
// role default for that (resource, action) in both directions.
type Override struct {
	SubjectID string    `json:"subject_id"`
	Resource  Resource  `json:"resource"`
	Action    Action    `json:"action"`
	Allowed   bool      `json:"allowed"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy *string   `json:"updated_by,omitempty"`
}

// Permission returns the override's key
func (o Override) Permission() Permission {
	return Permission{Resource: o.Resource, Action: o.Action}
}

// AuditValues returns the override fields recorded in audit old/new values
func (o *Override) AuditValues() map[string]interface{} {
	if o == nil {
		return nil
	}
	return map[string]interface{}{
		"subject_id": o.SubjectID,
		"resource":   string(o.Resource),
		"action":     string(o.Action),
		"allowed":    o.Allowed,
	}
}

// Overrides is a subject's stored overrides keyed by permission
type Overrides map[Permission]bool

// Lookup returns the stored value for p and whether one exists
func (o Overrides) Lookup(p Permission) (allowed bool, ok bool) {
	allowed, ok = o[p]
	return allowed, ok
}

// Decision is one resolved (resource, action) pair with its origin
type Decision struct {
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`
	Allowed  bool     `json:"allowed"`
	Source   Source   `json:"source"`
}

// Source records which tier produced a decision
type Source string

const (
	SourceInactive    Source = "inactive"
	SourceSuperAdmin  Source = "super_admin"
	SourceOverride    Source = "override"
	SourceRoleDefault Source = "role_default"
	SourceUnknown     Source = "unknown"
)
