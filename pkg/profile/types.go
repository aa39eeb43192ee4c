package profile

import (
	"strings"
	"time"
)

// Role is a subject's position in the fixed role hierarchy
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleManager    Role = "manager"
	RoleEditor     Role = "editor"
	RoleViewer     Role = "viewer"
)

// roleRanks orders roles from least to most privileged. Unknown roles rank 0.
var roleRanks = map[Role]int{
	RoleViewer:     1,
	RoleEditor:     2,
	RoleManager:    3,
	RoleAdmin:      4,
	RoleSuperAdmin: 5,
}

// Roles lists every role from most to least privileged
var Roles = []Role{RoleSuperAdmin, RoleAdmin, RoleManager, RoleEditor, RoleViewer}

// ParseRole parses a stored role name. Unknown names are rejected rather than
// mapped to any default.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	_, ok := roleRanks[r]
	return r, ok
}

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	_, ok := roleRanks[r]
	return ok
}

// Rank returns the role's position in the hierarchy (higher is more privileged)
func (r Role) Rank() int {
	return roleRanks[r]
}

// AtLeast reports whether r is at or above other. Unknown roles are never at
// least anything.
func (r Role) AtLeast(other Role) bool {
	return r.Valid() && r.Rank() >= other.Rank()
}

// Subject is the profile of an authenticated identity
type Subject struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	Role        Role       `json:"role"`
	Department  *string    `json:"department,omitempty"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// IsSuperAdmin reports whether the subject is an active super admin
func (s *Subject) IsSuperAdmin() bool {
	return s != nil && s.IsActive && s.Role == RoleSuperAdmin
}

// AuditValues returns the subject fields recorded in audit old/new values
func (s *Subject) AuditValues() map[string]interface{} {
	if s == nil {
		return nil
	}
	values := map[string]interface{}{
		"id":           s.ID,
		"email":        s.Email,
		"display_name": s.DisplayName,
		"role":         string(s.Role),
		"is_active":    s.IsActive,
	}
	if s.Department != nil {
		values["department"] = *s.Department
	}
	return values
}

// Identity is what the identity provider asserts about a caller
type Identity struct {
	Subject   string    `json:"sub"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expires_at"`
}
