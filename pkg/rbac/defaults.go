package rbac

import "github.com/platinummonkey/releasegate/pkg/profile"

// roleDefaults is the static role-default table. A (role, permission) pair
// absent from it is denied. super_admin has no entry because the resolver
// allows it before consulting this table.
var roleDefaults = map[profile.Role]map[Permission]bool{
	profile.RoleViewer: grant(
		perms(ResourceVersions, ActionRead),
		perms(ResourceClients, ActionRead),
		perms(ResourceModules, ActionRead),
		perms(ResourceReports, ActionRead),
	),
	profile.RoleEditor: grant(
		perms(ResourceVersions, ActionCreate, ActionRead, ActionUpdate),
		perms(ResourceClients, ActionCreate, ActionRead, ActionUpdate),
		perms(ResourceModules, ActionCreate, ActionRead, ActionUpdate),
		perms(ResourceReports, ActionRead, ActionExport),
	),
	profile.RoleManager: grant(
		perms(ResourceVersions, ActionCreate, ActionRead, ActionUpdate, ActionDelete),
		perms(ResourceClients, ActionCreate, ActionRead, ActionUpdate, ActionDelete),
		perms(ResourceModules, ActionCreate, ActionRead, ActionUpdate, ActionDelete),
		perms(ResourceAudit, ActionRead),
		perms(ResourceUsers, ActionRead),
		perms(ResourceReports, ActionRead, ActionExport, ActionManage),
	),
	profile.RoleAdmin: grant(
		perms(ResourceVersions, Actions...),
		perms(ResourceClients, Actions...),
		perms(ResourceModules, Actions...),
		perms(ResourceAudit, ActionRead, ActionExport),
		perms(ResourceUsers, ActionCreate, ActionRead, ActionUpdate, ActionManage),
		perms(ResourceReports, Actions...),
	),
}

// RoleDefault returns the role-default value for p. Unknown roles and
// permissions missing from the table are false.
func RoleDefault(role profile.Role, p Permission) bool {
	return roleDefaults[role][p]
}

func perms(resource Resource, actions ...Action) []Permission {
	out := make([]Permission, 0, len(actions))
	for _, action := range actions {
		out = append(out, Permission{Resource: resource, Action: action})
	}
	return out
}

func grant(groups ...[]Permission) map[Permission]bool {
	table := make(map[Permission]bool)
	for _, group := range groups {
		for _, p := range group {
			table[p] = true
		}
	}
	return table
}
