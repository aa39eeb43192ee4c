// Package rbac is the authoritative permission gate.
//
// A decision for (subject, resource, action) is made in strict order:
//
//  1. absent or inactive subject: deny
//  2. super_admin: allow, ignoring any stored override
//  3. a per-subject override for (resource, action): its value, in either direction
//  4. the static role-default table; anything missing from it is denied
//
// Resources are versions, clients, modules, audit, users and reports. Actions
// are create, read, update, delete, manage and export. Both are typed string
// enums; Permission{Resource, Action} is the composite key used by the
// role-default table and by override lookups, so an unknown name can never
// match an entry and always denies.
//
// # Usage
//
//	resolver := rbac.NewResolver(rbac.NewStore(db), metrics)
//	if err := resolver.Require(ctx, rc, rbac.ResourceVersions, rbac.ActionDelete); err != nil {
//		return err
//	}
//
// As HTTP middleware:
//
//	router.Handle("/audit/logs", rbac.RequirePermission(resolver, rbac.ResourceAudit, rbac.ActionRead)(h))
//
// If overrides cannot be read, Check returns false and an error wrapping
// apperrors.ErrOverrideStoreUnavailable. There is no degraded mode here.
//
// Overrides are read once per request through the reqctx memo and never
// cached across requests.
package rbac
