// Package uiperm resolves visible/enabled hints for UI elements.
//
// Elements come from a static catalog (catalog.yaml, embedded and synced into
// ui_elements at startup). Resolution layers mirror the permission resolver:
// inactive subjects see nothing, super admins see every known element, a
// per-subject override wins next, and otherwise a pattern table keyed on the
// element key decides. Enabled never holds without Visible, whatever is
// stored.
//
// When the database cannot be read the resolver falls back to the embedded
// catalog and pattern table, disables every mutating element, and flags the
// result as degraded. These hints only drive rendering; mutations are always
// gated by rbac.Resolver.
package uiperm
