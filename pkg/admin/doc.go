// Package admin manages profiles, permission overrides and UI overrides.
// Callers need users.manage for overrides and users.update for role and
// active changes; every change is written with its audit record in one unit
// of work.
package admin
