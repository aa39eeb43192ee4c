package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
	"github.com/platinummonkey/releasegate/pkg/audit"
	"github.com/platinummonkey/releasegate/pkg/profile"
	"github.com/platinummonkey/releasegate/pkg/rbac"
	"github.com/platinummonkey/releasegate/pkg/reqctx"
	"github.com/platinummonkey/releasegate/pkg/uiperm"
)

const (
	tableProfiles            = "profiles"
	tablePermissionOverrides = "permission_overrides"
	tableUIOverrides         = "ui_permission_overrides"

	// superAdminLockKey serializes every change that counts active super
	// admins: bootstrap, demotion and deactivation.
	superAdminLockKey int64 = 0x72656c67617465
)

// ErrAlreadyBootstrapped is returned when an active super admin already exists
var ErrAlreadyBootstrapped = fmt.Errorf("super admin already exists: %w", apperrors.ErrConflict)

// ErrLastSuperAdmin is returned when a change would leave no active super admin
var ErrLastSuperAdmin = fmt.Errorf("cannot remove the last active super admin: %w", apperrors.ErrConflict)

// Service administers profiles and their permission and UI overrides. Every
// write is audited in the same unit of work.
type Service struct {
	profiles  *profile.Store
	overrides *rbac.Store
	ui        *uiperm.Store
	resolver  *rbac.Resolver
	uow       *audit.UnitOfWork
	recorder  *audit.Recorder
	now       func() time.Time
}

// NewService creates a new admin service
func NewService(profiles *profile.Store, overrides *rbac.Store, ui *uiperm.Store, resolver *rbac.Resolver, uow *audit.UnitOfWork, recorder *audit.Recorder) *Service {
	return &Service{
		profiles:  profiles,
		overrides: overrides,
		ui:        ui,
		resolver:  resolver,
		uow:       uow,
		recorder:  recorder,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ListUsers returns every profile
func (s *Service) ListUsers(ctx context.Context, rc *reqctx.Context) ([]profile.Subject, error) {
	if err := s.resolver.Require(ctx, rc, rbac.ResourceUsers, rbac.ActionRead); err != nil {
		return nil, err
	}
	subjects, err := s.profiles.List(ctx)
	if err != nil {
		return nil, err
	}
	if subjects == nil {
		subjects = []profile.Subject{}
	}
	return subjects, nil
}

// ListOverrides returns the stored permission overrides of a subject
func (s *Service) ListOverrides(ctx context.Context, rc *reqctx.Context, subjectID string) ([]rbac.Override, error) {
	if err := s.resolver.Require(ctx, rc, rbac.ResourceUsers, rbac.ActionManage); err != nil {
		return nil, err
	}
	overrides, err := s.overrides.List(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if overrides == nil {
		overrides = []rbac.Override{}
	}
	return overrides, nil
}

// EffectivePermissions returns the resolved matrix of every (resource, action)
// for a subject, as the admin screen shows it.
func (s *Service) EffectivePermissions(ctx context.Context, rc *reqctx.Context, subjectID string) ([]rbac.Decision, error) {
	if err := s.resolver.Require(ctx, rc, rbac.ResourceUsers, rbac.ActionManage); err != nil {
		return nil, err
	}
	subject, err := s.profiles.Get(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return s.resolver.Matrix(ctx, subject)
}

// SetOverride stores an override of one permission for a subject. The last
// write wins and each write is audited.
func (s *Service) SetOverride(ctx context.Context, rc *reqctx.Context, subjectID string, p rbac.Permission, allowed bool) (*rbac.Override, error) {
	if err := s.resolver.Require(ctx, rc, rbac.ResourceUsers, rbac.ActionManage); err != nil {
		return nil, err
	}
	if !p.Valid() {
		return nil, fmt.Errorf("unknown permission %s: %w", p, apperrors.ErrInvalidInput)
	}

	o := &rbac.Override{
		SubjectID: subjectID,
		Resource:  p.Resource,
		Action:    p.Action,
		Allowed:   allowed,
		UpdatedAt: s.now(),
		UpdatedBy: rc.SubjectID(),
	}

	err := s.uow.Do(ctx, func(tx *sql.Tx) error {
		if _, err := s.profiles.GetForUpdate(ctx, tx, subjectID); err != nil {
			return err
		}
		old, err := s.overrides.GetForUpdate(ctx, tx, subjectID, p)
		if err != nil {
			return err
		}
		if err := s.overrides.Upsert(ctx, tx, o); err != nil {
			return err
		}

		op := audit.OperationUpdate
		if old == nil {
			op = audit.OperationInsert
		}
		_, err = s.recorder.Record(ctx, tx, rc, audit.Entry{
			Operation:   op,
			TableName:   tablePermissionOverrides,
			RecordID:    overrideRecordID(subjectID, p.String()),
			OldValues:   old.AuditValues(),
			NewValues:   o.AuditValues(),
			Description: fmt.Sprintf("set %s to %t", p, allowed),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.forgetIfSelf(rc, subjectID)
	return o, nil
}

// ResetOverride removes an override so the role default applies again. It
// reports whether an override existed.
func (s *Service) ResetOverride(ctx context.Context, rc *reqctx.Context, subjectID string, p rbac.Permission) (bool, error) {
	if err := s.resolver.Require(ctx, rc, rbac.ResourceUsers, rbac.ActionManage); err != nil {
		return false, err
	}
	if !p.Valid() {
		return false, fmt.Errorf("unknown permission %s: %w", p, apperrors.ErrInvalidInput)
	}

	removed := false
	err := s.uow.Do(ctx, func(tx *sql.Tx) error {
		old, err := s.overrides.GetForUpdate(ctx, tx, subjectID, p)
		if err != nil || old == nil {
			return err
		}
		if removed, err = s.overrides.Delete(ctx, tx, subjectID, p); err != nil {
			return err
		}
		_, err = s.recorder.Record(ctx, tx, rc, audit.Entry{
			Operation:   audit.OperationDelete,
			TableName:   tablePermissionOverrides,
			RecordID:    overrideRecordID(subjectID, p.String()),
			OldValues:   old.AuditValues(),
			Description: fmt.Sprintf("reset %s to role default", p),
		})
		return err
	})
	if err != nil {
		return false, err
	}

	s.forgetIfSelf(rc, subjectID)
	return removed, nil
}

// SetUIOverride stores a visible/enabled override of one UI element. An
// element cannot be enabled while hidden.
func (s *Service) SetUIOverride(ctx context.Context, rc *reqctx.Context, subjectID, key string, visible, enabled bool) (*uiperm.Override, error) {
	if err := s.resolver.Require(ctx, rc, rbac.ResourceUsers, rbac.ActionManage); err != nil {
		return nil, err
	}
	if enabled && !visible {
		return nil, fmt.Errorf("element %s cannot be enabled while hidden: %w", key, apperrors.ErrInvalidInput)
	}

	var o *uiperm.Override
	err := s.uow.Do(ctx, func(tx *sql.Tx) error {
		if _, err := s.profiles.GetForUpdate(ctx, tx, subjectID); err != nil {
			return err
		}
		element, err := s.ui.ElementByKey(ctx, tx, key)
		if err != nil {
			return err
		}
		old, err := s.ui.GetForUpdate(ctx, tx, subjectID, element)
		if err != nil {
			return err
		}

		o = &uiperm.Override{
			SubjectID:  subjectID,
			ElementID:  element.ID,
			ElementKey: element.Key,
			Visible:    visible,
			Enabled:    enabled,
			UpdatedAt:  s.now(),
			UpdatedBy:  rc.SubjectID(),
		}
		if err := s.ui.Upsert(ctx, tx, o); err != nil {
			return err
		}

		op := audit.OperationUpdate
		if old == nil {
			op = audit.OperationInsert
		}
		_, err = s.recorder.Record(ctx, tx, rc, audit.Entry{
			Operation: op,
			TableName: tableUIOverrides,
			RecordID:  overrideRecordID(subjectID, key),
			OldValues: old.AuditValues(),
			NewValues: o.AuditValues(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ResetUIOverride removes a UI element override. It reports whether one
// existed.
func (s *Service) ResetUIOverride(ctx context.Context, rc *reqctx.Context, subjectID, key string) (bool, error) {
	if err := s.resolver.Require(ctx, rc, rbac.ResourceUsers, rbac.ActionManage); err != nil {
		return false, err
	}

	removed := false
	err := s.uow.Do(ctx, func(tx *sql.Tx) error {
		element, err := s.ui.ElementByKey(ctx, tx, key)
		if err != nil {
			return err
		}
		old, err := s.ui.GetForUpdate(ctx, tx, subjectID, element)
		if err != nil || old == nil {
			return err
		}
		if removed, err = s.ui.Delete(ctx, tx, subjectID, element.ID); err != nil {
			return err
		}
		_, err = s.recorder.Record(ctx, tx, rc, audit.Entry{
			Operation: audit.OperationDelete,
			TableName: tableUIOverrides,
			RecordID:  overrideRecordID(subjectID, key),
			OldValues: old.AuditValues(),
		})
		return err
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// SetRole changes a subject's role. Granting super_admin requires a super
// admin caller, and the last active super admin cannot be demoted.
func (s *Service) SetRole(ctx context.Context, rc *reqctx.Context, subjectID string, role profile.Role) (*profile.Subject, error) {
	if err := s.resolver.Require(ctx, rc, rbac.ResourceUsers, rbac.ActionUpdate); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q: %w", role, apperrors.ErrInvalidInput)
	}
	if role == profile.RoleSuperAdmin && !rc.Subject.IsSuperAdmin() {
		return nil, fmt.Errorf("granting %s: %w", role, apperrors.ErrUnauthorized)
	}

	return s.updateProfile(ctx, rc, subjectID, fmt.Sprintf("set role to %s", role), func(tx *sql.Tx, old *profile.Subject) (*profile.Subject, error) {
		if old.Role == profile.RoleSuperAdmin && !rc.Subject.IsSuperAdmin() {
			return nil, fmt.Errorf("changing a super admin: %w", apperrors.ErrUnauthorized)
		}
		if old.IsSuperAdmin() && role != profile.RoleSuperAdmin {
			if err := s.ensureAnotherSuperAdmin(ctx, tx); err != nil {
				return nil, err
			}
		}
		if err := s.profiles.SetRole(ctx, tx, subjectID, role); err != nil {
			return nil, err
		}
		updated := *old
		updated.Role = role
		return &updated, nil
	})
}

// SetActive activates or deactivates a subject. Deactivated subjects are
// denied everything; profiles are never deleted.
func (s *Service) SetActive(ctx context.Context, rc *reqctx.Context, subjectID string, active bool) (*profile.Subject, error) {
	if err := s.resolver.Require(ctx, rc, rbac.ResourceUsers, rbac.ActionUpdate); err != nil {
		return nil, err
	}

	what := "activate"
	if !active {
		what = "deactivate"
	}
	return s.updateProfile(ctx, rc, subjectID, what, func(tx *sql.Tx, old *profile.Subject) (*profile.Subject, error) {
		if old.Role == profile.RoleSuperAdmin && !rc.Subject.IsSuperAdmin() {
			return nil, fmt.Errorf("changing a super admin: %w", apperrors.ErrUnauthorized)
		}
		if old.IsSuperAdmin() && !active {
			if err := s.ensureAnotherSuperAdmin(ctx, tx); err != nil {
				return nil, err
			}
		}
		if err := s.profiles.SetActive(ctx, tx, subjectID, active); err != nil {
			return nil, err
		}
		updated := *old
		updated.IsActive = active
		return &updated, nil
	})
}

// BootstrapSuperAdmin promotes the profile with email to an active super
// admin. It only succeeds while no active super admin exists and is recorded
// as a system change.
func (s *Service) BootstrapSuperAdmin(ctx context.Context, email string) (*profile.Subject, error) {
	target, err := s.profiles.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	rc := reqctx.System()
	var updated *profile.Subject
	err = s.uow.Do(ctx, func(tx *sql.Tx) error {
		if err := lockSuperAdmins(ctx, tx); err != nil {
			return err
		}
		count, err := s.profiles.CountActiveByRole(ctx, tx, profile.RoleSuperAdmin)
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyBootstrapped
		}

		old, err := s.profiles.GetForUpdate(ctx, tx, target.ID)
		if err != nil {
			return err
		}
		if err := s.profiles.SetRole(ctx, tx, old.ID, profile.RoleSuperAdmin); err != nil {
			return err
		}
		if err := s.profiles.SetActive(ctx, tx, old.ID, true); err != nil {
			return err
		}

		next := *old
		next.Role = profile.RoleSuperAdmin
		next.IsActive = true
		_, err = s.recorder.Record(ctx, tx, rc, audit.Entry{
			Operation:   audit.OperationUpdate,
			TableName:   tableProfiles,
			RecordID:    old.ID,
			OldValues:   old.AuditValues(),
			NewValues:   next.AuditValues(),
			Description: "bootstrap super admin",
			Tags:        []string{"bootstrap"},
		})
		updated = &next
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) updateProfile(ctx context.Context, rc *reqctx.Context, subjectID, description string, apply func(tx *sql.Tx, old *profile.Subject) (*profile.Subject, error)) (*profile.Subject, error) {
	var updated *profile.Subject
	err := s.uow.Do(ctx, func(tx *sql.Tx) error {
		old, err := s.profiles.GetForUpdate(ctx, tx, subjectID)
		if err != nil {
			return err
		}
		next, err := apply(tx, old)
		if err != nil {
			return err
		}
		_, err = s.recorder.Record(ctx, tx, rc, audit.Entry{
			Operation:   audit.OperationUpdate,
			TableName:   tableProfiles,
			RecordID:    subjectID,
			OldValues:   old.AuditValues(),
			NewValues:   next.AuditValues(),
			Description: description,
		})
		updated = next
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// lockSuperAdmins holds a transaction-scoped advisory lock so two concurrent
// demotions cannot each count the other's super admin and both commit.
func lockSuperAdmins(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, superAdminLockKey); err != nil {
		return fmt.Errorf("failed to acquire super admin lock: %w", err)
	}
	return nil
}

func (s *Service) ensureAnotherSuperAdmin(ctx context.Context, tx *sql.Tx) error {
	if err := lockSuperAdmins(ctx, tx); err != nil {
		return err
	}
	count, err := s.profiles.CountActiveByRole(ctx, tx, profile.RoleSuperAdmin)
	if err != nil {
		return err
	}
	if count <= 1 {
		return ErrLastSuperAdmin
	}
	return nil
}

// forgetIfSelf drops the caller's memoized overrides when they edited their
// own, so the rest of the request sees the new value.
func (s *Service) forgetIfSelf(rc *reqctx.Context, subjectID string) {
	if id := rc.SubjectID(); id != nil && *id == subjectID {
		rc.Forget(rbac.OverridesMemoKey(subjectID))
	}
}

func overrideRecordID(subjectID, key string) string {
	return subjectID + ":" + key
}

// IsAlreadyBootstrapped reports whether err means a super admin already exists
func IsAlreadyBootstrapped(err error) bool {
	return errors.Is(err, ErrAlreadyBootstrapped)
}
