package rbac

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
	"github.com/platinummonkey/releasegate/pkg/observability"
	"github.com/platinummonkey/releasegate/pkg/profile"
	"github.com/platinummonkey/releasegate/pkg/reqctx"
)

// Resolve decides whether subject may perform action on resource. Tiers are
// applied in strict order:
//
//  1. absent or inactive subject: deny
//  2. super_admin: allow, overrides are ignored
//  3. stored override for (resource, action): its value
//  4. role-default table, missing entries deny
//
// Unknown resources or actions deny. Resolve has no side effects.
func Resolve(subject *profile.Subject, overrides Overrides, resource Resource, action Action) Decision {
	d := Decision{Resource: resource, Action: action}

	if subject == nil || !subject.IsActive {
		d.Source = SourceInactive
		return d
	}
	if subject.Role == profile.RoleSuperAdmin {
		d.Allowed = true
		d.Source = SourceSuperAdmin
		return d
	}

	p := Permission{Resource: resource, Action: action}
	if !p.Valid() {
		d.Source = SourceUnknown
		return d
	}

	if allowed, ok := overrides.Lookup(p); ok {
		d.Allowed = allowed
		d.Source = SourceOverride
		return d
	}

	d.Allowed = RoleDefault(subject.Role, p)
	d.Source = SourceRoleDefault
	return d
}

// OverrideReader loads a subject's stored overrides
type OverrideReader interface {
	ListForSubject(ctx context.Context, subjectID string) (Overrides, error)
}

// Resolver is the authoritative permission gate. It reads overrides through
// the request context memo, so one request reads them at most once.
type Resolver struct {
	store   OverrideReader
	metrics *observability.Metrics
}

// NewResolver creates a permission resolver. metrics may be nil.
func NewResolver(store OverrideReader, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		store:   store,
		metrics: metrics,
	}
}

// Check resolves (resource, action) for the request's subject. When the
// override store cannot be read it returns false together with an error
// wrapping apperrors.ErrOverrideStoreUnavailable.
func (r *Resolver) Check(ctx context.Context, rc *reqctx.Context, resource Resource, action Action) (bool, error) {
	ctx, span := observability.StartSpan(ctx, "rbac.Check",
		observability.AttrResource.String(string(resource)),
		observability.AttrAction.String(string(action)),
	)
	defer span.End()

	var subject *profile.Subject
	if !rc.Anonymous() {
		subject = rc.Subject
	}

	// Tiers that do not need overrides are decided without touching the store.
	d := Resolve(subject, nil, resource, action)
	if d.Source != SourceRoleDefault {
		r.record(span, d, nil)
		return d.Allowed, nil
	}

	overrides, err := r.overridesFor(ctx, rc)
	if err != nil {
		err = fmt.Errorf("failed to resolve %s.%s: %w: %w", resource, action, apperrors.ErrOverrideStoreUnavailable, err)
		r.record(span, Decision{Resource: resource, Action: action}, err)
		observability.FromContext(ctx).WithError(err).Error("Permission check denied: override store unavailable")
		return false, err
	}

	d = Resolve(subject, overrides, resource, action)
	r.record(span, d, nil)
	return d.Allowed, nil
}

// Require is Check expressed as an error: nil when allowed,
// apperrors.ErrUnauthenticated without a subject, apperrors.ErrUnauthorized
// when denied, and the store error when overrides are unavailable.
func (r *Resolver) Require(ctx context.Context, rc *reqctx.Context, resource Resource, action Action) error {
	if rc.Anonymous() {
		return apperrors.ErrUnauthenticated
	}
	allowed, err := r.Check(ctx, rc, resource, action)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%s.%s: %w", resource, action, apperrors.ErrUnauthorized)
	}
	return nil
}

// Matrix resolves every (resource, action) pair for subject, reading its
// overrides fresh from the store.
func (r *Resolver) Matrix(ctx context.Context, subject *profile.Subject) ([]Decision, error) {
	var overrides Overrides
	if subject != nil {
		var err error
		overrides, err = r.store.ListForSubject(ctx, subject.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrOverrideStoreUnavailable, err)
		}
	}

	decisions := make([]Decision, 0, len(Resources)*len(Actions))
	for _, resource := range Resources {
		for _, action := range Actions {
			decisions = append(decisions, Resolve(subject, overrides, resource, action))
		}
	}
	return decisions, nil
}

// OverridesMemoKey is the request memo key holding the subject's overrides.
// Writers that change the current subject's overrides forget it.
func OverridesMemoKey(subjectID string) string {
	return "rbac.overrides:" + subjectID
}

func (r *Resolver) overridesFor(ctx context.Context, rc *reqctx.Context) (Overrides, error) {
	subjectID := rc.Subject.ID
	v, err := rc.Load(OverridesMemoKey(subjectID), func() (interface{}, error) {
		return r.store.ListForSubject(ctx, subjectID)
	})
	if err != nil {
		return nil, err
	}
	return v.(Overrides), nil
}

func (r *Resolver) record(span trace.Span, d Decision, err error) {
	outcome := "deny"
	if d.Allowed {
		outcome = "allow"
	}
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "override store unavailable")
	}
	span.SetAttributes(
		observability.AttrAllowed.Bool(d.Allowed),
		observability.AttrDecisionSource.String(string(d.Source)),
	)
	resource, action := string(d.Resource), string(d.Action)
	if !d.Resource.Valid() {
		resource = "unknown"
	}
	if !d.Action.Valid() {
		action = "unknown"
	}
	r.metrics.RecordPermissionDecision(resource, action, outcome)
}
