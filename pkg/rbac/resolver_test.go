package rbac

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
	"github.com/platinummonkey/releasegate/pkg/profile"
	"github.com/platinummonkey/releasegate/pkg/reqctx"
)

type fakeOverrideStore struct {
	overrides map[string]Overrides
	err       error
	calls     int
}

func (f *fakeOverrideStore) ListForSubject(ctx context.Context, subjectID string) (Overrides, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.overrides[subjectID], nil
}

func subject(role profile.Role, active bool) *profile.Subject {
	return &profile.Subject{ID: "s-" + string(role), Email: string(role) + "@example.com", Role: role, IsActive: active}
}

func TestResolve_InactiveDeniesEverything(t *testing.T) {
	everything := Overrides{}
	for _, r := range Resources {
		for _, a := range Actions {
			everything[Permission{r, a}] = true
		}
	}

	for _, role := range profile.Roles {
		s := subject(role, false)
		for _, r := range Resources {
			for _, a := range Actions {
				d := Resolve(s, everything, r, a)
				assert.False(t, d.Allowed, "%s inactive must not %s.%s", role, r, a)
				assert.Equal(t, SourceInactive, d.Source)
			}
		}
	}

	assert.False(t, Resolve(nil, everything, ResourceVersions, ActionRead).Allowed)
}

func TestResolve_SuperAdminIgnoresOverrides(t *testing.T) {
	denyAll := Overrides{}
	for _, r := range Resources {
		for _, a := range Actions {
			denyAll[Permission{r, a}] = false
		}
	}

	s := subject(profile.RoleSuperAdmin, true)
	for _, r := range Resources {
		for _, a := range Actions {
			d := Resolve(s, denyAll, r, a)
			assert.True(t, d.Allowed, "super admin must %s.%s", r, a)
			assert.Equal(t, SourceSuperAdmin, d.Source)
		}
	}
}

func TestResolve_OverrideWinsBothDirections(t *testing.T) {
	for _, role := range []profile.Role{profile.RoleAdmin, profile.RoleManager, profile.RoleEditor, profile.RoleViewer} {
		s := subject(role, true)
		for _, r := range Resources {
			for _, a := range Actions {
				p := Permission{r, a}
				for _, want := range []bool{true, false} {
					d := Resolve(s, Overrides{p: want}, r, a)
					assert.Equal(t, want, d.Allowed, "%s override %s=%v", role, p, want)
					assert.Equal(t, SourceOverride, d.Source)
				}
			}
		}
	}
}

func TestResolve_RoleDefaults(t *testing.T) {
	for _, role := range []profile.Role{profile.RoleAdmin, profile.RoleManager, profile.RoleEditor, profile.RoleViewer} {
		s := subject(role, true)
		for _, r := range Resources {
			for _, a := range Actions {
				d := Resolve(s, nil, r, a)
				assert.Equal(t, RoleDefault(role, Permission{r, a}), d.Allowed)
				assert.Equal(t, SourceRoleDefault, d.Source)
			}
		}
	}
}

func TestResolve_Scenarios(t *testing.T) {
	viewer := subject(profile.RoleViewer, true)

	tests := []struct {
		name      string
		subject   *profile.Subject
		overrides Overrides
		resource  Resource
		action    Action
		want      bool
	}{
		{"viewer cannot delete versions", viewer, nil, ResourceVersions, ActionDelete, false},
		{"viewer granted delete by override", viewer, Overrides{{ResourceVersions, ActionDelete}: true}, ResourceVersions, ActionDelete, true},
		{"viewer reads clients", viewer, nil, ResourceClients, ActionRead, true},
		{"viewer read revoked by override", viewer, Overrides{{ResourceClients, ActionRead}: false}, ResourceClients, ActionRead, false},
		{"editor cannot read audit", subject(profile.RoleEditor, true), nil, ResourceAudit, ActionRead, false},
		{"manager reads audit", subject(profile.RoleManager, true), nil, ResourceAudit, ActionRead, true},
		{"manager cannot export audit", subject(profile.RoleManager, true), nil, ResourceAudit, ActionExport, false},
		{"admin exports audit", subject(profile.RoleAdmin, true), nil, ResourceAudit, ActionExport, true},
		{"admin cannot delete users", subject(profile.RoleAdmin, true), nil, ResourceUsers, ActionDelete, false},
		{"unknown action denies", subject(profile.RoleAdmin, true), nil, ResourceVersions, Action("purge"), false},
		{"unknown resource denies", subject(profile.RoleAdmin, true), nil, Resource("billing"), ActionRead, false},
		{"unknown action with override still denies", viewer, Overrides{{ResourceVersions, "purge"}: true}, ResourceVersions, Action("purge"), false},
		{"unknown role denies", &profile.Subject{ID: "x", Role: "owner", IsActive: true}, nil, ResourceVersions, ActionRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.subject, tt.overrides, tt.resource, tt.action).Allowed)
		})
	}
}

func TestResolver_CheckReadsOverridesOncePerRequest(t *testing.T) {
	viewer := subject(profile.RoleViewer, true)
	store := &fakeOverrideStore{overrides: map[string]Overrides{
		viewer.ID: {{ResourceVersions, ActionDelete}: true},
	}}
	resolver := NewResolver(store, nil)
	ctx := context.Background()

	rc := reqctx.New(viewer, "", "")
	allowed, err := resolver.Check(ctx, rc, ResourceVersions, ActionDelete)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = resolver.Check(ctx, rc, ResourceModules, ActionRead)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1, store.calls)

	// A new request sees an admin edit made in between.
	store.overrides[viewer.ID] = Overrides{}
	allowed, err = resolver.Check(ctx, reqctx.New(viewer, "", ""), ResourceVersions, ActionDelete)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 2, store.calls)
}

func TestResolver_CheckSkipsStoreWhenNotNeeded(t *testing.T) {
	store := &fakeOverrideStore{err: errors.New("should not be called")}
	resolver := NewResolver(store, nil)
	ctx := context.Background()

	allowed, err := resolver.Check(ctx, reqctx.New(subject(profile.RoleSuperAdmin, true), "", ""), ResourceUsers, ActionDelete)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = resolver.Check(ctx, reqctx.New(subject(profile.RoleAdmin, false), "", ""), ResourceVersions, ActionRead)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = resolver.Check(ctx, reqctx.New(subject(profile.RoleAdmin, true), "", ""), ResourceVersions, "drop")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = resolver.Check(ctx, nil, ResourceVersions, ActionRead)
	require.NoError(t, err)
	assert.False(t, allowed)

	assert.Equal(t, 0, store.calls)
}

func TestResolver_StoreUnavailableDenies(t *testing.T) {
	store := &fakeOverrideStore{err: errors.New("connection refused")}
	resolver := NewResolver(store, nil)

	// admin's role default allows versions.read; it must still be denied.
	allowed, err := resolver.Check(context.Background(), reqctx.New(subject(profile.RoleAdmin, true), "", ""), ResourceVersions, ActionRead)
	assert.False(t, allowed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrOverrideStoreUnavailable))
}

func TestResolver_Require(t *testing.T) {
	resolver := NewResolver(&fakeOverrideStore{}, nil)
	ctx := context.Background()

	assert.True(t, errors.Is(resolver.Require(ctx, nil, ResourceVersions, ActionRead), apperrors.ErrUnauthenticated))
	assert.True(t, errors.Is(resolver.Require(ctx, reqctx.System(), ResourceVersions, ActionRead), apperrors.ErrUnauthenticated))
	assert.True(t, errors.Is(resolver.Require(ctx, reqctx.New(subject(profile.RoleViewer, true), "", ""), ResourceVersions, ActionDelete), apperrors.ErrUnauthorized))
	assert.NoError(t, resolver.Require(ctx, reqctx.New(subject(profile.RoleViewer, true), "", ""), ResourceVersions, ActionRead))
}

func TestResolver_Matrix(t *testing.T) {
	viewer := subject(profile.RoleViewer, true)
	resolver := NewResolver(&fakeOverrideStore{overrides: map[string]Overrides{
		viewer.ID: {{ResourceReports, ActionExport}: true},
	}}, nil)

	decisions, err := resolver.Matrix(context.Background(), viewer)
	require.NoError(t, err)
	assert.Len(t, decisions, len(Resources)*len(Actions))

	for _, d := range decisions {
		if d.Resource == ResourceReports && d.Action == ActionExport {
			assert.True(t, d.Allowed)
			assert.Equal(t, SourceOverride, d.Source)
		}
	}

	_, err = NewResolver(&fakeOverrideStore{err: errors.New("down")}, nil).Matrix(context.Background(), viewer)
	assert.True(t, errors.Is(err, apperrors.ErrOverrideStoreUnavailable))
}

func TestRequirePermissionMiddleware(t *testing.T) {
	store := &fakeOverrideStore{}
	resolver := NewResolver(store, nil)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequirePermission(resolver, ResourceAudit, ActionRead)(next)

	serve := func(rc *reqctx.Context) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/audit/logs", nil)
		if rc != nil {
			req = req.WithContext(reqctx.WithContext(req.Context(), rc))
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusUnauthorized, serve(nil).Code)

	denied := serve(reqctx.New(subject(profile.RoleEditor, true), "", ""))
	assert.Equal(t, http.StatusForbidden, denied.Code)
	assert.JSONEq(t, `{"error":"not permitted"}`, denied.Body.String())

	assert.Equal(t, http.StatusOK, serve(reqctx.New(subject(profile.RoleManager, true), "", "")).Code)

	store.err = errors.New("down")
	unavailable := serve(reqctx.New(subject(profile.RoleManager, true), "", ""))
	assert.Equal(t, http.StatusServiceUnavailable, unavailable.Code)
}
