package uiperm

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/releasegate/pkg/observability"
	"github.com/platinummonkey/releasegate/pkg/profile"
	"github.com/platinummonkey/releasegate/pkg/rbac"
	"github.com/platinummonkey/releasegate/pkg/reqctx"
)

// Reader is the authoritative source of the catalog and subject overrides
type Reader interface {
	Catalog(ctx context.Context) ([]Element, error)
	OverridesForSubject(ctx context.Context, subjectID string) (map[string]Stored, error)
}

// Evaluate computes the effective result for key. known reports whether key
// is in the catalog; stored is the subject's override or nil. In degraded
// mode every mutating key is disabled.
func Evaluate(subject *profile.Subject, key string, known bool, stored *Stored, degraded bool) Result {
	r := Result{Key: key, Degraded: degraded}

	switch {
	case subject == nil || !subject.IsActive:
		r.Source = rbac.SourceInactive
		return r
	case !known:
		r.Source = rbac.SourceUnknown
		return r
	case subject.Role == profile.RoleSuperAdmin:
		r.Visible, r.Enabled = true, true
		r.Source = rbac.SourceSuperAdmin
	case stored != nil:
		r.Visible = stored.Visible
		r.Enabled = stored.Enabled && stored.Visible
		r.Source = rbac.SourceOverride
	default:
		r.Visible = RoleDefault(subject.Role, key)
		r.Enabled = r.Visible
		r.Source = rbac.SourceRoleDefault
	}

	if degraded && Mutating(key) {
		r.Enabled = false
	}
	return r
}

type cachedElement struct {
	element Element
	known   bool
}

// Resolver answers visible/enabled questions for the frontend. Results are
// rendering hints; mutations are gated by rbac.Resolver alone.
type Resolver struct {
	store    Reader
	fallback map[string]Element
	ordered  []Element
	cache    *lru.LRU[string, cachedElement]
	metrics  *observability.Metrics
}

// NewResolver creates a UI resolver. The catalog cache holds only static
// catalog entries, never subject overrides.
func NewResolver(store Reader, cacheSize int, cacheTTL time.Duration, metrics *observability.Metrics) (*Resolver, error) {
	fallback, err := EmbeddedCatalog()
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded UI catalog: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = 512
	}

	r := &Resolver{
		store:    store,
		fallback: make(map[string]Element, len(fallback)),
		ordered:  fallback,
		cache:    lru.NewLRU[string, cachedElement](cacheSize, nil, cacheTTL),
		metrics:  metrics,
	}
	for _, e := range fallback {
		r.fallback[e.Key] = e
	}
	return r, nil
}

// Resolve returns the effective (visible, enabled) pair for key
func (r *Resolver) Resolve(ctx context.Context, rc *reqctx.Context, key string) Result {
	subject := activeSubject(rc)
	if subject == nil {
		return Evaluate(nil, key, false, nil, false)
	}

	known, degraded := r.lookup(ctx, key)
	if subject.Role == profile.RoleSuperAdmin || !known {
		return r.finish(Evaluate(subject, key, known, nil, degraded))
	}

	var stored *Stored
	if !degraded {
		overrides, err := r.overridesFor(ctx, rc)
		if err != nil {
			degraded = true
			r.logDegraded(ctx, err)
		} else if s, ok := overrides[key]; ok {
			stored = &s
		}
	}

	return r.finish(Evaluate(subject, key, known, stored, degraded))
}

// ResolveVisible answers whether key may be shown
func (r *Resolver) ResolveVisible(ctx context.Context, rc *reqctx.Context, key string) Decision {
	res := r.Resolve(ctx, rc, key)
	return Decision{Allowed: res.Visible, Degraded: res.Degraded}
}

// ResolveEnabled answers whether key may be clicked; false whenever it is
// not visible.
func (r *Resolver) ResolveEnabled(ctx context.Context, rc *reqctx.Context, key string) Decision {
	res := r.Resolve(ctx, rc, key)
	return Decision{Allowed: res.Visible && res.Enabled, Degraded: res.Degraded}
}

// ResolveAll resolves every catalog element for the request's subject
func (r *Resolver) ResolveAll(ctx context.Context, rc *reqctx.Context) []Result {
	elements, degraded := r.catalog(ctx)
	subject := activeSubject(rc)

	var overrides map[string]Stored
	if subject != nil && !degraded && subject.Role != profile.RoleSuperAdmin {
		var err error
		overrides, err = r.overridesFor(ctx, rc)
		if err != nil {
			degraded = true
			r.logDegraded(ctx, err)
		}
	}

	results := make([]Result, 0, len(elements))
	for _, e := range elements {
		var stored *Stored
		if s, ok := overrides[e.Key]; ok {
			stored = &s
		}
		results = append(results, Evaluate(subject, e.Key, true, stored, degraded))
	}
	r.metrics.RecordUIResolution(degraded)
	return results
}

// OverridesMemoKey is the request memo key holding the subject's UI overrides
func OverridesMemoKey(subjectID string) string {
	return "uiperm.overrides:" + subjectID
}

func (r *Resolver) finish(res Result) Result {
	r.metrics.RecordUIResolution(res.Degraded)
	return res
}

// lookup reports whether key is in the catalog and whether the answer came
// from the embedded fallback.
func (r *Resolver) lookup(ctx context.Context, key string) (known, degraded bool) {
	if cached, ok := r.cache.Get(key); ok {
		return cached.known, false
	}

	elements, degraded := r.catalog(ctx)
	if degraded {
		_, known = r.fallback[key]
		return known, true
	}

	for _, e := range elements {
		if e.Key == key {
			return true, false
		}
	}
	r.cache.Add(key, cachedElement{known: false})
	return false, false
}

// catalog loads the catalog from the store and refreshes the cache, falling
// back to the embedded catalog when the store fails.
func (r *Resolver) catalog(ctx context.Context) ([]Element, bool) {
	elements, err := r.store.Catalog(ctx)
	if err != nil {
		r.logDegraded(ctx, err)
		return r.ordered, true
	}
	for _, e := range elements {
		r.cache.Add(e.Key, cachedElement{element: e, known: true})
	}
	return elements, false
}

func (r *Resolver) overridesFor(ctx context.Context, rc *reqctx.Context) (map[string]Stored, error) {
	subjectID := rc.Subject.ID
	v, err := rc.Load(OverridesMemoKey(subjectID), func() (interface{}, error) {
		return r.store.OverridesForSubject(ctx, subjectID)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]Stored), nil
}

func (r *Resolver) logDegraded(ctx context.Context, err error) {
	observability.FromContext(ctx).WithError(err).Warn("UI permissions degraded: using built-in defaults")
}

func activeSubject(rc *reqctx.Context) *profile.Subject {
	if rc.Anonymous() || !rc.Subject.IsActive {
		return nil
	}
	return rc.Subject
}
