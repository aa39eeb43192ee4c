package rbac

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/releasegate/pkg/httputil"
	"github.com/platinummonkey/releasegate/pkg/reqctx"
)

// RequirePermission creates middleware that requires (resource, action) for
// the request's subject. It must run after the session middleware has placed
// a reqctx.Context on the request.
func RequirePermission(resolver *Resolver, resource Resource, action Action) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := reqctx.FromContext(r.Context())
			if err := resolver.Require(r.Context(), rc, resource, action); err != nil {
				httputil.WriteAppError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
