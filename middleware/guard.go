package middleware

import (
	"net/http"

	"github.com/canvasmarket/gatekeeper"
)

// CheckFunc is one Gateway verification bound to a request.
type CheckFunc func(r *http.Request) (*gatekeeper.Principal, error)

// Guard runs check before next. On success the principal is attached to
// the request context; on failure the error is rendered and next is not
// called.
func Guard(gw *gatekeeper.Gateway, check CheckFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if gw == nil || check == nil {
				gw.Responder().Write(w, r, &gatekeeper.Error{
					Kind:    gatekeeper.KindServer,
					Message: http.StatusText(http.StatusInternalServerError),
				})
				return
			}

			p, err := check(r)
			if err != nil {
				gw.Responder().Write(w, r, err)
				return
			}

			ctx := gatekeeper.WithPrincipal(r.Context(), p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth requires a valid credential.
func RequireAuth(gw *gatekeeper.Gateway) func(http.Handler) http.Handler {
	return Guard(gw, gw.VerifyAuth)
}

// PrincipalFromRequest returns the principal a guard attached to r.
func PrincipalFromRequest(r *http.Request) (*gatekeeper.Principal, bool) {
	if r == nil {
		return nil, false
	}
	return gatekeeper.PrincipalFromContext(r.Context())
}
