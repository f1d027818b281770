package middleware

import (
	"net/http"
	"strconv"

	"github.com/canvasmarket/gatekeeper"
)

// RateLimit counts each request against policy. Denied requests get a 429
// with Retry-After; allowed ones carry X-RateLimit-Limit and
// X-RateLimit-Remaining.
//
// Principal-keyed policies need a principal on the context, so mount
// RateLimit after RequireAuth for them.
func RateLimit(gw *gatekeeper.Gateway, policy string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := gw.RequestInfo(r)
			ctx := gatekeeper.WithClientIP(r.Context(), info.IP)

			d, err := gw.Check(ctx, policy, info)
			if err != nil {
				gw.Responder().Write(w, r, err)
				return
			}

			if d.Limit > 0 && !d.Degraded {
				remaining := int64(d.Limit) - d.Count
				if remaining < 0 {
					remaining = 0
				}
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
