package middleware

import (
	"net/http"

	"github.com/canvasmarket/gatekeeper"
	"github.com/canvasmarket/gatekeeper/permission"
)

// RequireAdmin requires the admin role.
func RequireAdmin(gw *gatekeeper.Gateway) func(http.Handler) http.Handler {
	return Guard(gw, gw.VerifyAdmin)
}

// RequireRole requires the persisted role to satisfy role.
func RequireRole(gw *gatekeeper.Gateway, role permission.Role) func(http.Handler) http.Handler {
	return Guard(gw, func(r *http.Request) (*gatekeeper.Principal, error) {
		return gw.VerifyRole(r, role)
	})
}

// OwnerFunc returns the owner id of the resource r addresses. Returning a
// *gatekeeper.Error renders it as-is; any other error becomes a server
// error.
type OwnerFunc func(r *http.Request) (string, error)

// RequireOwner allows the resource owner and admins.
func RequireOwner(gw *gatekeeper.Gateway, owner OwnerFunc) func(http.Handler) http.Handler {
	return Guard(gw, func(r *http.Request) (*gatekeeper.Principal, error) {
		ownerID, err := owner(r)
		if err != nil {
			return nil, err
		}
		return gw.VerifyResourceOwnership(r, ownerID)
	})
}
