package flows

import (
	"context"
	"errors"
	"strings"

	"github.com/canvasmarket/gatekeeper/permission"
)

// AuthFailureKind classifies authentication failures for root-level mapping.
type AuthFailureKind int

const (
	AuthFailureNone AuthFailureKind = iota
	AuthFailureNotReady
	AuthFailureMissingCredential
	AuthFailureInvalidCredential
	AuthFailureSessionInvalid
	AuthFailureIdentityUpstream
	AuthFailureRoleUpstream
)

// String names the failure for logs and audit metadata.
func (k AuthFailureKind) String() string {
	switch k {
	case AuthFailureNone:
		return "none"
	case AuthFailureNotReady:
		return "not_ready"
	case AuthFailureMissingCredential:
		return "missing_credential"
	case AuthFailureInvalidCredential:
		return "invalid_credential"
	case AuthFailureSessionInvalid:
		return "session_invalid"
	case AuthFailureIdentityUpstream:
		return "identity_upstream"
	case AuthFailureRoleUpstream:
		return "role_upstream"
	default:
		return "unknown"
	}
}

// Identity is the raw identity an identity provider resolves a credential to.
type Identity struct {
	UserID       string
	Email        string
	SessionValid bool
}

// RoleRecord is the persisted role state for one user.
type RoleRecord struct {
	IsAdmin   bool
	IsArtist  bool
	IsGallery bool
}

// AuthDeps captures credential resolution dependencies.
type AuthDeps struct {
	ResolveIdentity func(ctx context.Context, credential string) (Identity, error)
	LookupRole      func(ctx context.Context, userID string) (RoleRecord, error)
	// ErrInvalidCredential is the identity provider's "credential rejected"
	// sentinel; anything else it returns is treated as a dependency failure.
	ErrInvalidCredential error
	// ErrNotFound is the role store's "no record" sentinel.
	ErrNotFound error
}

// AuthResult returns either a resolved principal or a classified failure.
type AuthResult struct {
	Failure AuthFailureKind
	Err     error

	UserID string
	Email  string
	Role   permission.Role
}

// RunVerifyAuth resolves credential into a principal. The role is always
// read from the role store; nothing carried by the credential is trusted
// for it.
func RunVerifyAuth(ctx context.Context, credential string, deps AuthDeps) AuthResult {
	if deps.ResolveIdentity == nil || deps.LookupRole == nil {
		return AuthResult{Failure: AuthFailureNotReady}
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return AuthResult{Failure: AuthFailureMissingCredential}
	}

	identity, err := deps.ResolveIdentity(ctx, credential)
	if err != nil {
		if deps.ErrInvalidCredential != nil && errors.Is(err, deps.ErrInvalidCredential) {
			return AuthResult{Failure: AuthFailureInvalidCredential, Err: err}
		}
		return AuthResult{Failure: AuthFailureIdentityUpstream, Err: err}
	}
	if identity.UserID == "" || !identity.SessionValid {
		return AuthResult{Failure: AuthFailureSessionInvalid}
	}

	record, err := deps.LookupRole(ctx, identity.UserID)
	if err != nil {
		if deps.ErrNotFound == nil || !errors.Is(err, deps.ErrNotFound) {
			return AuthResult{Failure: AuthFailureRoleUpstream, Err: err, UserID: identity.UserID}
		}
		record = RoleRecord{}
	}

	return AuthResult{
		UserID: identity.UserID,
		Email:  identity.Email,
		Role:   permission.Derive(record.IsAdmin, record.IsArtist, record.IsGallery),
	}
}

// AuthorizationDecision is the outcome of a pure privilege check.
type AuthorizationDecision struct {
	Allowed bool
	Reason  string
}

const ReasonNotOwner = "not_owner"

// CheckAdmin requires the admin role.
func CheckAdmin(role permission.Role) AuthorizationDecision {
	if role.IsAdmin() {
		return AuthorizationDecision{Allowed: true}
	}
	return AuthorizationDecision{Reason: permission.DenyReason(permission.Admin)}
}

// CheckOwnership allows the owner of a resource and admins.
func CheckOwnership(principalID string, role permission.Role, ownerID string) AuthorizationDecision {
	if role.IsAdmin() {
		return AuthorizationDecision{Allowed: true}
	}
	if principalID != "" && ownerID != "" && principalID == ownerID {
		return AuthorizationDecision{Allowed: true}
	}
	return AuthorizationDecision{Reason: ReasonNotOwner}
}

// CheckRole requires role to satisfy required.
func CheckRole(role, required permission.Role) AuthorizationDecision {
	if role.Satisfies(required) {
		return AuthorizationDecision{Allowed: true}
	}
	return AuthorizationDecision{Reason: permission.DenyReason(required)}
}
