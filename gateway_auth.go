package gatekeeper

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/canvasmarket/gatekeeper/internal/flows"
	"github.com/canvasmarket/gatekeeper/internal/security"
	"github.com/canvasmarket/gatekeeper/internal/upstream"
	"github.com/canvasmarket/gatekeeper/permission"
)

// CredentialFromRequest returns the bearer token from the Authorization
// header, falling back to the named session cookie.
func CredentialFromRequest(r *http.Request, cookieName string) Credential {
	if r == nil {
		return ""
	}
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return Credential(strings.TrimSpace(value))
		}
		return ""
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			return Credential(strings.TrimSpace(c.Value))
		}
	}
	return ""
}

// VerifyAuth resolves the request's credential into a Principal.
//
// Every failure to authenticate, whether the user is unknown, the
// credential is wrong or the session was revoked, returns the same
// Authentication *Error. A dependency failure or timeout returns an
// Upstream *Error instead.
func (g *Gateway) VerifyAuth(r *http.Request) (*Principal, error) {
	if g == nil {
		return nil, serverError(errors.New("gateway not initialized"))
	}
	if r == nil {
		return nil, authenticationError(nil)
	}
	ctx := g.requestContext(r)
	return g.VerifyCredential(ctx, CredentialFromRequest(r, g.config.Auth.CookieName))
}

// VerifyCredential is the transport-free form of VerifyAuth.
func (g *Gateway) VerifyCredential(ctx context.Context, credential Credential) (*Principal, error) {
	if g == nil {
		return nil, serverError(errors.New("gateway not initialized"))
	}
	start := time.Now()
	defer func() {
		g.metrics.Observe(MetricAuthLatency, time.Since(start))
	}()

	res := flows.RunVerifyAuth(ctx, string(credential), g.authDeps())

	switch res.Failure {
	case flows.AuthFailureNone:
		g.metrics.Inc(MetricAuthSuccess)
		return &Principal{
			ID:      res.UserID,
			Email:   res.Email,
			Role:    res.Role,
			IsAdmin: res.Role.IsAdmin(),
		}, nil

	case flows.AuthFailureMissingCredential,
		flows.AuthFailureInvalidCredential,
		flows.AuthFailureSessionInvalid:
		g.metrics.Inc(MetricAuthFailure)
		g.logger.Info("authentication failed",
			zap.String("reason", res.Failure.String()),
			zap.String("ip", clientIPFromContext(ctx)),
		)
		gerr := authenticationError(res.Err)
		g.emitAudit(ctx, auditRecord{
			eventType: auditEventAuthFailure,
			reason:    res.Failure.String(),
			err:       gerr,
		})
		return nil, gerr

	case flows.AuthFailureIdentityUpstream, flows.AuthFailureRoleUpstream:
		g.metrics.Inc(MetricAuthUpstreamFailure)
		fields := []zap.Field{
			zap.String("reason", res.Failure.String()),
			zap.Bool("timeout", errors.Is(res.Err, upstream.ErrTimeout)),
		}
		if res.Err != nil {
			fields = append(fields, zap.String("error", security.Redact(res.Err.Error())))
		}
		g.logger.Error("authentication dependency failed", fields...)
		gerr := upstreamError(res.Err)
		g.emitAudit(ctx, auditRecord{
			eventType: auditEventAuthFailure,
			userID:    res.UserID,
			reason:    res.Failure.String(),
			err:       gerr,
		})
		return nil, gerr

	default:
		g.logger.Error("authentication not configured", zap.String("reason", res.Failure.String()))
		return nil, serverError(errors.New("authentication dependencies missing"))
	}
}

// VerifyAdmin authenticates r and requires the admin role.
func (g *Gateway) VerifyAdmin(r *http.Request) (*Principal, error) {
	p, err := g.VerifyAuth(r)
	if err != nil {
		return nil, err
	}
	return g.authorize(g.requestContext(r), p, flows.CheckAdmin(p.Role), "admin")
}

// VerifyResourceOwnership authenticates r and allows it only when the
// principal owns the resource or is an admin. The deny reason is
// "not_owner".
func (g *Gateway) VerifyResourceOwnership(r *http.Request, resourceOwnerID string) (*Principal, error) {
	p, err := g.VerifyAuth(r)
	if err != nil {
		return nil, err
	}
	return g.authorize(g.requestContext(r), p, flows.CheckOwnership(p.ID, p.Role, resourceOwnerID), "ownership")
}

// VerifyRole authenticates r and requires the persisted role to satisfy
// required. Admins satisfy every role; galleries satisfy artist.
func (g *Gateway) VerifyRole(r *http.Request, required permission.Role) (*Principal, error) {
	if !required.Valid() {
		return nil, serverError(permission.ErrUnknownRole)
	}
	p, err := g.VerifyAuth(r)
	if err != nil {
		return nil, err
	}
	return g.authorize(g.requestContext(r), p, flows.CheckRole(p.Role, required), "role:"+required.String())
}

func (g *Gateway) authorize(ctx context.Context, p *Principal, d flows.AuthorizationDecision, check string) (*Principal, error) {
	if d.Allowed {
		return p, nil
	}
	g.metrics.Inc(MetricAuthorizationDenied)
	g.logger.Info("authorization denied",
		zap.String("user_id", p.ID),
		zap.String("role", p.Role.String()),
		zap.String("check", check),
		zap.String("reason", d.Reason),
	)
	gerr := authorizationError(d.Reason)
	g.emitAudit(ctx, auditRecord{
		eventType: auditEventAuthorizationDenied,
		userID:    p.ID,
		reason:    d.Reason,
		err:       gerr,
		metadata: func() map[string]string {
			return map[string]string{"check": check, "role": p.Role.String()}
		},
	})
	return nil, gerr
}

func (g *Gateway) authDeps() flows.AuthDeps {
	return flows.AuthDeps{
		ResolveIdentity: func(ctx context.Context, credential string) (flows.Identity, error) {
			id, err := upstream.Call(ctx, g.identityGuard, func(ctx context.Context) (Identity, error) {
				return g.identity.ResolveIdentity(ctx, Credential(credential))
			})
			return flows.Identity{UserID: id.UserID, Email: id.Email, SessionValid: id.SessionValid}, err
		},
		LookupRole: func(ctx context.Context, userID string) (flows.RoleRecord, error) {
			rec, err := upstream.Call(ctx, g.roleGuard, func(ctx context.Context) (RoleRecord, error) {
				return g.roles.LookupRole(ctx, userID)
			})
			return flows.RoleRecord{IsAdmin: rec.IsAdmin, IsArtist: rec.IsArtist, IsGallery: rec.IsGallery}, err
		},
		ErrInvalidCredential: ErrInvalidCredential,
		ErrNotFound:          ErrNotFound,
	}
}

// requestContext attaches the resolved client IP so audit events carry it.
func (g *Gateway) requestContext(r *http.Request) context.Context {
	ctx := r.Context()
	if clientIPFromContext(ctx) == "" {
		ctx = WithClientIP(ctx, g.ipExtractor.Extract(r))
	}
	return ctx
}
