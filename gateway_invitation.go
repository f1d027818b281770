package gatekeeper

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/canvasmarket/gatekeeper/internal/flows"
	"github.com/canvasmarket/gatekeeper/internal/security"
	"github.com/canvasmarket/gatekeeper/internal/upstream"
)

// Machine-readable codes placed in details.code of invitation errors.
const (
	CodeInvitationInvalid       = "invitation_invalid"
	CodeArtistExists            = "artist_exists"
	CodeRegistrationUnavailable = "registration_unavailable"
	CodeMultipleInvitations     = "multiple_invitations"
)

// VerifyInvitationOwnership checks that token is a live, unused invitation
// issued to email. It never writes.
//
// Unknown, used, mismatched and expired tokens all return the same
// Validation *Error ("invalid token"); only the log records which check
// failed. An existing artist account and the abuse heuristics return
// distinct messages.
func (g *Gateway) VerifyInvitationOwnership(ctx context.Context, email, token string) error {
	if g == nil || g.invitations == nil {
		return serverError(errors.New("invitation stores not configured"))
	}

	res := flows.RunVerifyInvitation(ctx, email, token, g.invitationDeps())
	log := g.logger.With(
		zap.String("email", security.MaskEmail(email)),
		zap.String("token_fp", security.TokenFingerprint(token)),
	)

	for _, flagged := range res.Flagged {
		g.metrics.Inc(MetricInvitationAbuseFlagged)
		log.Warn("invitation abuse heuristic flagged", zap.String("reason", flagged.String()))
		g.emitAudit(ctx, auditRecord{
			eventType: auditEventInvitationAbuse,
			success:   true,
			reason:    flagged.String(),
			metadata:  func() map[string]string { return map[string]string{"mode": AbuseModeFlag} },
		})
	}

	if res.OK() {
		g.metrics.Inc(MetricInvitationValid)
		g.emitAudit(ctx, auditRecord{eventType: auditEventInvitationValid, success: true})
		return nil
	}

	var gerr *Error
	switch res.Failure {
	case flows.InvitationFailureInvalidInput,
		flows.InvitationFailureNotFound,
		flows.InvitationFailureUsed,
		flows.InvitationFailureEmailMismatch,
		flows.InvitationFailureExpired:
		log.Info("invitation rejected", zap.String("reason", res.Failure.String()))
		gerr = validationError(CodeInvitationInvalid, msgInvalidInvitation, nil)

	case flows.InvitationFailureArtistExists:
		log.Info("invitation rejected", zap.String("reason", res.Failure.String()))
		gerr = validationError(CodeArtistExists, msgArtistExists, nil)

	case flows.InvitationFailureRecentRegistrations:
		g.metrics.Inc(MetricInvitationAbuseBlocked)
		log.Warn("invitation abuse heuristic blocked registration", zap.String("reason", res.Failure.String()))
		gerr = validationError(CodeRegistrationUnavailable, msgRegistrationUnavailable, nil)

	case flows.InvitationFailureMultipleInvitations:
		g.metrics.Inc(MetricInvitationAbuseBlocked)
		log.Warn("invitation abuse heuristic blocked registration", zap.String("reason", res.Failure.String()))
		gerr = validationError(CodeMultipleInvitations, msgMultipleInvitations, nil)

	case flows.InvitationFailureUpstream:
		fields := []zap.Field{zap.Bool("timeout", errors.Is(res.Err, upstream.ErrTimeout))}
		if res.Err != nil {
			fields = append(fields, zap.String("error", security.Redact(res.Err.Error())))
		}
		log.Error("invitation store failed", fields...)
		gerr = upstreamError(res.Err)

	default:
		log.Error("invitation validation not configured", zap.String("reason", res.Failure.String()))
		gerr = serverError(errors.New(res.Failure.String()))
	}

	g.metrics.Inc(MetricInvitationRejected)
	eventType := auditEventInvitationRejected
	if res.Failure.Abuse() {
		eventType = auditEventInvitationAbuse
	}
	g.emitAudit(ctx, auditRecord{
		eventType: eventType,
		reason:    res.Failure.String(),
		err:       gerr,
	})
	return gerr
}

// ConsumeInvitation marks token used with a conditional update. Once
// started the write is detached from ctx's cancellation and bounded by
// Invitation.ConsumeTimeout, so it either commits or fails as a whole. A
// token that was already used, including by a concurrent caller that won
// the race, returns the generic invalid-token error.
func (g *Gateway) ConsumeInvitation(ctx context.Context, token string) error {
	if g == nil || g.invitations == nil {
		return serverError(errors.New("invitation stores not configured"))
	}
	return g.consumeInvitation(ctx, token, g.invitations.MarkInvitationUsed)
}

// ConsumeFunc flips an invitation from unused to used, together with any
// writes that must commit with it, and reports whether the flip happened.
type ConsumeFunc func(ctx context.Context, token string) (bool, error)

// CompleteInvitation is ConsumeInvitation with the write supplied by the
// caller, so the token is marked used in the same transaction that
// completes the registration. consume returning false maps to the generic
// invalid-token error; an error from consume is an upstream failure and
// its cause stays reachable through errors.Is.
func (g *Gateway) CompleteInvitation(ctx context.Context, token string, consume ConsumeFunc) error {
	if g == nil || consume == nil {
		return serverError(errors.New("invitation consume not configured"))
	}
	return g.consumeInvitation(ctx, token, consume)
}

func (g *Gateway) consumeInvitation(ctx context.Context, token string, consume ConsumeFunc) error {
	res := flows.RunConsumeInvitation(ctx, token, flows.ConsumeDeps{
		MarkUsed: func(ctx context.Context, token string) (bool, error) {
			return upstream.Call(ctx, g.consumeGuard, func(ctx context.Context) (bool, error) {
				return consume(ctx, token)
			})
		},
		Timeout: g.config.Invitation.ConsumeTimeout,
	})
	log := g.logger.With(zap.String("token_fp", security.TokenFingerprint(token)))

	var gerr *Error
	switch res.Failure {
	case flows.InvitationFailureNone:
		g.metrics.Inc(MetricInvitationConsumed)
		g.emitAudit(ctx, auditRecord{eventType: auditEventInvitationConsumed, success: true})
		return nil

	case flows.InvitationFailureConsumeConflict:
		g.metrics.Inc(MetricInvitationConsumeConflict)
		log.Warn("invitation already consumed")
		gerr = validationError(CodeInvitationInvalid, msgInvalidInvitation, nil)

	case flows.InvitationFailureInvalidInput:
		gerr = validationError(CodeInvitationInvalid, msgInvalidInvitation, nil)

	case flows.InvitationFailureUpstream:
		if errors.Is(res.Err, ErrConflict) {
			log.Info("invitation consume rejected by duplicate record")
			gerr = validationError(CodeArtistExists, msgArtistExists, res.Err)
			break
		}
		var fields []zap.Field
		if res.Err != nil {
			fields = append(fields, zap.String("error", security.Redact(res.Err.Error())))
		}
		log.Error("invitation consume failed", fields...)
		gerr = upstreamError(res.Err)

	default:
		gerr = serverError(errors.New(res.Failure.String()))
	}

	g.emitAudit(ctx, auditRecord{
		eventType: auditEventInvitationConsumeFailed,
		reason:    res.Failure.String(),
		err:       gerr,
	})
	return gerr
}

func (g *Gateway) invitationDeps() flows.InvitationDeps {
	cfg := g.config.Invitation
	return flows.InvitationDeps{
		FindInvitation: func(ctx context.Context, token string) (flows.Invitation, error) {
			inv, err := upstream.Call(ctx, g.inviteGuard, func(ctx context.Context) (Invitation, error) {
				return g.invitations.FindInvitation(ctx, token)
			})
			return flows.Invitation{Token: inv.Token, Email: inv.Email, CreatedAt: inv.CreatedAt, Used: inv.Used}, err
		},
		ArtistExists: func(ctx context.Context, email string) (bool, error) {
			return upstream.Call(ctx, g.inviteGuard, func(ctx context.Context) (bool, error) {
				return g.artists.ArtistExists(ctx, email)
			})
		},
		CountArtistsSince: func(ctx context.Context, since time.Time) (int, error) {
			return upstream.Call(ctx, g.inviteGuard, func(ctx context.Context) (int, error) {
				return g.artists.CountArtistsSince(ctx, since)
			})
		},
		CountInvitations: func(ctx context.Context, email string) (int, error) {
			return upstream.Call(ctx, g.inviteGuard, func(ctx context.Context) (int, error) {
				return g.invitations.CountInvitations(ctx, email)
			})
		},
		Now: g.now,

		MaxAge:                 cfg.MaxAge,
		RegistrationWindow:     cfg.RegistrationWindow,
		MaxRecentRegistrations: cfg.MaxRecentRegistrations,
		MaxInvitationsPerEmail: cfg.MaxInvitationsPerEmail,
		BlockAbuse:             cfg.AbuseMode != AbuseModeFlag,

		ErrNotFound: ErrNotFound,
	}
}
