package gatekeeper

import (
	"context"
	"errors"
)

const (
	auditEventRateLimitDenied         = "rate_limit_denied"
	auditEventRateLimitStoreFailure   = "rate_limit_store_failure"
	auditEventAuthSuccess             = "auth_success"
	auditEventAuthFailure             = "auth_failure"
	auditEventAuthorizationDenied     = "authorization_denied"
	auditEventInvitationValid         = "invitation_valid"
	auditEventInvitationRejected      = "invitation_rejected"
	auditEventInvitationAbuse         = "invitation_abuse"
	auditEventInvitationConsumed      = "invitation_consumed"
	auditEventInvitationConsumeFailed = "invitation_consume_failed"
	auditEventUploadAccepted          = "upload_accepted"
	auditEventUploadRejected          = "upload_rejected"
)

// AuditErrorCode is the coarse error class recorded on failed events.
type AuditErrorCode string

const (
	auditErrValidation   AuditErrorCode = "validation"
	auditErrUnauthorized AuditErrorCode = "unauthorized"
	auditErrForbidden    AuditErrorCode = "forbidden"
	auditErrRateLimited  AuditErrorCode = "rate_limited"
	auditErrUnavailable  AuditErrorCode = "backend_unavailable"
	auditErrInternal     AuditErrorCode = "internal_error"
)

type auditRecord struct {
	eventType string
	success   bool
	userID    string
	policy    string
	reason    string
	err       error
	metadata  func() map[string]string
}

func (g *Gateway) emitAudit(ctx context.Context, rec auditRecord) {
	if g == nil || g.audit == nil {
		return
	}

	var metadata map[string]string
	if rec.metadata != nil {
		metadata = rec.metadata()
	}

	event := AuditEvent{
		Timestamp: g.now().UTC(),
		EventType: rec.eventType,
		UserID:    rec.userID,
		IP:        clientIPFromContext(ctx),
		Policy:    rec.policy,
		Success:   rec.success,
		Reason:    rec.reason,
		Metadata:  metadata,
	}
	if code := auditErrorCode(rec.err); code != "" {
		event.Error = string(code)
	}

	g.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrValidation):
		return auditErrValidation
	case errors.Is(err, ErrAuthentication):
		return auditErrUnauthorized
	case errors.Is(err, ErrAuthorization):
		return auditErrForbidden
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrUpstream):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
