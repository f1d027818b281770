package gatekeeper

import (
	"strings"

	"github.com/canvasmarket/gatekeeper/internal/security"
)

// SecurityReport is a read-only summary of the effective security posture.
type SecurityReport = security.Report

// PolicyReport summarizes one rate-limit policy in a SecurityReport.
type PolicyReport = security.PolicyReport

// SecurityReport summarizes the Gateway's effective configuration for
// operators. It contains no secrets.
func (g *Gateway) SecurityReport() SecurityReport {
	if g == nil {
		return SecurityReport{}
	}
	cfg := g.config

	policies := make([]PolicyReport, 0, len(cfg.RateLimit.Policies))
	for name, p := range cfg.RateLimit.Policies {
		policies = append(policies, PolicyReport{
			Name:        name,
			Limit:       p.MaxRequests,
			Window:      p.Window,
			KeyStrategy: strings.ToLower(p.KeyStrategy),
			FailMode:    strings.ToLower(p.FailMode),
		})
	}

	mimes := make([]string, 0, len(g.allowedMIME))
	for m := range g.allowedMIME {
		mimes = append(mimes, m)
	}

	return security.BuildReport(security.ReportInput{
		RateLimitBackend:       cfg.RateLimit.Backend,
		Policies:               policies,
		TrustedProxies:         cfg.RateLimit.TrustedProxies,
		AuthBreakerFailures:    cfg.Auth.Breaker.MaxFailures,
		InvitationMaxAge:       cfg.Invitation.MaxAge,
		AbuseMode:              cfg.Invitation.AbuseMode,
		MaxRecentRegistrations: cfg.Invitation.MaxRecentRegistrations,
		MaxInvitationsPerEmail: cfg.Invitation.MaxInvitationsPerEmail,
		AllowedMIME:            mimes,
		MaxProfileBytes:        cfg.Upload.MaxProfileBytes,
		MaxArtworkBytes:        cfg.Upload.MaxArtworkBytes,
		RejectSuspicious:       cfg.Upload.RejectSuspicious,
		AuditEnabled:           cfg.Audit.Enabled,
		MetricsEnabled:         cfg.Metrics.Enabled,
	})
}
