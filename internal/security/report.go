package security

import (
	"sort"
	"time"
)

// PolicyReport summarizes one rate-limit policy.
type PolicyReport struct {
	Name        string
	Limit       int
	Window      time.Duration
	KeyStrategy string
	FailMode    string
}

type Report struct {
	RateLimitBackend       string
	Policies               []PolicyReport
	FailClosedPolicies     []string
	TrustedProxyCount      int
	IdentityBreakerActive  bool
	RoleBreakerActive      bool
	InvitationMaxAge       time.Duration
	AbuseBlocking          bool
	MaxRecentRegistrations int
	MaxInvitationsPerEmail int
	UploadAllowedMIME      []string
	MaxProfileBytes        int64
	MaxArtworkBytes        int64
	RejectSuspicious       bool
	AuditEnabled           bool
	MetricsEnabled         bool
}

type ReportInput struct {
	RateLimitBackend       string
	Policies               []PolicyReport
	TrustedProxies         []string
	AuthBreakerFailures    uint32
	InvitationMaxAge       time.Duration
	AbuseMode              string
	MaxRecentRegistrations int
	MaxInvitationsPerEmail int
	AllowedMIME            []string
	MaxProfileBytes        int64
	MaxArtworkBytes        int64
	RejectSuspicious       bool
	AuditEnabled           bool
	MetricsEnabled         bool
}

func BuildReport(input ReportInput) Report {
	policies := append([]PolicyReport(nil), input.Policies...)
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	var closed []string
	for _, p := range policies {
		if p.FailMode == "closed" {
			closed = append(closed, p.Name)
		}
	}

	mimes := append([]string(nil), input.AllowedMIME...)
	sort.Strings(mimes)

	return Report{
		RateLimitBackend:       input.RateLimitBackend,
		Policies:               policies,
		FailClosedPolicies:     closed,
		TrustedProxyCount:      len(input.TrustedProxies),
		IdentityBreakerActive:  input.AuthBreakerFailures > 0,
		RoleBreakerActive:      input.AuthBreakerFailures > 0,
		InvitationMaxAge:       input.InvitationMaxAge,
		AbuseBlocking:          input.AbuseMode != "flag",
		MaxRecentRegistrations: input.MaxRecentRegistrations,
		MaxInvitationsPerEmail: input.MaxInvitationsPerEmail,
		UploadAllowedMIME:      mimes,
		MaxProfileBytes:        input.MaxProfileBytes,
		MaxArtworkBytes:        input.MaxArtworkBytes,
		RejectSuspicious:       input.RejectSuspicious,
		AuditEnabled:           input.AuditEnabled,
		MetricsEnabled:         input.MetricsEnabled,
	}
}
