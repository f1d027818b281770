package gatekeeper

import (
	"fmt"
	"strings"
	"time"
)

// LintSeverity orders configuration warnings.
type LintSeverity int

const (
	LintInfo LintSeverity = iota
	LintWarn
	LintHigh
)

func (s LintSeverity) String() string {
	switch s {
	case LintInfo:
		return "INFO"
	case LintWarn:
		return "WARN"
	case LintHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// LintWarning is a setting that is valid but probably not what an operator
// wants in production.
type LintWarning struct {
	Code     string
	Severity LintSeverity
	Message  string
}

type LintResult []LintWarning

func (r LintResult) Codes() []string {
	codes := make([]string, 0, len(r))
	for _, w := range r {
		codes = append(codes, w.Code)
	}
	return codes
}

// BySeverity returns warnings at or above min.
func (r LintResult) BySeverity(min LintSeverity) LintResult {
	var out LintResult
	for _, w := range r {
		if w.Severity >= min {
			out = append(out, w)
		}
	}
	return out
}

// AsError returns an error listing every warning at or above min, or nil.
func (r LintResult) AsError(min LintSeverity) error {
	hits := r.BySeverity(min)
	if len(hits) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(hits))
	for _, w := range hits {
		msgs = append(msgs, fmt.Sprintf("[%s] %s: %s", w.Severity, w.Code, w.Message))
	}
	return fmt.Errorf("config lint: %s", strings.Join(msgs, "; "))
}

// Lint inspects a valid configuration for risky combinations.
func (c *Config) Lint() LintResult {
	var ws LintResult
	add := func(code string, sev LintSeverity, msg string) {
		ws = append(ws, LintWarning{Code: code, Severity: sev, Message: msg})
	}

	for _, name := range []string{PolicyAuth, PolicyDeleteAccount} {
		if p, ok := c.RateLimit.Policies[name]; ok && strings.EqualFold(p.FailMode, "open") {
			add("sensitive_policy_fail_open", LintHigh, name+" allows traffic when the bucket store fails")
		}
	}
	if p, ok := c.RateLimit.Policies[PolicyAuth]; ok && p.MaxRequests > 20 {
		add("auth_limit_lenient", LintWarn, "auth policy allows more than 20 attempts per window")
	}
	if p, ok := c.RateLimit.Policies[PolicyDeleteAccount]; ok && !strings.EqualFold(p.KeyStrategy, "principal") {
		add("delete_account_not_principal", LintWarn, "deleteAccount is usually keyed by principal")
	}
	if c.RateLimit.Backend == "memory" {
		add("memory_backend_per_instance", LintInfo, "memory buckets are per process; each instance enforces its own limit")
	}
	for _, proxy := range c.RateLimit.TrustedProxies {
		if proxy == "0.0.0.0/0" || proxy == "::/0" {
			add("trusted_proxies_any", LintHigh, "every peer is trusted to set X-Forwarded-For; clients can choose their rate-limit key")
			break
		}
	}
	if c.RateLimit.StoreTimeout == 0 {
		add("rate_store_unbounded", LintWarn, "bucket increments have no timeout")
	}

	if c.Auth.Breaker.MaxFailures == 0 {
		add("auth_breaker_disabled", LintInfo, "identity provider and role store calls are not circuit broken")
	}
	if c.Auth.UpstreamTimeout > 10*time.Second {
		add("auth_timeout_long", LintWarn, "auth upstream timeout above 10s holds requests open")
	}

	if c.Invitation.AbuseMode == AbuseModeFlag {
		add("invitation_abuse_flag_only", LintWarn, "invitation abuse heuristics only flag and never deny")
	}
	if c.Invitation.MaxAge > 7*24*time.Hour {
		add("invitation_max_age_long", LintWarn, "invitations stay valid for more than a week")
	}

	if !c.Upload.RejectSuspicious {
		add("upload_inspection_permissive", LintHigh, "uploads with embedded payloads are accepted and only flagged")
	}
	if c.Upload.MaxDimension == 0 {
		add("upload_dimension_unbounded", LintWarn, "image dimensions are not bounded")
	}

	if !c.Audit.Enabled {
		add("audit_disabled", LintWarn, "security decisions are not audited")
	}
	if strings.EqualFold(c.Logging.Level, "debug") {
		add("log_level_debug", LintInfo, "debug logging is verbose in production")
	}

	return ws
}
