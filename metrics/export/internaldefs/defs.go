package internaldefs

import (
	"strconv"

	"github.com/canvasmarket/gatekeeper"
)

// CounterDef names one exported counter. Prometheus exports it under Name;
// exporters with attributes group it under Family with an outcome label.
type CounterDef struct {
	ID      gatekeeper.MetricID
	Name    string
	Help    string
	Family  string
	Outcome string
}

// HistogramDef names one exported latency histogram.
type HistogramDef struct {
	ID     gatekeeper.MetricID
	Name   string
	Help   string
	Family string
}

// Counter families.
const (
	FamilyRateLimit     = "rate_limit"
	FamilyAuth          = "auth"
	FamilyAuthorization = "authorization"
	FamilyInvitation    = "invitation"
	FamilyUpload        = "upload"
)

// CounterDefs lists every counter in export order.
var CounterDefs = []CounterDef{
	{gatekeeper.MetricRateLimitAllowed, "gatekeeper_rate_limit_allowed_total", "Requests admitted by a rate-limit policy.", FamilyRateLimit, "allowed"},
	{gatekeeper.MetricRateLimitDenied, "gatekeeper_rate_limit_denied_total", "Requests denied by a rate-limit policy.", FamilyRateLimit, "denied"},
	{gatekeeper.MetricRateLimitStoreFailure, "gatekeeper_rate_limit_store_failure_total", "Bucket store failures.", FamilyRateLimit, "store_failure"},
	{gatekeeper.MetricRateLimitFailOpen, "gatekeeper_rate_limit_fail_open_total", "Requests admitted because the bucket store failed on a fail-open policy.", FamilyRateLimit, "fail_open"},
	{gatekeeper.MetricRateLimitFailClosed, "gatekeeper_rate_limit_fail_closed_total", "Requests refused because the bucket store failed on a fail-closed policy.", FamilyRateLimit, "fail_closed"},
	{gatekeeper.MetricAuthSuccess, "gatekeeper_auth_success_total", "Credentials resolved into a principal.", FamilyAuth, "success"},
	{gatekeeper.MetricAuthFailure, "gatekeeper_auth_failure_total", "Missing, invalid or revoked credentials.", FamilyAuth, "failure"},
	{gatekeeper.MetricAuthUpstreamFailure, "gatekeeper_auth_upstream_failure_total", "Identity provider or role store failures.", FamilyAuth, "upstream_failure"},
	{gatekeeper.MetricAuthorizationDenied, "gatekeeper_authorization_denied_total", "Authenticated requests denied for insufficient privilege.", FamilyAuthorization, "denied"},
	{gatekeeper.MetricInvitationValid, "gatekeeper_invitation_valid_total", "Invitations that passed validation.", FamilyInvitation, "valid"},
	{gatekeeper.MetricInvitationRejected, "gatekeeper_invitation_rejected_total", "Invitations rejected.", FamilyInvitation, "rejected"},
	{gatekeeper.MetricInvitationAbuseFlagged, "gatekeeper_invitation_abuse_flagged_total", "Abuse heuristics that tripped without blocking.", FamilyInvitation, "abuse_flagged"},
	{gatekeeper.MetricInvitationAbuseBlocked, "gatekeeper_invitation_abuse_blocked_total", "Registrations blocked by abuse heuristics.", FamilyInvitation, "abuse_blocked"},
	{gatekeeper.MetricInvitationConsumed, "gatekeeper_invitation_consumed_total", "Invitations marked used.", FamilyInvitation, "consumed"},
	{gatekeeper.MetricInvitationConsumeConflict, "gatekeeper_invitation_consume_conflict_total", "Consume attempts that lost to another caller.", FamilyInvitation, "consume_conflict"},
	{gatekeeper.MetricUploadAccepted, "gatekeeper_upload_accepted_total", "Uploads accepted.", FamilyUpload, "accepted"},
	{gatekeeper.MetricUploadRejected, "gatekeeper_upload_rejected_total", "Uploads rejected.", FamilyUpload, "rejected"},
	{gatekeeper.MetricUploadSuspicious, "gatekeeper_upload_suspicious_total", "Uploads carrying executable or polyglot content.", FamilyUpload, "suspicious"},
}

// HistogramDefs lists every latency histogram in export order.
var HistogramDefs = []HistogramDef{
	{gatekeeper.MetricAuthLatency, "gatekeeper_auth_latency_seconds", "Credential verification latency.", FamilyAuth},
	{gatekeeper.MetricUploadLatency, "gatekeeper_upload_latency_seconds", "Upload validation latency.", FamilyUpload},
}

// Families returns the counter families in first-seen order.
func Families() []string {
	var out []string
	seen := map[string]bool{}
	for _, def := range CounterDefs {
		if !seen[def.Family] {
			seen[def.Family] = true
			out = append(out, def.Family)
		}
	}
	return out
}

// BucketCount is the number of latency buckets including +Inf.
const BucketCount = 8

// HistogramUpperBounds are the finite bucket bounds in seconds. The last
// bucket is +Inf.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// BucketLabel renders bucket i the way Prometheus renders "le".
func BucketLabel(i int) string {
	if i < len(HistogramUpperBounds) {
		return strconv.FormatFloat(HistogramUpperBounds[i], 'g', -1, 64)
	}
	return "+Inf"
}

// NormalizeBuckets copies raw into a fixed-size array, zero-filling.
func NormalizeBuckets(raw []uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	copy(out[:], raw)
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [BucketCount]uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	var running uint64
	for i, n := range raw {
		running += n
		out[i] = running
	}
	return out
}
