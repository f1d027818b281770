package gatekeeper

import (
	"context"
	"io"
	"time"

	internalaudit "github.com/canvasmarket/gatekeeper/internal/audit"
	internalmetrics "github.com/canvasmarket/gatekeeper/internal/metrics"
	"github.com/canvasmarket/gatekeeper/internal/upload"
	"github.com/canvasmarket/gatekeeper/permission"
)

// Principal is the caller resolved for one request. It is rebuilt on
// every verification and never cached.
type Principal struct {
	ID      string
	Email   string
	Role    permission.Role
	IsAdmin bool
}

// Credential is the opaque bearer or session value presented by a caller.
type Credential string

// Identity is what an IdentityProvider resolves a credential to.
type Identity struct {
	UserID       string
	Email        string
	SessionValid bool
}

// RoleRecord is the persisted role state of one user.
type RoleRecord struct {
	IsAdmin   bool
	IsArtist  bool
	IsGallery bool
}

// Invitation is one onboarding token row.
type Invitation struct {
	Token     string
	Email     string
	CreatedAt time.Time
	Used      bool
}

// IdentityProvider resolves a credential into a raw identity. A rejected
// credential must be reported as ErrInvalidCredential; any other error is
// treated as a dependency failure.
type IdentityProvider interface {
	ResolveIdentity(ctx context.Context, credential Credential) (Identity, error)
}

// RoleStore returns the persisted role record for a user, or ErrNotFound.
type RoleStore interface {
	LookupRole(ctx context.Context, userID string) (RoleRecord, error)
}

// InvitationStore reads invitation rows and performs the single
// conditional write that marks one used.
type InvitationStore interface {
	FindInvitation(ctx context.Context, token string) (Invitation, error)
	CountInvitations(ctx context.Context, email string) (int, error)
	// MarkInvitationUsed sets used=true only where used=false and reports
	// whether this call flipped it.
	MarkInvitationUsed(ctx context.Context, token string) (bool, error)
}

// ArtistStore answers the artist-record questions invitation validation
// asks.
type ArtistStore interface {
	ArtistExists(ctx context.Context, email string) (bool, error)
	CountArtistsSince(ctx context.Context, since time.Time) (int, error)
}

// RequestInfo is the part of a request rate-limit keys are built from.
type RequestInfo struct {
	IP          string
	PrincipalID string
}

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Policy     string
	Key        string
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
	// Degraded is set when the bucket store failed and the policy's fail
	// mode decided the outcome.
	Degraded bool
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds. A denied
// decision always reports at least 1.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	return ceilSeconds(d.RetryAfter)
}

// UploadCandidate is an untrusted file exactly as received.
type UploadCandidate struct {
	Data         []byte
	DeclaredMIME string
	Filename     string
}

// SecurityFlag names one finding recorded while validating an upload.
type SecurityFlag string

const (
	FlagMIMEMismatch       SecurityFlag = upload.FlagMIMEMismatch
	FlagMIMENotAllowed     SecurityFlag = upload.FlagMIMENotAllowed
	FlagExecutable         SecurityFlag = upload.FlagExecutable
	FlagEmbeddedScript     SecurityFlag = upload.FlagEmbeddedScript
	FlagEmbeddedExecutable SecurityFlag = upload.FlagEmbeddedBinary
	FlagEmbeddedArchive    SecurityFlag = upload.FlagEmbeddedArchive
	FlagEmbeddedDocument   SecurityFlag = upload.FlagEmbeddedDocument
	FlagTrailingData       SecurityFlag = upload.FlagTrailingData
	FlagUndecodable        SecurityFlag = upload.FlagUndecodable
	FlagFilenameSanitized  SecurityFlag = upload.FlagFilenameSanitized
	FlagExtensionMismatch  SecurityFlag = upload.FlagExtensionMismatch
)

// SanitizedFile is the only form of an upload that may be persisted.
type SanitizedFile struct {
	Data          []byte
	VerifiedMIME  string
	CanonicalName string
	// DisplayName is the sanitized client filename. It is never used as a
	// storage key.
	DisplayName string
	Size        int64
	Width       int
	Height      int
	Flags       []SecurityFlag
}

// UploadResult reports the outcome of ProcessSecureUpload. File is nil
// unless Valid.
type UploadResult struct {
	Valid bool
	File  *SanitizedFile
	Flags []SecurityFlag
}

// AuditEvent is one security-relevant gateway decision.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink = internalaudit.Sink

type NoOpSink = internalaudit.NoOpSink

// ChannelSink forwards events into a buffered channel. Useful in tests.
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink = internalaudit.JSONWriterSink

// ZapSink writes events through a zap logger.
type ZapSink = internalaudit.ZapSink

func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// MetricID identifies a counter or latency histogram.
type MetricID = internalmetrics.MetricID

const (
	MetricRateLimitAllowed          = internalmetrics.MetricRateLimitAllowed
	MetricRateLimitDenied           = internalmetrics.MetricRateLimitDenied
	MetricRateLimitStoreFailure     = internalmetrics.MetricRateLimitStoreFailure
	MetricRateLimitFailOpen         = internalmetrics.MetricRateLimitFailOpen
	MetricRateLimitFailClosed       = internalmetrics.MetricRateLimitFailClosed
	MetricAuthSuccess               = internalmetrics.MetricAuthSuccess
	MetricAuthFailure               = internalmetrics.MetricAuthFailure
	MetricAuthUpstreamFailure       = internalmetrics.MetricAuthUpstreamFailure
	MetricAuthorizationDenied       = internalmetrics.MetricAuthorizationDenied
	MetricInvitationValid           = internalmetrics.MetricInvitationValid
	MetricInvitationRejected        = internalmetrics.MetricInvitationRejected
	MetricInvitationAbuseFlagged    = internalmetrics.MetricInvitationAbuseFlagged
	MetricInvitationAbuseBlocked    = internalmetrics.MetricInvitationAbuseBlocked
	MetricInvitationConsumed        = internalmetrics.MetricInvitationConsumed
	MetricInvitationConsumeConflict = internalmetrics.MetricInvitationConsumeConflict
	MetricUploadAccepted            = internalmetrics.MetricUploadAccepted
	MetricUploadRejected            = internalmetrics.MetricUploadRejected
	MetricUploadSuspicious          = internalmetrics.MetricUploadSuspicious
	MetricAuthLatency               = internalmetrics.MetricAuthLatency
	MetricUploadLatency             = internalmetrics.MetricUploadLatency
)

// Metrics holds atomic counters and optional latency histograms.
type Metrics = internalmetrics.Metrics

// MetricsSnapshot is a point-in-time copy of all metrics.
type MetricsSnapshot = internalmetrics.Snapshot

// NewMetrics creates a Metrics instance. When cfg.Enabled is false every
// operation is a no-op.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return internalmetrics.New(internalmetrics.Config{
		Enabled:       cfg.Enabled,
		EnableLatency: cfg.EnableLatencyHistograms,
	})
}
