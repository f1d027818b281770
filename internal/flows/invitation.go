package flows

import (
	"context"
	"errors"
	"strings"
	"time"
)

// InvitationFailureKind classifies invitation failures. Only the Gateway
// decides which of them share a public message.
type InvitationFailureKind int

const (
	InvitationFailureNone InvitationFailureKind = iota
	InvitationFailureNotReady
	InvitationFailureInvalidInput
	InvitationFailureNotFound
	InvitationFailureUsed
	InvitationFailureEmailMismatch
	InvitationFailureExpired
	InvitationFailureArtistExists
	InvitationFailureRecentRegistrations
	InvitationFailureMultipleInvitations
	InvitationFailureUpstream
	InvitationFailureConsumeConflict
)

func (k InvitationFailureKind) String() string {
	switch k {
	case InvitationFailureNone:
		return "none"
	case InvitationFailureNotReady:
		return "not_ready"
	case InvitationFailureInvalidInput:
		return "invalid_input"
	case InvitationFailureNotFound:
		return "not_found"
	case InvitationFailureUsed:
		return "used"
	case InvitationFailureEmailMismatch:
		return "email_mismatch"
	case InvitationFailureExpired:
		return "expired"
	case InvitationFailureArtistExists:
		return "artist_exists"
	case InvitationFailureRecentRegistrations:
		return "abuse_recent_registrations"
	case InvitationFailureMultipleInvitations:
		return "abuse_multiple_invitations"
	case InvitationFailureUpstream:
		return "upstream"
	case InvitationFailureConsumeConflict:
		return "consume_conflict"
	default:
		return "unknown"
	}
}

// Abuse reports whether k is one of the abuse heuristics.
func (k InvitationFailureKind) Abuse() bool {
	return k == InvitationFailureRecentRegistrations || k == InvitationFailureMultipleInvitations
}

// Invitation is one onboarding token row.
type Invitation struct {
	Token     string
	Email     string
	CreatedAt time.Time
	Used      bool
}

// InvitationDeps captures the read-only stores and thresholds used by
// invitation validation.
type InvitationDeps struct {
	FindInvitation    func(ctx context.Context, token string) (Invitation, error)
	ArtistExists      func(ctx context.Context, email string) (bool, error)
	CountArtistsSince func(ctx context.Context, since time.Time) (int, error)
	CountInvitations  func(ctx context.Context, email string) (int, error)
	Now               func() time.Time

	MaxAge                 time.Duration
	RegistrationWindow     time.Duration
	MaxRecentRegistrations int
	MaxInvitationsPerEmail int
	// BlockAbuse turns abuse heuristics into denies; otherwise they are
	// reported in Flagged and validation continues.
	BlockAbuse bool

	ErrNotFound error
}

// InvitationResult returns success or the first failing check. Flagged
// lists abuse heuristics that tripped without blocking.
type InvitationResult struct {
	Failure InvitationFailureKind
	Err     error
	Flagged []InvitationFailureKind
}

// OK reports whether validation passed.
func (r InvitationResult) OK() bool {
	return r.Failure == InvitationFailureNone
}

// RunVerifyInvitation validates that token is a live invitation for email.
// It never writes.
func RunVerifyInvitation(ctx context.Context, email, token string, deps InvitationDeps) InvitationResult {
	if deps.FindInvitation == nil || deps.ArtistExists == nil || deps.CountArtistsSince == nil || deps.CountInvitations == nil {
		return InvitationResult{Failure: InvitationFailureNotReady}
	}
	now := time.Now
	if deps.Now != nil {
		now = deps.Now
	}

	email = NormalizeEmail(email)
	token = strings.TrimSpace(token)
	if email == "" || token == "" {
		return InvitationResult{Failure: InvitationFailureInvalidInput}
	}

	inv, err := deps.FindInvitation(ctx, token)
	if err != nil {
		if deps.ErrNotFound != nil && errors.Is(err, deps.ErrNotFound) {
			return InvitationResult{Failure: InvitationFailureNotFound}
		}
		return InvitationResult{Failure: InvitationFailureUpstream, Err: err}
	}

	if kind := checkInvitationRecord(inv, email, now(), deps.MaxAge); kind != InvitationFailureNone {
		return InvitationResult{Failure: kind}
	}

	exists, err := deps.ArtistExists(ctx, email)
	if err != nil {
		return InvitationResult{Failure: InvitationFailureUpstream, Err: err}
	}
	if exists {
		return InvitationResult{Failure: InvitationFailureArtistExists}
	}

	var result InvitationResult

	recent, err := deps.CountArtistsSince(ctx, now().Add(-deps.RegistrationWindow))
	if err != nil {
		return InvitationResult{Failure: InvitationFailureUpstream, Err: err}
	}
	if OverThreshold(recent, deps.MaxRecentRegistrations) {
		if deps.BlockAbuse {
			return InvitationResult{Failure: InvitationFailureRecentRegistrations}
		}
		result.Flagged = append(result.Flagged, InvitationFailureRecentRegistrations)
	}

	invites, err := deps.CountInvitations(ctx, email)
	if err != nil {
		return InvitationResult{Failure: InvitationFailureUpstream, Err: err}
	}
	if OverThreshold(invites, deps.MaxInvitationsPerEmail) {
		if deps.BlockAbuse {
			return InvitationResult{Failure: InvitationFailureMultipleInvitations, Flagged: result.Flagged}
		}
		result.Flagged = append(result.Flagged, InvitationFailureMultipleInvitations)
	}

	return result
}

// checkInvitationRecord runs the record-only checks in order: used, email,
// age.
func checkInvitationRecord(inv Invitation, email string, now time.Time, maxAge time.Duration) InvitationFailureKind {
	if inv.Used {
		return InvitationFailureUsed
	}
	if !strings.EqualFold(NormalizeEmail(inv.Email), email) {
		return InvitationFailureEmailMismatch
	}
	if maxAge > 0 && now.Sub(inv.CreatedAt) > maxAge {
		return InvitationFailureExpired
	}
	return InvitationFailureNone
}

// OverThreshold reports count > limit. A non-positive limit disables the
// check.
func OverThreshold(count, limit int) bool {
	return limit > 0 && count > limit
}

// NormalizeEmail trims and lowercases an address for comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ConsumeDeps captures the conditional "mark used" write.
type ConsumeDeps struct {
	// MarkUsed flips used=false to used=true and reports whether a row
	// changed. It must be a single conditional update.
	MarkUsed func(ctx context.Context, token string) (bool, error)
	Timeout  time.Duration
}

// RunConsumeInvitation marks token used. The write runs on a context
// detached from the caller's cancellation so it either commits or fails as
// a whole; its own timeout still bounds it.
func RunConsumeInvitation(ctx context.Context, token string, deps ConsumeDeps) InvitationResult {
	if deps.MarkUsed == nil {
		return InvitationResult{Failure: InvitationFailureNotReady}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return InvitationResult{Failure: InvitationFailureInvalidInput}
	}

	writeCtx := context.WithoutCancel(ctx)
	if deps.Timeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(writeCtx, deps.Timeout)
		defer cancel()
	}

	changed, err := deps.MarkUsed(writeCtx, token)
	if err != nil {
		return InvitationResult{Failure: InvitationFailureUpstream, Err: err}
	}
	if !changed {
		return InvitationResult{Failure: InvitationFailureConsumeConflict}
	}
	return InvitationResult{}
}
