package gatekeeper

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/canvasmarket/gatekeeper/internal/flows"
	"github.com/canvasmarket/gatekeeper/internal/security"
)

// ProcessSecureUpload validates an untrusted upload for ownerID.
//
// Checks run in order: size (profile pictures use the smaller ceiling),
// magic-byte type against the allow-list and the declared type, filename
// sanitisation, image structure, then deep inspection for embedded
// payloads. The first hard failure stops validation. Flags recorded up to
// that point are returned either way. UploadResult.File is set only when
// every check passed; callers must never persist the candidate bytes
// otherwise.
func (g *Gateway) ProcessSecureUpload(ctx context.Context, candidate UploadCandidate, ownerID string, isProfilePicture bool) (UploadResult, error) {
	if g == nil {
		return UploadResult{}, serverError(errors.New("gateway not initialized"))
	}
	start := time.Now()
	defer func() {
		g.metrics.Observe(MetricUploadLatency, time.Since(start))
	}()

	res := flows.RunProcessUpload(ctx, flows.UploadInput{
		Data:         candidate.Data,
		DeclaredMIME: candidate.DeclaredMIME,
		Filename:     candidate.Filename,
	}, ownerID, isProfilePicture, g.uploadDeps())

	flags := toSecurityFlags(res.Flags)
	log := g.logger.With(
		zap.String("owner_id", ownerID),
		zap.Bool("profile_picture", isProfilePicture),
		zap.Int("size", len(candidate.Data)),
		zap.String("declared_mime", security.Redact(candidate.DeclaredMIME)),
		zap.String("detected_mime", res.Detected),
		zap.Strings("flags", res.Flags),
	)

	if res.Failure == flows.UploadFailureNone && res.File != nil {
		g.metrics.Inc(MetricUploadAccepted)
		if hasHardFlag(flags) {
			g.metrics.Inc(MetricUploadSuspicious)
			log.Warn("upload accepted with security flags")
		} else {
			log.Debug("upload accepted")
		}
		g.emitAudit(ctx, auditRecord{
			eventType: auditEventUploadAccepted,
			success:   true,
			userID:    ownerID,
			metadata:  uploadAuditMetadata(res.Detected, res.Flags),
		})
		f := res.File
		return UploadResult{
			Valid: true,
			Flags: flags,
			File: &SanitizedFile{
				Data:          f.Data,
				VerifiedMIME:  f.VerifiedMIME,
				CanonicalName: f.CanonicalName,
				DisplayName:   f.DisplayName,
				Size:          f.Size,
				Width:         f.Width,
				Height:        f.Height,
				Flags:         flags,
			},
		}, nil
	}

	var gerr *Error
	switch res.Failure {
	case flows.UploadFailureMissingOwner:
		gerr = authenticationError(nil)
	case flows.UploadFailureEmpty:
		gerr = validationError("file_missing", msgFileMissing, nil)
	case flows.UploadFailureTooLarge:
		limit := g.config.Upload.MaxArtworkBytes
		if isProfilePicture {
			limit = g.config.Upload.MaxProfileBytes
		}
		gerr = validationError("file_too_large", msgFileTooLarge, nil)
		gerr.Details = map[string]any{"maxBytes": limit}
	case flows.UploadFailureMIMENotAllowed:
		gerr = validationError("unsupported_type", msgFileType, nil)
	case flows.UploadFailureMIMEMismatch:
		gerr = validationError("mime_mismatch", msgFileMismatch, nil)
	case flows.UploadFailureUndecodable, flows.UploadFailureDimensions:
		gerr = validationError("invalid_image", msgFileInvalid, nil)
	case flows.UploadFailureSuspicious:
		g.metrics.Inc(MetricUploadSuspicious)
		gerr = validationError("file_rejected", msgFileRejected, nil)
	case flows.UploadFailureCanceled:
		gerr = serverError(ctx.Err())
	default:
		gerr = serverError(errors.New("upload validation not configured"))
	}

	g.metrics.Inc(MetricUploadRejected)
	if hasHardFlag(flags) {
		log.Warn("upload rejected", zap.String("reason", res.Failure.String()))
	} else {
		log.Info("upload rejected", zap.String("reason", res.Failure.String()))
	}
	g.emitAudit(ctx, auditRecord{
		eventType: auditEventUploadRejected,
		userID:    ownerID,
		reason:    res.Failure.String(),
		err:       gerr,
		metadata:  uploadAuditMetadata(res.Detected, res.Flags),
	})
	return UploadResult{Flags: flags}, gerr
}

func (g *Gateway) uploadDeps() flows.UploadDeps {
	cfg := g.config.Upload
	return flows.UploadDeps{
		MaxProfileBytes:  cfg.MaxProfileBytes,
		MaxArtworkBytes:  cfg.MaxArtworkBytes,
		MaxDimension:     cfg.MaxDimension,
		Allowed:          g.allowedMIME,
		RejectSuspicious: cfg.RejectSuspicious,
		Now:              g.now,
		NewID:            g.newID,
	}
}

func toSecurityFlags(flags []string) []SecurityFlag {
	if len(flags) == 0 {
		return nil
	}
	out := make([]SecurityFlag, len(flags))
	for i, f := range flags {
		out[i] = SecurityFlag(f)
	}
	return out
}

// hasHardFlag reports flags that indicate hostile content rather than a
// sloppy client.
func hasHardFlag(flags []SecurityFlag) bool {
	for _, f := range flags {
		switch f {
		case FlagExecutable, FlagEmbeddedScript, FlagEmbeddedExecutable, FlagEmbeddedArchive, FlagMIMEMismatch:
			return true
		}
	}
	return false
}

func uploadAuditMetadata(detected string, flags []string) func() map[string]string {
	return func() map[string]string {
		return map[string]string{
			"detected_mime": detected,
			"flags":         strings.Join(flags, ","),
			"flag_count":    strconv.Itoa(len(flags)),
		}
	}
}
