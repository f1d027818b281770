package flows

import (
	"context"
	"strings"
	"time"

	"github.com/canvasmarket/gatekeeper/internal/upload"
)

// UploadFailureKind classifies the first hard failure of an upload.
type UploadFailureKind int

const (
	UploadFailureNone UploadFailureKind = iota
	UploadFailureNotReady
	UploadFailureMissingOwner
	UploadFailureEmpty
	UploadFailureTooLarge
	UploadFailureMIMENotAllowed
	UploadFailureMIMEMismatch
	UploadFailureUndecodable
	UploadFailureDimensions
	UploadFailureSuspicious
	UploadFailureCanceled
)

func (k UploadFailureKind) String() string {
	switch k {
	case UploadFailureNone:
		return "none"
	case UploadFailureNotReady:
		return "not_ready"
	case UploadFailureMissingOwner:
		return "missing_owner"
	case UploadFailureEmpty:
		return "empty"
	case UploadFailureTooLarge:
		return "too_large"
	case UploadFailureMIMENotAllowed:
		return "mime_not_allowed"
	case UploadFailureMIMEMismatch:
		return "mime_mismatch"
	case UploadFailureUndecodable:
		return "undecodable"
	case UploadFailureDimensions:
		return "dimensions"
	case UploadFailureSuspicious:
		return "suspicious_content"
	case UploadFailureCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// UploadInput is the untrusted file as received.
type UploadInput struct {
	Data         []byte
	DeclaredMIME string
	Filename     string
}

// SanitizedUpload is produced only when every hard check passed.
type SanitizedUpload struct {
	Data          []byte
	VerifiedMIME  string
	CanonicalName string
	DisplayName   string
	Size          int64
	Width         int
	Height        int
}

// UploadDeps captures thresholds and generators for upload validation.
type UploadDeps struct {
	MaxProfileBytes  int64
	MaxArtworkBytes  int64
	MaxDimension     int
	Allowed          map[string]string
	RejectSuspicious bool
	Now              func() time.Time
	NewID            func() string
}

// UploadResult carries the first hard failure, every flag recorded so far,
// and the sanitized file on success.
type UploadResult struct {
	Failure UploadFailureKind
	Flags   []string
	File    *SanitizedUpload
	// Detected is the sniffed MIME, kept for audit even on failure.
	Detected string
}

// RunProcessUpload validates an untrusted upload. Check order: owner, size,
// magic-byte MIME, filename, image structure, deep inspection.
func RunProcessUpload(ctx context.Context, in UploadInput, ownerID string, isProfilePicture bool, deps UploadDeps) UploadResult {
	if deps.Allowed == nil || deps.NewID == nil {
		return UploadResult{Failure: UploadFailureNotReady}
	}
	now := time.Now
	if deps.Now != nil {
		now = deps.Now
	}

	if strings.TrimSpace(ownerID) == "" {
		return UploadResult{Failure: UploadFailureMissingOwner}
	}

	// 1. size
	size := int64(len(in.Data))
	if size == 0 {
		return UploadResult{Failure: UploadFailureEmpty}
	}
	limit := deps.MaxArtworkBytes
	if isProfilePicture {
		limit = deps.MaxProfileBytes
	}
	if limit > 0 && size > limit {
		return UploadResult{Failure: UploadFailureTooLarge}
	}

	// 2. content type
	var flags []string
	sniffed := upload.Sniff(in.Data, deps.Allowed)
	if sniffed.Allowed == "" {
		flags = append(flags, upload.FlagMIMENotAllowed)
		if sniffed.Executable {
			flags = append(flags, upload.FlagExecutable)
		}
		if declared := upload.NormalizeMIME(in.DeclaredMIME); declared != "" && declared != sniffed.MIME {
			flags = append(flags, upload.FlagMIMEMismatch)
		}
		return UploadResult{Failure: UploadFailureMIMENotAllowed, Flags: flags, Detected: sniffed.MIME}
	}
	declared := upload.NormalizeMIME(in.DeclaredMIME)
	if declared != sniffed.Allowed {
		flags = append(flags, upload.FlagMIMEMismatch)
		return UploadResult{Failure: UploadFailureMIMEMismatch, Flags: flags, Detected: sniffed.MIME}
	}

	// 3. filename
	display, changed := upload.SanitizeFilename(in.Filename)
	if changed {
		flags = append(flags, upload.FlagFilenameSanitized)
	}
	if !upload.ExtensionMatches(display, sniffed.Allowed) {
		flags = append(flags, upload.FlagExtensionMismatch)
	}

	if err := ctx.Err(); err != nil {
		return UploadResult{Failure: UploadFailureCanceled, Flags: flags, Detected: sniffed.MIME}
	}

	// 4. structure and deep inspection
	width, height, err := upload.Dimensions(in.Data)
	if err != nil {
		flags = append(flags, upload.FlagUndecodable)
		return UploadResult{Failure: UploadFailureUndecodable, Flags: flags, Detected: sniffed.MIME}
	}
	if deps.MaxDimension > 0 && (width > deps.MaxDimension || height > deps.MaxDimension) {
		return UploadResult{Failure: UploadFailureDimensions, Flags: flags, Detected: sniffed.MIME}
	}

	hard := false
	for _, finding := range upload.Inspect(in.Data, sniffed.Allowed) {
		flags = append(flags, finding.Flag)
		if finding.Hard {
			hard = true
		}
	}
	if hard && deps.RejectSuspicious {
		return UploadResult{Failure: UploadFailureSuspicious, Flags: flags, Detected: sniffed.MIME}
	}

	ext := deps.Allowed[sniffed.Allowed]
	data := make([]byte, len(in.Data))
	copy(data, in.Data)

	return UploadResult{
		Flags:    flags,
		Detected: sniffed.MIME,
		File: &SanitizedUpload{
			Data:          data,
			VerifiedMIME:  sniffed.Allowed,
			CanonicalName: upload.CanonicalName(now(), deps.NewID(), ext),
			DisplayName:   display,
			Size:          size,
			Width:         width,
			Height:        height,
		},
	}
}
