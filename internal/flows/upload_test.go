package flows

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"math/rand"
	"testing"
	"time"

	"github.com/canvasmarket/gatekeeper/internal/upload"
)

func uploadDeps() UploadDeps {
	return UploadDeps{
		MaxProfileBytes:  2 << 20,
		MaxArtworkBytes:  10 << 20,
		MaxDimension:     4096,
		Allowed:          upload.DefaultAllowed,
		RejectSuspicious: true,
		Now:              func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
		NewID:            func() string { return "fixed-id" },
	}
}

func samplePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

func TestRunProcessUploadSuccess(t *testing.T) {
	data := samplePNG(t, 16, 16)
	res := RunProcessUpload(context.Background(), UploadInput{
		Data:         data,
		DeclaredMIME: "image/png",
		Filename:     "../sunset.png",
	}, "u-1", false, uploadDeps())

	if res.Failure != UploadFailureNone {
		t.Fatalf("expected success, got %s flags %v", res.Failure, res.Flags)
	}
	if res.File == nil {
		t.Fatal("expected sanitized file")
	}
	if res.File.VerifiedMIME != "image/png" {
		t.Fatalf("unexpected verified mime %q", res.File.VerifiedMIME)
	}
	if res.File.CanonicalName != "1772366400000-fixed-id.png" {
		t.Fatalf("unexpected canonical name %q", res.File.CanonicalName)
	}
	if res.File.DisplayName != "sunset.png" {
		t.Fatalf("unexpected display name %q", res.File.DisplayName)
	}
	if res.File.Width != 16 || res.File.Height != 16 {
		t.Fatalf("unexpected dimensions %dx%d", res.File.Width, res.File.Height)
	}
	if !hasFlag(res.Flags, upload.FlagFilenameSanitized) {
		t.Fatalf("expected filename_sanitized flag, got %v", res.Flags)
	}

	data[0] = 0
	if res.File.Data[0] == 0 {
		t.Fatal("sanitized file must not alias caller bytes")
	}
}

func TestRunProcessUploadExecutableDeclaredAsPNG(t *testing.T) {
	exe := append([]byte("MZ"), make([]byte, 512)...)
	res := RunProcessUpload(context.Background(), UploadInput{
		Data:         exe,
		DeclaredMIME: "image/png",
		Filename:     "cat.png",
	}, "u-1", false, uploadDeps())

	if res.Failure != UploadFailureMIMENotAllowed {
		t.Fatalf("expected mime_not_allowed, got %s", res.Failure)
	}
	if res.File != nil {
		t.Fatal("no file may be returned on failure")
	}
	if !hasFlag(res.Flags, upload.FlagExecutable) || !hasFlag(res.Flags, upload.FlagMIMEMismatch) {
		t.Fatalf("expected executable and mismatch flags, got %v", res.Flags)
	}
}

func TestRunProcessUploadDeclaredMismatch(t *testing.T) {
	res := RunProcessUpload(context.Background(), UploadInput{
		Data:         samplePNG(t, 4, 4),
		DeclaredMIME: "image/jpeg",
		Filename:     "photo.jpg",
	}, "u-1", false, uploadDeps())

	if res.Failure != UploadFailureMIMEMismatch || !hasFlag(res.Flags, upload.FlagMIMEMismatch) {
		t.Fatalf("expected mime mismatch, got %s %v", res.Failure, res.Flags)
	}
}

func TestRunProcessUploadSizeCeilings(t *testing.T) {
	deps := uploadDeps()
	data := samplePNG(t, 4, 4)
	deps.MaxProfileBytes = int64(len(data) - 1)
	deps.MaxArtworkBytes = int64(len(data))

	in := UploadInput{Data: data, DeclaredMIME: "image/png", Filename: "a.png"}
	if res := RunProcessUpload(context.Background(), in, "u-1", true, deps); res.Failure != UploadFailureTooLarge {
		t.Fatalf("profile ceiling: expected too_large, got %s", res.Failure)
	}
	if res := RunProcessUpload(context.Background(), in, "u-1", false, deps); res.Failure != UploadFailureNone {
		t.Fatalf("artwork ceiling: expected success, got %s", res.Failure)
	}
}

func TestRunProcessUploadRejectsBasics(t *testing.T) {
	deps := uploadDeps()
	if res := RunProcessUpload(context.Background(), UploadInput{Data: []byte{1}}, "", false, deps); res.Failure != UploadFailureMissingOwner {
		t.Fatalf("expected missing owner, got %s", res.Failure)
	}
	if res := RunProcessUpload(context.Background(), UploadInput{}, "u-1", false, deps); res.Failure != UploadFailureEmpty {
		t.Fatalf("expected empty, got %s", res.Failure)
	}
	if res := RunProcessUpload(context.Background(), UploadInput{Data: []byte{1}}, "u-1", false, UploadDeps{}); res.Failure != UploadFailureNotReady {
		t.Fatalf("expected not ready, got %s", res.Failure)
	}
}

func TestRunProcessUploadDimensions(t *testing.T) {
	deps := uploadDeps()
	deps.MaxDimension = 8
	res := RunProcessUpload(context.Background(), UploadInput{
		Data: samplePNG(t, 9, 2), DeclaredMIME: "image/png", Filename: "wide.png",
	}, "u-1", false, deps)
	if res.Failure != UploadFailureDimensions {
		t.Fatalf("expected dimensions failure, got %s", res.Failure)
	}
}

func TestRunProcessUploadPolyglotStrictness(t *testing.T) {
	data := append(samplePNG(t, 4, 4), []byte("<script>alert(1)</script>")...)
	in := UploadInput{Data: data, DeclaredMIME: "image/png", Filename: "a.png"}

	strict := RunProcessUpload(context.Background(), in, "u-1", false, uploadDeps())
	if strict.Failure != UploadFailureSuspicious || strict.File != nil {
		t.Fatalf("strict mode must reject, got %s", strict.Failure)
	}
	if !hasFlag(strict.Flags, upload.FlagEmbeddedScript) {
		t.Fatalf("expected embedded_script flag, got %v", strict.Flags)
	}

	deps := uploadDeps()
	deps.RejectSuspicious = false
	lenient := RunProcessUpload(context.Background(), in, "u-1", false, deps)
	if lenient.Failure != UploadFailureNone || lenient.File == nil {
		t.Fatalf("lenient mode must pass, got %s", lenient.Failure)
	}
	if !hasFlag(lenient.Flags, upload.FlagEmbeddedScript) || !hasFlag(lenient.Flags, upload.FlagTrailingData) {
		t.Fatalf("flags must be recorded on pass, got %v", lenient.Flags)
	}
}

func TestRunProcessUploadAcceptsHighEntropyArtwork(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1400, 1400))
	rand.New(rand.NewSource(42)).Read(img.Pix)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}

	res := RunProcessUpload(context.Background(), UploadInput{
		Data: buf.Bytes(), DeclaredMIME: "image/png", Filename: "noise.png",
	}, "u-1", false, uploadDeps())
	if res.Failure != UploadFailureNone || res.File == nil {
		t.Fatalf("expected %d byte artwork to pass, got %s flags %v", buf.Len(), res.Failure, res.Flags)
	}
	if len(res.Flags) != 0 {
		t.Fatalf("expected no flags, got %v", res.Flags)
	}
}

func TestRunProcessUploadExtensionMismatchIsSoft(t *testing.T) {
	res := RunProcessUpload(context.Background(), UploadInput{
		Data: samplePNG(t, 4, 4), DeclaredMIME: "image/png", Filename: "photo.gif",
	}, "u-1", false, uploadDeps())
	if res.Failure != UploadFailureNone {
		t.Fatalf("expected success, got %s", res.Failure)
	}
	if !hasFlag(res.Flags, upload.FlagExtensionMismatch) {
		t.Fatalf("expected extension_mismatch flag, got %v", res.Flags)
	}
	if res.File.CanonicalName != "1772366400000-fixed-id.png" {
		t.Fatalf("canonical name must use verified extension, got %q", res.File.CanonicalName)
	}
}

func TestRunProcessUploadCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := RunProcessUpload(ctx, UploadInput{
		Data: samplePNG(t, 4, 4), DeclaredMIME: "image/png", Filename: "a.png",
	}, "u-1", false, uploadDeps())
	if res.Failure != UploadFailureCanceled {
		t.Fatalf("expected canceled, got %s", res.Failure)
	}
}
