package upload

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const octetStream = "application/octet-stream"

// DefaultAllowed maps allowed image MIME types to their canonical extension.
var DefaultAllowed = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

var executableMIMEs = []string{
	"application/vnd.microsoft.portable-executable",
	"application/x-elf",
	"application/x-mach-binary",
	"application/x-msdownload",
	"text/x-shellscript",
	"text/x-php",
	"application/x-java-applet",
	"application/wasm",
}

// Sniffed is the outcome of magic-byte detection.
type Sniffed struct {
	// MIME is the most specific detected type.
	MIME string
	// Allowed is the allow-listed type MIME belongs to, or empty.
	Allowed string
	// Executable reports executable or script content.
	Executable bool
}

// Sniff detects the content type of data and matches it against allowed.
// Subtypes count as their allow-listed parent (an animated PNG is a PNG).
func Sniff(data []byte, allowed map[string]string) Sniffed {
	detected := mimetype.Detect(data)
	out := Sniffed{MIME: NormalizeMIME(detected.String())}

	for m := detected; m != nil; m = m.Parent() {
		name := NormalizeMIME(m.String())
		if name == octetStream {
			break
		}
		if _, ok := allowed[name]; ok && out.Allowed == "" {
			out.Allowed = name
		}
		for _, exe := range executableMIMEs {
			if m.Is(exe) {
				out.Executable = true
			}
		}
	}

	return out
}

// NormalizeMIME lowercases a MIME type, drops parameters and folds common
// non-standard spellings.
func NormalizeMIME(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(value); err == nil {
		value = parsed
	} else if i := strings.IndexByte(value, ';'); i >= 0 {
		value = value[:i]
	}
	value = strings.ToLower(strings.TrimSpace(value))

	switch value {
	case "image/jpg", "image/pjpeg":
		return "image/jpeg"
	case "image/x-png":
		return "image/png"
	}
	return value
}
