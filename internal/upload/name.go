package upload

import (
	"path"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const maxNameLength = 128

// SanitizeFilename reduces a client-supplied name to a display-safe base
// name. Path separators, control characters and anything outside
// [A-Za-z0-9._-] are removed or replaced. changed reports whether the
// result differs from the input.
func SanitizeFilename(name string) (clean string, changed bool) {
	original := name

	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)

	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		switch {
		case unicode.IsControl(r):
			continue
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' || r == '_'):
			b.WriteRune(r)
			lastUnderscore = r == '_'
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	clean = strings.Trim(b.String(), "._- ")
	for strings.Contains(clean, "..") {
		clean = strings.ReplaceAll(clean, "..", ".")
	}
	if len(clean) > maxNameLength {
		ext := path.Ext(clean)
		if len(ext) > 16 {
			ext = ""
		}
		clean = clean[:maxNameLength-len(ext)] + ext
	}
	if clean == "" {
		clean = "file"
	}

	return clean, clean != original
}

// CanonicalName is the storage name: UTC millisecond timestamp, a random
// id and the extension of the verified type. The client name never
// contributes.
func CanonicalName(now time.Time, id, ext string) string {
	return strconv.FormatInt(now.UTC().UnixMilli(), 10) + "-" + id + ext
}

// ExtensionMatches reports whether filename's extension is a usual one for
// verifiedMIME.
func ExtensionMatches(filename, verifiedMIME string) bool {
	ext := strings.ToLower(path.Ext(filename))
	switch verifiedMIME {
	case "image/jpeg":
		return ext == ".jpg" || ext == ".jpeg" || ext == ".jpe" || ext == ".jfif"
	case "image/png":
		return ext == ".png" || ext == ".apng"
	case "image/webp":
		return ext == ".webp"
	case "image/gif":
		return ext == ".gif"
	default:
		return false
	}
}
