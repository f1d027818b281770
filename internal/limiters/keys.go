package limiters

import "strings"

const unknownPart = "-"

// BucketKey builds the store key for subj under p.
//
// A principal strategy without a resolved principal falls back to the IP so
// anonymous callers still share a bounded bucket.
func BucketKey(p Policy, subj Subject) string {
	ip := normalizePart(subj.IP)
	principal := normalizePart(subj.PrincipalID)

	switch p.KeyStrategy {
	case KeyPrincipal:
		if principal != unknownPart {
			return p.Name + ":p:" + principal
		}
		return p.Name + ":ip:" + ip
	case KeyComposite:
		return p.Name + ":c:" + ip + "|" + principal
	default:
		return p.Name + ":ip:" + ip
	}
}

func normalizePart(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return unknownPart
	}
	// keep bucket keys single-line and unambiguous
	return strings.NewReplacer(":", "_", "|", "_", "\n", "", "\r", "").Replace(v)
}
