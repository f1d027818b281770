package permission

import (
	"errors"
	"strings"
)

// ErrUnknownRole is returned by ParseRole for names outside the variant.
var ErrUnknownRole = errors.New("unknown role")

// Role is the closed set of marketplace roles.
type Role uint8

const (
	RoleUnknown Role = iota
	Collector
	Artist
	Gallery
	Admin
)

var roleNames = [...]string{
	RoleUnknown: "unknown",
	Collector:   "collector",
	Artist:      "artist",
	Gallery:     "gallery",
	Admin:       "admin",
}

func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return roleNames[RoleUnknown]
}

// Valid reports whether r is one of the four concrete roles.
func (r Role) Valid() bool {
	return r >= Collector && r <= Admin
}

// ParseRole validates a role name. It is case-insensitive.
func ParseRole(name string) (Role, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i := Collector; i <= Admin; i++ {
		if roleNames[i] == name {
			return i, nil
		}
	}
	return RoleUnknown, ErrUnknownRole
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Grants returns the set of roles r may act as. A gallery is an artist
// record with the gallery flag, so it acts as an artist too.
func (r Role) Grants() RoleSet {
	switch r {
	case Collector, Artist:
		return SetOf(r)
	case Gallery:
		return SetOf(Gallery, Artist)
	case Admin:
		return Superuser
	default:
		return 0
	}
}

// Satisfies reports whether r passes a check that requires required.
func (r Role) Satisfies(required Role) bool {
	if !r.Valid() {
		return false
	}
	return r.Grants().Contains(required)
}

// IsAdmin reports whether r is the admin role.
func (r Role) IsAdmin() bool {
	return r == Admin
}

// DenyReason is the machine-readable code for failing a check on r.
func DenyReason(required Role) string {
	return "not_" + required.String()
}

// Derive picks the role for a persisted record. Admin wins over gallery,
// gallery over artist; an account with no elevated record is a collector.
func Derive(isAdmin, isArtist, isGallery bool) Role {
	switch {
	case isAdmin:
		return Admin
	case isArtist && isGallery:
		return Gallery
	case isArtist:
		return Artist
	default:
		return Collector
	}
}
