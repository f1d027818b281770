package permission

// superuserBit marks a set that contains every role.
const superuserBit = 63

// RoleSet is a bitset of roles, one bit per Role value.
type RoleSet uint64

// Superuser is the set that satisfies every role check.
const Superuser RoleSet = 1 << superuserBit

// SetOf returns the set holding exactly roles.
func SetOf(roles ...Role) RoleSet {
	var s RoleSet
	for _, r := range roles {
		s = s.With(r)
	}
	return s
}

// With returns s plus r. Invalid roles are ignored.
func (s RoleSet) With(r Role) RoleSet {
	if !r.Valid() {
		return s
	}
	return s | 1<<uint(r)
}

// Without returns s minus r.
func (s RoleSet) Without(r Role) RoleSet {
	if !r.Valid() {
		return s
	}
	return s &^ (1 << uint(r))
}

// Contains reports whether r is in s. A superuser set contains every
// valid role.
func (s RoleSet) Contains(r Role) bool {
	if !r.Valid() {
		return false
	}
	if s&Superuser != 0 {
		return true
	}
	return s&(1<<uint(r)) != 0
}

// Roles lists the explicit members of s in ascending order. The superuser
// bit is not expanded.
func (s RoleSet) Roles() []Role {
	var out []Role
	for r := Collector; r <= Admin; r++ {
		if s&(1<<uint(r)) != 0 {
			out = append(out, r)
		}
	}
	return out
}
