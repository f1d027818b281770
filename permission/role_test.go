package permission

import (
	"errors"
	"testing"
)

func TestRoleSatisfies(t *testing.T) {
	tests := []struct {
		role     Role
		required Role
		want     bool
	}{
		{Collector, Collector, true},
		{Collector, Artist, false},
		{Collector, Admin, false},
		{Artist, Artist, true},
		{Artist, Gallery, false},
		{Artist, Collector, false},
		{Gallery, Gallery, true},
		{Gallery, Artist, true},
		{Gallery, Admin, false},
		{Admin, Collector, true},
		{Admin, Artist, true},
		{Admin, Gallery, true},
		{Admin, Admin, true},
		{RoleUnknown, Collector, false},
		{Admin, RoleUnknown, false},
	}
	for _, tc := range tests {
		if got := tc.role.Satisfies(tc.required); got != tc.want {
			t.Errorf("%s.Satisfies(%s) = %v, want %v", tc.role, tc.required, got, tc.want)
		}
	}
}

func TestParseRole(t *testing.T) {
	for _, name := range []string{"collector", "Artist", " GALLERY ", "admin"} {
		r, err := ParseRole(name)
		if err != nil {
			t.Fatalf("ParseRole(%q): %v", name, err)
		}
		if !r.Valid() {
			t.Fatalf("ParseRole(%q) returned invalid role", name)
		}
	}
	if _, err := ParseRole("superuser"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
	if _, err := ParseRole("unknown"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("unknown must not parse as a role, got %v", err)
	}
}

func TestRoleTextRoundTrip(t *testing.T) {
	var r Role
	if err := r.UnmarshalText([]byte("gallery")); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	text, _ := r.MarshalText()
	if string(text) != "gallery" {
		t.Fatalf("expected gallery, got %s", text)
	}
}

func TestDerive(t *testing.T) {
	if Derive(false, false, false) != Collector {
		t.Fatal("no record must be collector")
	}
	if Derive(false, true, false) != Artist {
		t.Fatal("artist record must be artist")
	}
	if Derive(false, true, true) != Gallery {
		t.Fatal("artist with gallery flag must be gallery")
	}
	if Derive(false, false, true) != Collector {
		t.Fatal("gallery flag without artist record grants nothing")
	}
	if Derive(true, true, true) != Admin {
		t.Fatal("admin wins")
	}
}

func TestDenyReason(t *testing.T) {
	if DenyReason(Admin) != "not_admin" || DenyReason(Gallery) != "not_gallery" || DenyReason(Collector) != "not_collector" {
		t.Fatal("unexpected deny reason codes")
	}
}

func TestRoleSet(t *testing.T) {
	if !Superuser.Contains(Gallery) || Superuser.Contains(RoleUnknown) {
		t.Fatal("superuser must contain every valid role and nothing else")
	}
	s := SetOf(Artist, Collector)
	if !s.Contains(Artist) || s.Contains(Admin) {
		t.Fatalf("unexpected membership in %b", s)
	}
	if got := s.Roles(); len(got) != 2 || got[0] != Collector || got[1] != Artist {
		t.Fatalf("unexpected roles %v", got)
	}
	if s.Without(Artist).Contains(Artist) {
		t.Fatal("without must remove the role")
	}
	if SetOf(RoleUnknown) != 0 {
		t.Fatal("unknown role must not be added")
	}
}

func TestGrants(t *testing.T) {
	if got := Gallery.Grants().Roles(); len(got) != 2 || got[0] != Artist || got[1] != Gallery {
		t.Fatalf("gallery grants %v", got)
	}
	if Admin.Grants() != Superuser {
		t.Fatal("admin grants superuser")
	}
	if RoleUnknown.Grants() != 0 {
		t.Fatal("unknown role grants nothing")
	}
}
