package daemon

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/canvasmarket/gatekeeper"
)

var errAlreadyExists = gatekeeper.ErrConflict

type memUser struct {
	email string
	role  gatekeeper.RoleRecord
}

type memArtist struct {
	id        string
	userID    string
	email     string
	createdAt time.Time
}

// memoryDirectory is the in-process stand-in for the postgres repositories
// used when no DSN is configured. State is lost on restart.
type memoryDirectory struct {
	mu          sync.Mutex
	now         func() time.Time
	users       map[string]memUser
	invitations map[string]gatekeeper.Invitation
	artists     []memArtist
}

func newMemoryDirectory(now func() time.Time) *memoryDirectory {
	if now == nil {
		now = time.Now
	}
	return &memoryDirectory{
		now:         now,
		users:       map[string]memUser{},
		invitations: map[string]gatekeeper.Invitation{},
	}
}

func (d *memoryDirectory) LookupRole(_ context.Context, userID string) (gatekeeper.RoleRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return gatekeeper.RoleRecord{}, gatekeeper.ErrNotFound
	}
	return u.role, nil
}

func (d *memoryDirectory) CreateUser(_ context.Context, userID, email string, role gatekeeper.RoleRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[userID]; ok {
		return errAlreadyExists
	}
	d.users[userID] = memUser{email: email, role: role}
	return nil
}

func (d *memoryDirectory) FindInvitation(_ context.Context, token string) (gatekeeper.Invitation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inv, ok := d.invitations[token]
	if !ok {
		return gatekeeper.Invitation{}, gatekeeper.ErrNotFound
	}
	return inv, nil
}

func (d *memoryDirectory) CountInvitations(_ context.Context, email string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, inv := range d.invitations {
		if strings.EqualFold(inv.Email, email) {
			n++
		}
	}
	return n, nil
}

func (d *memoryDirectory) MarkInvitationUsed(_ context.Context, token string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inv, ok := d.invitations[token]
	if !ok || inv.Used {
		return false, nil
	}
	inv.Used = true
	d.invitations[token] = inv
	return true, nil
}

func (d *memoryDirectory) CreateInvitation(_ context.Context, token, email string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.invitations[token]; ok {
		return errAlreadyExists
	}
	d.invitations[token] = gatekeeper.Invitation{
		Token:     token,
		Email:     strings.TrimSpace(email),
		CreatedAt: d.now(),
	}
	return nil
}

func (d *memoryDirectory) ArtistExists(_ context.Context, email string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.artists {
		if strings.EqualFold(a.email, email) {
			return true, nil
		}
	}
	return false, nil
}

func (d *memoryDirectory) CountArtistsSince(_ context.Context, since time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, a := range d.artists {
		if !a.createdAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// RegisterArtist consumes token and records the artist under one lock,
// mirroring the postgres transaction: either both writes happen or neither.
func (d *memoryDirectory) RegisterArtist(_ context.Context, token, id, userID, email string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inv, ok := d.invitations[token]
	if !ok || inv.Used {
		return false, nil
	}
	for _, a := range d.artists {
		if a.userID == userID || strings.EqualFold(a.email, email) {
			return false, errAlreadyExists
		}
	}

	inv.Used = true
	d.invitations[token] = inv
	d.artists = append(d.artists, memArtist{id: id, userID: userID, email: email, createdAt: d.now()})
	u := d.users[userID]
	if u.email == "" {
		u.email = email
	}
	u.role.IsArtist = true
	d.users[userID] = u
	return true, nil
}
