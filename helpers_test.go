package gatekeeper

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: testEpoch} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeIdentity resolves credentials of the form "tok-<userID>".
type fakeIdentity struct {
	mu      sync.Mutex
	revoked map[string]bool
	err     error
	delay   time.Duration
	calls   int
}

func (f *fakeIdentity) ResolveIdentity(ctx context.Context, credential Credential) (Identity, error) {
	f.mu.Lock()
	f.calls++
	err, delay := f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Identity{}, ctx.Err()
		}
	}
	if err != nil {
		return Identity{}, err
	}
	userID, ok := strings.CutPrefix(string(credential), "tok-")
	if !ok || userID == "" {
		return Identity{}, ErrInvalidCredential
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return Identity{UserID: userID, Email: userID + "@example.com", SessionValid: !f.revoked[userID]}, nil
}

type fakeRoles struct {
	mu      sync.Mutex
	records map[string]RoleRecord
	err     error
	delay   time.Duration
	lookups []string
}

func (f *fakeRoles) LookupRole(ctx context.Context, userID string) (RoleRecord, error) {
	f.mu.Lock()
	f.lookups = append(f.lookups, userID)
	err, delay := f.err, f.delay
	rec, ok := f.records[userID]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return RoleRecord{}, ctx.Err()
		}
	}
	if err != nil {
		return RoleRecord{}, err
	}
	if !ok {
		return RoleRecord{}, ErrNotFound
	}
	return rec, nil
}

func (f *fakeRoles) set(userID string, rec RoleRecord) {
	f.mu.Lock()
	f.records[userID] = rec
	f.mu.Unlock()
}

// fakeInvitations holds invitation and artist rows behind one lock so the
// conditional update is atomic like the SQL statement it stands in for.
type fakeInvitations struct {
	mu          sync.Mutex
	invitations map[string]Invitation
	artists     map[string]time.Time
	err         error
	// hang, when set, blocks FindInvitation until closed, ignoring ctx.
	hang chan struct{}
}

func newFakeInvitations() *fakeInvitations {
	return &fakeInvitations{
		invitations: make(map[string]Invitation),
		artists:     make(map[string]time.Time),
	}
}

func (f *fakeInvitations) FindInvitation(_ context.Context, token string) (Invitation, error) {
	if f.hang != nil {
		<-f.hang
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Invitation{}, f.err
	}
	inv, ok := f.invitations[token]
	if !ok {
		return Invitation{}, ErrNotFound
	}
	return inv, nil
}

func (f *fakeInvitations) CountInvitations(_ context.Context, email string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, inv := range f.invitations {
		if strings.EqualFold(inv.Email, email) {
			n++
		}
	}
	return n, nil
}

func (f *fakeInvitations) MarkInvitationUsed(_ context.Context, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invitations[token]
	if !ok || inv.Used {
		return false, nil
	}
	inv.Used = true
	f.invitations[token] = inv
	return true, nil
}

func (f *fakeInvitations) ArtistExists(_ context.Context, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.artists[strings.ToLower(email)]
	return ok, nil
}

func (f *fakeInvitations) CountArtistsSince(_ context.Context, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, at := range f.artists {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeInvitations) add(inv Invitation) {
	f.mu.Lock()
	f.invitations[inv.Token] = inv
	f.mu.Unlock()
}

// errStore fails every bucket operation.
type errStore struct{}

func (errStore) Increment(context.Context, string, time.Duration) (BucketWindow, error) {
	return BucketWindow{}, errors.New("dial tcp 10.0.0.5:6379: connection refused")
}
func (errStore) Reset(context.Context, string) error { return errors.New("connection refused") }
func (errStore) Close() error                        { return nil }

type testEnv struct {
	gw       *Gateway
	clock    *testClock
	identity *fakeIdentity
	roles    *fakeRoles
	store    *fakeInvitations
	logs     *observer.ObservedLogs
	audit    *ChannelSink
}

type envOption func(*Config, *Builder)

func withRateStore(s RateStore) envOption {
	return func(_ *Config, b *Builder) { b.WithRateStore(s) }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	env := &testEnv{
		clock:    newTestClock(),
		identity: &fakeIdentity{revoked: map[string]bool{}},
		roles:    &fakeRoles{records: map[string]RoleRecord{}},
		store:    newFakeInvitations(),
		logs:     logs,
		audit:    NewChannelSink(256),
	}

	cfg := DefaultConfig()
	cfg.Auth.UpstreamTimeout = 50 * time.Millisecond
	b := New()
	for _, opt := range opts {
		opt(&cfg, b)
	}

	gw, err := b.WithConfig(cfg).
		WithIdentityProvider(env.identity).
		WithRoleStore(env.roles).
		WithInvitationStore(env.store).
		WithArtistStore(env.store).
		WithLogger(zap.New(core)).
		WithAuditSink(env.audit).
		WithClock(env.clock.Now).
		WithIDGenerator(func() string { return "fixed-id" }).
		Build()
	if err != nil {
		t.Fatalf("build gateway: %v", err)
	}
	t.Cleanup(gw.Close)
	env.gw = gw
	return env
}

func samplePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func kindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindServer
}
