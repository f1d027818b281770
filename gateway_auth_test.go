package gatekeeper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/canvasmarket/gatekeeper/permission"
)

func authedRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	r.RemoteAddr = "203.0.113.7:40000"
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestVerifyAuthResolvesPrincipal(t *testing.T) {
	env := newTestEnv(t)
	env.roles.set("u-1", RoleRecord{IsArtist: true})

	p, err := env.gw.VerifyAuth(authedRequest("tok-u-1"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.ID != "u-1" || p.Email != "u-1@example.com" {
		t.Fatalf("unexpected principal %+v", p)
	}
	if p.Role != permission.Artist || p.IsAdmin {
		t.Fatalf("expected artist, got %s admin=%v", p.Role, p.IsAdmin)
	}
}

func TestVerifyAuthUserWithoutRoleRecordIsCollector(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.gw.VerifyAuth(authedRequest("tok-u-2"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Role != permission.Collector {
		t.Fatalf("expected collector, got %s", p.Role)
	}
}

func TestVerifyAuthFailuresAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t)
	env.identity.revoked["u-3"] = true

	cases := map[string]*http.Request{
		"missing":  authedRequest(""),
		"unknown":  authedRequest("garbage"),
		"revoked":  authedRequest("tok-u-3"),
		"basic":    func() *http.Request { r := authedRequest(""); r.Header.Set("Authorization", "Basic dTpw"); return r }(),
		"no value": func() *http.Request { r := authedRequest(""); r.Header.Set("Authorization", "Bearer "); return r }(),
	}

	var first *Error
	for name, r := range cases {
		_, err := env.gw.VerifyAuth(r)
		if !errors.Is(err, ErrAuthentication) {
			t.Fatalf("%s: expected authentication error, got %v", name, err)
		}
		ge := AsError(err)
		if ge.Status() != http.StatusUnauthorized || ge.Reason != "" {
			t.Fatalf("%s: unexpected error shape %+v", name, ge)
		}
		if first == nil {
			first = ge
			continue
		}
		if ge.Message != first.Message {
			t.Fatalf("%s: message %q differs from %q", name, ge.Message, first.Message)
		}
	}

	if n := env.gw.MetricsSnapshot().Counters[MetricAuthFailure]; n != uint64(len(cases)) {
		t.Fatalf("expected %d auth failures counted, got %d", len(cases), n)
	}
}

func TestVerifyAuthCookieFallback(t *testing.T) {
	env := newTestEnv(t)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "session", Value: "tok-u-4"})

	p, err := env.gw.VerifyAuth(r)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.ID != "u-4" {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestVerifyAuthRoleStoreTimeoutIsUpstream(t *testing.T) {
	env := newTestEnv(t)
	env.roles.delay = 200 * time.Millisecond

	_, err := env.gw.VerifyAuth(authedRequest("tok-u-1"))
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if errors.Is(err, ErrAuthorization) || errors.Is(err, ErrAuthentication) {
		t.Fatalf("dependency timeout must not be reported as a denial: %v", err)
	}
	if AsError(err).Status() != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", AsError(err).Status())
	}

	entries := env.logs.FilterMessage("authentication dependency failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one dependency log, got %d", len(entries))
	}
	if timeout, _ := entries[0].ContextMap()["timeout"].(bool); !timeout {
		t.Fatalf("expected timeout=true, got %v", entries[0].ContextMap())
	}
}

func TestVerifyAuthIdentityOutageIsUpstream(t *testing.T) {
	env := newTestEnv(t)
	env.identity.err = errors.New("jwks endpoint returned 503")

	_, err := env.gw.VerifyAuth(authedRequest("tok-u-1"))
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if n := env.gw.MetricsSnapshot().Counters[MetricAuthUpstreamFailure]; n != 1 {
		t.Fatalf("expected one upstream failure counted, got %d", n)
	}
}

func TestVerifyAuthBreakerOpensOnRepeatedOutage(t *testing.T) {
	env := newTestEnv(t)
	env.identity.err = errors.New("connection reset by peer")

	for i := 0; i < 5; i++ {
		if _, err := env.gw.VerifyAuth(authedRequest("tok-u-1")); !errors.Is(err, ErrUpstream) {
			t.Fatalf("call %d: expected upstream error, got %v", i+1, err)
		}
	}
	calls := env.identity.calls

	_, err := env.gw.VerifyAuth(authedRequest("tok-u-1"))
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("open breaker must be upstream, got %v", err)
	}
	if env.identity.calls != calls {
		t.Fatal("open breaker must short-circuit the identity provider")
	}
	if len(env.logs.FilterMessage("circuit breaker state change").All()) == 0 {
		t.Fatal("expected breaker state change log")
	}
}

func TestVerifyAuthRejectedCredentialsDoNotTripBreaker(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 20; i++ {
		if _, err := env.gw.VerifyAuth(authedRequest("garbage")); !errors.Is(err, ErrAuthentication) {
			t.Fatalf("call %d: expected authentication error, got %v", i+1, err)
		}
	}
	if _, err := env.gw.VerifyAuth(authedRequest("tok-u-1")); err != nil {
		t.Fatalf("valid credential after rejections: %v", err)
	}
}

func TestVerifyAdmin(t *testing.T) {
	env := newTestEnv(t)
	env.roles.set("root", RoleRecord{IsAdmin: true})
	env.roles.set("u-1", RoleRecord{IsArtist: true, IsGallery: true})

	if _, err := env.gw.VerifyAdmin(authedRequest("tok-root")); err != nil {
		t.Fatalf("admin: %v", err)
	}

	_, err := env.gw.VerifyAdmin(authedRequest("tok-u-1"))
	if !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if reason := AsError(err).Reason; reason != "not_admin" {
		t.Fatalf("expected not_admin, got %q", reason)
	}

	_, err = env.gw.VerifyAdmin(authedRequest(""))
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("unauthenticated admin check must be 401, got %v", err)
	}
}

func TestVerifyAdminRereadsRoleEveryRequest(t *testing.T) {
	env := newTestEnv(t)
	env.roles.set("u-5", RoleRecord{IsAdmin: true})
	if _, err := env.gw.VerifyAdmin(authedRequest("tok-u-5")); err != nil {
		t.Fatalf("admin: %v", err)
	}

	env.roles.set("u-5", RoleRecord{})
	if _, err := env.gw.VerifyAdmin(authedRequest("tok-u-5")); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("revoked admin must be denied on the next request, got %v", err)
	}
	if len(env.roles.lookups) != 2 {
		t.Fatalf("expected a role lookup per request, got %v", env.roles.lookups)
	}
}

func TestVerifyResourceOwnership(t *testing.T) {
	env := newTestEnv(t)
	env.roles.set("root", RoleRecord{IsAdmin: true})

	if _, err := env.gw.VerifyResourceOwnership(authedRequest("tok-u-1"), "u-1"); err != nil {
		t.Fatalf("owner: %v", err)
	}
	if _, err := env.gw.VerifyResourceOwnership(authedRequest("tok-root"), "u-1"); err != nil {
		t.Fatalf("admin override: %v", err)
	}

	_, err := env.gw.VerifyResourceOwnership(authedRequest("tok-u-2"), "u-1")
	if !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if reason := AsError(err).Reason; reason != "not_owner" {
		t.Fatalf("expected not_owner, got %q", reason)
	}
	if _, err := env.gw.VerifyResourceOwnership(authedRequest("tok-u-2"), ""); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("empty owner must be denied, got %v", err)
	}
}

func TestVerifyRole(t *testing.T) {
	env := newTestEnv(t)
	env.roles.set("artist", RoleRecord{IsArtist: true})
	env.roles.set("gallery", RoleRecord{IsArtist: true, IsGallery: true})
	env.roles.set("root", RoleRecord{IsAdmin: true})

	tests := []struct {
		user     string
		required permission.Role
		reason   string
	}{
		{"artist", permission.Artist, ""},
		{"artist", permission.Gallery, "not_gallery"},
		{"gallery", permission.Artist, ""},
		{"gallery", permission.Gallery, ""},
		{"collector", permission.Artist, "not_artist"},
		{"collector", permission.Collector, ""},
		{"artist", permission.Collector, "not_collector"},
		{"root", permission.Gallery, ""},
		{"gallery", permission.Admin, "not_admin"},
	}
	for _, tc := range tests {
		_, err := env.gw.VerifyRole(authedRequest("tok-"+tc.user), tc.required)
		if tc.reason == "" {
			if err != nil {
				t.Errorf("%s as %s: unexpected %v", tc.user, tc.required, err)
			}
			continue
		}
		if !errors.Is(err, ErrAuthorization) || AsError(err).Reason != tc.reason {
			t.Errorf("%s as %s: expected %s, got %v", tc.user, tc.required, tc.reason, err)
		}
	}

	if _, err := env.gw.VerifyRole(authedRequest("tok-root"), permission.RoleUnknown); !errors.Is(err, ErrServer) {
		t.Fatalf("unknown required role is a server error, got %v", err)
	}
}

func TestAuthorizationDenyIsAudited(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.gw.VerifyAdmin(authedRequest("tok-u-1")); err == nil {
		t.Fatal("expected deny")
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-env.audit.Events():
			if ev.EventType != auditEventAuthorizationDenied {
				continue
			}
			if ev.UserID != "u-1" || ev.Reason != "not_admin" || ev.Error != "forbidden" {
				t.Fatalf("unexpected audit event %+v", ev)
			}
			if ev.IP != "203.0.113.7" {
				t.Fatalf("audit event must carry client ip, got %q", ev.IP)
			}
			return
		case <-deadline:
			t.Fatal("authorization deny was not audited")
		}
	}
}

func TestVerifyCredentialWithoutRequest(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.gw.VerifyCredential(context.Background(), Credential("tok-u-8"))
	if err != nil || p.ID != "u-8" {
		t.Fatalf("unexpected %+v %v", p, err)
	}
}
