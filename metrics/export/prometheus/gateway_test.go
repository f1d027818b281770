package prometheus

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/canvasmarket/gatekeeper"
)

type rejectAll struct{}

func (rejectAll) ResolveIdentity(context.Context, gatekeeper.Credential) (gatekeeper.Identity, error) {
	return gatekeeper.Identity{}, gatekeeper.ErrInvalidCredential
}

func (rejectAll) LookupRole(context.Context, string) (gatekeeper.RoleRecord, error) {
	return gatekeeper.RoleRecord{}, gatekeeper.ErrNotFound
}

// newTestGateway returns a gateway that has recorded exactly one
// authentication failure.
func newTestGateway(t *testing.T) *gatekeeper.Gateway {
	t.Helper()
	gw, err := gatekeeper.New().
		WithIdentityProvider(rejectAll{}).
		WithRoleStore(rejectAll{}).
		WithLogger(zap.NewNop()).
		Build()
	if err != nil {
		t.Fatalf("build gateway: %v", err)
	}
	t.Cleanup(gw.Close)

	if _, err := gw.VerifyCredential(context.Background(), "bogus"); err == nil {
		t.Fatal("expected authentication failure")
	}
	return gw
}
