package gatekeeper

import "context"

type clientIPContextKey struct{}
type principalContextKey struct{}

// WithClientIP attaches the caller's resolved IP address to ctx. Rate-limit
// keys and audit events read it from there.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithPrincipal attaches a verified principal to ctx. Middleware does this
// after VerifyAuth succeeds so later handlers and the principal-keyed rate
// limit policies can see it.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the principal attached by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok && p != nil
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}
