package gatekeeper

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/canvasmarket/gatekeeper/internal/limiters"
	"github.com/canvasmarket/gatekeeper/internal/security"
)

// RequestInfo extracts the rate-limit subject of r: the client IP (honouring
// X-Forwarded-For only from trusted proxies) and the principal id, when a
// verified principal is already attached to the request context.
func (g *Gateway) RequestInfo(r *http.Request) RequestInfo {
	info := RequestInfo{}
	if r == nil {
		return info
	}
	if g != nil {
		info.IP = g.ipExtractor.Extract(r)
	} else {
		info.IP = stripPort(r.RemoteAddr)
	}
	if p, ok := PrincipalFromContext(r.Context()); ok {
		info.PrincipalID = p.ID
	}
	return info
}

// Check counts one request against the named policy.
//
// A deny returns a RateLimit *Error carrying RetryAfter. When the bucket
// store fails, fail-open policies allow the request (Decision.Degraded is
// set) and fail-closed policies return an Upstream *Error. An unknown
// policy name is a Server *Error.
func (g *Gateway) Check(ctx context.Context, policy string, info RequestInfo) (Decision, error) {
	if g == nil {
		return Decision{Policy: policy}, serverError(errors.New("gateway not initialized"))
	}
	if clientIPFromContext(ctx) == "" && info.IP != "" {
		ctx = WithClientIP(ctx, info.IP)
	}

	d, err := g.limiter.Enforce(ctx, policy, limiters.Subject{IP: info.IP, PrincipalID: info.PrincipalID})
	decision := Decision{
		Policy:     d.Policy,
		Key:        d.Key,
		Allowed:    d.Allowed,
		Count:      d.Count,
		Limit:      d.Limit,
		RetryAfter: d.RetryAfter,
		Degraded:   d.Degraded,
	}

	switch {
	case err == nil:
		g.metrics.Inc(MetricRateLimitAllowed)
		return decision, nil

	case errors.Is(err, limiters.ErrRateLimited):
		g.metrics.Inc(MetricRateLimitDenied)
		g.logger.Warn("rate limit exceeded",
			zap.String("policy", decision.Policy),
			zap.String("key", decision.Key),
			zap.Int64("count", decision.Count),
			zap.Int("limit", decision.Limit),
			zap.Duration("retry_after", decision.RetryAfter),
		)
		gerr := rateLimitError(decision.Policy, decision.RetryAfter)
		g.emitAudit(ctx, auditRecord{
			eventType: auditEventRateLimitDenied,
			userID:    info.PrincipalID,
			policy:    decision.Policy,
			err:       gerr,
			metadata: func() map[string]string {
				return map[string]string{
					"count":       strconv.FormatInt(decision.Count, 10),
					"limit":       strconv.Itoa(decision.Limit),
					"retry_after": strconv.Itoa(decision.RetryAfterSeconds()),
				}
			},
		})
		return decision, gerr

	case errors.Is(err, limiters.ErrStoreFailure):
		g.metrics.Inc(MetricRateLimitStoreFailure)
		mode := "open"
		if !decision.Allowed {
			mode = "closed"
		}
		g.logger.Error("rate limit store failure",
			zap.String("policy", decision.Policy),
			zap.String("key", decision.Key),
			zap.String("fail_mode", mode),
			zap.String("error", security.Redact(err.Error())),
		)
		g.emitAudit(ctx, auditRecord{
			eventType: auditEventRateLimitStoreFailure,
			success:   decision.Allowed,
			userID:    info.PrincipalID,
			policy:    decision.Policy,
			reason:    "fail_" + mode,
		})
		if decision.Allowed {
			g.metrics.Inc(MetricRateLimitFailOpen)
			return decision, nil
		}
		g.metrics.Inc(MetricRateLimitFailClosed)
		return decision, upstreamError(err)

	default:
		g.logger.Error("rate limit check failed",
			zap.String("policy", policy),
			zap.String("error", security.Redact(err.Error())),
		)
		return decision, serverError(err)
	}
}

// ResetLimit clears the bucket info occupies under policy, e.g. after a
// successful login.
func (g *Gateway) ResetLimit(ctx context.Context, policy string, info RequestInfo) error {
	if g == nil {
		return nil
	}
	if err := g.limiter.Reset(ctx, policy, limiters.Subject{IP: info.IP, PrincipalID: info.PrincipalID}); err != nil {
		if errors.Is(err, limiters.ErrUnknownPolicy) {
			return serverError(err)
		}
		return upstreamError(err)
	}
	return nil
}
