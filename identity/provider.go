package identity

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/canvasmarket/gatekeeper"
	"github.com/canvasmarket/gatekeeper/jwt"
	"github.com/canvasmarket/gatekeeper/session"
)

// SessionStore is the part of the session registry the provider uses.
// *session.Store implements it.
type SessionStore interface {
	Save(ctx context.Context, sess *session.Session, ttl time.Duration) error
	Valid(ctx context.Context, sessionID, userID string) (bool, error)
	Delete(ctx context.Context, sessionID string) error
}

// JWTProvider resolves bearer access tokens into identities.
type JWTProvider struct {
	tokens     *jwt.Manager
	sessions   SessionStore
	sessionTTL time.Duration
	newID      func() string
}

var _ gatekeeper.IdentityProvider = (*JWTProvider)(nil)

// NewJWTProvider builds a provider. sessions may be nil, in which case
// every verified token counts as a live session.
func NewJWTProvider(tokens *jwt.Manager, sessions SessionStore, sessionTTL time.Duration) (*JWTProvider, error) {
	if tokens == nil {
		return nil, errors.New("jwt manager required")
	}
	if sessions != nil && sessionTTL <= 0 {
		return nil, errors.New("session TTL must be > 0")
	}
	return &JWTProvider{
		tokens:     tokens,
		sessions:   sessions,
		sessionTTL: sessionTTL,
		newID:      uuid.NewString,
	}, nil
}

// ResolveIdentity verifies the token signature and claims, then asks the
// session registry whether the token's session is still live.
func (p *JWTProvider) ResolveIdentity(ctx context.Context, credential gatekeeper.Credential) (gatekeeper.Identity, error) {
	raw := strings.TrimSpace(string(credential))
	if raw == "" {
		return gatekeeper.Identity{}, gatekeeper.ErrInvalidCredential
	}

	claims, err := p.tokens.ParseAccess(raw)
	if err != nil {
		return gatekeeper.Identity{}, fmt.Errorf("%w: %v", gatekeeper.ErrInvalidCredential, err)
	}

	valid := true
	if p.sessions != nil {
		valid, err = p.sessions.Valid(ctx, claims.SID, claims.UID)
		if err != nil {
			return gatekeeper.Identity{}, err
		}
	}

	return gatekeeper.Identity{
		UserID:       claims.UID,
		Email:        claims.Email,
		SessionValid: valid,
	}, nil
}

// Issued is the result of a successful Issue.
type Issued struct {
	AccessToken string
	SessionID   string
	ExpiresAt   time.Time
}

// Issue opens a session for userID and signs an access token bound to it.
// clientIP and userAgent are stored hashed.
func (p *JWTProvider) Issue(ctx context.Context, userID, email, clientIP, userAgent string) (Issued, error) {
	if strings.TrimSpace(userID) == "" {
		return Issued{}, errors.New("user id required")
	}
	sid := p.newID()

	var expires time.Time
	if p.sessions != nil {
		now := time.Now()
		expires = now.Add(p.sessionTTL)
		sess := &session.Session{
			SessionID:     sid,
			UserID:        userID,
			Email:         email,
			IPHash:        sha256.Sum256([]byte(clientIP)),
			UserAgentHash: sha256.Sum256([]byte(userAgent)),
			CreatedAt:     now.Unix(),
			ExpiresAt:     expires.Unix(),
		}
		if err := p.sessions.Save(ctx, sess, p.sessionTTL); err != nil {
			return Issued{}, err
		}
	}

	token, err := p.tokens.CreateAccess(userID, email, sid)
	if err != nil {
		if p.sessions != nil {
			_ = p.sessions.Delete(context.WithoutCancel(ctx), sid)
		}
		return Issued{}, err
	}
	return Issued{AccessToken: token, SessionID: sid, ExpiresAt: expires}, nil
}

// Revoke ends the session a token is bound to. The token itself stays
// cryptographically valid until it expires, but ResolveIdentity reports
// its session as invalid from now on.
func (p *JWTProvider) Revoke(ctx context.Context, credential gatekeeper.Credential) error {
	claims, err := p.tokens.ParseAccess(strings.TrimSpace(string(credential)))
	if err != nil {
		return fmt.Errorf("%w: %v", gatekeeper.ErrInvalidCredential, err)
	}
	if p.sessions == nil {
		return nil
	}
	return p.sessions.Delete(ctx, claims.SID)
}
