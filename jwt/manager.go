package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken wraps every ParseAccess failure.
var ErrInvalidToken = errors.New("invalid access token")

// SigningMethod selects the access-token algorithm.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

const (
	maxLeeway           = 2 * time.Minute
	defaultMaxFutureIAT = 10 * time.Minute
	minHMACSecret       = 32
)

// Config configures a Manager. PrivateKey is the HMAC secret for HS256 and
// the signing key for Ed25519; a verify-only Ed25519 manager needs just
// PublicKey or VerifyKeys.
type Config struct {
	AccessTTL     time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	RequireIAT    bool
	MaxFutureIAT  time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
	// Now overrides the clock used for issuing and validating tokens.
	Now func() time.Time
}

func (c *Config) normalize() error {
	if c.AccessTTL <= 0 {
		return errors.New("jwt: access ttl must be positive")
	}
	if c.Leeway < 0 || c.Leeway > maxLeeway {
		return fmt.Errorf("jwt: leeway must be within [0, %s]", maxLeeway)
	}
	if c.MaxFutureIAT == 0 {
		c.MaxFutureIAT = defaultMaxFutureIAT
	}
	if c.MaxFutureIAT < 0 || c.MaxFutureIAT > 24*time.Hour {
		return errors.New("jwt: max future iat must be within (0, 24h]")
	}
	c.KeyID = strings.TrimSpace(c.KeyID)
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// AccessClaims is the access-token payload. It carries no role: roles are
// read from the role store on every request.
type AccessClaims struct {
	UID   string `json:"uid"`
	Email string `json:"email,omitempty"`
	SID   string `json:"sid"`
	gjwt.RegisteredClaims
}

// Validate runs after the registered-claim checks. A token that does not
// name both a user and a session never resolves to a principal.
func (c AccessClaims) Validate() error {
	if c.UID == "" || c.SID == "" {
		return errors.New("missing uid or sid")
	}
	if c.Subject != "" && c.Subject != c.UID {
		return errors.New("subject does not match uid")
	}
	return nil
}

// keyring holds the parsed keys for one signing method.
type keyring struct {
	method gjwt.SigningMethod
	sign   any
	verify any
	kid    string
	byKID  map[string]any
}

func newKeyring(cfg Config) (*keyring, error) {
	k := &keyring{kid: cfg.KeyID}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < minHMACSecret {
			return nil, fmt.Errorf("jwt: hs256 requires a secret of at least %d bytes", minHMACSecret)
		}
		k.method = gjwt.SigningMethodHS256
		k.sign, k.verify = cfg.PrivateKey, cfg.PrivateKey
		if len(cfg.VerifyKeys) > 0 {
			k.byKID = make(map[string]any, len(cfg.VerifyKeys))
			for kid, secret := range cfg.VerifyKeys {
				if strings.TrimSpace(kid) == "" {
					return nil, errors.New("jwt: verify key map contains empty kid")
				}
				k.byKID[kid] = secret
			}
		}
	case MethodEd25519:
		k.method = gjwt.SigningMethodEdDSA
		if len(cfg.PrivateKey) > 0 {
			priv, err := parseEdPrivateKey(cfg.PrivateKey)
			if err != nil {
				return nil, err
			}
			k.sign = priv
		}
		if len(cfg.PublicKey) > 0 {
			pub, err := parseEdPublicKey(cfg.PublicKey)
			if err != nil {
				return nil, err
			}
			k.verify = pub
		}
		if len(cfg.VerifyKeys) > 0 {
			k.byKID = make(map[string]any, len(cfg.VerifyKeys))
			for kid, raw := range cfg.VerifyKeys {
				if strings.TrimSpace(kid) == "" {
					return nil, errors.New("jwt: verify key map contains empty kid")
				}
				pub, err := parseEdPublicKey(raw)
				if err != nil {
					return nil, fmt.Errorf("jwt: ed25519 verify key for kid %q: %w", kid, err)
				}
				k.byKID[kid] = pub
			}
		}
		if k.verify == nil && k.byKID == nil {
			return nil, errors.New("jwt: ed25519 requires a public key or verify key set")
		}
	default:
		return nil, fmt.Errorf("jwt: unsupported signing method %q", cfg.SigningMethod)
	}
	if k.kid != "" && k.byKID != nil {
		if _, ok := k.byKID[k.kid]; !ok {
			return nil, errors.New("jwt: KeyID is not present in VerifyKeys")
		}
	}
	return k, nil
}

// lookup picks the verification key for t. With a kid map every token must
// name a known kid; with a single KeyID the header must match it.
func (k *keyring) lookup(t *gjwt.Token) (any, error) {
	if t.Method.Alg() != k.method.Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm %s", t.Method.Alg())
	}
	kid, _ := t.Header["kid"].(string)
	if k.byKID != nil {
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := k.byKID[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return key, nil
	}
	if k.kid != "" && kid != k.kid {
		return nil, errors.New("unknown kid")
	}
	if k.verify == nil {
		return nil, errors.New("no verification key")
	}
	return k.verify, nil
}

// Manager issues and verifies access tokens. It is immutable after
// NewManager and safe for concurrent use.
type Manager struct {
	cfg    Config
	keys   *keyring
	parser *gjwt.Parser
}

// NewManager validates cfg and parses its keys once.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	keys, err := newKeyring(cfg)
	if err != nil {
		return nil, err
	}

	opts := []gjwt.ParserOption{
		gjwt.WithValidMethods([]string{keys.method.Alg()}),
		gjwt.WithExpirationRequired(),
		gjwt.WithTimeFunc(cfg.Now),
		gjwt.WithLeeway(cfg.Leeway),
	}
	if cfg.RequireIAT {
		opts = append(opts, gjwt.WithIssuedAt())
	}
	if cfg.Issuer != "" {
		opts = append(opts, gjwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, gjwt.WithAudience(cfg.Audience))
	}

	return &Manager{cfg: cfg, keys: keys, parser: gjwt.NewParser(opts...)}, nil
}

// CreateAccess signs an access token for uid bound to session sid.
func (m *Manager) CreateAccess(uid, email, sid string) (string, error) {
	if uid == "" || sid == "" {
		return "", errors.New("jwt: uid and sid are required")
	}
	if m.keys.sign == nil {
		return "", errors.New("jwt: manager is verify-only")
	}
	now := m.cfg.Now()

	claims := AccessClaims{
		UID:   uid,
		Email: email,
		SID:   sid,
		RegisteredClaims: gjwt.RegisteredClaims{
			Subject:   uid,
			Issuer:    m.cfg.Issuer,
			IssuedAt:  gjwt.NewNumericDate(now),
			ExpiresAt: gjwt.NewNumericDate(now.Add(m.cfg.AccessTTL)),
		},
	}
	if m.cfg.Audience != "" {
		claims.Audience = gjwt.ClaimStrings{m.cfg.Audience}
	}

	token := gjwt.NewWithClaims(m.keys.method, claims)
	if m.keys.kid != "" {
		token.Header["kid"] = m.keys.kid
	}
	return token.SignedString(m.keys.sign)
}

// ParseAccess verifies raw and returns its claims. Every failure wraps
// ErrInvalidToken.
func (m *Manager) ParseAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := m.parser.ParseWithClaims(raw, claims, m.keys.lookup)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, gjwt.ErrTokenInvalidClaims)
	}
	if claims.IssuedAt != nil && claims.IssuedAt.After(m.cfg.Now().Add(m.cfg.MaxFutureIAT)) {
		return nil, fmt.Errorf("%w: iat too far in the future", ErrInvalidToken)
	}
	return claims, nil
}

func parseEdPrivateKey(raw []byte) (ed25519.PrivateKey, error) {
	if len(raw) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(raw), nil
	}
	parsed, err := gjwt.ParseEdPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, errors.New("jwt: invalid ed25519 private key")
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("jwt: invalid ed25519 private key type")
	}
	return key, nil
}

func parseEdPublicKey(raw []byte) (ed25519.PublicKey, error) {
	if len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	parsed, err := gjwt.ParseEdPublicKeyFromPEM(raw)
	if err != nil {
		return nil, errors.New("jwt: invalid ed25519 public key")
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("jwt: invalid ed25519 public key type")
	}
	return key, nil
}
