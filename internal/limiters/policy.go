package limiters

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/canvasmarket/gatekeeper/internal/rate"
)

var (
	ErrRateLimited   = errors.New("rate limited")
	ErrUnknownPolicy = errors.New("unknown rate limit policy")
	ErrStoreFailure  = errors.New("rate limit store failure")
	ErrInvalidPolicy = errors.New("invalid rate limit policy")
)

// KeyStrategy selects which part of the request identifies a client.
type KeyStrategy string

const (
	KeyIP        KeyStrategy = "ip"
	KeyPrincipal KeyStrategy = "principal"
	KeyComposite KeyStrategy = "composite"
)

// FailMode decides the outcome when the store itself fails.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// Policy is one named limit.
type Policy struct {
	Name        string
	Window      time.Duration
	MaxRequests int
	KeyStrategy KeyStrategy
	FailMode    FailMode
}

// Subject carries the request attributes a key can be built from.
type Subject struct {
	IP          string
	PrincipalID string
}

// Decision is the outcome of one Enforce call.
type Decision struct {
	Policy     string
	Key        string
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
	// Degraded is set when the store failed and FailMode decided the outcome.
	Degraded bool
}

// PolicySet enforces a fixed table of policies against one store.
type PolicySet struct {
	store        rate.Store
	policies     map[string]Policy
	storeTimeout time.Duration
}

// NewPolicySet validates policies and binds them to store.
func NewPolicySet(store rate.Store, policies []Policy, storeTimeout time.Duration) (*PolicySet, error) {
	if store == nil {
		return nil, errors.New("nil rate store")
	}

	table := make(map[string]Policy, len(policies))
	for _, p := range policies {
		if err := ValidatePolicy(p); err != nil {
			return nil, err
		}
		if _, dup := table[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate policy %q", ErrInvalidPolicy, p.Name)
		}
		table[p.Name] = p
	}

	return &PolicySet{
		store:        store,
		policies:     table,
		storeTimeout: storeTimeout,
	}, nil
}

// ValidatePolicy reports the first invalid field of p.
func ValidatePolicy(p Policy) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidPolicy)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: %s window must be > 0", ErrInvalidPolicy, p.Name)
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("%w: %s max requests must be > 0", ErrInvalidPolicy, p.Name)
	}
	switch p.KeyStrategy {
	case KeyIP, KeyPrincipal, KeyComposite:
	default:
		return fmt.Errorf("%w: %s key strategy %q", ErrInvalidPolicy, p.Name, p.KeyStrategy)
	}
	switch p.FailMode {
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("%w: %s fail mode %q", ErrInvalidPolicy, p.Name, p.FailMode)
	}
	return nil
}

// Policy returns the named policy.
func (s *PolicySet) Policy(name string) (Policy, bool) {
	if s == nil {
		return Policy{}, false
	}
	p, ok := s.policies[name]
	return p, ok
}

// Names lists policy names in sorted order.
func (s *PolicySet) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.policies))
	for name := range s.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enforce counts one hit for subj under the named policy.
//
// A deny returns [ErrRateLimited]. A store failure returns an error wrapping
// [ErrStoreFailure] together with a degraded decision whose Allowed field
// follows the policy's fail mode.
func (s *PolicySet) Enforce(ctx context.Context, name string, subj Subject) (Decision, error) {
	if s == nil {
		return Decision{Policy: name, Allowed: true}, nil
	}

	p, ok := s.policies[name]
	if !ok {
		return Decision{Policy: name}, fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}

	key := BucketKey(p, subj)
	decision := Decision{
		Policy: p.Name,
		Key:    key,
		Limit:  p.MaxRequests,
	}

	if s.storeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.storeTimeout)
		defer cancel()
	}

	w, err := s.store.Increment(ctx, key, p.Window)
	if err != nil {
		decision.Degraded = true
		decision.Allowed = p.FailMode == FailOpen
		return decision, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}

	decision.Count = w.Count
	if w.Count > int64(p.MaxRequests) {
		decision.RetryAfter = w.ResetIn
		return decision, ErrRateLimited
	}

	decision.Allowed = true
	return decision, nil
}

// Reset clears the bucket subj occupies under the named policy.
func (s *PolicySet) Reset(ctx context.Context, name string, subj Subject) error {
	if s == nil {
		return nil
	}
	p, ok := s.policies[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}
	if err := s.store.Reset(ctx, BucketKey(p, subj)); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return nil
}
