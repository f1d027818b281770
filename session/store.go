package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRedisUnavailable wraps every Redis transport or server error.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrSessionNotFound is returned when no live record exists for an id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidSession is returned by Save for records that cannot be stored.
	ErrInvalidSession = errors.New("invalid session")
)

// saveSessionScript writes the record and adds it to the user index. The
// index TTL only ever grows so it outlives every session it lists.
const saveSessionScript = `
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("SADD", KEYS[2], ARGV[3])
local current = redis.call("PTTL", KEYS[2])
if current < tonumber(ARGV[2]) then
  redis.call("PEXPIRE", KEYS[2], ARGV[2])
end
return 1
`

const deleteSessionScript = `
local existed = redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
return existed
`

var (
	saveSessionLua   = redis.NewScript(saveSessionScript)
	deleteSessionLua = redis.NewScript(deleteSessionScript)
)

// Store is the Redis session registry. It is safe for concurrent use.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix sets the Redis key namespace.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "gk:sess"
	}
	return &Store{
		redis:  client,
		prefix: prefix,
		now:    time.Now,
	}
}

// WithClock overrides the time source used for ExpiresAt checks.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":s:" + sessionID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + ":u:" + userID
}

// Save persists sess with the given TTL and indexes it under its user.
//
//	Performance: 1 Redis EVALSHA.
func (s *Store) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	if sess == nil || strings.TrimSpace(sess.SessionID) == "" || strings.TrimSpace(sess.UserID) == "" {
		return fmt.Errorf("%w: session and user id required", ErrInvalidSession)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be > 0", ErrInvalidSession)
	}
	if sess.CreatedAt == 0 {
		sess.CreatedAt = s.now().Unix()
	}
	if sess.ExpiresAt == 0 {
		sess.ExpiresAt = s.now().Add(ttl).Unix()
	}

	data, err := Encode(sess)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	err = saveSessionLua.Run(ctx, s.redis,
		[]string{s.key(sess.SessionID), s.userKey(sess.UserID)},
		data, ttl.Milliseconds(), sess.SessionID,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get returns the live session for sessionID. Expired or corrupt records
// are removed and reported as [ErrSessionNotFound].
//
//	Performance: 1 Redis GET.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrSessionNotFound
	}
	key := s.key(sessionID)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		if delErr := s.redis.Del(ctx, key).Err(); delErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, delErr)
		}
		return nil, ErrSessionNotFound
	}
	sess.SessionID = sessionID

	if sess.ExpiresAt > 0 && s.now().Unix() >= sess.ExpiresAt {
		if err := s.deleteSessionAndIndex(ctx, sess.UserID, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Valid reports whether sessionID is live and belongs to userID. A missing
// session is (false, nil); only Redis failures return an error.
func (s *Store) Valid(ctx context.Context, sessionID, userID string) (bool, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}
	return sess.UserID == userID, nil
}

// Delete revokes one session. Deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := s.key(sessionID)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		if err := s.redis.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		return nil
	}
	return s.deleteSessionAndIndex(ctx, sess.UserID, sessionID)
}

func (s *Store) deleteSessionAndIndex(ctx context.Context, userID, sessionID string) error {
	err := deleteSessionLua.Run(ctx, s.redis,
		[]string{s.key(sessionID), s.userKey(userID)},
		sessionID,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// DeleteAllForUser revokes every session of userID and returns how many
// live records were removed.
//
// The index is read before the delete, so a session saved concurrently can
// survive; it stays indexed and the next call removes it.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	userKey := s.userKey(userID)

	sessionIDs, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(sessionIDs) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		keys = append(keys, s.key(id))
	}

	var deleted *redis.IntCmd
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, keys...)
		pipe.SRem(ctx, userKey, toAny(sessionIDs)...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(deleted.Val()), nil
}

// ActiveSessionIDs lists the live sessions of userID, pruning index entries
// whose records already expired.
func (s *Store) ActiveSessionIDs(ctx context.Context, userID string) ([]string, error) {
	userKey := s.userKey(userID)

	sessionIDs, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(sessionIDs) == 0 {
		return nil, nil
	}

	checks := make([]*redis.IntCmd, len(sessionIDs))
	_, err = s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range sessionIDs {
			checks[i] = pipe.Exists(ctx, s.key(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	live := make([]string, 0, len(sessionIDs))
	var stale []string
	for i, id := range sessionIDs {
		if checks[i].Val() == 1 {
			live = append(live, id)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := s.redis.SRem(ctx, userKey, toAny(stale)...).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return live, nil
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
