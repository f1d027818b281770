package rate

import "errors"

var (
	// ErrRedisUnavailable wraps Redis transport and script failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrStoreClosed is returned by a store used after Close.
	ErrStoreClosed = errors.New("rate store closed")
	// ErrInvalidWindow is returned for non-positive windows.
	ErrInvalidWindow = errors.New("invalid rate window")
)
