package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

var (
	// ErrUnavailable wraps every dependency failure, timeout and open breaker.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrTimeout marks a call cut short by the guard's timeout.
	ErrTimeout = errors.New("upstream timeout")
)

// Config tunes one guard.
type Config struct {
	Name    string
	Timeout time.Duration
	// MaxFailures consecutive failures open the breaker; zero disables it.
	MaxFailures uint32
	OpenTimeout time.Duration
	// Expected reports errors that are normal answers, not failures.
	Expected      func(error) bool
	OnStateChange func(name string, from, to gobreaker.State)
}

// Guard wraps calls to one collaborator.
type Guard struct {
	name     string
	timeout  time.Duration
	expected func(error) bool
	cb       *gobreaker.CircuitBreaker
}

// New builds a guard from cfg.
func New(cfg Config) *Guard {
	g := &Guard{
		name:     cfg.Name,
		timeout:  cfg.Timeout,
		expected: cfg.Expected,
	}
	if g.expected == nil {
		g.expected = func(error) bool { return false }
	}

	if cfg.MaxFailures > 0 {
		maxFailures := cfg.MaxFailures
		g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			// caller cancellations say nothing about the collaborator's health
			IsSuccessful: func(err error) bool {
				return err == nil || g.expected(err) || errors.Is(err, context.Canceled)
			},
			OnStateChange: cfg.OnStateChange,
		})
	}
	return g
}

// Name returns the collaborator name.
func (g *Guard) Name() string {
	if g == nil {
		return ""
	}
	return g.name
}

// State reports the breaker state; closed when no breaker is configured.
func (g *Guard) State() gobreaker.State {
	if g == nil || g.cb == nil {
		return gobreaker.StateClosed
	}
	return g.cb.State()
}

type outcome[T any] struct {
	v   T
	err error
}

// Call runs fn under g's timeout and breaker. fn runs on its own goroutine
// so a collaborator that ignores its context still cannot hold the caller
// past the deadline; its late answer is discarded.
func Call[T any](ctx context.Context, g *Guard, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if g == nil {
		return fn(ctx)
	}

	run := func() (T, error) {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if g.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		}
		defer cancel()

		done := make(chan outcome[T], 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- outcome[T]{err: fmt.Errorf("panic: %v", r)}
				}
			}()
			v, err := fn(callCtx)
			done <- outcome[T]{v: v, err: err}
		}()

		var res outcome[T]
		select {
		case res = <-done:
		case <-callCtx.Done():
			res.err = callCtx.Err()
		}

		if res.err != nil && !g.expected(res.err) {
			if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return zero, fmt.Errorf("%w: %w: %s: %w", ErrUnavailable, ErrTimeout, g.name, res.err)
			}
			return zero, fmt.Errorf("%w: %s: %w", ErrUnavailable, g.name, res.err)
		}
		return res.v, res.err
	}

	if g.cb == nil {
		return run()
	}

	out, err := g.cb.Execute(func() (interface{}, error) {
		v, err := run()
		return v, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %s: %v", ErrUnavailable, g.name, err)
		}
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}
