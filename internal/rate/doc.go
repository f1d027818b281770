// Package rate provides the bucket stores behind named rate-limit policies.
//
// # Window semantics
//
// Fixed windows anchored at the first hit for a key. Every call to
// [Store.Increment] atomically bumps the counter; a window older than its
// duration is reset before the increment. Two stores implement the same
// contract:
//   - [MemoryStore]: process-local map, one lock per key, injectable clock.
//   - [RedisStore]: INCR + PEXPIRE on first hit + PTTL in one Lua script,
//     shared between instances.
//
// # What this package must NOT do
//
//   - Know about policy names, limits or fail modes (those live in internal/limiters).
//   - Be imported outside the gatekeeper module.
package rate
