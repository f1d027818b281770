// Package limiters turns named rate-limit policies into allow/deny decisions
// on top of the internal/rate bucket stores.
//
// # Policies
//
// A [PolicySet] owns an immutable table of [Policy] values keyed by name
// (general, auth, registration, email, upload, deleteAccount, plus any the
// deployment adds). Each policy picks a [KeyStrategy] and a [FailMode].
//
// A nil *PolicySet allows everything.
//
// # Architecture boundaries
//
// The store does the counting; this package builds bucket keys, compares
// counts with limits and applies the fail mode when the store errors.
//
// # What this package must NOT do
//
//   - Import gatekeeper or any sibling internal package except internal/rate.
//   - Log or emit audit events. Callers decide consequences from the returned
//     [Decision] and error.
package limiters
