// Package flows contains pure-function orchestrators for every Gateway operation.
//
// Each flow function (RunVerifyAuth, RunVerifyInvitation, RunProcessUpload,
// etc.) accepts a typed dependency struct and returns a result tagged with a
// failure kind. Checks run in a fixed order and short-circuit on the first
// failure, which keeps every branch testable with fake dependencies and the
// Gateway type thin.
//
// # Architecture boundaries
//
// Flow functions coordinate calls to the identity provider, role store,
// invitation and artist stores, and the upload inspectors. They do NOT own
// any of these resources; ownership stays with the Gateway.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import gatekeeper (to avoid import cycles).
//   - Log, emit metrics or audit events. The Gateway maps failure kinds to
//     those side effects.
package flows
