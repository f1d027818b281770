// Package security holds the gateway's redaction helpers and the posture
// report builder.
//
// [Redact] and [MaskEmail] run on every string that leaves the process via
// logs, audit events or error bodies. [BuildReport] turns the effective
// configuration into a flat summary for operators.
//
// # What this package must NOT do
//
//   - Import gatekeeper or any sibling internal package.
//   - Log or emit anything itself.
package security
