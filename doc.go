// Package gatekeeper is the security gateway of the marketplace API: it
// sits in front of every request handler and decides whether the request
// may proceed.
//
// A handler typically calls [Gateway.Check] with a named rate-limit
// policy, then one of [Gateway.VerifyAuth], [Gateway.VerifyAdmin],
// [Gateway.VerifyRole] or [Gateway.VerifyResourceOwnership]. Registration
// flows additionally call [Gateway.VerifyInvitationOwnership] and
// [Gateway.ConsumeInvitation]; upload flows call
// [Gateway.ProcessSecureUpload]. Any returned error is rendered with
// [Responder.Write].
//
// # Architecture boundaries
//
// gatekeeper is the public surface. It exposes [Gateway], [Builder],
// [Config], the [Error] taxonomy and value types. Bucket stores, policy
// enforcement, pure validation pipelines, upload inspection, audit
// dispatch and metrics live under internal/ and are never exported.
// Identity providers and stores are injected as interfaces; bundled
// implementations live in the identity and store/postgres packages.
//
// # What this package must NOT do
//
//   - Trust a role carried by a credential. Roles are always read from the
//     [RoleStore].
//   - Reveal which authentication or invitation check failed. Clients see
//     one generic message per class; the specific reason is logged.
//   - Return an authorization error when a dependency is down. Outages
//     and timeouts are upstream errors.
//   - Persist upload bytes. [Gateway.ProcessSecureUpload] only validates.
//
// All Gateway methods are safe for concurrent use after [Builder.Build].
package gatekeeper
