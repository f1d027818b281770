// Package jwt issues and verifies the access tokens read by the bundled
// identity provider. Tokens carry the user id, email and session id only;
// they never carry a role.
package jwt
