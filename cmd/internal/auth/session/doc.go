// Package session issues and validates the access tokens that identify
// customers and operators.
//
// Access tokens are PASETO v4.public, short-lived, and carry the subject,
// role and session id. Every validation also consults the session row so a
// revoked or expired session stops authenticating before its token expires.
//
// Login and account management live elsewhere; this package starts from an
// already-known subject and role.
package session
