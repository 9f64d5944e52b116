// rp is a relying-party toolkit for protecting HTTP applications with
// OpenID Connect.
//
// Authenticator is the entry point: it wraps an http.Handler and runs the
// authorization-code flow for any request that lacks a valid cached
// authentication.  The original request (URI, method and form parameters)
// is saved in the session across the provider round-trip and replayed once
// the callback succeeds, so a POST that triggered a login is not lost.
//
// LoginService sits between the redeemed credentials and the application's
// own notion of a user: an optional IdentitySource can enrich, veto or
// revoke identities established from the provider's claims.
//
// Sessions are abstracted behind the Session and SessionStore interfaces;
// MemorySessionStore provides an in-memory implementation keyed by a signed
// cookie, suitable for single-process deployments and tests.
package rp
