/*
Package oidc implements the relying-party protocol engine for OpenID Connect
on top of the OAuth 2.0 authorization code grant.

Primary types provided by the package:

  - ProviderConfig: a provider's endpoints, client credentials and requested
    scopes.  Endpoints are supplied explicitly or resolved once, at startup,
    from the provider's discovery document (see Start).

  - Credentials: a one-time authorization code and the result of redeeming
    it at the token endpoint (raw response plus decoded, validated id_token
    claims).  The code is consumed by the first Redeem attempt and never
    presented twice.

  - Decode: the compact JWT codec.  It splits and base64url-decodes a JWT's
    header and claims without verifying the signature; trust in the token
    rests on the server-validated TLS channel used to fetch it directly from
    the provider.

The HTTP-level authorization flow (challenge redirects, callback handling,
CSRF protection, session caching) lives in the rp package.
*/
package oidc
