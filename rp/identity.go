package rp

import (
	"context"

	"github.com/oidcware/relier/oidc"
)

// Identity binds a validated subject (the id_token sub claim) to the
// credentials that produced it.  It is owned by the session for the duration
// of the authenticated session and discarded on logout or when revalidation
// fails.
type Identity struct {
	// Subject is the validated sub claim.
	Subject string

	// Credentials are the redeemed credentials this identity was minted
	// from.  Nil for identities minted by a delegate IdentitySource.
	Credentials *oidc.Credentials

	// Delegate is the identity produced by a secondary IdentitySource for
	// the same subject, carrying whatever authorization roles that source
	// manages.  Nil when no delegate source is configured or when a new
	// user was authenticated without one.
	Delegate *Identity
}

// IdentitySource is an optional secondary source of identities, typically
// one that knows the authorization roles for a subject.  It is resolved at
// construction time (see WithIdentitySource), never by runtime type
// inspection.
type IdentitySource interface {
	// Login looks up the subject.  It returns (nil, nil) when the subject is
	// not known to the source.
	Login(ctx context.Context, subject string) (*Identity, error)

	// Validate reports whether a previously issued identity is still
	// current.
	Validate(identity *Identity) bool

	// Logout releases any state the source holds for the identity.
	Logout(identity *Identity)
}
