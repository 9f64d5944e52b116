package rp

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/oidcware/relier/oidc"
)

// LoginService bridges redeemed credentials into a reusable Identity.  When
// a delegate IdentitySource is configured, the validated subject is looked
// up there as well; unknown subjects are denied unless the service was
// created with WithAuthenticateNewUsers.
type LoginService struct {
	config               *oidc.ProviderConfig
	users                IdentitySource
	authenticateNewUsers bool
	logger               hclog.Logger
}

// NewLoginService creates a LoginService for the provider configuration.
//
// Supported options: WithIdentitySource, WithAuthenticateNewUsers,
// WithLogger
func NewLoginService(config *oidc.ProviderConfig, opt ...Option) (*LoginService, error) {
	const op = "rp.NewLoginService"
	if config == nil {
		return nil, fmt.Errorf("%s: provider config is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getLoginServiceOpts(opt...)
	return &LoginService{
		config:               config,
		users:                opts.withIdentitySource,
		authenticateNewUsers: opts.withAuthenticateNewUsers,
		logger:               opts.withLogger,
	}, nil
}

// Login redeems the credentials and mints an Identity for the validated
// subject.  A denied authentication is an expected negative result: it is
// reported as an error wrapping ErrLoginFailed (or ErrUnknownSubject), never
// as a panic, and the caller is expected to deny the attempt and move on.
func (s *LoginService) Login(ctx context.Context, creds *oidc.Credentials) (*Identity, error) {
	const op = "LoginService.Login"
	if creds == nil {
		return nil, fmt.Errorf("%s: credentials are nil: %w", op, oidc.ErrNilParameter)
	}
	if err := creds.Redeem(ctx); err != nil {
		s.logger.Debug("credential redemption failed", "error", err)
		return nil, fmt.Errorf("%s: %v: %w", op, err, ErrLoginFailed)
	}
	if creds.Expired() {
		return nil, fmt.Errorf("%s: id_token is already stale: %w", op, oidc.ErrTokenExpired)
	}
	subject := creds.Subject()
	if subject == "" {
		return nil, fmt.Errorf("%s: redeemed credentials carry no subject: %w", op, ErrLoginFailed)
	}

	if s.users == nil {
		return &Identity{Subject: subject, Credentials: creds}, nil
	}

	delegate, err := s.users.Login(ctx, subject)
	if err != nil {
		s.logger.Debug("identity source lookup failed", "sub", subject, "error", err)
		return nil, fmt.Errorf("%s: identity source: %v: %w", op, err, ErrLoginFailed)
	}
	if delegate == nil {
		if !s.authenticateNewUsers {
			return nil, fmt.Errorf("%s: subject %q: %w", op, subject, ErrUnknownSubject)
		}
		// mint a roleless identity for the new user
		return &Identity{Subject: subject, Credentials: creds}, nil
	}
	return &Identity{Subject: subject, Credentials: creds, Delegate: delegate}, nil
}

// Validate reports whether a previously cached identity is still good:
// the identity must be well formed, its credentials must still be fresh,
// and the delegate identity source, when one produced a delegate, must
// still vouch for it.  Used to revoke cached authentications when the
// backing record goes stale.
func (s *LoginService) Validate(identity *Identity) bool {
	if identity == nil || identity.Subject == "" {
		return false
	}
	if identity.Credentials == nil || identity.Credentials.Expired() {
		return false
	}
	if s.users != nil && identity.Delegate != nil && !s.users.Validate(identity.Delegate) {
		return false
	}
	return true
}

// Logout has no local state to clear beyond delegating to the wrapped
// identity source, if one exists.
func (s *LoginService) Logout(identity *Identity) {
	if s.users != nil && identity != nil && identity.Delegate != nil {
		s.users.Logout(identity.Delegate)
	}
}
