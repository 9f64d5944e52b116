package rp

import (
	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		if o == nil {
			continue
		}
		o(opts)
	}
}

// WithLogger provides an optional logger for: LoginService, Authenticator
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *loginServiceOptions:
			v.withLogger = l
		case *authenticatorOptions:
			v.withLogger = l
		}
	}
}

// WithIdentitySource provides an optional delegate identity source for:
// LoginService
func WithIdentitySource(users IdentitySource) Option {
	return func(o interface{}) {
		if o, ok := o.(*loginServiceOptions); ok {
			o.withIdentitySource = users
		}
	}
}

// WithAuthenticateNewUsers makes a LoginService with a delegate identity
// source mint roleless identities for subjects the source does not know,
// instead of denying them.
func WithAuthenticateNewUsers() Option {
	return func(o interface{}) {
		if o, ok := o.(*loginServiceOptions); ok {
			o.withAuthenticateNewUsers = true
		}
	}
}

// WithRedirectPath overrides the well-known callback path for:
// Authenticator.  The default is DefaultRedirectPath.
func WithRedirectPath(path string) Option {
	return func(o interface{}) {
		if o, ok := o.(*authenticatorOptions); ok {
			o.withRedirectPath = path
		}
	}
}

// WithErrorPage configures the page failed authentications redirect to,
// with the failure reason in the ErrorParameter query parameter, for:
// Authenticator.  Without it failures get a plain 403.  The path may carry
// its own query string.
func WithErrorPage(path string) Option {
	return func(o interface{}) {
		if o, ok := o.(*authenticatorOptions); ok {
			o.withErrorPage = path
		}
	}
}

// WithLogoutRedirectPath configures where the user agent lands after
// Logout for: Authenticator
func WithLogoutRedirectPath(path string) Option {
	return func(o interface{}) {
		if o, ok := o.(*authenticatorOptions); ok {
			o.withLogoutRedirectPath = path
		}
	}
}

// WithAlwaysSaveRedirect makes every request that triggers a challenge
// overwrite the saved original-request state, instead of only the first,
// for: Authenticator
func WithAlwaysSaveRedirect() Option {
	return func(o interface{}) {
		if o, ok := o.(*authenticatorOptions); ok {
			o.withAlwaysSaveRedirect = true
		}
	}
}

// WithLogoutWhenExpired makes an expired cached id_token log the session out
// and fall through to a fresh challenge, for: Authenticator
func WithLogoutWhenExpired() Option {
	return func(o interface{}) {
		if o, ok := o.(*authenticatorOptions); ok {
			o.withLogoutWhenExpired = true
		}
	}
}

// loginServiceOptions is the set of available options for LoginService
type loginServiceOptions struct {
	withLogger               hclog.Logger
	withIdentitySource       IdentitySource
	withAuthenticateNewUsers bool
}

func loginServiceDefaults() loginServiceOptions {
	return loginServiceOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

func getLoginServiceOpts(opt ...Option) loginServiceOptions {
	opts := loginServiceDefaults()
	ApplyOpts(&opts, opt...)
	if opts.withLogger == nil {
		opts.withLogger = hclog.NewNullLogger()
	}
	return opts
}

// authenticatorOptions is the set of available options for Authenticator
type authenticatorOptions struct {
	withLogger             hclog.Logger
	withRedirectPath       string
	withErrorPage          string
	withLogoutRedirectPath string
	withAlwaysSaveRedirect bool
	withLogoutWhenExpired  bool
}

func authenticatorDefaults() authenticatorOptions {
	return authenticatorOptions{
		withLogger:       hclog.NewNullLogger(),
		withRedirectPath: DefaultRedirectPath,
	}
}

func getAuthenticatorOpts(opt ...Option) authenticatorOptions {
	opts := authenticatorDefaults()
	ApplyOpts(&opts, opt...)
	if opts.withLogger == nil {
		opts.withLogger = hclog.NewNullLogger()
	}
	if opts.withRedirectPath == "" {
		opts.withRedirectPath = DefaultRedirectPath
	}
	return opts
}
