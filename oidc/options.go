package oidc

import (
	"time"

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

// WithLogger provides an optional logger for: ProviderConfig, Credentials
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *configOptions:
			v.withLogger = l
		case *credentialOptions:
			v.withLogger = l
		}
	}
}

// WithNow provides an optional time source for: Credentials.  Primarily
// useful when testing expiry.
func WithNow(now func() time.Time) Option {
	return func(o interface{}) {
		if o, ok := o.(*credentialOptions); ok {
			o.withNowFunc = now
		}
	}
}

// WithScopes provides an optional list of scopes (beyond the required
// "openid" scope) for: ProviderConfig
func WithScopes(scopes ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withScopes = scopes
		}
	}
}

// WithEndpoints provides explicit authorization and token endpoints for:
// ProviderConfig.  When both are supplied, discovery is skipped entirely.
func WithEndpoints(authEndpoint, tokenEndpoint string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withAuthEndpoint = authEndpoint
			o.withTokenEndpoint = tokenEndpoint
		}
	}
}

// WithEndSessionEndpoint provides an optional RP-initiated logout endpoint
// for: ProviderConfig
func WithEndSessionEndpoint(endpoint string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withEndSessionEndpoint = endpoint
		}
	}
}

// WithProviderCA provides an optional CA cert PEM to trust when talking to
// the provider for: ProviderConfig
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withProviderCA = cert
		}
	}
}

// WithRequestTimeout provides an optional timeout bound for the discovery
// and token endpoint requests for: ProviderConfig.  When not supplied
// DefaultRequestTimeout is used.
func WithRequestTimeout(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withRequestTimeout = d
		}
	}
}
