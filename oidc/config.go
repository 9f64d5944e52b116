package oidc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// DefaultRequestTimeout bounds the discovery and token endpoint requests
// when no WithRequestTimeout option is supplied.
const DefaultRequestTimeout = 5 * time.Second

// WellKnownPath is the provider metadata path appended to the issuer for
// discovery.
const WellKnownPath = "/.well-known/openid-configuration"

// ProviderConfig represents the configuration for a relying party using the
// 3-legged OIDC authorization code flow.
//
// The endpoints are either supplied explicitly (see WithEndpoints) or
// resolved via discovery when Start is called.  Once Start has returned
// successfully the configuration is immutable for the life of the process.
type ProviderConfig struct {
	// Issuer is a case-sensitive URL using the https scheme that the
	// provider asserts as its identifier in id_token iss claims.
	Issuer string

	// ClientID is the relying party id
	ClientID string

	// ClientSecret is the relying party secret
	ClientSecret ClientSecret

	// Scopes is a list of additional oidc scopes to request of the provider.
	// The required "openid" scope is always requested and should not be part
	// of this optional list.
	Scopes []string

	// AuthEndpoint is the provider's authorization endpoint.  Populated by
	// Start when left empty.
	AuthEndpoint string

	// TokenEndpoint is the provider's token endpoint.  Populated by Start
	// when left empty.
	TokenEndpoint string

	// EndSessionEndpoint is the provider's optional RP-initiated logout
	// endpoint.  Populated by Start if the provider advertises one.
	EndSessionEndpoint string

	// ProviderCA is an optional CA cert PEM to use when sending requests to
	// the provider.
	ProviderCA string

	// RequestTimeout bounds the discovery and token endpoint requests.
	RequestTimeout time.Duration

	logger hclog.Logger

	mu      sync.Mutex
	started bool
}

// NewProviderConfig composes a new relying party configuration.
//
// Supported options: WithEndpoints, WithEndSessionEndpoint, WithScopes,
// WithProviderCA, WithRequestTimeout, WithLogger
func NewProviderConfig(issuer string, clientID string, clientSecret ClientSecret, opt ...Option) (*ProviderConfig, error) {
	const op = "oidc.NewProviderConfig"
	opts := getConfigOpts(opt...)
	c := &ProviderConfig{
		Issuer:             issuer,
		ClientID:           clientID,
		ClientSecret:       clientSecret,
		Scopes:             opts.withScopes,
		AuthEndpoint:       opts.withAuthEndpoint,
		TokenEndpoint:      opts.withTokenEndpoint,
		EndSessionEndpoint: opts.withEndSessionEndpoint,
		ProviderCA:         opts.withProviderCA,
		RequestTimeout:     opts.withRequestTimeout,
		logger:             opts.withLogger,
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.logger == nil {
		c.logger = hclog.NewNullLogger()
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid provider config: %w", op, err)
	}
	return c, nil
}

// Validate the provider configuration.  It verifies the issuer and client
// credentials are well formed, but it does not verify the issuer is
// discoverable via an http request; see Start.
func (c *ProviderConfig) Validate() error {
	const op = "ProviderConfig.Validate"
	if c == nil {
		return fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	var result *multierror.Error
	if c.ClientID == "" {
		result = multierror.Append(result, fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter))
	}
	if c.ClientSecret == "" {
		result = multierror.Append(result, fmt.Errorf("%s: client secret is empty: %w", op, ErrInvalidParameter))
	}
	if c.Issuer == "" {
		result = multierror.Append(result, fmt.Errorf("%s: issuer is empty: %w", op, ErrInvalidParameter))
	} else {
		u, err := url.Parse(c.Issuer)
		switch {
		case err != nil:
			result = multierror.Append(result, fmt.Errorf("%s: issuer %s is invalid: %w", op, c.Issuer, err))
		case u.Scheme != "https" && u.Scheme != "http":
			result = multierror.Append(result, fmt.Errorf("%s: issuer %s scheme is not http or https: %w", op, c.Issuer, ErrInvalidParameter))
		}
	}
	return result.ErrorOrNil()
}

// Start makes the configuration usable.  If the authorization or token
// endpoint is empty, the provider's metadata is discovered, exactly once.
// Discovery is not retried: a failure here is a startup fault and the
// configuration must not be used to serve traffic.
func (c *ProviderConfig) Start(ctx context.Context) error {
	const op = "ProviderConfig.Start"
	if c == nil {
		return fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if c.AuthEndpoint == "" || c.TokenEndpoint == "" {
		if err := c.discover(ctx); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	c.started = true
	return nil
}

// Started reports whether Start has completed successfully.
func (c *ProviderConfig) Started() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// discover fetches the provider metadata document from the well-known path
// under the issuer and populates the endpoints from it.  The issuer value
// returned by the provider is permitted to differ from the configured one in
// practice, so a mismatch only warns.
func (c *ProviderConfig) discover(ctx context.Context) error {
	const op = "ProviderConfig.discover"
	issuer := strings.TrimSuffix(c.Issuer, "/")
	wellKnown := issuer + WellKnownPath

	client, err := c.HTTPClient()
	if err != nil {
		return fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return fmt.Errorf("%s: unable to create discovery request: %w", op, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %s: %v: %w", op, wellKnown, err, ErrDiscoveryFailed)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: unable to read discovery response: %v: %w", op, err, ErrDiscoveryFailed)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s returned status %d: %w", op, wellKnown, resp.StatusCode, ErrDiscoveryFailed)
	}

	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("%s: discovery response is not json: %v: %w", op, err, ErrDiscoveryFailed)
	}
	doc, ok := decoded.(map[string]interface{})
	if !ok {
		return fmt.Errorf("%s: discovery response is not a json object: %w", op, ErrDiscoveryFailed)
	}

	authEndpoint, ok := doc["authorization_endpoint"].(string)
	if !ok || authEndpoint == "" {
		return fmt.Errorf("%s: %q: %w", op, "authorization_endpoint", ErrMissingEndpoint)
	}
	tokenEndpoint, ok := doc["token_endpoint"].(string)
	if !ok || tokenEndpoint == "" {
		return fmt.Errorf("%s: %q: %w", op, "token_endpoint", ErrMissingEndpoint)
	}
	c.AuthEndpoint = authEndpoint
	c.TokenEndpoint = tokenEndpoint
	if endSession, ok := doc["end_session_endpoint"].(string); ok && c.EndSessionEndpoint == "" {
		c.EndSessionEndpoint = endSession
	}
	if metadataIssuer, ok := doc["issuer"].(string); ok && metadataIssuer != c.Issuer {
		c.logger.Warn("provider metadata issuer does not match configured issuer",
			"configured", c.Issuer, "metadata", metadataIssuer)
	}
	return nil
}

// HTTPClient returns a new http client for the provider configured.  The
// client uses a pooled transport, the optional provider CA, and the
// configured request timeout.
func (c *ProviderConfig) HTTPClient() (*http.Client, error) {
	const op = "ProviderConfig.HTTPClient"
	tr := cleanhttp.DefaultPooledTransport()
	if c.ProviderCA != "" {
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM([]byte(c.ProviderCA)); !ok {
			return nil, fmt.Errorf("%s: could not parse CA PEM value: %w", op, ErrInvalidCACert)
		}
		tr.TLSClientConfig = &tls.Config{
			RootCAs: certPool,
		}
	}
	return &http.Client{
		Transport: tr,
		Timeout:   c.RequestTimeout,
	}, nil
}

// configOptions is the set of available options for ProviderConfig
type configOptions struct {
	withScopes             []string
	withAuthEndpoint       string
	withTokenEndpoint      string
	withEndSessionEndpoint string
	withProviderCA         string
	withRequestTimeout     time.Duration
	withLogger             hclog.Logger
}

// configDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func configDefaults() configOptions {
	return configOptions{
		withRequestTimeout: DefaultRequestTimeout,
	}
}

// getConfigOpts gets the defaults and applies the opt overrides passed in.
func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
