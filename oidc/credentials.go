package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Credentials owns a one-time authorization code returned by the provider
// and redeems it at the token endpoint.  The code is cleared on the first
// Redeem attempt, success or failure, so it is never presented to the
// provider twice.  After a successful Redeem the raw token response and the
// decoded, validated id_token claims are available for the remainder of the
// authenticated session.
type Credentials struct {
	mu sync.Mutex

	code        string
	redirectURI string
	config      *ProviderConfig

	response map[string]interface{}
	claims   map[string]interface{}

	logger  hclog.Logger
	nowFunc func() time.Time
}

// NewCredentials creates Credentials for one authentication attempt from the
// callback's authorization code and the redirect URI that was used to obtain
// it.
//
// Supported options: WithLogger, WithNow
func NewCredentials(code string, redirectURI string, config *ProviderConfig, opt ...Option) (*Credentials, error) {
	const op = "oidc.NewCredentials"
	if code == "" {
		return nil, fmt.Errorf("%s: authorization code is empty: %w", op, ErrInvalidParameter)
	}
	if redirectURI == "" {
		return nil, fmt.Errorf("%s: redirect URI is empty: %w", op, ErrInvalidParameter)
	}
	if config == nil {
		return nil, fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	opts := getCredentialOpts(opt...)
	return &Credentials{
		code:        code,
		redirectURI: redirectURI,
		config:      config,
		logger:      opts.withLogger,
		nowFunc:     opts.withNowFunc,
	}, nil
}

// Redeem presents the authorization code at the provider's token endpoint
// and, on success, decodes and validates the returned id_token claims.  The
// code is a single-use external resource: it is cleared on every exit path,
// and a Redeem call after the code has been consumed is a no-op.
func (c *Credentials) Redeem(ctx context.Context) error {
	const op = "Credentials.Redeem"
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.code == "" {
		return nil
	}
	if !c.config.Started() {
		return fmt.Errorf("%s: %w", op, ErrNotStarted)
	}

	code := c.code
	defer func() { c.code = "" }()

	form := url.Values{
		"code":          {code},
		"client_id":     {c.config.ClientID},
		"client_secret": {string(c.config.ClientSecret)},
		"redirect_uri":  {c.redirectURI},
		"grant_type":    {"authorization_code"},
	}

	client, err := c.config.HTTPClient()
	if err != nil {
		return fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%s: unable to create token request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: token endpoint request failed: %w", op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: unable to read token response: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: token endpoint returned status %d: %w", op, resp.StatusCode, ErrInvalidTokenResponse)
	}

	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("%s: token response is not json: %v: %w", op, err, ErrMalformedResponse)
	}
	response, ok := decoded.(map[string]interface{})
	if !ok {
		return fmt.Errorf("%s: token response is not a json object: %w", op, ErrMalformedResponse)
	}

	idToken, ok := response["id_token"].(string)
	if !ok || idToken == "" {
		return fmt.Errorf("%s: %q is missing from the token response: %w", op, "id_token", ErrInvalidTokenResponse)
	}
	if accessToken, ok := response["access_token"].(string); !ok || accessToken == "" {
		return fmt.Errorf("%s: %q is missing from the token response: %w", op, "access_token", ErrInvalidTokenResponse)
	}
	if tokenType, ok := response["token_type"].(string); !ok || !strings.EqualFold(tokenType, "Bearer") {
		return fmt.Errorf("%s: %q is not Bearer: %w", op, "token_type", ErrInvalidTokenResponse)
	}

	_, claims, err := Decode(idToken)
	if err != nil {
		return fmt.Errorf("%s: unable to decode id_token: %w", op, err)
	}
	if err := validateClaims(claims, c.config); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	c.logger.Debug("authorization code redeemed", "sub", claims["sub"])
	c.response = response
	c.claims = claims
	return nil
}

// validateClaims applies the id_token claim rules:
//
//   - iss must exactly equal the configured issuer
//   - aud as a string must equal the client id; aud as an array must contain
//     the client id and be accompanied by an azp claim
//   - azp, whenever present, must equal the client id
//
// The id_token signature is deliberately not checked here (see Decode), and
// expiry is checked separately via Expired so a caller can distinguish an
// untrusted token from a stale one.
func validateClaims(claims map[string]interface{}, config *ProviderConfig) error {
	const op = "oidc.validateClaims"
	if issuer, ok := claims["iss"].(string); !ok || issuer != config.Issuer {
		return fmt.Errorf("%s: iss claim %v does not match issuer %s: %w", op, claims["iss"], config.Issuer, ErrInvalidClaims)
	}

	azp, azpPresent := claims["azp"]
	switch aud := claims["aud"].(type) {
	case string:
		if aud != config.ClientID {
			return fmt.Errorf("%s: aud claim %s does not match client id: %w", op, aud, ErrInvalidClaims)
		}
	case []interface{}:
		found := false
		for _, a := range aud {
			if s, ok := a.(string); ok && s == config.ClientID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%s: aud claim does not contain client id: %w", op, ErrInvalidClaims)
		}
		if !azpPresent {
			return fmt.Errorf("%s: multi-audience id_token has no azp claim: %w", op, ErrInvalidClaims)
		}
	default:
		return fmt.Errorf("%s: aud claim is neither a string nor an array: %w", op, ErrInvalidClaims)
	}

	if azpPresent {
		if s, ok := azp.(string); !ok || s != config.ClientID {
			return fmt.Errorf("%s: azp claim %v does not match client id: %w", op, azp, ErrInvalidClaims)
		}
	}
	return nil
}

// Expired reports whether the credentials can no longer be trusted as fresh:
// true when the code has not been redeemed, when claims are absent, or when
// the exp claim is not strictly greater than the current time.
func (c *Credentials) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claims == nil {
		return true
	}
	return expired(c.claims, c.nowFunc())
}

// Subject returns the sub claim of the redeemed credentials, or an empty
// string before a successful Redeem.
func (c *Credentials) Subject() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, _ := c.claims["sub"].(string)
	return sub
}

// Claims returns the decoded id_token claims, populated if and only if the
// code has been successfully redeemed.
func (c *Credentials) Claims() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claims
}

// Response returns the raw token endpoint response, with any extra fields
// the provider sent preserved verbatim.
func (c *Credentials) Response() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

// RedirectURI returns the redirect URI that was used to obtain the
// authorization code.
func (c *Credentials) RedirectURI() string {
	return c.redirectURI
}

// CheckExpiry reports whether a decoded claims mapping, such as one cached
// in a session, carries an exp that is no longer in the future.
func CheckExpiry(claims map[string]interface{}) bool {
	if claims == nil {
		return true
	}
	return expired(claims, time.Now())
}

func expired(claims map[string]interface{}, now time.Time) bool {
	var exp int64
	switch v := claims["exp"].(type) {
	case float64:
		exp = int64(v)
	case json.Number:
		exp, _ = v.Int64()
	case int64:
		exp = v
	default:
		return true
	}
	// not expired only while exp is strictly in the future
	return exp <= now.Unix()
}

// credentialOptions is the set of available options for Credentials
type credentialOptions struct {
	withLogger  hclog.Logger
	withNowFunc func() time.Time
}

// credentialDefaults is a handy way to get the defaults at runtime and
// during unit tests.
func credentialDefaults() credentialOptions {
	return credentialOptions{
		withLogger:  hclog.NewNullLogger(),
		withNowFunc: time.Now,
	}
}

// getCredentialOpts gets the defaults and applies the opt overrides passed
// in.
func getCredentialOpts(opt ...Option) credentialOptions {
	opts := credentialDefaults()
	ApplyOpts(&opts, opt...)
	if opts.withLogger == nil {
		opts.withLogger = hclog.NewNullLogger()
	}
	if opts.withNowFunc == nil {
		opts.withNowFunc = time.Now
	}
	return opts
}
