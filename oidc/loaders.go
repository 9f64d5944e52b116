package oidc

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// envConfig is the environment surface for ProviderConfigFromEnv.
type envConfig struct {
	Issuer             string        `env:"ISSUER,required"`
	ClientID           string        `env:"CLIENT_ID,required"`
	ClientSecret       string        `env:"CLIENT_SECRET,required"`
	Scopes             []string      `env:"SCOPES" envSeparator:","`
	AuthEndpoint       string        `env:"AUTH_ENDPOINT"`
	TokenEndpoint      string        `env:"TOKEN_ENDPOINT"`
	EndSessionEndpoint string        `env:"END_SESSION_ENDPOINT"`
	ProviderCA         string        `env:"PROVIDER_CA"`
	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT"`
}

// ProviderConfigFromEnv composes a provider configuration from OIDC_*
// environment variables (OIDC_ISSUER, OIDC_CLIENT_ID, OIDC_CLIENT_SECRET,
// and optionally OIDC_SCOPES, OIDC_AUTH_ENDPOINT, OIDC_TOKEN_ENDPOINT,
// OIDC_END_SESSION_ENDPOINT, OIDC_PROVIDER_CA, OIDC_REQUEST_TIMEOUT).
// Options passed in override the environment.
func ProviderConfigFromEnv(opt ...Option) (*ProviderConfig, error) {
	const op = "oidc.ProviderConfigFromEnv"
	var e envConfig
	if err := env.ParseWithOptions(&e, env.Options{Prefix: "OIDC_"}); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return newProviderConfigFrom(op, e.Issuer, e.ClientID, e.ClientSecret, e.Scopes,
		e.AuthEndpoint, e.TokenEndpoint, e.EndSessionEndpoint, e.ProviderCA, e.RequestTimeout, opt)
}

// fileConfig is the YAML surface for LoadProviderConfig.  The request
// timeout is a Go duration string ("5s", "1m30s").
type fileConfig struct {
	Issuer             string   `yaml:"issuer"`
	ClientID           string   `yaml:"client_id"`
	ClientSecret       string   `yaml:"client_secret"`
	Scopes             []string `yaml:"scopes"`
	AuthEndpoint       string   `yaml:"auth_endpoint"`
	TokenEndpoint      string   `yaml:"token_endpoint"`
	EndSessionEndpoint string   `yaml:"end_session_endpoint"`
	ProviderCA         string   `yaml:"provider_ca"`
	RequestTimeout     string   `yaml:"request_timeout"`
}

// LoadProviderConfig composes a provider configuration from a YAML file.
// Options passed in override the file's values.
func LoadProviderConfig(path string, opt ...Option) (*ProviderConfig, error) {
	const op = "oidc.LoadProviderConfig"
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read %s: %w", op, path, err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%s: unable to parse %s: %w", op, path, err)
	}
	var requestTimeout time.Duration
	if f.RequestTimeout != "" {
		if requestTimeout, err = time.ParseDuration(f.RequestTimeout); err != nil {
			return nil, fmt.Errorf("%s: invalid request_timeout in %s: %w", op, path, err)
		}
	}
	return newProviderConfigFrom(op, f.Issuer, f.ClientID, f.ClientSecret, f.Scopes,
		f.AuthEndpoint, f.TokenEndpoint, f.EndSessionEndpoint, f.ProviderCA, requestTimeout, opt)
}

func newProviderConfigFrom(op, issuer, clientID, clientSecret string, scopes []string,
	authEndpoint, tokenEndpoint, endSessionEndpoint, providerCA string,
	requestTimeout time.Duration, opt []Option) (*ProviderConfig, error) {
	loaded := []Option{
		WithScopes(scopes...),
		WithEndpoints(authEndpoint, tokenEndpoint),
		WithEndSessionEndpoint(endSessionEndpoint),
		WithProviderCA(providerCA),
	}
	if requestTimeout > 0 {
		loaded = append(loaded, WithRequestTimeout(requestTimeout))
	}
	// caller options override the loaded values
	loaded = append(loaded, opt...)
	c, err := NewProviderConfig(issuer, clientID, ClientSecret(clientSecret), loaded...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}
