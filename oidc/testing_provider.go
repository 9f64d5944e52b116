package oidc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

// TestProvider is a local server that stands in for an OpenID Provider in
// tests.  It serves the discovery document, an authorization endpoint that
// immediately redirects back with the expected code, and a token endpoint
// that issues signed id_tokens.
type TestProvider struct {
	httpServer *httptest.Server

	mu                sync.Mutex
	clientID          string
	clientSecret      string
	expectedAuthCode  string
	replySubject      string
	customClaims      map[string]interface{}
	tokenType         string
	omitIDToken       bool
	omitAccessToken   bool
	omitAuthEndpoint  bool
	omitTokenEndpoint bool
	metadataIssuer    string
	invalidDiscovery  bool

	ecdsaPublicKey  string
	ecdsaPrivateKey string

	t *testing.T
}

// StartTestProvider creates and starts a disposable TestProvider.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()

	p := &TestProvider{
		t:            t,
		replySubject: "alice@example.com",
		tokenType:    "Bearer",
	}
	p.ecdsaPublicKey, p.ecdsaPrivateKey = TestGenerateKeys(t)
	p.httpServer = httptest.NewServer(p)
	t.Cleanup(p.httpServer.Close)
	return p
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() {
	p.httpServer.Close()
}

// Addr returns the current base URL for the test provider's running
// webserver, which doubles as its issuer.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// SigningKeys returns the test provider's pem-encoded keys used to sign JWTs.
func (p *TestProvider) SigningKeys() (pub, priv string) {
	return p.ecdsaPublicKey, p.ecdsaPrivateKey
}

// SetClientCreds configures the client information required for the token
// endpoint.
func (p *TestProvider) SetClientCreds(clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.clientSecret = clientSecret
}

// SetExpectedAuthCode configures the only authorization code the token
// endpoint will accept.  A second redemption of the same code fails, as it
// would at a real provider.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetReplySubject configures the sub claim in issued id_tokens.
func (p *TestProvider) SetReplySubject(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replySubject = sub
}

// SetCustomClaims merges the given claims into issued id_tokens, overriding
// the defaults (including iss, aud and exp) on key collision.
func (p *TestProvider) SetCustomClaims(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customClaims = claims
}

// SetTokenType overrides the token_type in the token response.
func (p *TestProvider) SetTokenType(tokenType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenType = tokenType
}

// OmitIDToken forces an error state where the token endpoint does not return
// an id_token.
func (p *TestProvider) OmitIDToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// OmitAccessToken forces an error state where the token endpoint does not
// return an access_token.
func (p *TestProvider) OmitAccessToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitAccessToken = true
}

// OmitEndpoints drops the named endpoints from the discovery document.
func (p *TestProvider) OmitEndpoints(auth, token bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitAuthEndpoint = auth
	p.omitTokenEndpoint = token
}

// SetMetadataIssuer overrides the issuer value in the discovery document,
// which is permitted to differ from the configured issuer.
func (p *TestProvider) SetMetadataIssuer(issuer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metadataIssuer = issuer
}

// SetInvalidDiscovery makes the discovery endpoint return a JSON value that
// is not an object.
func (p *TestProvider) SetInvalidDiscovery() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidDiscovery = true
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, out interface{}) {
	p.t.Helper()
	if err := json.NewEncoder(w).Encode(out); err != nil {
		p.t.Errorf("test provider: unable to encode response: %v", err)
	}
}

func (p *TestProvider) writeTokenError(w http.ResponseWriter, statusCode int, errorCode, errorMessage string) {
	body := struct {
		Code string `json:"error"`
		Desc string `json:"error_description,omitempty"`
	}{
		Code: errorCode,
		Desc: errorMessage,
	}
	w.WriteHeader(statusCode)
	p.writeJSON(w, &body)
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.t.Helper()

	w.Header().Set("Content-Type", "application/json")

	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if p.invalidDiscovery {
			p.writeJSON(w, []string{"not", "an", "object"})
			return
		}
		issuer := p.Addr()
		if p.metadataIssuer != "" {
			issuer = p.metadataIssuer
		}
		doc := map[string]interface{}{
			"issuer":                 issuer,
			"authorization_endpoint": p.Addr() + "/auth",
			"token_endpoint":         p.Addr() + "/token",
			"end_session_endpoint":   p.Addr() + "/logout",
		}
		if p.omitAuthEndpoint {
			delete(doc, "authorization_endpoint")
		}
		if p.omitTokenEndpoint {
			delete(doc, "token_endpoint")
		}
		p.writeJSON(w, doc)

	case "/auth":
		qv := req.URL.Query()
		if qv.Get("response_type") != "code" {
			http.Error(w, "unsupported_response_type", http.StatusBadRequest)
			return
		}
		redirectURI := qv.Get("redirect_uri")
		if redirectURI == "" {
			http.Error(w, "missing redirect_uri", http.StatusBadRequest)
			return
		}
		redirectURI += "?state=" + url.QueryEscape(qv.Get("state")) +
			"&code=" + url.QueryEscape(p.expectedAuthCode)
		http.Redirect(w, req, redirectURI, http.StatusFound)

	case "/token":
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch {
		case req.FormValue("grant_type") != "authorization_code":
			p.writeTokenError(w, http.StatusBadRequest, "invalid_request", "bad grant_type")
			return
		case req.FormValue("client_id") != p.clientID || req.FormValue("client_secret") != p.clientSecret:
			p.writeTokenError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
			return
		case p.expectedAuthCode == "" || req.FormValue("code") != p.expectedAuthCode:
			p.writeTokenError(w, http.StatusUnauthorized, "invalid_grant", "unexpected auth code")
			return
		}
		// the code is single-use at the provider
		p.expectedAuthCode = ""

		now := time.Now()
		claims := map[string]interface{}{
			"iss": p.Addr(),
			"sub": p.replySubject,
			"aud": p.clientID,
			"iat": now.Unix(),
			"exp": now.Add(5 * time.Minute).Unix(),
		}
		for k, v := range p.customClaims {
			claims[k] = v
		}
		idToken := TestSignJWT(p.t, p.ecdsaPrivateKey, claims)

		reply := map[string]interface{}{
			"access_token": idToken,
			"id_token":     idToken,
			"token_type":   p.tokenType,
			"expires_in":   300,
		}
		if p.omitIDToken {
			delete(reply, "id_token")
		}
		if p.omitAccessToken {
			delete(reply, "access_token")
		}
		p.writeJSON(w, reply)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
