package rp

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"

	"github.com/oidcware/relier/oidc"
)

// DefaultRedirectPath is the well-known callback path the provider redirects
// back to with the authorization code.
const DefaultRedirectPath = "/j_security_check"

// ErrorParameter is the query parameter carrying the failure reason on
// redirects to the configured error page.
const ErrorParameter = "error_description"

// Session attribute keys.  The exported keys let handlers downstream of the
// authenticator read the authenticated state Jetty-style: the cached
// identity, the decoded id_token claims, and the raw token response.
const (
	SessionKeyAuthentication = "relier.authentication"
	SessionKeyClaims         = "relier.claims"
	SessionKeyResponse       = "relier.response"
	SessionKeyIssuer         = "relier.issuer"

	sessionKeyURI    = "relier.uri"
	sessionKeyMethod = "relier.method"
	sessionKeyPost   = "relier.post"
	sessionKeyCSRF   = "relier.csrf"
)

// Authenticator drives the HTTP-level redirect state machine: it challenges
// unauthenticated requests with a redirect to the provider's authorization
// endpoint, handles the provider's callback on the redirect path, protects
// the exchange with a session-bound anti-forgery token, replays the caller's
// original request once authenticated, and caches the authentication in the
// session.
type Authenticator struct {
	config   *oidc.ProviderConfig
	login    *LoginService
	sessions SessionStore

	redirectPath       string
	errorPage          string
	errorPath          string
	errorQuery         string
	logoutRedirectPath string
	alwaysSaveRedirect bool
	logoutWhenExpired  bool

	logger hclog.Logger
}

// NewAuthenticator creates an Authenticator.  The provider configuration
// must already be started: serving traffic against an unconfigured provider
// is a startup fault, not something to discover per request.
//
// Supported options: WithRedirectPath, WithErrorPage,
// WithLogoutRedirectPath, WithAlwaysSaveRedirect, WithLogoutWhenExpired,
// WithLogger
func NewAuthenticator(config *oidc.ProviderConfig, login *LoginService, sessions SessionStore, opt ...Option) (*Authenticator, error) {
	const op = "rp.NewAuthenticator"
	if config == nil {
		return nil, fmt.Errorf("%s: provider config is nil: %w", op, oidc.ErrNilParameter)
	}
	if !config.Started() {
		return nil, fmt.Errorf("%s: %w", op, oidc.ErrNotStarted)
	}
	if login == nil {
		return nil, fmt.Errorf("%s: login service is nil: %w", op, oidc.ErrNilParameter)
	}
	if sessions == nil {
		return nil, fmt.Errorf("%s: session store is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getAuthenticatorOpts(opt...)
	a := &Authenticator{
		config:             config,
		login:              login,
		sessions:           sessions,
		redirectPath:       ensureLeadingSlash(opts.withRedirectPath),
		logoutRedirectPath: opts.withLogoutRedirectPath,
		alwaysSaveRedirect: opts.withAlwaysSaveRedirect,
		logoutWhenExpired:  opts.withLogoutWhenExpired,
		logger:             opts.withLogger,
	}
	if opts.withErrorPage != "" {
		page := ensureLeadingSlash(opts.withErrorPage)
		a.errorPage = page
		a.errorPath = page
		if i := strings.Index(page, "?"); i > 0 {
			a.errorPath = page[:i]
			a.errorQuery = page[i+1:]
		}
	}
	if a.logoutRedirectPath != "" {
		a.logoutRedirectPath = ensureLeadingSlash(a.logoutRedirectPath)
	}
	return a, nil
}

// Wrap guards next with OpenID Connect authentication.  Requests reach next
// only once a cached authentication exists and still validates; everything
// else is redirected through the provider.
func (a *Authenticator) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := a.sessions.Get(r)
		if err != nil {
			a.logger.Error("unable to establish a session", "error", err)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		if a.logoutWhenExpired && a.hasExpiredIDToken(sess) {
			a.logger.Debug("cached id_token expired, logging out", "session", sess.ID())
			a.clearAuthentication(sess)
		}

		if a.isCallback(r.URL.Path) {
			a.handleCallback(w, r, sess)
			return
		}

		if identity := cachedIdentity(sess); identity != nil {
			if !a.login.Validate(identity) {
				a.logger.Debug("cached authentication revoked", "sub", identity.Subject)
				a.clearAuthentication(sess)
			} else {
				r2, consumed := a.restoreReplay(r, sess)
				if consumed {
					if err := sess.Save(w, r); err != nil {
						a.logger.Error("unable to save session", "error", err)
					}
				}
				next.ServeHTTP(w, r2)
				return
			}
		}

		// The error page must stay reachable while unauthenticated, or a
		// failed login would redirect-loop through a fresh challenge.
		if a.isErrorPage(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		a.challenge(w, r, sess)
	})
}

// challenge saves the original request so it can be replayed after the
// round-trip, then redirects to the provider's authorization endpoint.
func (a *Authenticator) challenge(w http.ResponseWriter, r *http.Request, sess Session) {
	sess.Lock()
	// only the first redirect-triggering request is remembered, unless
	// every one should be
	if sess.Get(sessionKeyURI) == nil || a.alwaysSaveRedirect {
		sess.Set(sessionKeyURI, r.URL.RequestURI())
		if r.Method != http.MethodGet {
			sess.Set(sessionKeyMethod, r.Method)
		}
		if r.Method == http.MethodPost && isFormEncoded(r) {
			if err := r.ParseForm(); err == nil {
				sess.Set(sessionKeyPost, r.PostForm)
			}
		}
	}
	token, _ := sess.Get(sessionKeyCSRF).(string)
	var err error
	if token == "" {
		if token, err = oidc.NewID("st"); err == nil {
			sess.Set(sessionKeyCSRF, token)
		}
	}
	sess.Unlock()
	if err != nil {
		a.logger.Error("unable to generate anti-forgery token", "error", err)
		a.sendError(w, r, "auth failed: could not create state token")
		return
	}
	if err := sess.Save(w, r); err != nil {
		a.logger.Error("unable to save session", "error", err)
		a.sendError(w, r, "auth failed: could not save session")
		return
	}

	challengeURL := a.challengeURL(r, token)
	a.logger.Debug("challenge", "session", sess.ID(), "url", challengeURL)
	http.Redirect(w, r, challengeURL, redirectCode(r))
}

// handleCallback redeems the authorization code carried by the provider's
// redirect, after verifying the anti-forgery state token.
func (a *Authenticator) handleCallback(w http.ResponseWriter, r *http.Request, sess Session) {
	code := r.FormValue("code")
	if code == "" {
		// the provider denied consent or reported an error of its own
		message := "auth failed: no code parameter"
		if e := r.FormValue("error"); e != "" {
			message = "auth failed: " + e
			if desc := r.FormValue("error_description"); desc != "" {
				message += ": " + desc
			}
		}
		a.sendError(w, r, message)
		return
	}
	state := r.FormValue("state")
	if state == "" {
		a.sendError(w, r, "auth failed: no state parameter")
		return
	}

	sess.Lock()
	saved, _ := sess.Get(sessionKeyCSRF).(string)
	sess.Unlock()
	if saved == "" || saved != state {
		a.logger.Debug("callback denied", "session", sess.ID(), "error", ErrCSRFMismatch)
		a.sendError(w, r, "auth failed: invalid state parameter")
		return
	}
	// the anti-forgery token is kept for potential reuse by another login
	// within the same session

	creds, err := oidc.NewCredentials(code, a.redirectURI(r), a.config, oidc.WithLogger(a.logger))
	if err != nil {
		a.logger.Error("unable to create credentials", "error", err)
		a.sendError(w, r, "auth failed: bad callback parameters")
		return
	}
	identity, err := a.login.Login(r.Context(), creds)
	if err != nil {
		a.logger.Error("login denied", "error", err)
		a.sendError(w, r, "")
		return
	}

	sess.Lock()
	sess.Set(SessionKeyAuthentication, identity)
	sess.Set(SessionKeyClaims, creds.Claims())
	sess.Set(SessionKeyResponse, creds.Response())
	sess.Set(SessionKeyIssuer, a.config.Issuer)
	target, _ := sess.Get(sessionKeyURI).(string)
	sess.Unlock()
	if target == "" {
		target = "/"
	}
	if err := sess.Save(w, r); err != nil {
		a.logger.Error("unable to save session", "error", err)
		a.sendError(w, r, "auth failed: could not save session")
		return
	}

	a.logger.Debug("authenticated", "sub", identity.Subject, "redirect", target)
	http.Redirect(w, r, target, redirectCode(r))
}

// restoreReplay consumes the saved original-request state when the current
// request is the replay of it.  A browser follows the post-login redirect
// with a GET, so the saved method and form parameters are re-attached for
// the handler to see the request as it was originally made.
func (a *Authenticator) restoreReplay(r *http.Request, sess Session) (*http.Request, bool) {
	sess.Lock()
	defer sess.Unlock()

	uri, _ := sess.Get(sessionKeyURI).(string)
	if uri == "" || uri != r.URL.RequestURI() {
		return r, false
	}
	sess.Delete(sessionKeyURI)
	method, _ := sess.Get(sessionKeyMethod).(string)
	sess.Delete(sessionKeyMethod)
	form, _ := sess.Get(sessionKeyPost).(url.Values)
	sess.Delete(sessionKeyPost)

	r2 := r
	if method != "" && method != r.Method {
		r2 = r.Clone(r.Context())
		r2.Method = method
	}
	if form != nil {
		if r2 == r {
			r2 = r.Clone(r.Context())
		}
		a.logger.Debug("replaying original request", "uri", uri, "method", method)
		r2.PostForm = form
		r2.Form = nil // rebuilt from PostForm and the query on next access
	}
	return r2, true
}

// Logout clears the cached authentication and its auxiliary session
// attributes.  When the provider advertises an end_session_endpoint and an
// id_token is at hand, the user agent is sent there with an id_token_hint;
// otherwise it lands on the configured logout redirect path, if any.
func (a *Authenticator) Logout(w http.ResponseWriter, r *http.Request) {
	sess, err := a.sessions.Get(r)
	if err != nil {
		a.logger.Error("unable to establish a session", "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var idToken string
	sess.Lock()
	if response, ok := sess.Get(SessionKeyResponse).(map[string]interface{}); ok {
		idToken, _ = response["id_token"].(string)
	}
	if identity := cachedIdentity(sess); identity != nil {
		a.login.Logout(identity)
	}
	sess.Unlock()
	a.clearAuthentication(sess)
	if err := sess.Save(w, r); err != nil {
		a.logger.Error("unable to save session", "error", err)
	}

	var redirectURI string
	if a.logoutRedirectPath != "" {
		redirectURI = requestScheme(r) + "://" + r.Host + a.logoutRedirectPath
	}

	endSession := a.config.EndSessionEndpoint
	switch {
	case endSession != "" && idToken != "":
		location := endSession + "?id_token_hint=" + url.QueryEscape(idToken)
		if redirectURI != "" {
			location += "&post_logout_redirect_uri=" + url.QueryEscape(redirectURI)
		}
		http.Redirect(w, r, location, redirectCode(r))
	case redirectURI != "":
		http.Redirect(w, r, redirectURI, redirectCode(r))
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// LogoutHandler returns Logout as an http.Handler, for mounting on a route.
func (a *Authenticator) LogoutHandler() http.Handler {
	return http.HandlerFunc(a.Logout)
}

// sendError reports a failed authentication: a redirect to the configured
// error page with the reason in the ErrorParameter query parameter, or a
// plain 403 when no error page is configured.
func (a *Authenticator) sendError(w http.ResponseWriter, r *http.Request, message string) {
	a.logger.Debug("authentication failed", "reason", message)

	if a.errorPage == "" {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	location := a.errorPath
	query := a.errorQuery
	if message != "" {
		q := ErrorParameter + "=" + url.QueryEscape(message)
		if query != "" {
			q += "&" + query
		}
		query = q
	}
	if query != "" {
		location += "?" + query
	}
	http.Redirect(w, r, location, redirectCode(r))
}

func (a *Authenticator) clearAuthentication(sess Session) {
	sess.Lock()
	defer sess.Unlock()
	sess.Delete(SessionKeyAuthentication)
	sess.Delete(SessionKeyClaims)
	sess.Delete(SessionKeyResponse)
	sess.Delete(SessionKeyIssuer)
}

func (a *Authenticator) hasExpiredIDToken(sess Session) bool {
	claims, ok := sess.Get(SessionKeyClaims).(map[string]interface{})
	return ok && oidc.CheckExpiry(claims)
}

func cachedIdentity(sess Session) *Identity {
	identity, _ := sess.Get(SessionKeyAuthentication).(*Identity)
	return identity
}

// isCallback matches the redirect path, tolerating a trailing path
// parameter, fragment, sub-path or query separator.
func (a *Authenticator) isCallback(path string) bool {
	i := strings.Index(path, a.redirectPath)
	if i < 0 {
		return false
	}
	e := i + len(a.redirectPath)
	if e == len(path) {
		return true
	}
	switch path[e] {
	case ';', '#', '/', '?':
		return true
	}
	return false
}

func (a *Authenticator) isErrorPage(path string) bool {
	return a.errorPath != "" && path == a.errorPath
}

// challengeURL builds the provider authorization URL:
// client_id, redirect_uri, scope=openid plus configured scopes, state and
// response_type=code.
func (a *Authenticator) challengeURL(r *http.Request, state string) string {
	cfg := oauth2.Config{
		ClientID:    a.config.ClientID,
		RedirectURL: a.redirectURI(r),
		Endpoint: oauth2.Endpoint{
			AuthURL: a.config.AuthEndpoint,
		},
		Scopes: append([]string{"openid"}, a.config.Scopes...),
	}
	return cfg.AuthCodeURL(state)
}

// redirectURI is the absolute URI of the callback path on this host, the
// redirect_uri presented both in the challenge and in the code redemption.
func (a *Authenticator) redirectURI(r *http.Request) string {
	return requestScheme(r) + "://" + r.Host + a.redirectPath
}

func requestScheme(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		return forwarded
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// redirectCode follows the HTTP version: a 303 would confuse an HTTP/1.0
// user agent.
func redirectCode(r *http.Request) int {
	if r.ProtoMajor == 1 && r.ProtoMinor == 0 {
		return http.StatusFound
	}
	return http.StatusSeeOther
}

func isFormEncoded(r *http.Request) bool {
	contentType := r.Header.Get("Content-Type")
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(contentType) == "application/x-www-form-urlencoded"
}

func ensureLeadingSlash(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}
