package rp

import (
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oidcware/relier/oidc"
)

// testApp is the protected application behind the authenticator.  It records
// what it was asked to serve, so tests can tell a replayed request from the
// original.
type testApp struct {
	mu   sync.Mutex
	hits []testHit
}

type testHit struct {
	Path   string
	Method string
	Form   url.Values
}

func (a *testApp) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	a.mu.Lock()
	a.hits = append(a.hits, testHit{Path: r.URL.Path, Method: r.Method, Form: r.PostForm})
	a.mu.Unlock()
	_, _ = io.WriteString(w, "welcome")
}

func (a *testApp) lastHit(t *testing.T) testHit {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.hits)
	return a.hits[len(a.hits)-1]
}

// testRig wires a test provider, a protected app and the authenticator into
// a running server.
type testRig struct {
	tp     *oidc.TestProvider
	config *oidc.ProviderConfig
	app    *testApp
	server *httptest.Server
}

func newTestRig(t *testing.T, loginOpts []Option, authOpts []Option) *testRig {
	t.Helper()
	tp := oidc.StartTestProvider(t)
	config := testStartedConfig(t, tp)
	login, err := NewLoginService(config, loginOpts...)
	require.NoError(t, err)
	store := NewMemorySessionStore("sid", []byte("0123456789abcdef0123456789abcdef"))
	auth, err := NewAuthenticator(config, login, store, authOpts...)
	require.NoError(t, err)

	app := &testApp{}
	mux := http.NewServeMux()
	mux.Handle("/logout", auth.LogoutHandler())
	mux.Handle("/", auth.Wrap(app))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return &testRig{tp: tp, config: config, app: app, server: server}
}

// client returns an http client with a cookie jar.  With follow false it
// surfaces redirects instead of chasing them, so a test can inspect each leg
// of the flow.
func (rg *testRig) client(t *testing.T, follow bool) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	c := &http.Client{Jar: jar}
	if !follow {
		c.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return c
}

func TestNewAuthenticator(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	tp := oidc.StartTestProvider(t)
	config := testStartedConfig(t, tp)
	login, err := NewLoginService(config)
	require.NoError(err)
	store := NewMemorySessionStore("sid", []byte("0123456789abcdef0123456789abcdef"))

	_, err = NewAuthenticator(nil, login, store)
	require.Error(err)
	assert.Truef(errors.Is(err, oidc.ErrNilParameter), "wanted \"%s\" but got \"%s\"", oidc.ErrNilParameter, err)

	_, err = NewAuthenticator(config, nil, store)
	require.Error(err)
	_, err = NewAuthenticator(config, login, nil)
	require.Error(err)

	notStarted, err := oidc.NewProviderConfig("https://example.com", "test-rp", "fido")
	require.NoError(err)
	_, err = NewAuthenticator(notStarted, login, store)
	require.Error(err)
	assert.Truef(errors.Is(err, oidc.ErrNotStarted), "wanted \"%s\" but got \"%s\"", oidc.ErrNotStarted, err)
}

func TestAuthenticator_Challenge(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	rg := newTestRig(t, nil, nil)
	client := rg.client(t, false)

	resp, err := client.Get(rg.server.URL + "/private?flavor=vanilla")
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusSeeOther, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(err)
	assert.True(strings.HasPrefix(location.String(), rg.tp.Addr()+"/auth"), "challenge must target the provider, got %s", location)

	qv := location.Query()
	assert.Equal("code", qv.Get("response_type"))
	assert.Equal("test-rp", qv.Get("client_id"))
	assert.Equal(rg.server.URL+"/j_security_check", qv.Get("redirect_uri"))
	assert.Contains(qv.Get("scope"), "openid")
	assert.True(strings.HasPrefix(qv.Get("state"), "st_"), "state %q", qv.Get("state"))

	// the challenge never reaches the application
	rg.app.mu.Lock()
	defer rg.app.mu.Unlock()
	assert.Empty(rg.app.hits)
}

func TestAuthenticator_FullFlow(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	rg := newTestRig(t, nil, nil)
	client := rg.client(t, true)
	rg.tp.SetExpectedAuthCode("test-code")

	resp, err := client.Get(rg.server.URL + "/private?flavor=vanilla")
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(err)
	assert.Equal("welcome", string(body))

	hit := rg.app.lastHit(t)
	assert.Equal("/private", hit.Path)
	assert.Equal(http.MethodGet, hit.Method)

	// the cached authentication serves the next request without another
	// provider round trip; the spent code would fail one
	resp2, err := client.Get(rg.server.URL + "/private")
	require.NoError(err)
	defer resp2.Body.Close()
	require.Equal(http.StatusOK, resp2.StatusCode)

	rg.app.mu.Lock()
	defer rg.app.mu.Unlock()
	assert.Len(rg.app.hits, 2)
}

func TestAuthenticator_ReplaysPost(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	rg := newTestRig(t, nil, nil)
	client := rg.client(t, true)
	rg.tp.SetExpectedAuthCode("test-code")

	resp, err := client.PostForm(rg.server.URL+"/orders", url.Values{
		"flavor": {"vanilla"},
		"scoops": {"2"},
	})
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)

	// the browser arrives at /orders with a GET after the login redirect,
	// but the handler must see the request that started the flow
	hit := rg.app.lastHit(t)
	assert.Equal("/orders", hit.Path)
	assert.Equal(http.MethodPost, hit.Method)
	assert.Equal("vanilla", hit.Form.Get("flavor"))
	assert.Equal("2", hit.Form.Get("scoops"))
}

func TestAuthenticator_Callback(t *testing.T) {
	t.Parallel()

	t.Run("state-mismatch-with-error-page", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		rg := newTestRig(t, nil, []Option{WithErrorPage("/error")})
		client := rg.client(t, false)

		// establish the session and its anti-forgery token
		resp, err := client.Get(rg.server.URL + "/private")
		require.NoError(err)
		resp.Body.Close()
		require.Equal(http.StatusSeeOther, resp.StatusCode)

		resp, err = client.Get(rg.server.URL + "/j_security_check?code=test-code&state=forged")
		require.NoError(err)
		defer resp.Body.Close()
		require.Equal(http.StatusSeeOther, resp.StatusCode)

		location, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(err)
		assert.Equal("/error", location.Path)
		assert.Contains(location.Query().Get(ErrorParameter), "invalid state")
	})

	t.Run("state-mismatch-without-error-page", func(t *testing.T) {
		require := require.New(t)
		rg := newTestRig(t, nil, nil)
		client := rg.client(t, false)

		resp, err := client.Get(rg.server.URL + "/private")
		require.NoError(err)
		resp.Body.Close()

		resp, err = client.Get(rg.server.URL + "/j_security_check?code=test-code&state=forged")
		require.NoError(err)
		defer resp.Body.Close()
		require.Equal(http.StatusForbidden, resp.StatusCode)
	})

	t.Run("provider-error-reported", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		rg := newTestRig(t, nil, []Option{WithErrorPage("/error")})
		client := rg.client(t, false)

		resp, err := client.Get(rg.server.URL + "/j_security_check?error=access_denied&error_description=user+said+no")
		require.NoError(err)
		defer resp.Body.Close()
		require.Equal(http.StatusSeeOther, resp.StatusCode)

		location, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(err)
		assert.Equal("/error", location.Path)
		reason := location.Query().Get(ErrorParameter)
		assert.Contains(reason, "access_denied")
		assert.Contains(reason, "user said no")
	})

	t.Run("missing-state", func(t *testing.T) {
		require := require.New(t)
		rg := newTestRig(t, nil, nil)
		client := rg.client(t, false)

		resp, err := client.Get(rg.server.URL + "/j_security_check?code=test-code")
		require.NoError(err)
		defer resp.Body.Close()
		require.Equal(http.StatusForbidden, resp.StatusCode)
	})

	t.Run("denied-login-redirects-to-error-page", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		source := newTestIdentitySource("someone-else@example.com")
		rg := newTestRig(t, []Option{WithIdentitySource(source)}, []Option{WithErrorPage("/error")})
		client := rg.client(t, true)
		rg.tp.SetExpectedAuthCode("test-code")

		resp, err := client.Get(rg.server.URL + "/private")
		require.NoError(err)
		defer resp.Body.Close()
		require.Equal(http.StatusOK, resp.StatusCode)

		// the flow bottoms out on the error page, which is served
		// unauthenticated rather than challenged again
		hit := rg.app.lastHit(t)
		assert.Equal("/error", hit.Path)
	})
}

func TestAuthenticator_ErrorPageIsExempt(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	rg := newTestRig(t, nil, []Option{WithErrorPage("/error")})
	client := rg.client(t, false)

	resp, err := client.Get(rg.server.URL + "/error")
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("/error", rg.app.lastHit(t).Path)
}

func TestAuthenticator_RevokedAuthenticationIsChallenged(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	source := newTestIdentitySource("alice@example.com")
	rg := newTestRig(t, []Option{WithIdentitySource(source)}, nil)

	client := rg.client(t, true)
	rg.tp.SetExpectedAuthCode("test-code")
	resp, err := client.Get(rg.server.URL + "/private")
	require.NoError(err)
	resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)

	source.revoke("alice@example.com")

	// the cached authentication no longer validates, so the next request
	// is challenged again instead of served
	noFollow := rg.client(t, false)
	noFollow.Jar = client.Jar
	resp, err = noFollow.Get(rg.server.URL + "/private")
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusSeeOther, resp.StatusCode)
	assert.True(strings.HasPrefix(resp.Header.Get("Location"), rg.tp.Addr()+"/auth"))
}

func TestAuthenticator_Logout(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	source := newTestIdentitySource("alice@example.com")
	rg := newTestRig(t, []Option{WithIdentitySource(source)}, []Option{WithLogoutRedirectPath("/goodbye")})

	client := rg.client(t, true)
	rg.tp.SetExpectedAuthCode("test-code")
	resp, err := client.Get(rg.server.URL + "/private")
	require.NoError(err)
	resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)

	noFollow := rg.client(t, false)
	noFollow.Jar = client.Jar
	resp, err = noFollow.Get(rg.server.URL + "/logout")
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusSeeOther, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(err)
	assert.True(strings.HasPrefix(location.String(), rg.tp.Addr()+"/logout"), "logout must target the provider's end session endpoint, got %s", location)
	assert.NotEmpty(location.Query().Get("id_token_hint"))
	assert.Equal(rg.server.URL+"/goodbye", location.Query().Get("post_logout_redirect_uri"))

	// the identity source was told, and the cached authentication is gone
	source.mu.Lock()
	assert.Equal([]string{"alice@example.com"}, source.loggedOut)
	source.mu.Unlock()

	resp, err = noFollow.Get(rg.server.URL + "/private")
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusSeeOther, resp.StatusCode)
	assert.True(strings.HasPrefix(resp.Header.Get("Location"), rg.tp.Addr()+"/auth"))
}

func TestAuthenticator_isCallback(t *testing.T) {
	t.Parallel()
	a := &Authenticator{redirectPath: "/j_security_check"}
	tests := []struct {
		path string
		want bool
	}{
		{"/j_security_check", true},
		{"/ctx/j_security_check", true},
		{"/j_security_check;jsessionid=abc", true},
		{"/j_security_check/extra", true},
		{"/j_security_check.do", false},
		{"/private", false},
		{"/", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, a.isCallback(tt.path))
		})
	}
}

func Test_redirectCode(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	assert.Equal(http.StatusFound, redirectCode(&http.Request{ProtoMajor: 1, ProtoMinor: 0}))
	assert.Equal(http.StatusSeeOther, redirectCode(&http.Request{ProtoMajor: 1, ProtoMinor: 1}))
	assert.Equal(http.StatusSeeOther, redirectCode(&http.Request{ProtoMajor: 2, ProtoMinor: 0}))
}

func Test_requestScheme(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	r := httptest.NewRequest(http.MethodGet, "http://rp.example.com/", nil)
	assert.Equal("http", requestScheme(r))

	r.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal("https", requestScheme(r))
}
