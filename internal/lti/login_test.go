package lti_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mind-engage/lti13-tool/internal/lti"
)

func newTestInitiator(t *testing.T, p *fakePlatform) (*lti.LoginInitiator, *lti.InMemoryStateStore) {
	t.Helper()
	states := lti.NewInMemoryStateStore()
	return lti.NewLoginInitiator(p.registry(), states, testLaunchURL, zap.NewNop()), states
}

func validLogin() lti.LoginRequest {
	return lti.LoginRequest{
		Issuer:        testIssuer,
		LoginHint:     "user42",
		TargetLinkURI: testLaunchURL,
	}
}

func TestInitiateRedirectsToPlatform(t *testing.T) {
	p := newFakePlatform(t)
	li, states := newTestInitiator(t, p)

	req := validLogin()
	req.MessageHint = "hint-9"
	req.DeploymentID = testDeploymentID
	red, err := li.Initiate(context.Background(), req)
	require.NoError(t, err)

	u, err := url.Parse(red.URL)
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", u.Host)
	assert.Equal(t, "/mod/lti/auth.php", u.Path)

	q := u.Query()
	assert.Equal(t, "openid", q.Get("scope"))
	assert.Equal(t, "id_token", q.Get("response_type"))
	assert.Equal(t, "form_post", q.Get("response_mode"))
	assert.Equal(t, "none", q.Get("prompt"))
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, testLaunchURL, q.Get("redirect_uri"))
	assert.Equal(t, "user42", q.Get("login_hint"))
	assert.Equal(t, "hint-9", q.Get("lti_message_hint"))
	assert.Equal(t, testDeploymentID, q.Get("lti_deployment_id"))
	assert.Equal(t, red.State, q.Get("state"))
	assert.Equal(t, red.Nonce, q.Get("nonce"))
	assert.Len(t, red.State, 43) // 32 bytes, base64url without padding
	assert.Equal(t, 1, states.Len())

	a, err := states.Consume(context.Background(), red.State)
	require.NoError(t, err)
	assert.Equal(t, red.Nonce, a.Nonce)
	assert.Equal(t, testIssuer, a.Issuer)
	assert.Equal(t, testLaunchURL, a.TargetLinkURI)
}

func TestInitiateIssuesFreshStateAndNonce(t *testing.T) {
	p := newFakePlatform(t)
	li, states := newTestInitiator(t, p)

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		red, err := li.Initiate(context.Background(), validLogin())
		require.NoError(t, err)
		require.False(t, seen[red.State])
		require.False(t, seen[red.Nonce])
		seen[red.State], seen[red.Nonce] = true, true
	}
	assert.Equal(t, 200, states.Len())
}

func TestInitiateRejects(t *testing.T) {
	p := newFakePlatform(t)
	li, states := newTestInitiator(t, p)

	cases := []struct {
		name   string
		mutate func(*lti.LoginRequest)
		want   error
	}{
		{"unknown issuer", func(r *lti.LoginRequest) { r.Issuer = "https://evil.example.com" }, lti.ErrUnknownPlatform},
		{"missing issuer", func(r *lti.LoginRequest) { r.Issuer = "" }, lti.ErrMalformedRequest},
		{"missing login_hint", func(r *lti.LoginRequest) { r.LoginHint = "" }, lti.ErrMalformedRequest},
		{"missing target_link_uri", func(r *lti.LoginRequest) { r.TargetLinkURI = "" }, lti.ErrMalformedRequest},
		{"relative target_link_uri", func(r *lti.LoginRequest) { r.TargetLinkURI = "/lti/launch" }, lti.ErrMalformedRequest},
		{"foreign client_id", func(r *lti.LoginRequest) { r.ClientID = "someone-else" }, lti.ErrUnknownPlatform},
		{"foreign deployment", func(r *lti.LoginRequest) { r.DeploymentID = "999" }, lti.ErrDeploymentMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validLogin()
			tc.mutate(&req)
			red, err := li.Initiate(context.Background(), req)
			assert.Nil(t, red)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Zero(t, states.Len())
}

func TestLoginHandler(t *testing.T) {
	p := newFakePlatform(t)
	li, _ := newTestInitiator(t, p)

	t.Run("GET query", func(t *testing.T) {
		q := url.Values{"iss": {testIssuer}, "login_hint": {"user42"}, "target_link_uri": {testLaunchURL}}
		rec := httptest.NewRecorder()
		li.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lti/login?"+q.Encode(), nil))

		require.Equal(t, http.StatusFound, rec.Code)
		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:8080/mod/lti/auth.php", loc.Scheme+"://"+loc.Host+loc.Path)
		assert.NotEmpty(t, loc.Query().Get("state"))
		assert.NotEmpty(t, loc.Query().Get("nonce"))
	})

	t.Run("POST form", func(t *testing.T) {
		form := url.Values{"iss": {testIssuer}, "login_hint": {"user42"}, "target_link_uri": {testLaunchURL}, "client_id": {testClientID}}
		req := httptest.NewRequest(http.MethodPost, "/lti/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		li.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusFound, rec.Code)
	})

	t.Run("foreign deployment is a bad request", func(t *testing.T) {
		form := url.Values{"iss": {testIssuer}, "login_hint": {"user42"}, "target_link_uri": {testLaunchURL}, "lti_deployment_id": {"999"}}
		req := httptest.NewRequest(http.MethodPost, "/lti/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		li.ServeHTTP(rec, req)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "DeploymentMismatch", body["error"])
		assert.Empty(t, rec.Header().Get("Location"))
	})

	t.Run("foreign client_id is a bad request", func(t *testing.T) {
		q := url.Values{"iss": {testIssuer}, "login_hint": {"u"}, "target_link_uri": {testLaunchURL}, "client_id": {"someone-else"}}
		rec := httptest.NewRecorder()
		li.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lti/login?"+q.Encode(), nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown platform", func(t *testing.T) {
		q := url.Values{"iss": {"https://evil.example.com"}, "login_hint": {"u"}, "target_link_uri": {testLaunchURL}}
		rec := httptest.NewRecorder()
		li.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lti/login?"+q.Encode(), nil))

		require.Equal(t, http.StatusBadRequest, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "UnknownPlatform", body["error"])
		assert.NotEmpty(t, body["message"])
	})
}
