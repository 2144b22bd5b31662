package lti_test

import (
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/lti13-tool/internal/lti"
)

/* ---------------- A fake platform: JWKS endpoint + id_token minting ---------------- */

const (
	testIssuer       = "http://localhost:8080"
	testClientID     = "tool-client-1"
	testDeploymentID = "1"
	testLaunchURL    = "http://localhost:8000/lti/launch"
)

var (
	keyOnce   sync.Once
	sharedKey [3]*rsa.PrivateKey
)

// testKey returns one of a few pre-generated keys; RSA generation is slow.
func testKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		for n := range sharedKey {
			k, err := lti.GenerateKeyPair(2048)
			if err != nil {
				panic(err)
			}
			sharedKey[n] = k
		}
	})
	return sharedKey[i]
}

type fakePlatform struct {
	t   *testing.T
	srv *httptest.Server

	mu   sync.Mutex
	keys map[string]*rsa.PrivateKey // published keys by kid

	hits   atomic.Int32
	status atomic.Int32 // non-zero: answer with this status instead of the JWKS
	delay  time.Duration

	signer *rsa.PrivateKey
	kid    string
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	p := &fakePlatform{
		t:      t,
		keys:   map[string]*rsa.PrivateKey{"platform-key-1": testKey(t, 0)},
		signer: testKey(t, 0),
		kid:    "platform-key-1",
	}
	p.srv = httptest.NewServer(http.HandlerFunc(p.serveJWKS))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePlatform) serveJWKS(w http.ResponseWriter, r *http.Request) {
	p.hits.Add(1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if s := p.status.Load(); s != 0 {
		http.Error(w, "unavailable", int(s))
		return
	}
	p.mu.Lock()
	set := jwk.NewSet()
	for kid, k := range p.keys {
		ks, err := lti.NewKeyStore(k, kid)
		if err != nil {
			p.mu.Unlock()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		one, err := ks.PublicJWKS()
		if err != nil {
			p.mu.Unlock()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		key, _ := one.Key(0)
		_ = set.AddKey(key)
	}
	p.mu.Unlock()
	w.Header().Set("Content-Type", "application/jwk-set+json")
	_ = json.NewEncoder(w).Encode(set)
}

// publish replaces the published key set.
func (p *fakePlatform) publish(keys map[string]*rsa.PrivateKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = keys
}

func (p *fakePlatform) registration() lti.PlatformRegistration {
	return lti.PlatformRegistration{
		Issuer:            testIssuer,
		ClientID:          testClientID,
		DeploymentID:      testDeploymentID,
		AuthURL:           testIssuer + "/mod/lti/auth.php",
		TokenURL:          testIssuer + "/mod/lti/token.php",
		JWKSURL:           p.srv.URL + "/mod/lti/certs.php",
		AllowInsecureURLs: true,
	}
}

func (p *fakePlatform) registry() *lti.Registry {
	reg, err := lti.NewRegistry(p.registration())
	require.NoError(p.t, err)
	return reg
}

// claims returns a valid resource link launch for nonce.
func (p *fakePlatform) claims(nonce string) *lti.IDTokenClaims {
	now := time.Now()
	return &lti.IDTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "user42",
			Audience:  jwt.ClaimStrings{testClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
		Nonce:         nonce,
		Name:          "Ada Lovelace",
		Email:         "ada@example.com",
		MessageType:   lti.MessageTypeResourceLink,
		Version:       lti.Version13,
		DeploymentID:  testDeploymentID,
		TargetLinkURI: testLaunchURL,
		Roles:         []string{lti.RoleLearner},
		Context:       &lti.ContextClaim{ID: "course-7", Label: "CS101", Title: "Intro to CS"},
		ResourceLink:  &lti.ResourceLinkClaim{ID: "rl-3", Title: "Quiz 1"},
		ToolPlatform:  &lti.ToolPlatformClaim{Name: "Moodle"},
	}
}

// sign signs claims as the platform would, with the current signer and kid.
func (p *fakePlatform) sign(c *lti.IDTokenClaims) string {
	p.t.Helper()
	return signWith(p.t, p.signer, p.kid, c)
}

func signWith(t *testing.T, key *rsa.PrivateKey, kid string, c jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}
