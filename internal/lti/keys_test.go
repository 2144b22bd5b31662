package lti_test

import (
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/lti13-tool/internal/lti"
)

func writeTestKeys(t *testing.T, priv *rsa.PrivateKey) (string, string) {
	t.Helper()
	dir := t.TempDir()
	privPath := filepath.Join(dir, "keys", "private.pem")
	pubPath := filepath.Join(dir, "keys", "public.pem")
	require.NoError(t, lti.WriteKeyPair(priv, privPath, pubPath))
	return privPath, pubPath
}

func TestLoadKeyStoreRoundTrip(t *testing.T) {
	priv := testKey(t, 1)
	privPath, pubPath := writeTestKeys(t, priv)

	fi, err := os.Stat(privPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	ks, err := lti.LoadKeyStore(privPath, pubPath, "lti-key-1")
	require.NoError(t, err)
	assert.Equal(t, "lti-key-1", ks.KeyID())
	assert.True(t, ks.PublicKey().Equal(&priv.PublicKey))
}

func TestLoadKeyStoreErrors(t *testing.T) {
	privPath, _ := writeTestKeys(t, testKey(t, 1))
	_, otherPub := writeTestKeys(t, testKey(t, 2))

	_, err := lti.LoadKeyStore(filepath.Join(t.TempDir(), "missing.pem"), "", "k")
	assert.ErrorIs(t, err, lti.ErrKeyLoadError)

	_, err = lti.LoadKeyStore(privPath, otherPub, "k")
	assert.ErrorIs(t, err, lti.ErrKeyLoadError)

	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a pem"), 0o600))
	_, err = lti.LoadKeyStore(garbage, "", "k")
	assert.ErrorIs(t, err, lti.ErrKeyLoadError)

	_, err = lti.LoadKeyStore(privPath, "", " ")
	assert.ErrorIs(t, err, lti.ErrKeyLoadError)
}

// A token signed by the store verifies with the key recovered from its published JWKS.
func TestPublicJWKSRoundTrip(t *testing.T) {
	ks, err := lti.NewKeyStore(testKey(t, 1), "lti-key-1")
	require.NoError(t, err)

	set, err := ks.PublicJWKS()
	require.NoError(t, err)
	raw, err := json.Marshal(set)
	require.NoError(t, err)

	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Keys, 1)
	assert.Equal(t, "lti-key-1", doc.Keys[0]["kid"])
	assert.Equal(t, "RS256", doc.Keys[0]["alg"])
	assert.Equal(t, "sig", doc.Keys[0]["use"])
	for _, private := range []string{"d", "p", "q", "dp", "dq", "qi"} {
		assert.NotContains(t, doc.Keys[0], private)
	}

	parsed, err := jwk.Parse(raw)
	require.NoError(t, err)
	key, ok := parsed.LookupKeyID("lti-key-1")
	require.True(t, ok)
	var rawKey any
	require.NoError(t, key.Raw(&rawKey))
	pub, ok := rawKey.(*rsa.PublicKey)
	require.True(t, ok)

	signed, err := ks.Sign(jwt.RegisteredClaims{Subject: "tool", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))})
	require.NoError(t, err)
	tok, err := jwt.Parse(signed, func(*jwt.Token) (any, error) { return pub, nil }, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	assert.Equal(t, "lti-key-1", tok.Header["kid"])
}

func TestClientAssertion(t *testing.T) {
	ks, err := lti.NewKeyStore(testKey(t, 1), "lti-key-1")
	require.NoError(t, err)
	reg := validRegistration()

	signed, err := ks.ClientAssertion(reg, 0)
	require.NoError(t, err)

	var c jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(signed, &c, func(*jwt.Token) (any, error) { return ks.PublicKey(), nil },
		jwt.WithAudience(reg.TokenURL), jwt.WithIssuer(reg.ClientID))
	require.NoError(t, err)
	assert.Equal(t, reg.ClientID, c.Subject)
	assert.NotEmpty(t, c.ID)
}

func TestJWKSHandler(t *testing.T) {
	ks, err := lti.NewKeyStore(testKey(t, 1), "lti-key-1")
	require.NoError(t, err)
	h := &lti.JWKSHandler{Provider: ks}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lti/jwks", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/jwk-set+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=600", rec.Header().Get("Cache-Control"))
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/lti/jwks", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/lti/jwks", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, rec.Body.Len())
}
