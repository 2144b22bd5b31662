package lti

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// JWKSProvider supplies the public key set served at /lti/jwks.
// PublicJWKS must never return private material.
type JWKSProvider interface {
	PublicJWKS() (jwk.Set, error)
}

// JWKSHandler serves the tool's public keys in JWKS (RFC 7517) format.
type JWKSHandler struct {
	Provider JWKSProvider

	// Optional: cache control for responses (default: 10 minutes).
	CacheMaxAge time.Duration
	// Optional: override the clock (useful in tests).
	Now func() time.Time
}

func (h *JWKSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Provider == nil {
		http.Error(w, "jwks: not configured", http.StatusInternalServerError)
		return
	}
	set, err := h.Provider.PublicJWKS()
	if err != nil {
		http.Error(w, "jwks: unavailable", http.StatusInternalServerError)
		return
	}
	payload, err := json.Marshal(set)
	if err != nil {
		http.Error(w, "jwks: marshal error", http.StatusInternalServerError)
		return
	}

	etag := computeETag(payload)
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(h.cacheAge().Seconds())))
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", h.now().UTC().Format(http.TimeFormat))

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *JWKSHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *JWKSHandler) cacheAge() time.Duration {
	if h.CacheMaxAge > 0 {
		return h.CacheMaxAge
	}
	return 10 * time.Minute
}

func computeETag(b []byte) string {
	sum := sha256.Sum256(b)
	return `W/"` + b64url(sum[:]) + `"`
}

// ------------------------------------------------------------------------------------
// Platform key sets
// ------------------------------------------------------------------------------------

// keySet is the verification view of a fetched platform JWKS: RSA signing keys only.
type keySet struct {
	byKID map[string]*rsa.PublicKey
	// first RSA signing key in document order; used for tokens without "kid".
	first *rsa.PublicKey
}

func (ks keySet) lookup(kid string) (*rsa.PublicKey, bool) {
	if kid == "" {
		return ks.first, ks.first != nil
	}
	k, ok := ks.byKID[kid]
	return k, ok
}

// parseKeySet decodes a JWKS document and keeps the RSA keys usable for signatures.
func parseKeySet(raw []byte) (keySet, error) {
	set, err := jwk.Parse(raw)
	if err != nil {
		return keySet{}, fmt.Errorf("parse jwks: %w", err)
	}
	out := keySet{byKID: make(map[string]*rsa.PublicKey, set.Len())}
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok || key.KeyType() != jwa.RSA {
			continue
		}
		if use := key.KeyUsage(); use != "" && use != string(jwk.ForSignature) {
			continue
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			continue
		}
		pub, ok := raw.(*rsa.PublicKey)
		if !ok {
			continue
		}
		if out.first == nil {
			out.first = pub
		}
		if kid := key.KeyID(); kid != "" {
			out.byKID[kid] = pub
		}
	}
	if out.first == nil {
		return keySet{}, errors.New("jwks contains no RSA signing keys")
	}
	return out, nil
}
