package lti

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

/*
KeyStore holds the tool's RSA key pair.

  - The private key is loaded once at startup from PEM (PKCS#1 or PKCS#8) and
    never leaves this type.
  - PublicJWKS publishes the public half for /lti/jwks.
  - Sign produces RS256 JWTs with the configured "kid" header, used for
    private_key_jwt client assertions against the platform token endpoint.

A missing or malformed key is a KeyLoadError; the server must not start.
*/

const defaultRSABits = 2048

type KeyStore struct {
	kid  string
	priv *rsa.PrivateKey

	// Clock (for tests)
	Now func() time.Time
}

// NewKeyStore wraps an already parsed private key.
func NewKeyStore(priv *rsa.PrivateKey, kid string) (*KeyStore, error) {
	if priv == nil {
		return nil, newError(CodeKeyLoadError, "private key is required", nil)
	}
	if err := priv.Validate(); err != nil {
		return nil, newError(CodeKeyLoadError, "invalid rsa private key", err)
	}
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, newError(CodeKeyLoadError, "key id is required", nil)
	}
	return &KeyStore{kid: kid, priv: priv}, nil
}

// LoadKeyStore reads the private key PEM and, when publicPath is non-empty,
// checks that the public PEM belongs to it.
func LoadKeyStore(privatePath, publicPath, kid string) (*KeyStore, error) {
	raw, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, newError(CodeKeyLoadError, "read private key", err)
	}
	priv, err := ParseRSAPrivateKeyPEM(raw)
	if err != nil {
		return nil, newError(CodeKeyLoadError, "parse private key "+privatePath, err)
	}
	if publicPath != "" {
		rawPub, err := os.ReadFile(publicPath)
		if err != nil {
			return nil, newError(CodeKeyLoadError, "read public key", err)
		}
		pub, err := ParseRSAPublicKeyPEM(rawPub)
		if err != nil {
			return nil, newError(CodeKeyLoadError, "parse public key "+publicPath, err)
		}
		if !pub.Equal(&priv.PublicKey) {
			return nil, newError(CodeKeyLoadError, "public key does not match private key", nil)
		}
	}
	return NewKeyStore(priv, kid)
}

func (ks *KeyStore) KeyID() string { return ks.kid }

// PublicKey returns a copy of the public key.
func (ks *KeyStore) PublicKey() *rsa.PublicKey {
	pub := ks.priv.PublicKey
	return &pub
}

// PublicJWKS returns the one-key set published at /lti/jwks.
func (ks *KeyStore) PublicJWKS() (jwk.Set, error) {
	key, err := jwk.FromRaw(ks.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("keys: build jwk: %w", err)
	}
	for k, v := range map[string]any{
		jwk.KeyIDKey:     ks.kid,
		jwk.AlgorithmKey: jwa.RS256,
		jwk.KeyUsageKey:  jwk.ForSignature,
	} {
		if err := key.Set(k, v); err != nil {
			return nil, fmt.Errorf("keys: set %s: %w", k, err)
		}
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, fmt.Errorf("keys: add jwk: %w", err)
	}
	return set, nil
}

// Sign returns a compact RS256 JWS over claims with our kid in the header.
func (ks *KeyStore) Sign(claims jwt.Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = ks.kid
	return t.SignedString(ks.priv)
}

// ClientAssertion builds the private_key_jwt assertion for the platform
// token endpoint (iss = sub = client_id, aud = token URL).
func (ks *KeyStore) ClientAssertion(reg PlatformRegistration, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := ks.now()
	return ks.Sign(jwt.RegisteredClaims{
		Issuer:    reg.ClientID,
		Subject:   reg.ClientID,
		Audience:  jwt.ClaimStrings{reg.TokenURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	})
}

func (ks *KeyStore) now() time.Time {
	if ks.Now != nil {
		return ks.Now()
	}
	return time.Now().UTC()
}

// ------------------------------- PEM helpers ---------------------------------

// ParseRSAPrivateKeyPEM accepts "RSA PRIVATE KEY" (PKCS#1) and "PRIVATE KEY" (PKCS#8).
func ParseRSAPrivateKeyPEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("PKCS#8 key is %T, want RSA", k)
	}
	return rk, nil
}

// ParseRSAPublicKeyPEM accepts "PUBLIC KEY" (PKIX) and "RSA PUBLIC KEY" (PKCS#1).
func ParseRSAPublicKeyPEM(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if k, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rk, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("PKIX key is %T, want RSA", k)
	}
	return rk, nil
}

// GenerateKeyPair creates a new RSA key (2048 bits when bits <= 0).
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = defaultRSABits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("rsa generate: %w", err)
	}
	return priv, nil
}

// WriteKeyPair writes the private key as PKCS#8 (0600) and the public key as PKIX (0644).
func WriteKeyPair(priv *rsa.PrivateKey, privatePath, publicPath string) error {
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	if err := writePEM(privatePath, "PRIVATE KEY", privDER, 0o600); err != nil {
		return err
	}
	return writePEM(publicPath, "PUBLIC KEY", pubDER, 0o644)
}

func writePEM(path, typ string, der []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
