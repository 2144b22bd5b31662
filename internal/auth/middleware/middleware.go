package auth

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/mind-engage/lti13-tool/internal/lti"
)

// sessionAudience keeps session tokens from being accepted anywhere else.
const sessionAudience = "lti13-tool/session"

const hkdfInfo = "lti13-tool session token v1"

// SessionService mints and verifies the tool's session tokens (HS256 JWTs).
// The MAC key is derived from the configured secret with HKDF-SHA256.
type SessionService struct {
	hmac []byte
	ttl  time.Duration

	// Clock (for tests)
	Now func() time.Time
}

// NewSessionService derives the signing key from secret. ttl <= 0 means one hour.
func NewSessionService(secret string, ttl time.Duration) (*SessionService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: session secret is required")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("auth: derive session key: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SessionService{hmac: key, ttl: ttl}, nil
}

// TTL is the lifetime given to minted tokens.
func (a *SessionService) TTL() time.Duration { return a.ttl }

// Claims mirror lti.LaunchSession. iss/sub are the platform's, jti is the session id.
type Claims struct {
	Name              string         `json:"name,omitempty"`
	Email             string         `json:"email,omitempty"`
	Roles             []string       `json:"roles,omitempty"`
	ContextID         string         `json:"context_id,omitempty"`
	ContextLabel      string         `json:"context_label,omitempty"`
	ContextTitle      string         `json:"context_title,omitempty"`
	ResourceLinkID    string         `json:"resource_link_id,omitempty"`
	ResourceLinkTitle string         `json:"resource_link_title,omitempty"`
	PlatformName      string         `json:"platform_name,omitempty"`
	DeploymentID      string         `json:"deployment_id"`
	MessageType       string         `json:"message_type"`
	TargetLinkURI     string         `json:"target_link_uri,omitempty"`
	Custom            map[string]any `json:"custom,omitempty"`
	jwt.RegisteredClaims
}

// Mint signs a session token for s. The token expires at s.ExpiresAt, or
// after TTL when the session carries no expiry.
func (a *SessionService) Mint(s *lti.LaunchSession) (string, error) {
	if s == nil {
		return "", errors.New("auth: nil session")
	}
	now := a.now()
	iat := s.IssuedAt
	if iat.IsZero() {
		iat = now
	}
	exp := s.ExpiresAt
	if exp.IsZero() {
		exp = iat.Add(a.ttl)
	}
	claims := &Claims{
		Name:              s.Name,
		Email:             s.Email,
		Roles:             s.Roles,
		ContextID:         s.ContextID,
		ContextLabel:      s.ContextLabel,
		ContextTitle:      s.ContextTitle,
		ResourceLinkID:    s.ResourceLinkID,
		ResourceLinkTitle: s.ResourceLinkTitle,
		PlatformName:      s.PlatformName,
		DeploymentID:      s.DeploymentID,
		MessageType:       s.MessageType,
		TargetLinkURI:     s.TargetLinkURI,
		Custom:            s.Custom,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.ID,
			Issuer:    s.Issuer,
			Subject:   s.Subject,
			Audience:  jwt.ClaimStrings{sessionAudience},
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(a.hmac)
}

// Parse verifies tokenStr and returns the session it carries.
func (a *SessionService) Parse(tokenStr string) (*lti.LaunchSession, error) {
	c := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, c, func(t *jwt.Token) (any, error) {
		return a.hmac, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(sessionAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid session token")
	}
	return c.session(), nil
}

func (c *Claims) session() *lti.LaunchSession {
	s := &lti.LaunchSession{
		ID:                c.ID,
		Issuer:            c.Issuer,
		Subject:           c.Subject,
		Name:              c.Name,
		Email:             c.Email,
		Roles:             c.Roles,
		ContextID:         c.ContextID,
		ContextLabel:      c.ContextLabel,
		ContextTitle:      c.ContextTitle,
		ResourceLinkID:    c.ResourceLinkID,
		ResourceLinkTitle: c.ResourceLinkTitle,
		PlatformName:      c.PlatformName,
		DeploymentID:      c.DeploymentID,
		MessageType:       c.MessageType,
		TargetLinkURI:     c.TargetLinkURI,
		Custom:            c.Custom,
	}
	if c.IssuedAt != nil {
		s.IssuedAt = c.IssuedAt.Time.UTC()
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time.UTC()
	}
	return s
}

func (a *SessionService) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

// RequireSession accepts "Authorization: Bearer <token>" or the lti_session
// cookie and stores the session in the request context.
func RequireSession(a *SessionService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := extractToken(r)
			if tok == "" {
				unauthorized(w, "missing session")
				return
			}
			s, err := a.Parse(tok)
			if err != nil {
				unauthorized(w, "invalid or expired session")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
		})
	}
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if c, err := r.Cookie(lti.SessionCookieName); err == nil {
		return c.Value
	}
	return ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="lti"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized", "message": msg})
}
