package lti

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// KeyResolver returns the platform public key that verifies a token.
// *JWKSCache is the production implementation.
type KeyResolver interface {
	GetKey(ctx context.Context, issuer, kid string) (*rsa.PublicKey, error)
}

// LaunchRequest is the form_post body received at /lti/launch.
type LaunchRequest struct {
	IDToken string
	State   string
}

// LaunchSession is the authenticated result of a launch.
type LaunchSession struct {
	ID                string         `json:"id"`
	Issuer            string         `json:"iss"`
	Subject           string         `json:"sub"`
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
	IssuedAt          time.Time      `json:"issued_at"`
	ExpiresAt         time.Time      `json:"expires_at"`
}

// LaunchValidator runs the launch gates in a fixed order and stops at the
// first failure:
//
//	state → signature → iss → aud/azp → exp → iat/nbf → nonce → deployment_id → message_type
//
// The state is consumed before anything else, so a failed launch still burns it.
type LaunchValidator struct {
	Platforms PlatformResolver
	States    StateStore
	Keys      KeyResolver

	// MessageTypes accepted; empty means LtiResourceLinkRequest only.
	MessageTypes []string
	ClockSkew    time.Duration // default 5m
	SessionTTL   time.Duration // default 1h
	// ToolURL, when set, is the prefix target_link_uri is expected to start with.
	// A mismatch is logged, not rejected.
	ToolURL string
	Logger  *zap.Logger

	// Clock (for tests)
	Now func() time.Time
}

func NewLaunchValidator(platforms PlatformResolver, states StateStore, keys KeyResolver, logger *zap.Logger) *LaunchValidator {
	return &LaunchValidator{
		Platforms:    platforms,
		States:       states,
		Keys:         keys,
		MessageTypes: []string{MessageTypeResourceLink},
		ClockSkew:    5 * time.Minute,
		SessionTTL:   time.Hour,
		Logger:       logger,
	}
}

// Validate verifies a launch and returns the session it establishes.
// Every failure is an *Error; no session is returned alongside an error.
func (v *LaunchValidator) Validate(ctx context.Context, req LaunchRequest) (*LaunchSession, error) {
	if strings.TrimSpace(req.IDToken) == "" {
		return nil, newError(CodeMalformedRequest, "id_token is required", nil)
	}
	if strings.TrimSpace(req.State) == "" {
		return nil, newError(CodeMalformedRequest, "state is required", nil)
	}

	attempt, err := v.States.Consume(ctx, req.State)
	if errors.Is(err, ErrStateNotFound) {
		return nil, newError(CodeInvalidOrExpiredState, "state is unknown, used or expired", nil)
	}
	if err != nil {
		return nil, err
	}

	reg, err := v.Platforms.Platform(ctx, attempt.Issuer)
	if err != nil {
		return nil, newError(CodeUnknownPlatform, "issuer is not registered", err)
	}

	claims, err := v.verifySignature(ctx, reg, req.IDToken)
	if err != nil {
		return nil, err
	}
	if err := v.checkClaims(reg, attempt, claims); err != nil {
		return nil, err
	}
	v.warn(attempt, claims)
	return v.session(claims), nil
}

func (v *LaunchValidator) verifySignature(ctx context.Context, reg PlatformRegistration, raw string) (*IDTokenClaims, error) {
	claims := &IDTokenClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	var keyErr error
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, err := v.Keys.GetKey(ctx, reg.Issuer, kid)
		if err != nil {
			keyErr = err
			return nil, err
		}
		return key, nil
	})
	if err == nil {
		return claims, nil
	}
	if keyErr != nil {
		if CodeOf(keyErr) != "" {
			return nil, keyErr
		}
		return nil, newError(CodeJwksUnavailable, "platform keys are unavailable", keyErr)
	}
	if errors.Is(err, jwt.ErrTokenMalformed) {
		return nil, newError(CodeMalformedRequest, "id_token is not a valid JWT", err)
	}
	return nil, newError(CodeInvalidSignature, "id_token signature is invalid", err)
}

func (v *LaunchValidator) checkClaims(reg PlatformRegistration, attempt LoginAttempt, c *IDTokenClaims) error {
	now := v.now()
	skew := v.skew()

	if c.Issuer != reg.Issuer {
		return newError(CodeIssuerMismatch, "iss does not match the platform", nil)
	}

	if !slices.Contains(c.Audience, reg.ClientID) {
		return newError(CodeAudienceMismatch, "aud does not contain the client id", nil)
	}
	if (len(c.Audience) > 1 || c.AuthorizedParty != "") && c.AuthorizedParty != reg.ClientID {
		return newError(CodeAudienceMismatch, "azp does not match the client id", nil)
	}

	if c.ExpiresAt == nil {
		return newError(CodeTokenExpired, "exp is required", nil)
	}
	if !c.ExpiresAt.After(now.Add(-skew)) {
		return newError(CodeTokenExpired, "id_token has expired", nil)
	}

	if c.IssuedAt == nil {
		return newError(CodeTokenNotYetValid, "iat is required", nil)
	}
	if c.IssuedAt.After(now.Add(skew)) {
		return newError(CodeTokenNotYetValid, "iat is in the future", nil)
	}
	if c.NotBefore != nil && c.NotBefore.After(now.Add(skew)) {
		return newError(CodeTokenNotYetValid, "id_token is not valid yet", nil)
	}

	if subtle.ConstantTimeCompare([]byte(c.Nonce), []byte(attempt.Nonce)) != 1 {
		return newError(CodeNonceMismatch, "nonce does not match the login request", nil)
	}

	if c.DeploymentID != reg.DeploymentID {
		return newError(CodeDeploymentMismatch, "deployment_id is not registered", nil)
	}

	if !slices.Contains(v.messageTypes(), c.MessageType) {
		return newError(CodeUnsupportedMessageType, "message_type "+c.MessageType+" is not supported", nil)
	}
	return nil
}

// warn logs deviations that do not reject the launch.
func (v *LaunchValidator) warn(attempt LoginAttempt, c *IDTokenClaims) {
	log := v.log().With(zap.String("iss", c.Issuer), zap.String("sub", c.Subject))
	if c.Version != Version13 {
		log.Warn("unexpected lti version", zap.String("version", c.Version))
	}
	if c.TargetLinkURI != "" {
		if v.ToolURL != "" && !strings.HasPrefix(c.TargetLinkURI, v.ToolURL) {
			log.Warn("target_link_uri is outside the tool", zap.String("target_link_uri", c.TargetLinkURI))
		}
		if attempt.TargetLinkURI != "" && c.TargetLinkURI != attempt.TargetLinkURI {
			log.Warn("target_link_uri differs from login request",
				zap.String("login", attempt.TargetLinkURI),
				zap.String("launch", c.TargetLinkURI))
		}
	}
}

func (v *LaunchValidator) session(c *IDTokenClaims) *LaunchSession {
	now := v.now()
	s := &LaunchSession{
		ID:            uuid.NewString(),
		Issuer:        c.Issuer,
		Subject:       c.Subject,
		Name:          c.Name,
		Email:         c.Email,
		Roles:         c.Roles,
		DeploymentID:  c.DeploymentID,
		MessageType:   c.MessageType,
		TargetLinkURI: c.TargetLinkURI,
		Custom:        c.Custom,
		IssuedAt:      now,
		ExpiresAt:     now.Add(v.sessionTTL()),
	}
	if s.Name == "" {
		s.Name = strings.TrimSpace(c.GivenName + " " + c.FamilyName)
	}
	if c.Context != nil {
		s.ContextID = c.Context.ID
		s.ContextLabel = c.Context.Label
		s.ContextTitle = c.Context.Title
	}
	if c.ResourceLink != nil {
		s.ResourceLinkID = c.ResourceLink.ID
		s.ResourceLinkTitle = c.ResourceLink.Title
	}
	if c.ToolPlatform != nil {
		s.PlatformName = c.ToolPlatform.Name
	}
	return s
}

func (v *LaunchValidator) messageTypes() []string {
	if len(v.MessageTypes) > 0 {
		return v.MessageTypes
	}
	return []string{MessageTypeResourceLink}
}

func (v *LaunchValidator) skew() time.Duration {
	if v.ClockSkew > 0 {
		return v.ClockSkew
	}
	return 5 * time.Minute
}

func (v *LaunchValidator) sessionTTL() time.Duration {
	if v.SessionTTL > 0 {
		return v.SessionTTL
	}
	return time.Hour
}

func (v *LaunchValidator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now().UTC()
}

func (v *LaunchValidator) log() *zap.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return zap.NewNop()
}

// ------------------------------------------------------------------------------------
// HTTP
// ------------------------------------------------------------------------------------

// SessionMinter turns a LaunchSession into a bearer token.
type SessionMinter interface {
	Mint(s *LaunchSession) (string, error)
}

// SessionCookieName is the cookie that carries the minted session token.
const SessionCookieName = "lti_session"

// LaunchHandler serves POST /lti/launch.
type LaunchHandler struct {
	Validator     *LaunchValidator
	Sessions      SessionMinter
	SecureCookies bool
	Logger        *zap.Logger
}

type launchResponse struct {
	Session   *LaunchSession `json:"session"`
	Token     string         `json:"token"`
	TokenType string         `json:"token_type"`
	ExpiresAt time.Time      `json:"expires_at"`
}

func (h *LaunchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeErr(w, newError(CodeMalformedRequest, "launch must be a POST", nil))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeErr(w, newError(CodeMalformedRequest, "bad form", err))
		return
	}
	// The platform reports authentication failures as an OIDC error response.
	if e := r.PostFormValue("error"); e != "" {
		log.Warn("platform returned an authentication error",
			zap.String("error", e),
			zap.String("error_description", r.PostFormValue("error_description")))
		writeErr(w, newError(CodeMalformedRequest, "platform error: "+e, nil))
		return
	}

	req := LaunchRequest{
		IDToken: r.PostFormValue("id_token"),
		State:   r.PostFormValue("state"),
	}
	session, err := h.Validator.Validate(r.Context(), req)
	if err != nil {
		log.Warn("lti launch rejected", zap.String("code", string(CodeOf(err))), zap.Error(err))
		writeErr(w, err)
		return
	}
	token, err := h.Sessions.Mint(session)
	if err != nil {
		log.Error("mint session token", zap.Error(err))
		writeErr(w, err)
		return
	}

	cookie := &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   h.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	if h.SecureCookies {
		// The launch arrives as a cross-site POST from the platform iframe.
		cookie.SameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, cookie)

	log.Info("lti launch accepted",
		zap.String("iss", session.Issuer),
		zap.String("sub", session.Subject),
		zap.String("message_type", session.MessageType),
		zap.String("session_id", session.ID))
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, launchResponse{
		Session:   session,
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: session.ExpiresAt,
	})
}
