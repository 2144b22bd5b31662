package lti

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// LoginRequest carries the third-party login initiation parameters sent by the platform.
type LoginRequest struct {
	Issuer        string // iss
	LoginHint     string // login_hint
	TargetLinkURI string // target_link_uri
	ClientID      string // client_id (optional)
	DeploymentID  string // lti_deployment_id (optional)
	MessageHint   string // lti_message_hint (optional, echoed)
}

// Redirect is the authentication request to send the user agent to.
type Redirect struct {
	URL   string
	State string
	Nonce string
}

// LoginInitiator handles /lti/login: it validates the initiation, records a
// LoginAttempt and redirects to the platform's OIDC authorization endpoint.
type LoginInitiator struct {
	Platforms PlatformResolver
	States    StateStore
	// LaunchURL is the redirect_uri the platform posts the id_token to.
	LaunchURL string
	StateTTL  time.Duration
	Logger    *zap.Logger

	// Clock (for tests)
	Now func() time.Time
}

func NewLoginInitiator(platforms PlatformResolver, states StateStore, launchURL string, logger *zap.Logger) *LoginInitiator {
	return &LoginInitiator{
		Platforms: platforms,
		States:    states,
		LaunchURL: launchURL,
		StateTTL:  10 * time.Minute,
		Logger:    logger,
	}
}

// Initiate performs the login step. Each successful call stores exactly one attempt.
func (li *LoginInitiator) Initiate(ctx context.Context, req LoginRequest) (*Redirect, error) {
	if strings.TrimSpace(req.Issuer) == "" {
		return nil, newError(CodeMalformedRequest, "iss is required", nil)
	}
	reg, err := li.Platforms.Platform(ctx, req.Issuer)
	if err != nil {
		return nil, newError(CodeUnknownPlatform, "issuer is not registered", err)
	}
	if req.LoginHint == "" {
		return nil, newError(CodeMalformedRequest, "login_hint is required", nil)
	}
	if req.TargetLinkURI == "" || !isHTTPURL(req.TargetLinkURI) {
		return nil, newError(CodeMalformedRequest, "target_link_uri must be an absolute URL", nil)
	}
	if req.ClientID != "" && req.ClientID != reg.ClientID {
		return nil, newError(CodeUnknownPlatform, "client_id is not registered for this issuer", nil)
	}
	if req.DeploymentID != "" && req.DeploymentID != reg.DeploymentID {
		return nil, newError(CodeDeploymentMismatch, "lti_deployment_id is not registered", nil)
	}

	state, err := randToken(32)
	if err != nil {
		return nil, err
	}
	nonce, err := randToken(32)
	if err != nil {
		return nil, err
	}

	now := li.now()
	attempt := LoginAttempt{
		State:         state,
		Nonce:         nonce,
		Issuer:        reg.Issuer,
		ClientID:      reg.ClientID,
		LoginHint:     req.LoginHint,
		TargetLinkURI: req.TargetLinkURI,
		CreatedAt:     now,
		ExpiresAt:     now.Add(li.ttl()),
	}
	if err := li.States.Save(ctx, attempt); err != nil {
		return nil, err
	}

	u, err := url.Parse(reg.AuthURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("scope", "openid")
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("prompt", "none")
	q.Set("client_id", reg.ClientID)
	q.Set("redirect_uri", li.LaunchURL)
	q.Set("login_hint", req.LoginHint)
	q.Set("state", state)
	q.Set("nonce", nonce)
	if req.MessageHint != "" {
		q.Set("lti_message_hint", req.MessageHint)
	}
	if req.DeploymentID != "" {
		q.Set("lti_deployment_id", req.DeploymentID)
	}
	u.RawQuery = q.Encode()

	return &Redirect{URL: u.String(), State: state, Nonce: nonce}, nil
}

// ServeHTTP accepts GET (query) and POST (form) initiations. It answers 302
// on success and 400 for any rejected initiation.
func (li *LoginInitiator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		writeErr(w, newError(CodeMalformedRequest, "method not allowed", nil))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeErr(w, newError(CodeMalformedRequest, "bad form", err))
		return
	}
	req := LoginRequest{
		Issuer:        param(r, "iss"),
		LoginHint:     param(r, "login_hint"),
		TargetLinkURI: param(r, "target_link_uri"),
		ClientID:      param(r, "client_id"),
		DeploymentID:  param(r, "lti_deployment_id"),
		MessageHint:   param(r, "lti_message_hint"),
	}
	red, err := li.Initiate(r.Context(), req)
	if err != nil {
		li.log().Warn("lti login rejected",
			zap.String("code", string(CodeOf(err))),
			zap.String("iss", req.Issuer),
			zap.Error(err))
		// Every login rejection is a bad initiation request, whatever its code.
		writeErrStatus(w, err, http.StatusBadRequest)
		return
	}
	li.log().Info("lti login initiated",
		zap.String("iss", req.Issuer),
		zap.String("target_link_uri", req.TargetLinkURI))
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, red.URL, http.StatusFound)
}

func (li *LoginInitiator) ttl() time.Duration {
	if li.StateTTL > 0 {
		return li.StateTTL
	}
	return 10 * time.Minute
}

func (li *LoginInitiator) now() time.Time {
	if li.Now != nil {
		return li.Now()
	}
	return time.Now().UTC()
}

func (li *LoginInitiator) log() *zap.Logger {
	if li.Logger != nil {
		return li.Logger
	}
	return zap.NewNop()
}
