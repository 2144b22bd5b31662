package lti

import (
	"net/http"
	"net/url"
	"strings"
)

// ToolInfo describes the tool to platforms during registration.
type ToolInfo struct {
	Title        string
	Description  string
	ToolID       string
	ToolURL      string
	LoginURL     string
	LaunchURL    string
	JWKSURL      string
	Scopes       []string
	CustomFields map[string]string
}

type Placement struct {
	Placement     string `json:"placement"`
	MessageType   string `json:"message_type"`
	TargetLinkURI string `json:"target_link_uri"`
}

type Extension struct {
	Domain       string `json:"domain"`
	ToolID       string `json:"tool_id"`
	Platform     string `json:"platform"`
	PrivacyLevel string `json:"privacy_level"`
	Settings     struct {
		Placements []Placement `json:"placements"`
	} `json:"settings"`
}

// ToolConfig is the JSON registration descriptor served at /lti/config.
type ToolConfig struct {
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	OIDCInitiationURL string            `json:"oidc_initiation_url"`
	TargetLinkURI     string            `json:"target_link_uri"`
	Scopes            []string          `json:"scopes"`
	Extensions        []Extension       `json:"extensions"`
	PublicJWKURL      string            `json:"public_jwk_url"`
	CustomFields      map[string]string `json:"custom_fields"`
}

// Config builds the descriptor, including a Moodle course_navigation placement.
func (t ToolInfo) Config() ToolConfig {
	ext := Extension{
		Domain:       hostOf(t.ToolURL),
		ToolID:       nonEmpty(t.ToolID, "lti13_tool"),
		Platform:     "moodle.org",
		PrivacyLevel: "public",
	}
	ext.Settings.Placements = []Placement{{
		Placement:     "course_navigation",
		MessageType:   MessageTypeResourceLink,
		TargetLinkURI: t.LaunchURL,
	}}

	scopes := t.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	custom := t.CustomFields
	if custom == nil {
		custom = map[string]string{}
	}
	return ToolConfig{
		Title:             t.Title,
		Description:       t.Description,
		OIDCInitiationURL: t.LoginURL,
		TargetLinkURI:     t.LaunchURL,
		Scopes:            scopes,
		Extensions:        []Extension{ext},
		PublicJWKURL:      t.JWKSURL,
		CustomFields:      custom,
	}
}

// ConfigHandler serves GET /lti/config.
func ConfigHandler(info ToolInfo) http.HandlerFunc {
	cfg := info.Config()
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cfg)
	}
}

// Placeholder stands in for registration values until the platform provides them.
const Placeholder = "CHANGE_ME_MOODLE_WILL_PROVIDE_THIS"

// Values shipped in sample .env files before platform registration.
var placeholderValues = map[string]bool{
	"":                   true,
	Placeholder:          true,
	"your-consumer-key":  true,
	"lti-tool-client-id": true,
}

// IsPlaceholder reports whether v is unset or still a sample value.
func IsPlaceholder(v string) bool {
	return placeholderValues[strings.TrimSpace(v)]
}

// Health is the /lti/health document.
type Health struct {
	Status         string   `json:"status"`
	LTIVersion     string   `json:"lti_version"`
	LoginURL       string   `json:"oidc_login_url"`
	LaunchURL      string   `json:"launch_url"`
	JWKSURL        string   `json:"jwks_url"`
	ClientID       string   `json:"client_id"`
	DeploymentID   string   `json:"deployment_id"`
	PlatformIssuer string   `json:"platform_issuer"`
	ConfigComplete bool     `json:"config_complete"`
	MissingConfig  []string `json:"missing_config,omitempty"`
	Message        string   `json:"message,omitempty"`
	KeyID          string   `json:"key_id,omitempty"`
	SigningKey     string   `json:"signing_key"`
}

// CheckHealth reports configuration completeness and signing key presence.
func CheckHealth(info ToolInfo, reg PlatformRegistration, keys *KeyStore) Health {
	h := Health{
		Status:         "healthy",
		LTIVersion:     Version13,
		LoginURL:       info.LoginURL,
		LaunchURL:      info.LaunchURL,
		JWKSURL:        info.JWKSURL,
		ClientID:       reg.ClientID,
		DeploymentID:   reg.DeploymentID,
		PlatformIssuer: reg.Issuer,
		ConfigComplete: true,
		SigningKey:     "missing",
	}
	for _, f := range []struct{ name, value string }{
		{"LTI_CLIENT_ID", reg.ClientID},
		{"LTI_PLATFORM_ISSUER", reg.Issuer},
		{"LTI_DEPLOYMENT_ID", reg.DeploymentID},
	} {
		if IsPlaceholder(f.value) {
			h.ConfigComplete = false
			h.MissingConfig = append(h.MissingConfig, f.name)
		}
	}
	if !h.ConfigComplete {
		h.Status = "needs_configuration"
		h.Message = "complete the platform registration and update the environment"
	}
	if keys != nil {
		h.SigningKey = "present"
		h.KeyID = keys.KeyID()
	} else {
		h.Status = "degraded"
	}
	return h
}

// HealthHandler serves GET /lti/health. It answers 200 unless the tool is degraded.
func HealthHandler(info ToolInfo, reg PlatformRegistration, keys *KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := CheckHealth(info, reg, keys)
		status := http.StatusOK
		if h.Status == "degraded" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}
