package lti

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// PlatformRegistration describes one trusted platform/deployment pair.
// It is a value type: build it once from configuration and pass copies around.
type PlatformRegistration struct {
	Issuer       string
	ClientID     string
	DeploymentID string
	AuthURL      string
	TokenURL     string
	JWKSURL      string

	// AllowInsecureURLs permits http:// endpoints (development platforms).
	AllowInsecureURLs bool
}

// Validate checks required fields and that every URL is absolute https
// (or http when AllowInsecureURLs is set).
func (p PlatformRegistration) Validate() error {
	type field struct{ name, value string }
	var errs []error
	for _, f := range []field{
		{"issuer", p.Issuer},
		{"client_id", p.ClientID},
		{"deployment_id", p.DeploymentID},
	} {
		if strings.TrimSpace(f.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", f.name))
		}
	}
	for _, f := range []field{
		{"auth_url", p.AuthURL},
		{"token_url", p.TokenURL},
		{"jwks_url", p.JWKSURL},
	} {
		if err := p.checkURL(f.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("platform %q: %w", p.Issuer, err)
	}
	return nil
}

func (p PlatformRegistration) checkURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if p.AllowInsecureURLs {
			return nil
		}
		return fmt.Errorf("%q must use https", raw)
	default:
		return fmt.Errorf("%q has unsupported scheme %q", raw, u.Scheme)
	}
}

// PlatformResolver finds the registration for an issuer.
type PlatformResolver interface {
	Platform(ctx context.Context, issuer string) (PlatformRegistration, error)
}

// ErrPlatformNotFound is returned by resolvers for unknown issuers.
var ErrPlatformNotFound = errors.New("lti: platform not registered")

// Registry is an immutable lookup-by-issuer map of registrations.
type Registry struct {
	byIssuer map[string]PlatformRegistration
}

// NewRegistry validates every registration and rejects duplicate issuers.
func NewRegistry(regs ...PlatformRegistration) (*Registry, error) {
	m := make(map[string]PlatformRegistration, len(regs))
	for _, r := range regs {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m[r.Issuer]; dup {
			return nil, fmt.Errorf("platform %q registered twice", r.Issuer)
		}
		m[r.Issuer] = r
	}
	return &Registry{byIssuer: m}, nil
}

func (r *Registry) Platform(_ context.Context, issuer string) (PlatformRegistration, error) {
	p, ok := r.byIssuer[strings.TrimSpace(issuer)]
	if !ok {
		return PlatformRegistration{}, ErrPlatformNotFound
	}
	return p, nil
}

// Issuers lists the registered issuers (for health output).
func (r *Registry) Issuers() []string {
	out := make([]string, 0, len(r.byIssuer))
	for iss := range r.byIssuer {
		out = append(out, iss)
	}
	return out
}
