package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mind-engage/lti13-tool/internal/lti"
)

type Env string

const (
	EnvDevelopment Env = "development"
	EnvProduction  Env = "production"
)

const devSecret = "your-secret-key-change-in-production"

type Config struct {
	Env      Env
	HTTPAddr string

	// Tool
	ToolName    string
	Description string
	ToolURL     string
	LoginURL    string
	LaunchURL   string
	JWKSURL     string
	Scopes      []string

	// Platform registration
	ClientID              string
	DeploymentID          string
	PlatformIssuer        string
	PlatformAuthURL       string
	PlatformTokenURL      string
	PlatformJWKSURL       string
	AllowInsecurePlatform bool

	// Keys
	PrivateKeyPath string
	PublicKeyPath  string
	KeyID          string

	// Launch validation
	MessageTypes []string
	StateTTL     time.Duration
	ClockSkew    time.Duration

	// Platform JWKS cache
	JWKSCacheTTL     time.Duration
	JWKSFetchTimeout time.Duration
	JWKSMaxRetries   int
	JWKSAllowStale   bool
	JWKSStaleGrace   time.Duration
	JWKSMinRefresh   time.Duration

	// Sessions
	SecretKey     string
	JWTAlgorithm  string
	SessionTTL    time.Duration
	SecureCookies bool

	// State store
	StateStore string // memory|sql
	DBDriver   string
	DBDSN      string

	AllowOrigins     []string
	AllowCredentials bool
}

func FromEnv() Config {
	env := Env(strings.ToLower(envOr("APP_ENV", string(EnvDevelopment))))
	tool := strings.TrimSuffix(envOr("LTI_TOOL_URL", "http://localhost:8000"), "/")

	return Config{
		Env:      env,
		HTTPAddr: envOr("HTTP_ADDR", ":8000"),

		ToolName:    envOr("LTI_TOOL_NAME", "LTI 1.3 Tool"),
		Description: envOr("LTI_DESCRIPTION", "An LTI 1.3 tool"),
		ToolURL:     tool,
		LoginURL:    envOr("LTI_LOGIN_URL", tool+"/lti/login"),
		LaunchURL:   envOr("LTI_LAUNCH_URL", tool+"/lti/launch"),
		JWKSURL:     envOr("LTI_JWKS_URL", tool+"/lti/jwks"),
		Scopes:      csvOr("LTI_SCOPES", ""),

		ClientID:              envOr("LTI_CLIENT_ID", lti.Placeholder),
		DeploymentID:          envOr("LTI_DEPLOYMENT_ID", lti.Placeholder),
		PlatformIssuer:        envOr("LTI_PLATFORM_ISSUER", lti.Placeholder),
		PlatformAuthURL:       envOr("LTI_PLATFORM_AUTH_URL", lti.Placeholder),
		PlatformTokenURL:      envOr("LTI_PLATFORM_TOKEN_URL", lti.Placeholder),
		PlatformJWKSURL:       envOr("LTI_PLATFORM_JWKS_URL", lti.Placeholder),
		AllowInsecurePlatform: envBool("LTI_ALLOW_INSECURE_URLS", env == EnvDevelopment),

		PrivateKeyPath: envOr("LTI_PRIVATE_KEY_PATH", "keys/private.pem"),
		PublicKeyPath:  envOr("LTI_PUBLIC_KEY_PATH", "keys/public.pem"),
		KeyID:          envOr("LTI_KEY_ID", "lti-key-1"),

		MessageTypes: csvOr("LTI_MESSAGE_TYPES", lti.MessageTypeResourceLink),
		StateTTL:     envDuration("LTI_STATE_TTL", 10*time.Minute),
		ClockSkew:    envDuration("LTI_CLOCK_SKEW", 5*time.Minute),

		JWKSCacheTTL:     envDuration("JWKS_CACHE_TTL", time.Hour),
		JWKSFetchTimeout: envDuration("JWKS_FETCH_TIMEOUT", 5*time.Second),
		JWKSMaxRetries:   envInt("JWKS_MAX_RETRIES", 1),
		JWKSAllowStale:   envBool("JWKS_ALLOW_STALE", false),
		JWKSStaleGrace:   envDuration("JWKS_STALE_GRACE", 15*time.Minute),
		JWKSMinRefresh:   envDuration("JWKS_MIN_REFRESH", 10*time.Second),

		SecretKey:     envOr("SECRET_KEY", devSecret),
		JWTAlgorithm:  strings.ToUpper(envOr("JWT_ALGORITHM", "HS256")),
		SessionTTL:    time.Duration(envInt("JWT_EXPIRATION_HOURS", 1)) * time.Hour,
		SecureCookies: envBool("SECURE_COOKIES", env == EnvProduction),

		StateStore: strings.ToLower(envOr("STATE_STORE", "memory")),
		DBDriver:   envOr("DB_DRIVER", "sqlite"),
		DBDSN:      envOr("DB_DSN", ""),

		AllowOrigins:     csvOr("ALLOW_ORIGINS", "http://localhost:8080,http://localhost:8000"),
		AllowCredentials: envBool("ALLOW_CREDENTIALS", true),
	}
}

func (c Config) IsDevelopment() bool { return c.Env != EnvProduction }

// Registration is the single platform registration described by the environment.
func (c Config) Registration() lti.PlatformRegistration {
	return lti.PlatformRegistration{
		Issuer:            c.PlatformIssuer,
		ClientID:          c.ClientID,
		DeploymentID:      c.DeploymentID,
		AuthURL:           c.PlatformAuthURL,
		TokenURL:          c.PlatformTokenURL,
		JWKSURL:           c.PlatformJWKSURL,
		AllowInsecureURLs: c.AllowInsecurePlatform,
	}
}

// RegistrationComplete is false while any platform value is still unset or a placeholder.
func (c Config) RegistrationComplete() bool {
	for _, v := range []string{
		c.ClientID, c.DeploymentID, c.PlatformIssuer,
		c.PlatformAuthURL, c.PlatformTokenURL, c.PlatformJWKSURL,
	} {
		if lti.IsPlaceholder(v) {
			return false
		}
	}
	return true
}

func (c Config) ToolInfo() lti.ToolInfo {
	return lti.ToolInfo{
		Title:       c.ToolName,
		Description: c.Description,
		ToolID:      "lti13_tool",
		ToolURL:     c.ToolURL,
		LoginURL:    c.LoginURL,
		LaunchURL:   c.LaunchURL,
		JWKSURL:     c.JWKSURL,
		Scopes:      c.Scopes,
	}
}

// Validate reports every problem at once. An incomplete platform registration
// is tolerated in development so the tool can be started before registering it.
func (c Config) Validate() error {
	var errs []error
	switch c.Env {
	case EnvDevelopment, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("APP_ENV: unknown environment %q", c.Env))
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("HTTP_ADDR is required"))
	}
	for _, f := range []struct{ name, value string }{
		{"LTI_TOOL_URL", c.ToolURL},
		{"LTI_LOGIN_URL", c.LoginURL},
		{"LTI_LAUNCH_URL", c.LaunchURL},
		{"LTI_JWKS_URL", c.JWKSURL},
	} {
		if u, err := url.Parse(f.value); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("%s: %q is not an absolute http(s) URL", f.name, f.value))
		}
	}

	if c.RegistrationComplete() {
		if err := c.Registration().Validate(); err != nil {
			errs = append(errs, err)
		}
	} else if !c.IsDevelopment() {
		errs = append(errs, errors.New("platform registration is incomplete (LTI_CLIENT_ID, LTI_DEPLOYMENT_ID, LTI_PLATFORM_*)"))
	}

	if strings.TrimSpace(c.KeyID) == "" {
		errs = append(errs, errors.New("LTI_KEY_ID is required"))
	}
	if len(c.MessageTypes) == 0 {
		errs = append(errs, errors.New("LTI_MESSAGE_TYPES must name at least one message type"))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"LTI_STATE_TTL", c.StateTTL},
		{"LTI_CLOCK_SKEW", c.ClockSkew},
		{"JWKS_CACHE_TTL", c.JWKSCacheTTL},
		{"JWKS_FETCH_TIMEOUT", c.JWKSFetchTimeout},
		{"JWKS_MIN_REFRESH", c.JWKSMinRefresh},
		{"JWT_EXPIRATION_HOURS", c.SessionTTL},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.JWKSMaxRetries < 0 {
		errs = append(errs, errors.New("JWKS_MAX_RETRIES must not be negative"))
	}
	if c.JWKSAllowStale && c.JWKSStaleGrace <= 0 {
		errs = append(errs, errors.New("JWKS_STALE_GRACE must be positive when JWKS_ALLOW_STALE is set"))
	}

	if c.JWTAlgorithm != "HS256" {
		errs = append(errs, fmt.Errorf("JWT_ALGORITHM: only HS256 session tokens are supported, got %q", c.JWTAlgorithm))
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		errs = append(errs, errors.New("SECRET_KEY is required"))
	} else if !c.IsDevelopment() && (c.SecretKey == devSecret || len(c.SecretKey) < 32) {
		errs = append(errs, errors.New("SECRET_KEY must be a random value of at least 32 characters in production"))
	}

	switch c.StateStore {
	case "memory":
	case "sql":
		if c.DBDriver == "" {
			errs = append(errs, errors.New("DB_DRIVER is required when STATE_STORE=sql"))
		}
	default:
		errs = append(errs, fmt.Errorf("STATE_STORE: unknown store %q (memory|sql)", c.StateStore))
	}
	return errors.Join(errs...)
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}
func envInt(k string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(k))); err == nil {
		return n
	}
	return def
}

// envDuration accepts Go durations ("90s", "10m") or plain seconds.
func envDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
