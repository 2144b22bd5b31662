package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	auth "github.com/mind-engage/lti13-tool/internal/auth/middleware"
	"github.com/mind-engage/lti13-tool/internal/lti"
)

// Deps is everything the router mounts. Login and Launch are usually
// *lti.LoginInitiator and *lti.LaunchHandler.
type Deps struct {
	Logger       *zap.Logger
	Keys         *lti.KeyStore
	Registration lti.PlatformRegistration
	Tool         lti.ToolInfo
	Login        http.Handler
	Launch       http.Handler
	Sessions     *auth.SessionService

	AllowOrigins     []string
	AllowCredentials bool

	// Ready is probed by /readyz (e.g. a DB ping). nil means always ready.
	Ready func(ctx context.Context) error
}

func NewRouter(d Deps) http.Handler {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, RequestLogger(log), middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowOrigins,
		AllowedMethods:   []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length", "ETag"},
		AllowCredentials: d.AllowCredentials,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", readyHandler(d.Ready))

	r.Route("/lti", func(lr chi.Router) {
		lr.Get("/login", d.Login.ServeHTTP)
		lr.Post("/login", d.Login.ServeHTTP)
		lr.Post("/launch", d.Launch.ServeHTTP)

		jwks := &lti.JWKSHandler{Provider: d.Keys}
		lr.Get("/jwks", jwks.ServeHTTP)
		lr.Head("/jwks", jwks.ServeHTTP)

		lr.Get("/config", lti.ConfigHandler(d.Tool))
		lr.Get("/health", lti.HealthHandler(d.Tool, d.Registration, d.Keys))

		lr.With(auth.RequireSession(d.Sessions)).Get("/session", SessionHandler())
	})
	return r
}

func readyHandler(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}
