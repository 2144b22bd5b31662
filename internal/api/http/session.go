package http

import (
	"encoding/json"
	"net/http"

	auth "github.com/mind-engage/lti13-tool/internal/auth/middleware"
	"github.com/mind-engage/lti13-tool/internal/lti"
)

type sessionView struct {
	*lti.LaunchSession
	Instructor bool `json:"instructor"`
	Learner    bool `json:"learner"`
}

// SessionHandler serves GET /lti/session; it must sit behind auth.RequireSession.
func SessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := auth.SessionFromContext(r.Context())
		if !ok {
			http.Error(w, "forbidden: missing session", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(sessionView{
			LaunchSession: s,
			Instructor:    lti.IsInstructor(s.Roles),
			Learner:       lti.IsLearner(s.Roles),
		})
	}
}
