package auth

import (
	"context"

	"github.com/mind-engage/lti13-tool/internal/lti"
)

type ctxKey string

const ctxKeySession ctxKey = "lti_session"

func WithSession(ctx context.Context, s *lti.LaunchSession) context.Context {
	return context.WithValue(ctx, ctxKeySession, s)
}

func SessionFromContext(ctx context.Context) (*lti.LaunchSession, bool) {
	s, ok := ctx.Value(ctxKeySession).(*lti.LaunchSession)
	return s, ok && s != nil
}

// SubjectFromContext returns the platform user id of the current session.
func SubjectFromContext(ctx context.Context) string {
	if s, ok := SessionFromContext(ctx); ok {
		return s.Subject
	}
	return ""
}
