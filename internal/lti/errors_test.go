package lti_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mind-engage/lti13-tool/internal/lti"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("launch: %w", &lti.Error{Code: lti.CodeNonceMismatch, Message: "nonce does not match"})

	assert.ErrorIs(t, err, lti.ErrNonceMismatch)
	assert.NotErrorIs(t, err, lti.ErrDeploymentMismatch)
	assert.Equal(t, lti.CodeNonceMismatch, lti.CodeOf(err))
	assert.Equal(t, lti.Code(""), lti.CodeOf(errors.New("plain")))
}

func TestErrorUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := &lti.Error{Code: lti.CodeJwksUnavailable, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "JwksUnavailable")
	assert.Contains(t, err.Error(), "refused")
}

func TestHTTPStatus(t *testing.T) {
	cases := map[lti.Code]int{
		lti.CodeMalformedRequest:       http.StatusBadRequest,
		lti.CodeUnknownPlatform:        http.StatusBadRequest,
		lti.CodeJwksUnavailable:        http.StatusServiceUnavailable,
		lti.CodeKeyLoadError:           http.StatusInternalServerError,
		lti.CodeInvalidOrExpiredState:  http.StatusUnauthorized,
		lti.CodeInvalidSignature:       http.StatusUnauthorized,
		lti.CodeUnknownKeyID:           http.StatusUnauthorized,
		lti.CodeIssuerMismatch:         http.StatusUnauthorized,
		lti.CodeAudienceMismatch:       http.StatusUnauthorized,
		lti.CodeTokenExpired:           http.StatusUnauthorized,
		lti.CodeTokenNotYetValid:       http.StatusUnauthorized,
		lti.CodeNonceMismatch:          http.StatusUnauthorized,
		lti.CodeDeploymentMismatch:     http.StatusUnauthorized,
		lti.CodeUnsupportedMessageType: http.StatusUnauthorized,
	}
	for code, want := range cases {
		assert.Equal(t, want, (&lti.Error{Code: code}).HTTPStatus(), code)
	}
}
