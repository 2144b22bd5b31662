package lti

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// b64url encodes bytes using base64url without padding.
func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// randToken returns n random bytes base64url-encoded.
func randToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand: %w", err)
	}
	return b64url(b), nil
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

func nonEmpty(s, d string) string {
	if strings.TrimSpace(s) != "" {
		return s
	}
	return d
}

// param reads a value from the query string or a form body.
func param(r *http.Request, key string) string {
	if v := r.PostFormValue(key); v != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(r.URL.Query().Get(key))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr writes {"error": code, "message": text} with the code's HTTP status.
// Causes are never included; anything that is not an *Error becomes a bare 500.
func writeErr(w http.ResponseWriter, err error) {
	writeErrStatus(w, err, 0)
}

// writeErrStatus is writeErr with every *Error answered as status.
// A zero status keeps the code's own mapping.
func writeErrStatus(w http.ResponseWriter, err error, status int) {
	var le *Error
	if !errors.As(err, &le) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "internal error",
		})
		return
	}
	if status == 0 {
		status = le.HTTPStatus()
	}
	writeJSON(w, status, map[string]string{
		"error":   string(le.Code),
		"message": nonEmpty(le.Message, string(le.Code)),
	})
}
