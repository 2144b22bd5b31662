package lti

import (
	"errors"
	"net/http"
)

// Code is the machine-readable reason a login or launch was rejected.
type Code string

const (
	CodeUnknownPlatform        Code = "UnknownPlatform"
	CodeMalformedRequest       Code = "MalformedRequest"
	CodeInvalidOrExpiredState  Code = "InvalidOrExpiredState"
	CodeInvalidSignature       Code = "InvalidSignature"
	CodeUnknownKeyID           Code = "UnknownKeyId"
	CodeIssuerMismatch         Code = "IssuerMismatch"
	CodeAudienceMismatch       Code = "AudienceMismatch"
	CodeTokenExpired           Code = "TokenExpired"
	CodeTokenNotYetValid       Code = "TokenNotYetValid"
	CodeNonceMismatch          Code = "NonceMismatch"
	CodeDeploymentMismatch     Code = "DeploymentMismatch"
	CodeUnsupportedMessageType Code = "UnsupportedMessageType"
	CodeJwksUnavailable        Code = "JwksUnavailable"
	CodeKeyLoadError           Code = "KeyLoadError"
)

// Sentinels for errors.Is. Any *Error with the same Code matches.
var (
	ErrUnknownPlatform        = &Error{Code: CodeUnknownPlatform}
	ErrMalformedRequest       = &Error{Code: CodeMalformedRequest}
	ErrInvalidOrExpiredState  = &Error{Code: CodeInvalidOrExpiredState}
	ErrInvalidSignature       = &Error{Code: CodeInvalidSignature}
	ErrUnknownKeyID           = &Error{Code: CodeUnknownKeyID}
	ErrIssuerMismatch         = &Error{Code: CodeIssuerMismatch}
	ErrAudienceMismatch       = &Error{Code: CodeAudienceMismatch}
	ErrTokenExpired           = &Error{Code: CodeTokenExpired}
	ErrTokenNotYetValid       = &Error{Code: CodeTokenNotYetValid}
	ErrNonceMismatch          = &Error{Code: CodeNonceMismatch}
	ErrDeploymentMismatch     = &Error{Code: CodeDeploymentMismatch}
	ErrUnsupportedMessageType = &Error{Code: CodeUnsupportedMessageType}
	ErrJwksUnavailable        = &Error{Code: CodeJwksUnavailable}
	ErrKeyLoadError           = &Error{Code: CodeKeyLoadError}
)

// Error is a rejected login/launch. Message is safe to show to the platform;
// Err is the internal cause and only ever goes to the log.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func newError(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Err: cause}
}

func (e *Error) Error() string {
	s := string(e.Code)
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus maps the code onto the status returned to the platform.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeMalformedRequest, CodeUnknownPlatform:
		return http.StatusBadRequest
	case CodeJwksUnavailable:
		return http.StatusServiceUnavailable
	case CodeKeyLoadError:
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

// CodeOf extracts the code from err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
