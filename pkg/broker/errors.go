package broker

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrTokenExpired classifies every failure caused by a missing, expired
	// or rejected session token.
	ErrTokenExpired = errors.New("broker: session token expired or invalid")
	// ErrMalformedResponse is returned when a payload does not match the
	// expected shape.
	ErrMalformedResponse = errors.New("broker: malformed response")
	ErrOrderRejected     = errors.New("broker: order rejected")
)

// authCodes are SmartAPI error codes meaning the token is no longer usable.
var authCodes = map[string]bool{
	"AG8001": true, // invalid token
	"AG8002": true, // token expired
	"AG8003": true, // token missing
	"AB1010": true, // session expired
}

// APIError is a typed failure returned by a broker endpoint.
type APIError struct {
	Op         string
	HTTPStatus int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker %s: %s (code=%s, http=%d)", e.Op, e.Message, e.Code, e.HTTPStatus)
	}
	return fmt.Sprintf("broker %s: %s (http=%d)", e.Op, e.Message, e.HTTPStatus)
}

// IsAuth reports whether the error means the session must be renewed.
func (e *APIError) IsAuth() bool {
	if e.HTTPStatus == http.StatusUnauthorized || e.HTTPStatus == http.StatusForbidden {
		return true
	}
	if authCodes[strings.ToUpper(e.Code)] {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "invalid token") || strings.Contains(msg, "token expired")
}

// Unwrap lets errors.Is(err, ErrTokenExpired) match auth failures.
func (e *APIError) Unwrap() error {
	if e.IsAuth() {
		return ErrTokenExpired
	}
	return nil
}

// IsAuthError reports whether err is an authentication class failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrTokenExpired)
}
