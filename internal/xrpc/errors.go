package xrpc

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Error is a structured XRPC error response. Code carries the machine name
// from the JSON body ("error" field), Message the human text.
type Error struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// errAuthExpired is returned when the server signals that the current access
// token is no longer valid (HTTP 401, or 400 with an ExpiredToken body).
var errAuthExpired = errors.New("auth expired")

// IsAuthExpired reports whether err indicates a stale or expired token.
func IsAuthExpired(err error) bool {
	return errors.Is(err, errAuthExpired)
}

// IsTerminalAccount reports whether err is one of the account-is-gone
// responses: deactivated, taken down, or a profile lookup on a DID that no
// longer resolves. Callers scrub such DIDs from lists and cache.
func IsTerminalAccount(err error) bool {
	var xe *Error
	if !errors.As(err, &xe) {
		return false
	}
	switch xe.Code {
	case "AccountDeactivated", "AccountTakedown":
		return true
	case "InvalidRequest":
		return strings.Contains(xe.Message, "Profile not found")
	}
	return false
}

// IsTransient reports whether err is worth retrying: a 5xx or 429 response,
// or a transport-level failure (timeout, reset, DNS) that never produced a
// status code.
func IsTransient(err error) bool {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.StatusCode >= 500 || xe.StatusCode == http.StatusTooManyRequests
	}
	var ue *url.Error
	return errors.As(err, &ue)
}
