// Package apierr defines the error taxonomy shared by the adapters, the
// dispatch executor and the HTTP surface. Every upstream failure is folded
// into a Kind; the Kind drives retry, rotation and cooldown policy.
package apierr

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Kind classifies an upstream failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthentication
	KindRateLimit
	KindQuota
	KindTransientQuota
	KindServerError
	KindTimeout
	KindContextLength
	KindContentFilter
	KindNotFound
	KindInvalidRequest
)

var kindNames = map[Kind]string{
	KindUnknown:        "unknown",
	KindAuthentication: "authentication",
	KindRateLimit:      "rate_limit",
	KindQuota:          "quota",
	KindTransientQuota: "transient_quota",
	KindServerError:    "server_error",
	KindTimeout:        "timeout",
	KindContextLength:  "context_length",
	KindContentFilter:  "content_filter",
	KindNotFound:       "not_found",
	KindInvalidRequest: "invalid_request",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error is a classified upstream failure. RetryAfter and ResetAt are hints
// extracted by the adapter; either may be zero.
type Error struct {
	Kind       Kind
	Provider   string
	Model      string
	StatusCode int
	Message    string
	RetryAfter time.Duration
	ResetAt    time.Time
	Body       []byte
	Streamed   bool
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (%d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// RetryableSameCredential reports whether the executor may retry this error
// on the credential that produced it.
func (e *Error) RetryableSameCredential() bool {
	switch e.Kind {
	case KindServerError, KindTimeout, KindTransientQuota, KindUnknown:
		return true
	}
	return false
}

// Rotatable reports whether another credential may succeed where this one
// failed. Terminal request errors (bad input, refusals) are not rotatable.
func (e *Error) Rotatable() bool {
	switch e.Kind {
	case KindContextLength, KindContentFilter, KindNotFound, KindInvalidRequest:
		return false
	}
	return true
}

// HTTPStatus maps a Kind to the status returned to the gateway client.
func HTTPStatus(k Kind) int {
	switch k {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindRateLimit, KindQuota, KindTransientQuota:
		return http.StatusTooManyRequests
	case KindContextLength, KindContentFilter, KindInvalidRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindServerError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var contextLengthMarkers = []string{
	"context length",
	"context window",
	"maximum context",
	"too many tokens",
	"input is too long",
	"exceeds the maximum",
	"string too long",
}

var contentFilterMarkers = []string{
	"content_filter",
	"content management policy",
	"blocked by safety",
	"safety settings",
	"prohibited_content",
}

// Classify folds an upstream HTTP status and response body into an Error.
// Adapters call this after their provider-specific quota parsing has run;
// hints already extracted are attached by the caller.
func Classify(provider, model string, status int, body []byte) *Error {
	e := &Error{
		Provider:   provider,
		Model:      model,
		StatusCode: status,
		Body:       body,
		Message:    extractMessage(body),
	}

	lower := strings.ToLower(e.Message)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuthentication
	case status == http.StatusTooManyRequests:
		// Caller upgrades to KindQuota or KindRateLimit when a reset or
		// retry hint was parseable; a bare 429 stays transient.
		e.Kind = KindTransientQuota
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status == http.StatusBadRequest && containsAny(lower, contextLengthMarkers):
		e.Kind = KindContextLength
	case containsAny(lower, contentFilterMarkers):
		e.Kind = KindContentFilter
	case status >= 500:
		e.Kind = KindServerError
	case status == http.StatusRequestTimeout:
		e.Kind = KindTimeout
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e.Kind = KindInvalidRequest
	default:
		e.Kind = KindUnknown
	}
	return e
}

// extractMessage pulls a human-readable message out of the common error body
// shapes: {"error":{"message":...}}, {"error":"..."}, {"message":...}.
func extractMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	for _, path := range []string{"error.message", "error", "message", "detail"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	// Fall back to a bounded slice of the raw body.
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// NoCredentialsError is returned when every credential for a provider is on
// cooldown or otherwise unavailable before the deadline.
type NoCredentialsError struct {
	Provider  string
	Model     string
	NextReset time.Time
}

func (e *NoCredentialsError) Error() string {
	if e.NextReset.IsZero() {
		return fmt.Sprintf("no credentials available for %s/%s", e.Provider, e.Model)
	}
	return fmt.Sprintf("no credentials available for %s/%s; earliest reset at %s",
		e.Provider, e.Model, e.NextReset.UTC().Format(time.RFC3339))
}
