package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// openAIBody is the error envelope of the OpenAI dialect.
type openAIBody struct {
	Error openAIDetail `json:"error"`
}

type openAIDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// anthropicBody is the error envelope of the Anthropic dialect.
type anthropicBody struct {
	Type  string          `json:"type"`
	Error anthropicDetail `json:"error"`
}

type anthropicDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func openAIType(k Kind) string {
	switch k {
	case KindAuthentication:
		return "authentication_error"
	case KindRateLimit, KindQuota, KindTransientQuota:
		return "rate_limit_error"
	case KindContextLength, KindContentFilter, KindInvalidRequest:
		return "invalid_request_error"
	case KindNotFound:
		return "not_found_error"
	default:
		return "api_error"
	}
}

func anthropicType(k Kind) string {
	switch k {
	case KindAuthentication:
		return "authentication_error"
	case KindRateLimit, KindQuota, KindTransientQuota:
		return "rate_limit_error"
	case KindContextLength, KindContentFilter, KindInvalidRequest:
		return "invalid_request_error"
	case KindNotFound:
		return "not_found_error"
	case KindServerError, KindTimeout:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// RenderOpenAI converts any gateway error into (status, OpenAI error body).
func RenderOpenAI(err error) (int, []byte) {
	status, kind, msg := summarize(err)
	b, _ := json.Marshal(openAIBody{Error: openAIDetail{Message: msg, Type: openAIType(kind)}})
	return status, b
}

// RenderAnthropic converts any gateway error into (status, Anthropic error body).
func RenderAnthropic(err error) (int, []byte) {
	status, kind, msg := summarize(err)
	b, _ := json.Marshal(anthropicBody{Type: "error", Error: anthropicDetail{Type: anthropicType(kind), Message: msg}})
	return status, b
}

func summarize(err error) (status int, kind Kind, msg string) {
	var ae *Error
	if errors.As(err, &ae) {
		return HTTPStatus(ae.Kind), ae.Kind, ae.Message
	}
	var nc *NoCredentialsError
	if errors.As(err, &nc) {
		msg = nc.Error()
		if !nc.NextReset.IsZero() {
			msg += "; retry after " + time.Until(nc.NextReset).Round(time.Second).String()
		}
		return http.StatusServiceUnavailable, KindServerError, msg
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, KindTimeout, err.Error()
	}
	return http.StatusInternalServerError, KindUnknown, err.Error()
}
