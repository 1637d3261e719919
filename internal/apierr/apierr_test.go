package apierr

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{"unauthorized", 401, `{"error":{"message":"invalid key"}}`, KindAuthentication},
		{"forbidden", 403, `{"error":{"message":"permission denied"}}`, KindAuthentication},
		{"bare 429", 429, `{"error":{"message":"slow down"}}`, KindTransientQuota},
		{"not found", 404, `{"error":{"message":"model not found"}}`, KindNotFound},
		{"context length", 400, `{"error":{"message":"This model's maximum context length is 8192 tokens"}}`, KindContextLength},
		{"content filter", 400, `{"error":{"message":"request blocked by safety filters","code":"prohibited_content"}}`, KindContentFilter},
		{"server error", 500, `upstream exploded`, KindServerError},
		{"bad gateway", 502, ``, KindServerError},
		{"plain 400", 400, `{"error":{"message":"something else"}}`, KindInvalidRequest},
		{"unknown 418", 418, `{"error":{"message":"teapot"}}`, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Classify("openai", "gpt-4o", tt.status, []byte(tt.body))
			assert.Equal(t, tt.want, e.Kind)
			assert.Equal(t, tt.status, e.StatusCode)
		})
	}
}

func TestExtractMessage(t *testing.T) {
	assert.Equal(t, "boom", extractMessage([]byte(`{"error":{"message":"boom"}}`)))
	assert.Equal(t, "boom", extractMessage([]byte(`{"error":"boom"}`)))
	assert.Equal(t, "boom", extractMessage([]byte(`{"message":"boom"}`)))
	assert.Equal(t, "plain text", extractMessage([]byte("plain text")))
	assert.Equal(t, "", extractMessage(nil))
}

func TestRetryPolicy(t *testing.T) {
	assert.True(t, (&Error{Kind: KindServerError}).RetryableSameCredential())
	assert.True(t, (&Error{Kind: KindTransientQuota}).RetryableSameCredential())
	assert.False(t, (&Error{Kind: KindAuthentication}).RetryableSameCredential())
	assert.False(t, (&Error{Kind: KindQuota}).RetryableSameCredential())

	assert.False(t, (&Error{Kind: KindContextLength}).Rotatable())
	assert.False(t, (&Error{Kind: KindContentFilter}).Rotatable())
	assert.False(t, (&Error{Kind: KindNotFound}).Rotatable())
	assert.False(t, (&Error{Kind: KindInvalidRequest}).Rotatable())
	assert.True(t, (&Error{Kind: KindQuota}).Rotatable())
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(KindAuthentication))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(KindQuota))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindContextLength))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(KindServerError))
}

func TestRenderOpenAI(t *testing.T) {
	status, body := RenderOpenAI(&Error{Kind: KindRateLimit, Provider: "openai", Message: "limited"})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.JSONEq(t, `{"error":{"message":"limited","type":"rate_limit_error"}}`, string(body))
}

func TestRenderAnthropic(t *testing.T) {
	status, body := RenderAnthropic(&Error{Kind: KindContextLength, Provider: "openai", Message: "too long"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `{"type":"error","error":{"type":"invalid_request_error","message":"too long"}}`, string(body))
}

func TestRenderNoCredentials(t *testing.T) {
	status, body := RenderOpenAI(&NoCredentialsError{Provider: "gemini", Model: "gemini-2.5-pro"})
	require.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, string(body), "no credentials available")
}
