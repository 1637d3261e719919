// Package adapter defines the provider integration surface: each upstream
// provider registers a descriptor that knows how to build requests, parse
// quota errors, and assign credentials to priority tiers.
package adapter

import (
	"context"
	"net/http"
	"time"

	"github.com/majorcontext/relay/internal/credential"
	"github.com/majorcontext/relay/internal/usage"
)

// Endpoint is the logical operation a request targets.
type Endpoint int

const (
	EndpointChat Endpoint = iota
	EndpointEmbeddings
	EndpointCountTokens
)

// Request is the normalized form handed to adapters. Body is the
// OpenAI-dialect JSON payload; Model carries the bare model name with the
// provider tag already stripped.
type Request struct {
	Provider string
	Model    string
	Endpoint Endpoint
	Stream   bool
	Body     []byte
}

// Response is a parsed non-streaming upstream result, normalized to the
// OpenAI dialect.
type Response struct {
	StatusCode int
	Body       []byte
	Usage      usage.TokenUsage
}

// Adapter is implemented by every provider integration.
type Adapter interface {
	// Name returns the provider tag used in model identifiers.
	Name() string

	// Models lists the model names this adapter exposes.
	Models() []string

	// QuotaConfig returns the provider's usage manager configuration:
	// reset modes, tier multipliers, quota groups, rotation defaults.
	QuotaConfig() usage.Config

	// Tier assigns a credential to a priority tier. Lower is served first.
	Tier(c *credential.Credential) int

	// MinTier returns the lowest tier allowed to serve a model.
	MinTier(model string) int

	// BuildRequest renders the normalized request into a provider HTTP
	// request carrying the given Authorization header value.
	BuildRequest(ctx context.Context, req *Request, authHeader string, c *credential.Credential) (*http.Request, error)

	// ParseResponse normalizes a successful upstream body into the OpenAI
	// dialect and extracts token usage.
	ParseResponse(req *Request, status int, body []byte) (*Response, error)

	// ParseQuotaError inspects an error body for an authoritative reset.
	// Either resetAt or retryAfter may be set; ok is false when the body
	// carries no hint.
	ParseQuotaError(status int, body []byte) (resetAt time.Time, retryAfter time.Duration, ok bool)
}

// StreamTranslator is an optional interface for adapters whose streaming
// wire format differs from the OpenAI chunk dialect. TranslateChunk maps
// one upstream SSE data payload to zero or more OpenAI-dialect payloads.
type StreamTranslator interface {
	TranslateChunk(data []byte) ([][]byte, error)
}

// BaselineProvider is an optional interface for adapters that can report a
// quota consumption baseline per model for a credential.
type BaselineProvider interface {
	QuotaBaseline(ctx context.Context, c *credential.Credential) (map[string]float64, error)
}

// BackgroundJob is periodic adapter-owned work driven by the engine.
type BackgroundJob struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// BackgroundJobber is an optional interface for adapters with background
// work, for example tier discovery or model catalog refresh.
type BackgroundJobber interface {
	BackgroundJobs() []BackgroundJob
}
