// Package openaikey is the static-key adapter shape: Bearer authentication,
// OpenAI wire dialect end to end, errors surfaced as HTTP status plus a
// JSON error object.
package openaikey

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/majorcontext/relay/internal/adapter"
	"github.com/majorcontext/relay/internal/credential"
	"github.com/majorcontext/relay/internal/usage"
)

const defaultBaseURL = "https://api.openai.com"

// retryHint matches the inline wait advice OpenAI-style APIs embed in 429
// messages, e.g. "Please try again in 20s" or "try again in 1.2s".
var retryHint = regexp.MustCompile(`try again in ([0-9.]+)\s*(ms|s|m)`)

// Options configures an Adapter instance.
type Options struct {
	Name    string // provider tag; default "openai"
	BaseURL string
	Models  []string

	MaxConcurrent     int
	RotationTolerance float64
	QuotaGroups       map[string]string
	CustomCaps        []usage.CustomCap
	FairCycle         bool
}

// Adapter speaks the OpenAI dialect with static Bearer keys.
type Adapter struct {
	opts Options
}

// New builds the adapter and fills option defaults.
func New(opts Options) *Adapter {
	if opts.Name == "" {
		opts.Name = "openai"
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	return &Adapter{opts: opts}
}

func (a *Adapter) Name() string     { return a.opts.Name }
func (a *Adapter) Models() []string { return append([]string(nil), a.opts.Models...) }

// QuotaConfig keeps every key in one tier with balanced rotation; static
// keys carry no plan metadata to tier on.
func (a *Adapter) QuotaConfig() usage.Config {
	return usage.Config{
		Provider:          a.opts.Name,
		MaxConcurrent:     a.opts.MaxConcurrent,
		QuotaGroups:       a.opts.QuotaGroups,
		CustomCaps:        a.opts.CustomCaps,
		FairCycle:         a.opts.FairCycle,
		RotationMode:      usage.RotateBalanced,
		RotationTolerance: a.opts.RotationTolerance,
	}
}

func (a *Adapter) Tier(*credential.Credential) int { return 0 }
func (a *Adapter) MinTier(string) int              { return 0 }

func (a *Adapter) BuildRequest(ctx context.Context, req *adapter.Request, authHeader string, _ *credential.Credential) (*http.Request, error) {
	var path string
	switch req.Endpoint {
	case adapter.EndpointChat:
		path = "/v1/chat/completions"
	case adapter.EndpointEmbeddings:
		path = "/v1/embeddings"
	default:
		return nil, fmt.Errorf("endpoint not supported by %s", a.opts.Name)
	}

	body, err := sjson.SetBytes(req.Body, "model", req.Model)
	if err != nil {
		return nil, fmt.Errorf("setting model: %w", err)
	}
	body, _ = sjson.SetBytes(body, "stream", req.Stream)
	if req.Stream {
		body, _ = sjson.SetBytes(body, "stream_options.include_usage", true)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", authHeader)
	return httpReq, nil
}

// ParseResponse is a passthrough; the wire dialect already matches.
func (a *Adapter) ParseResponse(req *adapter.Request, status int, body []byte) (*adapter.Response, error) {
	return &adapter.Response{
		StatusCode: status,
		Body:       body,
		Usage:      parseUsage(body),
	}, nil
}

func parseUsage(body []byte) usage.TokenUsage {
	u := gjson.GetBytes(body, "usage")
	if !u.Exists() {
		return usage.TokenUsage{}
	}
	return usage.TokenUsage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		ThinkingTokens:   int(u.Get("completion_tokens_details.reasoning_tokens").Int()),
		CacheReadTokens:  int(u.Get("prompt_tokens_details.cached_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
	}
}

// ParseQuotaError extracts the inline retry hint from a 429 message body.
func (a *Adapter) ParseQuotaError(status int, body []byte) (time.Time, time.Duration, bool) {
	if status != http.StatusTooManyRequests {
		return time.Time{}, 0, false
	}
	msg := gjson.GetBytes(body, "error.message").String()
	m := retryHint.FindStringSubmatch(msg)
	if m == nil {
		return time.Time{}, 0, false
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return time.Time{}, 0, false
	}
	var d time.Duration
	switch m[2] {
	case "ms":
		d = time.Duration(val * float64(time.Millisecond))
	case "m":
		d = time.Duration(val * float64(time.Minute))
	default:
		d = time.Duration(val * float64(time.Second))
	}
	return time.Time{}, d, true
}
