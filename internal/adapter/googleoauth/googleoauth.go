// Package googleoauth is the Google-OAuth adapter shape: Bearer OAuth
// access tokens, the Gemini parts/systemInstruction wire form, and quota
// errors delivered as google.rpc details inside 429 bodies.
package googleoauth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/majorcontext/relay/internal/adapter"
	"github.com/majorcontext/relay/internal/credential"
	"github.com/majorcontext/relay/internal/log"
	"github.com/majorcontext/relay/internal/usage"
)

const defaultBaseURL = "https://cloudcode-pa.googleapis.com"

// parallelToolHint nudges the model toward batched tool calls. Injected
// only when the request declares tools.
const parallelToolHint = "When multiple independent tool calls are needed, issue them together in a single turn rather than one at a time."

// Options configures the adapter.
type Options struct {
	Name    string // provider tag; default "gemini"
	BaseURL string
	Models  []string

	MaxConcurrent   int
	QuotaGroups     map[string]string
	CustomCaps      []usage.CustomCap
	FairCycle       bool
	RotationMode    usage.RotationMode
	MinTiers        map[string]int // model -> tier floor
	InjectToolHint  bool
	TierProbePeriod time.Duration // 0 disables the background probe

	// Client issues the tier probe; AuthHeader and Credentials come from
	// the engine wiring. All three may be nil when the probe is disabled.
	Client      *http.Client
	AuthHeader  func(ctx context.Context, id string) (string, error)
	Credentials func() []*credential.Credential
}

// Adapter speaks the Gemini Cloud Code dialect over OAuth credentials.
type Adapter struct {
	opts Options
}

// New builds the adapter and fills option defaults.
func New(opts Options) *Adapter {
	if opts.Name == "" {
		opts.Name = "gemini"
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	return &Adapter{opts: opts}
}

func (a *Adapter) Name() string     { return a.opts.Name }
func (a *Adapter) Models() []string { return append([]string(nil), a.opts.Models...) }

// QuotaConfig: paid tiers get doubled concurrency; free tier windows reset
// daily at the provider's boundary, paid per authoritative model resets.
func (a *Adapter) QuotaConfig() usage.Config {
	return usage.Config{
		Provider:        a.opts.Name,
		MaxConcurrent:   a.opts.MaxConcurrent,
		TierMultipliers: map[int]float64{0: 2.0},
		ResetModes: map[int]usage.ResetMode{
			0: usage.ResetPerModel,
			1: usage.ResetDaily,
		},
		DailyResetHour: 7, // quota boundary in UTC
		QuotaGroups:    a.opts.QuotaGroups,
		CustomCaps:     a.opts.CustomCaps,
		FairCycle:      a.opts.FairCycle,
		RotationMode:   a.opts.RotationMode,
	}
}

// Tier maps the credential's plan to a priority tier: paid plans first.
func (a *Adapter) Tier(c *credential.Credential) int {
	switch strings.TrimSuffix(c.Token.Tier, "-tier") {
	case "standard", "enterprise", "pro", "ultra":
		return 0
	default:
		return 1
	}
}

func (a *Adapter) MinTier(model string) int { return a.opts.MinTiers[model] }

func (a *Adapter) BuildRequest(ctx context.Context, req *adapter.Request, authHeader string, c *credential.Credential) (*http.Request, error) {
	var verb string
	switch req.Endpoint {
	case adapter.EndpointChat:
		verb = ":generateContent"
		if req.Stream {
			verb = ":streamGenerateContent"
		}
	case adapter.EndpointCountTokens:
		verb = ":countTokens"
	default:
		return nil, fmt.Errorf("endpoint not supported by %s", a.opts.Name)
	}

	inner, err := toGeminiRequest(req.Body)
	if err != nil {
		return nil, err
	}
	if a.opts.InjectToolHint && gjson.GetBytes(req.Body, "tools").Exists() {
		inner = appendSystemText(inner, parallelToolHint)
	}

	wrapped := []byte(`{}`)
	wrapped, _ = sjson.SetBytes(wrapped, "model", req.Model)
	if c.Token.ProjectID != "" {
		wrapped, _ = sjson.SetBytes(wrapped, "project", c.Token.ProjectID)
	}
	wrapped, _ = sjson.SetRawBytes(wrapped, "request", inner)

	url := a.opts.BaseURL + "/v1internal" + verb
	if req.Stream {
		url += "?alt=sse"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(wrapped))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", authHeader)
	if c.Token.Email != "" {
		httpReq.Header.Set("X-Goog-User-Email", c.Token.Email)
	}
	return httpReq, nil
}

// appendSystemText adds a trailing system instruction part.
func appendSystemText(body []byte, text string) []byte {
	parts := gjson.GetBytes(body, "systemInstruction.parts").Array()
	out, _ := sjson.SetBytes(body, fmt.Sprintf("systemInstruction.parts.%d.text", len(parts)), text)
	return out
}

func (a *Adapter) ParseResponse(req *adapter.Request, status int, body []byte) (*adapter.Response, error) {
	normalized, u := fromGeminiResponse(req.Model, body)
	return &adapter.Response{StatusCode: status, Body: normalized, Usage: u}, nil
}

// TranslateChunk converts one upstream SSE payload into OpenAI chunk form.
func (a *Adapter) TranslateChunk(data []byte) ([][]byte, error) {
	model := gjson.GetBytes(data, "response.modelVersion").String()
	chunk := fromGeminiChunk(model, data)
	if chunk == nil {
		return nil, nil
	}
	return [][]byte{chunk}, nil
}

// ParseQuotaError digs the authoritative reset out of google.rpc error
// details: RetryInfo carries a retryDelay like "3600s"; QuotaFailure
// without RetryInfo means the daily bucket is gone.
func (a *Adapter) ParseQuotaError(status int, body []byte) (time.Time, time.Duration, bool) {
	if status != http.StatusTooManyRequests && status != http.StatusForbidden {
		return time.Time{}, 0, false
	}
	for _, detail := range gjson.GetBytes(body, "error.details").Array() {
		typ := detail.Get("@type").String()
		if strings.HasSuffix(typ, "google.rpc.RetryInfo") {
			if d, err := time.ParseDuration(detail.Get("retryDelay").String()); err == nil && d > 0 {
				return time.Time{}, d, true
			}
		}
	}
	return time.Time{}, 0, false
}

// BackgroundJobs returns the tier discovery probe when configured.
func (a *Adapter) BackgroundJobs() []adapter.BackgroundJob {
	if a.opts.TierProbePeriod <= 0 || a.opts.Client == nil {
		return nil
	}
	return []adapter.BackgroundJob{{
		Name:       "tier-discovery",
		Interval:   a.opts.TierProbePeriod,
		RunOnStart: true,
		Run:        a.probeTiers,
	}}
}

// probeTiers asks Cloud Code which plan each credential is on and stamps
// the result into the credential record for tier assignment.
func (a *Adapter) probeTiers(ctx context.Context) error {
	if a.opts.Credentials == nil || a.opts.AuthHeader == nil {
		return nil
	}
	for _, c := range a.opts.Credentials() {
		if c.Kind != credential.KindOAuth {
			continue
		}
		tier, err := a.fetchTier(ctx, c)
		if err != nil {
			log.Debug("tier probe failed",
				"provider", a.opts.Name,
				"credential", log.MaskCredential(c.ID),
				"error", err)
			continue
		}
		if tier != "" && tier != c.Token.Tier {
			c.Token.Tier = tier
			log.Info("credential tier discovered",
				"provider", a.opts.Name,
				"credential", log.MaskCredential(c.ID),
				"tier", tier)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (a *Adapter) fetchTier(ctx context.Context, c *credential.Credential) (string, error) {
	data, err := a.loadCodeAssist(ctx, c.ID)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(data, "currentTier.id").String(), nil
}

// QuotaBaseline reports the per-model daily request maxima the plan behind
// a credential grants, keyed by bare model name. Models the response does
// not mention are left unbounded.
func (a *Adapter) QuotaBaseline(ctx context.Context, c *credential.Credential) (map[string]float64, error) {
	if a.opts.Client == nil || a.opts.AuthHeader == nil {
		return nil, nil
	}
	data, err := a.loadCodeAssist(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, q := range gjson.GetBytes(data, "currentTier.quotas").Array() {
		model := q.Get("model").String()
		if limit := q.Get("dailyRequests").Float(); model != "" && limit > 0 {
			out[model] = limit
		}
	}
	return out, nil
}

func (a *Adapter) loadCodeAssist(ctx context.Context, id string) ([]byte, error) {
	header, err := a.opts.AuthHeader(ctx, id)
	if err != nil {
		return nil, err
	}
	body := []byte(`{"metadata":{"pluginType":"GEMINI"}}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.opts.BaseURL+"/v1internal:loadCodeAssist", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", header)

	resp, err := a.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("loadCodeAssist returned %d", resp.StatusCode)
	}
	return data, nil
}
