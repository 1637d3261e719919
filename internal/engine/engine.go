// Package engine composes the gateway: credential store, token manager,
// per-provider usage managers and schedulers, the dispatch executor, the
// embedding batcher, and the HTTP server on top.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"github.com/majorcontext/relay/internal/adapter"
	"github.com/majorcontext/relay/internal/adapter/googleoauth"
	"github.com/majorcontext/relay/internal/adapter/openaikey"
	"github.com/majorcontext/relay/internal/batch"
	"github.com/majorcontext/relay/internal/config"
	"github.com/majorcontext/relay/internal/credential"
	"github.com/majorcontext/relay/internal/executor"
	"github.com/majorcontext/relay/internal/log"
	"github.com/majorcontext/relay/internal/oauth"
	"github.com/majorcontext/relay/internal/scheduler"
	"github.com/majorcontext/relay/internal/server"
	"github.com/majorcontext/relay/internal/statefile"
	"github.com/majorcontext/relay/internal/stream"
	"github.com/majorcontext/relay/internal/usage"
)

const (
	usageSaveInterval     = 15 * time.Second
	tokenSweepInterval    = time.Minute
	baselineProbeInterval = 6 * time.Hour
	shutdownGracePeriod   = 10 * time.Second
)

// GeminiOAuthClient is the public installed-app OAuth client the Gemini
// CLI ships with; installed-app secrets are not confidential. Exported so
// the enrollment command can drive the same flow.
var GeminiOAuthClient = oauth.ClientConfig{
	ClientID:     "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
	ClientSecret: "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",
	AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:     "https://oauth2.googleapis.com/token",
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	},
}

// newHTTPClient builds the shared upstream pool. There is no client-level
// timeout: streaming bodies are bounded by the inter-chunk watchdog and
// non-streaming reads by the executor's read budget.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
			// Non-streaming generation can take minutes before the first
			// header arrives; the read budget is the real bound.
			ResponseHeaderTimeout: stream.DefaultReadTimeout,
		},
	}
}

// defaultModels seeds each provider's catalog when the config names none.
var defaultModels = map[string][]string{
	"openai": {"gpt-4o", "gpt-4o-mini", "text-embedding-3-small", "text-embedding-3-large"},
	"gemini": {"gemini-2.5-pro", "gemini-2.5-flash"},
}

// Engine owns every long-lived component and their background loops.
type Engine struct {
	cfg    *config.Config
	client *http.Client

	store  *credential.Store
	tokens *oauth.Manager
	quota  map[string]*usage.Manager
	scheds map[string]*scheduler.Scheduler
	exec   *executor.Executor
	srv    *server.Server

	// registered tracks which credential ids each usage manager knows, so
	// a reload can forget removed ones.
	registered map[string]map[string]bool
}

// New wires the full stack from configuration. Nothing is listening yet;
// call Run to serve.
func New(cfg *config.Config) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		client:     newHTTPClient(),
		quota:      make(map[string]*usage.Manager),
		scheds:     make(map[string]*scheduler.Scheduler),
		registered: make(map[string]map[string]bool),
	}

	if err := os.MkdirAll(cfg.CredentialDir(), 0o700); err != nil {
		return nil, fmt.Errorf("creating credential dir: %w", err)
	}
	e.store = credential.NewStore(cfg.CredentialDir())
	if err := e.store.Load(); err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	e.tokens = oauth.NewManager(e.store, e.client)
	e.tokens.RegisterClient("gemini", GeminiOAuthClient)

	if err := e.registerAdapters(); err != nil {
		return nil, err
	}
	if err := e.buildProviders(); err != nil {
		return nil, err
	}

	e.exec = executor.New(e.client, e.tokens, e.store, func(p string) *scheduler.Scheduler {
		return e.scheds[p]
	})
	e.exec.SetChunkTimeout(cfg.Timeouts.StreamChunk.Std())
	if cfg.Timeouts.MaxRetries != nil {
		e.exec.SetMaxRetriesPerKey(*cfg.Timeouts.MaxRetries)
	}

	batcher := batch.New(e.flushEmbeddings, batch.Options{
		Size: cfg.Batch.Size,
		Wait: cfg.Batch.Wait.Std(),
	})

	e.srv = server.New(server.Options{
		ProxyAPIKey:   cfg.ProxyAPIKey,
		GlobalTimeout: cfg.Timeouts.Global.Std(),
		ModelCacheTTL: cfg.Models.CacheTTL.Std(),
	}, e.exec, e.store, e.quota, batcher)

	return e, nil
}

// Store exposes the credential store, for the CLI and the watcher.
func (e *Engine) Store() *credential.Store { return e.store }

// Tokens exposes the OAuth manager, for the CLI enrollment flow.
func (e *Engine) Tokens() *oauth.Manager { return e.tokens }

// Server exposes the HTTP layer, for tests and the watcher.
func (e *Engine) Server() *server.Server { return e.srv }

// registerAdapters builds one adapter per enabled provider, layering
// config overrides over the defaults.
func (e *Engine) registerAdapters() error {
	providers := map[string]bool{"openai": true, "gemini": true}
	for name := range e.cfg.Provider {
		providers[name] = true
	}

	for name := range providers {
		pc := e.cfg.Provider[name]
		if !pc.On() {
			log.Info("provider disabled", "provider", name)
			continue
		}
		models := pc.Models
		if len(models) == 0 {
			models = defaultModels[name]
		}
		caps := make([]usage.CustomCap, 0, len(pc.CustomCaps))
		for _, cc := range pc.CustomCaps {
			rule, err := cc.ToCap()
			if err != nil {
				return fmt.Errorf("provider %s: %w", name, err)
			}
			caps = append(caps, rule)
		}
		fairCycle := pc.FairCycle != nil && *pc.FairCycle

		switch name {
		case "gemini":
			adapter.Register(googleoauth.New(googleoauth.Options{
				Name:            name,
				BaseURL:         pc.BaseURL,
				Models:          models,
				MaxConcurrent:   pc.MaxConcurrent,
				QuotaGroups:     pc.QuotaGroups,
				CustomCaps:      caps,
				FairCycle:       fairCycle,
				TierProbePeriod: 6 * time.Hour,
				Client:          e.client,
				AuthHeader:      e.tokens.AuthHeader,
				Credentials:     e.credentialsFor(name),
			}))
		default:
			// Unknown providers get the static-key OpenAI-dialect shape.
			adapter.Register(openaikey.New(openaikey.Options{
				Name:              name,
				BaseURL:           pc.BaseURL,
				Models:            models,
				MaxConcurrent:     pc.MaxConcurrent,
				RotationTolerance: pc.RotationTolerance,
				QuotaGroups:       pc.QuotaGroups,
				CustomCaps:        caps,
				FairCycle:         fairCycle,
			}))
		}
	}
	return nil
}

func (e *Engine) credentialsFor(provider string) func() []*credential.Credential {
	return func() []*credential.Credential {
		var out []*credential.Credential
		for _, id := range e.store.List(provider) {
			if c, ok := e.store.Get(id); ok {
				out = append(out, c)
			}
		}
		return out
	}
}

// buildProviders creates the usage manager and scheduler for each
// registered adapter and seeds them with the store's credentials.
func (e *Engine) buildProviders() error {
	for _, a := range adapter.All() {
		name := a.Name()
		qcfg, err := e.cfg.Provider[name].ApplyQuota(a.QuotaConfig())
		if err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}

		statePath := e.cfg.UsageStatePath(name)
		if err := os.MkdirAll(filepath.Dir(statePath), 0o700); err != nil {
			return fmt.Errorf("creating usage dir: %w", err)
		}
		m := usage.NewManager(qcfg, statePath)
		if err := m.Load(); err != nil {
			log.Warn("discarding unreadable usage state", "provider", name, "error", err)
		}

		e.quota[name] = m
		e.registered[name] = make(map[string]bool)
		e.syncCredentials(name, a, m)

		sched := scheduler.New(name, func() []string { return e.store.List(name) },
			e.tokens, m, a.MinTier)
		m.OnChange(sched.Wake)
		e.scheds[name] = sched
	}
	return nil
}

// syncCredentials registers the store's current credentials with a usage
// manager and forgets ones that disappeared.
func (e *Engine) syncCredentials(name string, a adapter.Adapter, m *usage.Manager) {
	seen := make(map[string]bool)
	for _, id := range e.store.List(name) {
		seen[id] = true
		c, ok := e.store.Get(id)
		if !ok {
			continue
		}
		m.Register(id, a.Tier(c))
	}
	for id := range e.registered[name] {
		if !seen[id] {
			m.Forget(id)
			log.Info("credential removed", "provider", name, "credential", log.MaskCredential(id))
		}
	}
	e.registered[name] = seen
}

// ReloadCredentials re-reads the store and refreshes every provider's
// credential set. Called by the filesystem watcher.
func (e *Engine) ReloadCredentials() error {
	if err := e.store.Load(); err != nil {
		return fmt.Errorf("reloading credentials: %w", err)
	}
	for name, m := range e.quota {
		a := adapter.Get(name)
		if a == nil {
			continue
		}
		e.syncCredentials(name, a, m)
	}
	for _, sched := range e.scheds {
		sched.Wake()
	}
	e.srv.InvalidateCatalog()
	return nil
}

// Run serves until ctx is cancelled, then shuts down gracefully. A
// non-nil error after cancellation means state could not be fully
// persisted.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.srv.Start(e.cfg.Listen); err != nil {
		return err
	}

	statefile.StartRetryLoop(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { e.saveLoop(gctx); return nil })
	g.Go(func() error { e.tokenSweepLoop(gctx); return nil })
	e.startAdapterJobs(gctx)

	<-gctx.Done()
	// Background loops drain before state is flushed, so no save races
	// the shutdown write.
	_ = g.Wait()
	return e.shutdown()
}

func (e *Engine) shutdown() error {
	log.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := e.srv.Stop(stopCtx); err != nil {
		log.Warn("server shutdown incomplete", "error", err)
	}

	for _, m := range e.quota {
		m.Save()
	}
	if pending := statefile.FlushAll(); pending > 0 {
		return fmt.Errorf("%d state file(s) could not be written", pending)
	}
	return nil
}

// saveLoop persists dirty usage state on a fixed cadence so a crash loses
// at most one interval of counters.
func (e *Engine) saveLoop(ctx context.Context) {
	ticker := time.NewTicker(usageSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, m := range e.quota {
				m.SaveIfDirty()
			}
		}
	}
}

// tokenSweepLoop proactively refreshes OAuth tokens nearing expiry so
// requests rarely pay the refresh latency inline.
func (e *Engine) tokenSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(tokenSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tokens.RefreshExpiring(ctx)
		}
	}
}

// startAdapterJobs runs each adapter's declared background work, plus a
// baseline probe for adapters that can report provider maxima.
func (e *Engine) startAdapterJobs(ctx context.Context) {
	for _, a := range adapter.All() {
		if bp, ok := a.(adapter.BaselineProvider); ok {
			go runJob(ctx, a.Name(), e.baselineJob(a.Name(), bp))
		}
		jobber, ok := a.(adapter.BackgroundJobber)
		if !ok {
			continue
		}
		for _, job := range jobber.BackgroundJobs() {
			go runJob(ctx, a.Name(), job)
		}
	}
}

// baselineJob records provider-reported request maxima in the usage
// manager so configured caps clamp to what the plan actually grants.
func (e *Engine) baselineJob(name string, bp adapter.BaselineProvider) adapter.BackgroundJob {
	return adapter.BackgroundJob{
		Name:       "quota-baseline",
		Interval:   baselineProbeInterval,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			m := e.quota[name]
			if m == nil {
				return nil
			}
			for _, id := range e.store.List(name) {
				c, ok := e.store.Get(id)
				if !ok {
					continue
				}
				baseline, err := bp.QuotaBaseline(ctx, c)
				if err != nil {
					log.Debug("quota baseline probe failed",
						"provider", name,
						"credential", log.MaskCredential(id),
						"error", err)
					continue
				}
				for model, limit := range baseline {
					m.SetWindowLimit(id, model, int(limit))
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
			return nil
		},
	}
}

func runJob(ctx context.Context, provider string, job adapter.BackgroundJob) {
	run := func() {
		if err := job.Run(ctx); err != nil {
			log.Warn("background job failed",
				"provider", provider, "job", job.Name, "error", err)
		}
	}
	if job.RunOnStart {
		run()
	}
	if job.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// flushEmbeddings is the batcher's upstream call: it rebuilds one
// provider request from the batch key and the coalesced inputs, dispatches
// it through the executor, and splits the response vectors back out.
func (e *Engine) flushEmbeddings(ctx context.Context, key batch.Key, inputs []json.RawMessage) (*batch.Result, error) {
	body, err := embeddingBody(key, inputs)
	if err != nil {
		return nil, err
	}
	resp, err := e.exec.Execute(ctx, &adapter.Request{
		Provider: key.Provider,
		Model:    key.Model,
		Endpoint: adapter.EndpointEmbeddings,
		Body:     body,
	})
	if err != nil {
		return nil, err
	}

	data := gjson.GetBytes(resp.Body, "data")
	vectors := make([]json.RawMessage, len(inputs))
	for _, item := range data.Array() {
		idx := int(item.Get("index").Int())
		if idx < 0 || idx >= len(vectors) {
			return nil, fmt.Errorf("upstream returned vector index %d for %d inputs", idx, len(inputs))
		}
		vectors[idx] = json.RawMessage(item.Get("embedding").Raw)
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("upstream returned no vector for input %d", i)
		}
	}
	return &batch.Result{Vectors: vectors, Usage: resp.Usage}, nil
}

// embeddingBody renders the upstream request: the batched input array
// plus the option fields encoded in the batch key.
func embeddingBody(key batch.Key, inputs []json.RawMessage) ([]byte, error) {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "model", key.Model)

	arr := make([]byte, 0, 64)
	arr = append(arr, '[')
	for i, in := range inputs {
		if i > 0 {
			arr = append(arr, ',')
		}
		arr = append(arr, in...)
	}
	arr = append(arr, ']')
	body, _ = sjson.SetRawBytes(body, "input", arr)

	for _, opt := range parseOptions(key.Options) {
		var err error
		body, err = sjson.SetRawBytes(body, opt[0], []byte(opt[1]))
		if err != nil {
			return nil, fmt.Errorf("applying option %s: %w", opt[0], err)
		}
	}
	return body, nil
}

// parseOptions decodes the "field=raw;" pairs of a batch key.
func parseOptions(s string) [][2]string {
	var out [][2]string
	for _, pair := range strings.Split(s, ";") {
		if field, raw, ok := strings.Cut(pair, "="); ok && field != "" {
			out = append(out, [2]string{field, raw})
		}
	}
	return out
}
