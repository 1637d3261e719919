// Package server exposes the gateway's client-facing HTTP surface: the
// OpenAI- and Anthropic-dialect endpoints, the model catalog, and the
// usage snapshot routes.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/majorcontext/relay/internal/adapter"
	"github.com/majorcontext/relay/internal/apierr"
	"github.com/majorcontext/relay/internal/batch"
	"github.com/majorcontext/relay/internal/credential"
	"github.com/majorcontext/relay/internal/executor"
	"github.com/majorcontext/relay/internal/log"
	"github.com/majorcontext/relay/internal/usage"
)

// Dispatcher runs normalized requests; satisfied by the executor.
type Dispatcher interface {
	Execute(ctx context.Context, req *adapter.Request) (*adapter.Response, error)
	ExecuteStream(ctx context.Context, req *adapter.Request) (*executor.Stream, error)
}

// Options configures the server.
type Options struct {
	// ProxyAPIKey guards every /v1 route. Empty disables client auth.
	ProxyAPIKey string
	// GlobalTimeout is the end-to-end deadline per request.
	GlobalTimeout time.Duration
	// ModelCacheTTL bounds staleness of the /v1/models catalog.
	ModelCacheTTL time.Duration
}

// Server is the client-facing HTTP layer.
type Server struct {
	opts     Options
	dispatch Dispatcher
	store    *credential.Store
	quota    map[string]*usage.Manager
	batcher  *batch.Aggregator

	catalog *catalogCache

	httpServer *http.Server
	listener   net.Listener
	addr       string
}

// New assembles the router. quota maps provider tag to its usage manager
// and backs the /v1/usage snapshot.
func New(opts Options, dispatch Dispatcher, store *credential.Store, quota map[string]*usage.Manager, batcher *batch.Aggregator) *Server {
	if opts.GlobalTimeout <= 0 {
		opts.GlobalTimeout = 300 * time.Second
	}
	if opts.ModelCacheTTL <= 0 {
		opts.ModelCacheTTL = 5 * time.Minute
	}
	s := &Server{
		opts:     opts,
		dispatch: dispatch,
		store:    store,
		quota:    quota,
		batcher:  batcher,
		catalog:  newCatalogCache(opts.ModelCacheTTL),
	}
	if opts.ProxyAPIKey == "" {
		log.Warn("proxy API key is empty; client authentication is disabled")
	}
	return s
}

// Handler builds the chi router. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.auth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/embeddings", s.handleEmbeddings)
		r.Post("/messages", s.handleMessages)
		r.Post("/messages/count_tokens", s.handleCountTokens)
		r.Get("/models", s.handleModels)
		// Wildcard because model ids carry a slash: provider/model_name.
		r.Get("/models/*", s.handleModel)
		r.Get("/providers", s.handleProviders)
		r.Post("/token-count", s.handleTokenCount)
		r.Post("/cost-estimate", s.handleCostEstimate)
		r.Get("/usage", s.handleUsage)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return r
}

// Start listens on addr and serves until Stop.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 60 * time.Second,
	}
	go func() {
		_ = s.httpServer.Serve(listener)
	}()
	log.Info("gateway listening", "addr", s.addr)
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string { return s.addr }

// Stop drains in-flight requests within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requestID tags each request with an id for log correlation.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

type ctxKey int

const requestIDKey ctxKey = iota

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// auth checks the configured proxy key against Authorization: Bearer or
// x-api-key. An empty configured key disables the check.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.ProxyAPIKey == "" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("x-api-key")
		if key == "" {
			key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.opts.ProxyAPIKey)) != 1 {
			status, body := apierr.RenderOpenAI(&apierr.Error{
				Kind:    apierr.KindAuthentication,
				Message: "invalid or missing API key",
			})
			writeJSON(w, status, body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// splitModel parses the wire model id "provider/model_name".
func splitModel(id string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(id, "/")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("model %q: want provider/model_name", id)
	}
	return provider, model, nil
}
