// Package executor drives one logical request to completion: credential
// acquisition, upstream dispatch, outcome classification, same-credential
// retries, and rotation across credentials until the deadline.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/majorcontext/relay/internal/adapter"
	"github.com/majorcontext/relay/internal/apierr"
	"github.com/majorcontext/relay/internal/credential"
	"github.com/majorcontext/relay/internal/log"
	"github.com/majorcontext/relay/internal/oauth"
	"github.com/majorcontext/relay/internal/scheduler"
	"github.com/majorcontext/relay/internal/stream"
	"github.com/majorcontext/relay/internal/usage"
)

const (
	// DefaultMaxRetriesPerKey bounds same-credential retries for transient
	// failures before rotating.
	DefaultMaxRetriesPerKey = 2

	backoffBase = time.Second
	backoffCap  = 8 * time.Second
	// backoffMin is the smallest remaining budget worth a same-key retry.
	backoffMin = 2 * time.Second
)

// Executor dispatches normalized requests for all providers.
type Executor struct {
	client           *http.Client
	tokens           *oauth.Manager
	store            *credential.Store
	scheds           func(provider string) *scheduler.Scheduler
	maxRetriesPerKey int

	chunkTimeout time.Duration
	readBudget   time.Duration
}

// New creates an executor. scheds resolves the per-provider scheduler and
// returns nil for unknown providers.
func New(client *http.Client, tokens *oauth.Manager, store *credential.Store, scheds func(string) *scheduler.Scheduler) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	return &Executor{
		client:           client,
		tokens:           tokens,
		store:            store,
		scheds:           scheds,
		maxRetriesPerKey: DefaultMaxRetriesPerKey,
		readBudget:       stream.DefaultReadTimeout,
	}
}

// SetMaxRetriesPerKey overrides the same-credential retry bound.
func (e *Executor) SetMaxRetriesPerKey(n int) { e.maxRetriesPerKey = n }

// SetChunkTimeout overrides the streaming inter-chunk watchdog.
func (e *Executor) SetChunkTimeout(d time.Duration) { e.chunkTimeout = d }

// SetReadBudget overrides the per-attempt bound on a non-streaming call.
func (e *Executor) SetReadBudget(d time.Duration) {
	if d > 0 {
		e.readBudget = d
	}
}

// Execute runs a non-streaming request to completion.
func (e *Executor) Execute(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
	a := adapter.Get(req.Provider)
	if a == nil {
		return nil, &apierr.Error{Kind: apierr.KindNotFound, Provider: req.Provider, Model: req.Model,
			StatusCode: http.StatusNotFound, Message: fmt.Sprintf("unknown provider %q", req.Provider)}
	}
	sched := e.scheds(req.Provider)
	if sched == nil {
		return nil, &apierr.NoCredentialsError{Provider: req.Provider, Model: req.Model}
	}

	var lastErr error
	tried := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return nil, deadlineError(err, lastErr)
		}
		if lastErr != nil && allTried(tried, e.store.List(req.Provider)) {
			// Every credential has had its turn; waiting in Acquire could
			// only hand back one of them after its cooldown.
			return nil, lastErr
		}

		lease, err := sched.Acquire(ctx, req.Model)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		if tried[lease.ID] {
			// Every credential has had its turn; do not cycle back.
			lease.Release(usage.Outcome{Skip: true})
			return nil, lastErr
		}
		tried[lease.ID] = true

		resp, err := e.attemptWithRetries(ctx, a, req, lease)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var apiErr *apierr.Error
		if !errors.As(err, &apiErr) || !apiErr.Rotatable() {
			return nil, err
		}
		// Rotate to the next credential.
	}
}

// attemptWithRetries holds one lease and retries transient failures on the
// same credential while the deadline allows, then releases with the final
// outcome.
func (e *Executor) attemptWithRetries(ctx context.Context, a adapter.Adapter, req *adapter.Request, lease *scheduler.Lease) (*adapter.Response, error) {
	var lastErr *apierr.Error
	for attempt := 0; ; attempt++ {
		resp, apiErr := e.attempt(ctx, a, req, lease.ID)
		if apiErr == nil {
			lease.Release(usage.Outcome{Success: true, Usage: resp.Usage})
			return resp, nil
		}
		lastErr = apiErr

		if !apiErr.RetryableSameCredential() || attempt >= e.maxRetriesPerKey {
			break
		}
		wait := backoffBase << attempt
		if wait > backoffCap {
			wait = backoffCap
		}
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining < wait+backoffMin {
				// The next backoff would eat the budget; rotate instead.
				break
			}
		}
		log.Debug("retrying on same credential",
			"provider", req.Provider, "model", req.Model,
			"credential", log.MaskCredential(lease.ID),
			"attempt", attempt+1, "wait", wait, "error", apiErr.Message)
		select {
		case <-ctx.Done():
			lease.Release(outcomeFor(lastErr))
			return nil, deadlineError(ctx.Err(), lastErr)
		case <-time.After(wait):
		}
	}

	e.noteAuthFailure(lease.ID, lastErr)
	lease.Release(outcomeFor(lastErr))
	return nil, lastErr
}

// allTried reports whether every listed credential has already served an
// attempt for this request.
func allTried(tried map[string]bool, ids []string) bool {
	if len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		if !tried[id] {
			return false
		}
	}
	return true
}

// attempt performs a single upstream call. The read budget bounds the
// whole exchange, headers and body both.
func (e *Executor) attempt(ctx context.Context, a adapter.Adapter, req *adapter.Request, credID string) (*adapter.Response, *apierr.Error) {
	ctx, cancel := context.WithTimeout(ctx, e.readBudget)
	defer cancel()

	header, err := e.tokens.AuthHeader(ctx, credID)
	if err != nil {
		return nil, authHeaderError(req, err)
	}
	cred, ok := e.store.Get(credID)
	if !ok {
		return nil, &apierr.Error{Kind: apierr.KindAuthentication, Provider: req.Provider, Model: req.Model,
			Message: "credential disappeared during dispatch"}
	}

	httpReq, err := a.BuildRequest(ctx, req, header, cred)
	if err != nil {
		return nil, &apierr.Error{Kind: apierr.KindUnknown, Provider: req.Provider, Model: req.Model,
			Message: fmt.Sprintf("building request: %v", err)}
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, transportError(req, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, transportError(req, err)
	}

	if resp.StatusCode >= 400 {
		return nil, e.classify(a, req, resp, body)
	}

	parsed, err := a.ParseResponse(req, resp.StatusCode, body)
	if err != nil {
		return nil, &apierr.Error{Kind: apierr.KindUnknown, Provider: req.Provider, Model: req.Model,
			Message: fmt.Sprintf("parsing response: %v", err)}
	}
	return parsed, nil
}

// classify maps an upstream failure to the taxonomy, upgrading 429s that
// carry an authoritative reset to Quota.
func (e *Executor) classify(a adapter.Adapter, req *adapter.Request, resp *http.Response, body []byte) *apierr.Error {
	apiErr := apierr.Classify(req.Provider, req.Model, resp.StatusCode, body)

	if resetAt, retryAfter, ok := a.ParseQuotaError(resp.StatusCode, body); ok {
		apiErr.Kind = apierr.KindQuota
		apiErr.ResetAt = resetAt
		apiErr.RetryAfter = retryAfter
	} else if apiErr.Kind == apierr.KindTransientQuota {
		if d := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); d > 0 {
			apiErr.Kind = apierr.KindRateLimit
			apiErr.RetryAfter = d
		}
	}
	return apiErr
}

// parseRetryAfter handles both header forms: delta-seconds and HTTP-date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return t.Sub(now)
	}
	return 0
}

// noteAuthFailure queues OAuth credentials for re-enrollment when the
// final outcome was an authentication failure.
func (e *Executor) noteAuthFailure(credID string, apiErr *apierr.Error) {
	if apiErr == nil || apiErr.Kind != apierr.KindAuthentication {
		return
	}
	if c, ok := e.store.Get(credID); ok && c.Kind == credential.KindOAuth {
		e.tokens.Reauth().Enqueue(credID)
	}
}

func outcomeFor(apiErr *apierr.Error) usage.Outcome {
	return usage.Outcome{
		Kind:       apiErr.Kind,
		ResetAt:    apiErr.ResetAt,
		RetryAfter: apiErr.RetryAfter,
	}
}

func authHeaderError(req *adapter.Request, err error) *apierr.Error {
	kind := apierr.KindUnknown
	if errors.Is(err, oauth.ErrNeedsReauth) {
		kind = apierr.KindAuthentication
	}
	return &apierr.Error{Kind: kind, Provider: req.Provider, Model: req.Model,
		Message: fmt.Sprintf("obtaining auth header: %v", err)}
}

func transportError(req *adapter.Request, err error) *apierr.Error {
	kind := apierr.KindServerError
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = apierr.KindTimeout
	}
	return &apierr.Error{Kind: kind, Provider: req.Provider, Model: req.Model,
		Message: fmt.Sprintf("upstream request failed: %v", err)}
}

func deadlineError(ctxErr error, lastErr error) error {
	if lastErr != nil {
		return lastErr
	}
	return ctxErr
}
