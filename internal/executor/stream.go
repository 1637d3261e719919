package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/majorcontext/relay/internal/adapter"
	"github.com/majorcontext/relay/internal/apierr"
	"github.com/majorcontext/relay/internal/scheduler"
	"github.com/majorcontext/relay/internal/stream"
	"github.com/majorcontext/relay/internal/usage"
)

// Stream is a live upstream stream bound to its credential lease. The
// consumer must call Finish exactly once after draining.
type Stream struct {
	wrapper *stream.Wrapper
	lease   *scheduler.Lease
	xlate   adapter.StreamTranslator

	usage    usage.TokenUsage
	finished bool
}

// ExecuteStream opens a streaming request. Attempts rotate like the
// non-streaming path until a 2xx response is obtained; after that, stream
// failures surface to the caller because bytes may already be downstream.
func (e *Executor) ExecuteStream(ctx context.Context, req *adapter.Request) (*Stream, error) {
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
			return nil, deadlineError(err, lastErr)
		}
		if tried[lease.ID] {
			lease.Release(usage.Outcome{Skip: true})
			return nil, lastErr
		}
		tried[lease.ID] = true

		s, apiErr := e.openStream(ctx, a, req, lease)
		if apiErr == nil {
			return s, nil
		}
		lastErr = apiErr
		e.noteAuthFailure(lease.ID, apiErr)
		lease.Release(outcomeFor(apiErr))
		if !apiErr.Rotatable() {
			return nil, apiErr
		}
	}
}

func (e *Executor) openStream(ctx context.Context, a adapter.Adapter, req *adapter.Request, lease *scheduler.Lease) (*Stream, *apierr.Error) {
	header, err := e.tokens.AuthHeader(ctx, lease.ID)
	if err != nil {
		return nil, authHeaderError(req, err)
	}
	cred, ok := e.store.Get(lease.ID)
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
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		resp.Body.Close()
		return nil, e.classify(a, req, resp, body)
	}

	xlate, _ := a.(adapter.StreamTranslator)
	return &Stream{
		wrapper: stream.Wrap(resp.Body, stream.Options{
			Provider:     req.Provider,
			Model:        req.Model,
			ChunkTimeout: e.chunkTimeout,
		}),
		lease: lease,
		xlate: xlate,
	}, nil
}

// Next yields the next OpenAI-dialect chunk payloads. io.EOF ends the
// stream; the terminator frame is consumed, not returned.
func (s *Stream) Next(ctx context.Context) ([][]byte, error) {
	for {
		f, err := s.wrapper.Next(ctx)
		if err != nil {
			return nil, err
		}
		if f.Done() {
			return nil, io.EOF
		}

		payloads := [][]byte{f.Data}
		if s.xlate != nil {
			payloads, err = s.xlate.TranslateChunk(f.Data)
			if err != nil {
				return nil, &apierr.Error{Kind: apierr.KindUnknown, Message: fmt.Sprintf("translating chunk: %v", err), Streamed: true}
			}
			if len(payloads) == 0 {
				continue
			}
		}
		for _, p := range payloads {
			s.noteUsage(p)
		}
		return payloads, nil
	}
}

// noteUsage captures the token accounting some providers attach to the
// final chunk.
func (s *Stream) noteUsage(chunk []byte) {
	u := gjson.GetBytes(chunk, "usage")
	if !u.Exists() || u.Get("total_tokens").Int() == 0 {
		return
	}
	s.usage = usage.TokenUsage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
	}
}

// Usage returns the accounting seen so far.
func (s *Stream) Usage() usage.TokenUsage { return s.usage }

// Delivered reports whether any frame reached the consumer.
func (s *Stream) Delivered() bool { return s.wrapper.Delivered() }

// Finish releases the lease with the stream's outcome and closes the
// upstream connection. err nil means the stream completed cleanly.
func (s *Stream) Finish(err error) {
	if s.finished {
		return
	}
	s.finished = true
	s.wrapper.Close()

	if err == nil || errors.Is(err, io.EOF) {
		s.lease.Release(usage.Outcome{Success: true, Usage: s.usage})
		return
	}
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		s.lease.Release(outcomeFor(apiErr))
		return
	}
	// Client cancellation and transport noise: slot back, no cooldown.
	s.lease.Release(usage.Outcome{Skip: true})
}
