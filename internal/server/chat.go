package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/majorcontext/relay/internal/adapter"
	"github.com/majorcontext/relay/internal/apierr"
	"github.com/majorcontext/relay/internal/executor"
	"github.com/majorcontext/relay/internal/log"
	"github.com/majorcontext/relay/internal/translate"
)

// maxRequestBody bounds client payloads.
const maxRequestBody = 32 << 20

type renderFunc func(error) (int, []byte)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, apierr.RenderOpenAI, fmt.Errorf("reading request: %w", err))
		return
	}
	req, err := s.normalizeChat(body)
	if err != nil {
		writeError(w, apierr.RenderOpenAI, badRequest(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.GlobalTimeout)
	defer cancel()

	if !req.Stream {
		resp, err := s.dispatch.Execute(ctx, req)
		if err != nil {
			writeError(w, apierr.RenderOpenAI, err)
			return
		}
		writeJSON(w, http.StatusOK, resp.Body)
		return
	}
	s.streamOpenAI(ctx, w, req)
}

// normalizeChat validates the OpenAI body and splits the model id.
func (s *Server) normalizeChat(body []byte) (*adapter.Request, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("request body is not valid JSON")
	}
	provider, model, err := splitModel(gjson.GetBytes(body, "model").String())
	if err != nil {
		return nil, err
	}
	return &adapter.Request{
		Provider: provider,
		Model:    model,
		Endpoint: adapter.EndpointChat,
		Stream:   gjson.GetBytes(body, "stream").Bool(),
		Body:     body,
	}, nil
}

// streamOpenAI runs a streaming dispatch and relays OpenAI chunks as SSE.
// When the upstream fails before any byte reached the client, the dispatch
// is retried once on a fresh credential.
func (s *Server) streamOpenAI(ctx context.Context, w http.ResponseWriter, req *adapter.Request) {
	for attempt := 0; ; attempt++ {
		st, err := s.dispatch.ExecuteStream(ctx, req)
		if err != nil {
			writeError(w, apierr.RenderOpenAI, err)
			return
		}

		done, err := s.relayOpenAIStream(ctx, w, st)
		if done {
			return
		}
		// Nothing was written downstream yet; one more try is safe.
		if attempt == 0 && retriableBeforeDelivery(err) {
			log.Debug("retrying stream before first byte",
				"request_id", requestIDFrom(ctx), "error", err)
			continue
		}
		writeError(w, apierr.RenderOpenAI, err)
		return
	}
}

// relayOpenAIStream forwards chunks until EOF. done reports whether bytes
// reached the client (response committed, no retry or error body possible).
func (s *Server) relayOpenAIStream(ctx context.Context, w http.ResponseWriter, st *executor.Stream) (done bool, err error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		st.Finish(nil)
		return true, nil
	}

	wrote := false
	for {
		chunks, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			if !wrote {
				startSSE(w)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			st.Finish(nil)
			return true, nil
		}
		if err != nil {
			st.Finish(err)
			if !wrote {
				return false, err
			}
			// Mid-stream failure: surface as a terminal error frame.
			_, body := apierr.RenderOpenAI(err)
			fmt.Fprintf(w, "data: %s\n\n", body)
			flusher.Flush()
			return true, nil
		}
		if !wrote {
			startSSE(w)
			wrote = true
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		flusher.Flush()
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, apierr.RenderAnthropic, fmt.Errorf("reading request: %w", err))
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(w, apierr.RenderAnthropic, badRequest(fmt.Errorf("request body is not valid JSON")))
		return
	}
	wireModel := gjson.GetBytes(body, "model").String()
	provider, model, err := splitModel(wireModel)
	if err != nil {
		writeError(w, apierr.RenderAnthropic, badRequest(err))
		return
	}

	openAIBody, err := translate.ToOpenAIRequest(body)
	if err != nil {
		writeError(w, apierr.RenderAnthropic, badRequest(err))
		return
	}
	req := &adapter.Request{
		Provider: provider,
		Model:    model,
		Endpoint: adapter.EndpointChat,
		Stream:   gjson.GetBytes(body, "stream").Bool(),
		Body:     openAIBody,
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.GlobalTimeout)
	defer cancel()

	if !req.Stream {
		resp, err := s.dispatch.Execute(ctx, req)
		if err != nil {
			writeError(w, apierr.RenderAnthropic, err)
			return
		}
		out, _ := translate.FromOpenAIResponse(resp.Body)
		out, _ = sjson.SetBytes(out, "model", wireModel)
		writeJSON(w, http.StatusOK, out)
		return
	}
	s.streamAnthropic(ctx, w, req, wireModel)
}

// streamAnthropic dispatches a streaming request and rewrites the OpenAI
// chunk flow into the Anthropic event sequence.
func (s *Server) streamAnthropic(ctx context.Context, w http.ResponseWriter, req *adapter.Request, wireModel string) {
	for attempt := 0; ; attempt++ {
		st, err := s.dispatch.ExecuteStream(ctx, req)
		if err != nil {
			writeError(w, apierr.RenderAnthropic, err)
			return
		}

		done, err := s.relayAnthropicStream(ctx, w, st, wireModel)
		if done {
			return
		}
		if attempt == 0 && retriableBeforeDelivery(err) {
			log.Debug("retrying stream before first byte",
				"request_id", requestIDFrom(ctx), "error", err)
			continue
		}
		writeError(w, apierr.RenderAnthropic, err)
		return
	}
}

func (s *Server) relayAnthropicStream(ctx context.Context, w http.ResponseWriter, st *executor.Stream, wireModel string) (done bool, err error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		st.Finish(nil)
		return true, nil
	}

	xlate := translate.NewStream(wireModel)
	wrote := false
	for {
		chunks, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			if !wrote {
				startSSE(w)
			}
			writeEvents(w, xlate.Finish())
			flusher.Flush()
			st.Finish(nil)
			return true, nil
		}
		if err != nil {
			st.Finish(err)
			if !wrote {
				return false, err
			}
			_, body := apierr.RenderAnthropic(err)
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", body)
			flusher.Flush()
			return true, nil
		}

		var events []translate.Event
		for _, c := range chunks {
			ev, terr := xlate.Next(c)
			if terr != nil {
				st.Finish(terr)
				if !wrote {
					return false, terr
				}
				_, body := apierr.RenderAnthropic(terr)
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", body)
				flusher.Flush()
				return true, nil
			}
			events = append(events, ev...)
		}
		if len(events) == 0 {
			continue
		}
		if !wrote {
			startSSE(w)
			wrote = true
		}
		writeEvents(w, events)
		flusher.Flush()
	}
}

func startSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeEvents(w io.Writer, events []translate.Event) {
	for _, e := range events {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.Data)
	}
}

// retriableBeforeDelivery reports whether a stream failure that preceded
// any downstream byte may rotate to a fresh credential.
func retriableBeforeDelivery(err error) bool {
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		return false
	}
	return !ae.Streamed && ae.Rotatable()
}

func writeError(w http.ResponseWriter, render renderFunc, err error) {
	status, body := render(err)
	writeJSON(w, status, body)
}

// badRequest wraps client-input problems so they render as 400s.
func badRequest(err error) error {
	return &apierr.Error{
		Kind:       apierr.KindInvalidRequest,
		StatusCode: http.StatusBadRequest,
		Message:    err.Error(),
	}
}
