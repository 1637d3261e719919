package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/majorcontext/relay/internal/apierr"
	"github.com/majorcontext/relay/internal/batch"
)

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, apierr.RenderOpenAI, fmt.Errorf("reading request: %w", err))
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(w, apierr.RenderOpenAI, badRequest(fmt.Errorf("request body is not valid JSON")))
		return
	}
	wireModel := gjson.GetBytes(body, "model").String()
	provider, model, err := splitModel(wireModel)
	if err != nil {
		writeError(w, apierr.RenderOpenAI, badRequest(err))
		return
	}
	inputs, err := embeddingInputs(body)
	if err != nil {
		writeError(w, apierr.RenderOpenAI, badRequest(err))
		return
	}

	key := batch.Key{
		Provider: provider,
		Model:    model,
		Options:  embeddingOptions(body),
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.GlobalTimeout)
	defer cancel()

	vectors, u, err := s.batcher.Submit(ctx, key, inputs)
	if err != nil {
		writeError(w, apierr.RenderOpenAI, err)
		return
	}

	type item struct {
		Object    string          `json:"object"`
		Index     int             `json:"index"`
		Embedding json.RawMessage `json:"embedding"`
	}
	out := struct {
		Object string `json:"object"`
		Data   []item `json:"data"`
		Model  string `json:"model"`
		Usage  struct {
			PromptTokens int `json:"prompt_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	}{Object: "list", Model: wireModel}
	for i, v := range vectors {
		out.Data = append(out.Data, item{Object: "embedding", Index: i, Embedding: v})
	}
	out.Usage.PromptTokens = u.PromptTokens
	out.Usage.TotalTokens = u.TotalTokens

	b, _ := json.Marshal(out)
	writeJSON(w, http.StatusOK, b)
}

// embeddingInputs normalizes the input field: a single string or an array
// of strings.
func embeddingInputs(body []byte) ([]json.RawMessage, error) {
	in := gjson.GetBytes(body, "input")
	switch {
	case in.Type == gjson.String:
		b, _ := json.Marshal(in.String())
		return []json.RawMessage{b}, nil
	case in.IsArray():
		arr := in.Array()
		if len(arr) == 0 {
			return nil, fmt.Errorf("input must not be empty")
		}
		out := make([]json.RawMessage, len(arr))
		for i, v := range arr {
			if v.Type != gjson.String {
				return nil, fmt.Errorf("input elements must be strings")
			}
			b, _ := json.Marshal(v.String())
			out[i] = b
		}
		return out, nil
	default:
		return nil, fmt.Errorf("input must be a string or an array of strings")
	}
}

// embeddingOptions builds the canonical option form that keys a batch:
// requests differing in these fields must not share an upstream call.
func embeddingOptions(body []byte) string {
	var buf bytes.Buffer
	for _, field := range []string{"encoding_format", "dimensions"} {
		if v := gjson.GetBytes(body, field); v.Exists() {
			fmt.Fprintf(&buf, "%s=%s;", field, v.Raw)
		}
	}
	return buf.String()
}
