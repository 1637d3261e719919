package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/majorcontext/relay/internal/adapter"
	"github.com/majorcontext/relay/internal/apierr"
	"github.com/majorcontext/relay/internal/log"
)

// modelEntry is one catalog row in the OpenAI list shape.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// catalogCache holds the flattened model list for a TTL.
type catalogCache struct {
	ttl time.Duration

	mu      sync.Mutex
	models  []modelEntry
	fetched time.Time
}

func newCatalogCache(ttl time.Duration) *catalogCache {
	return &catalogCache{ttl: ttl}
}

// get returns the cached list, rebuilding it from the registry when stale.
func (c *catalogCache) get() []modelEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.fetched) < c.ttl && c.models != nil {
		return c.models
	}

	var models []modelEntry
	for _, a := range adapter.All() {
		for _, m := range a.Models() {
			models = append(models, modelEntry{
				ID:      a.Name() + "/" + m,
				Object:  "model",
				OwnedBy: a.Name(),
			})
		}
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	c.models = models
	c.fetched = time.Now()
	return models
}

// invalidate forces a rebuild on the next read, for example after a
// config reload changes the provider set.
func (c *catalogCache) invalidate() {
	c.mu.Lock()
	c.fetched = time.Time{}
	c.mu.Unlock()
}

// InvalidateCatalog drops the cached model list.
func (s *Server) InvalidateCatalog() { s.catalog.invalidate() }

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	out := struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}{Object: "list", Data: s.catalog.get()}
	b, _ := json.Marshal(out)
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "*")
	for _, m := range s.catalog.get() {
		if m.ID == id {
			b, _ := json.Marshal(m)
			writeJSON(w, http.StatusOK, b)
			return
		}
	}
	writeError(w, apierr.RenderOpenAI, &apierr.Error{
		Kind:    apierr.KindNotFound,
		Message: fmt.Sprintf("model %q not found", id),
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	type providerEntry struct {
		Name        string   `json:"name"`
		Models      []string `json:"models"`
		Credentials int      `json:"credentials"`
	}
	var out []providerEntry
	for _, a := range adapter.All() {
		out = append(out, providerEntry{
			Name:        a.Name(),
			Models:      a.Models(),
			Credentials: len(s.store.List(a.Name())),
		})
	}
	b, _ := json.Marshal(out)
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]any, len(s.quota))
	for provider, m := range s.quota {
		out[provider] = m.Snapshot(log.MaskCredential)
	}
	b, _ := json.Marshal(out)
	writeJSON(w, http.StatusOK, b)
}

// estimateTokens approximates a token count from text length. Four bytes
// per token tracks the common tokenizers closely enough for quota math.
func estimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// requestText flattens the countable text of a chat or messages body.
func requestText(body []byte) string {
	var b strings.Builder
	if v := gjson.GetBytes(body, "text"); v.Exists() {
		b.WriteString(v.String())
	}
	if v := gjson.GetBytes(body, "system"); v.Exists() {
		if v.Type == gjson.String {
			b.WriteString(v.String())
		} else {
			for _, block := range v.Array() {
				b.WriteString(block.Get("text").String())
			}
		}
	}
	for _, msg := range gjson.GetBytes(body, "messages").Array() {
		content := msg.Get("content")
		if content.Type == gjson.String {
			b.WriteString(content.String())
			continue
		}
		for _, part := range content.Array() {
			b.WriteString(part.Get("text").String())
		}
	}
	return b.String()
}

func (s *Server) handleTokenCount(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil || !gjson.ValidBytes(body) {
		writeError(w, apierr.RenderOpenAI, badRequest(fmt.Errorf("request body is not valid JSON")))
		return
	}
	out := struct {
		Tokens int `json:"tokens"`
	}{Tokens: estimateTokens(requestText(body))}
	b, _ := json.Marshal(out)
	writeJSON(w, http.StatusOK, b)
}

// handleCountTokens is the Anthropic-dialect variant of the estimator.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil || !gjson.ValidBytes(body) {
		writeError(w, apierr.RenderAnthropic, badRequest(fmt.Errorf("request body is not valid JSON")))
		return
	}
	out := struct {
		InputTokens int `json:"input_tokens"`
	}{InputTokens: estimateTokens(requestText(body))}
	b, _ := json.Marshal(out)
	writeJSON(w, http.StatusOK, b)
}

// pricing is USD per million tokens. Models missing from the table cannot
// be estimated.
var pricing = map[string]struct{ in, out float64 }{
	"openai/gpt-4o":                 {2.50, 10.00},
	"openai/gpt-4o-mini":            {0.15, 0.60},
	"openai/text-embedding-3-small": {0.02, 0},
	"openai/text-embedding-3-large": {0.13, 0},
	"gemini/gemini-2.5-pro":         {1.25, 10.00},
	"gemini/gemini-2.5-flash":       {0.30, 2.50},
}

func (s *Server) handleCostEstimate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil || !gjson.ValidBytes(body) {
		writeError(w, apierr.RenderOpenAI, badRequest(fmt.Errorf("request body is not valid JSON")))
		return
	}
	model := gjson.GetBytes(body, "model").String()
	rates, ok := pricing[model]
	if !ok {
		writeError(w, apierr.RenderOpenAI, &apierr.Error{
			Kind:    apierr.KindNotFound,
			Message: fmt.Sprintf("no pricing for model %q", model),
		})
		return
	}

	promptTokens := gjson.GetBytes(body, "prompt_tokens").Int()
	completionTokens := gjson.GetBytes(body, "completion_tokens").Int()
	inputCost := float64(promptTokens) / 1e6 * rates.in
	outputCost := float64(completionTokens) / 1e6 * rates.out

	out := struct {
		Model      string  `json:"model"`
		InputCost  float64 `json:"input_cost"`
		OutputCost float64 `json:"output_cost"`
		TotalCost  float64 `json:"total_cost"`
		Currency   string  `json:"currency"`
	}{model, inputCost, outputCost, inputCost + outputCost, "USD"}
	b, _ := json.Marshal(out)
	writeJSON(w, http.StatusOK, b)
}
