package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/majorcontext/relay/internal/adapter"
	"github.com/majorcontext/relay/internal/batch"
	"github.com/majorcontext/relay/internal/config"
	"github.com/majorcontext/relay/internal/credential"
	"github.com/majorcontext/relay/internal/statefile"
	"github.com/majorcontext/relay/internal/stream"
)

func newTestEngine(t *testing.T, upstreamURL string) *Engine {
	t.Helper()
	statefile.ResetRegistry()
	adapter.Clear()
	t.Setenv("OPENAI_API_KEY", "sk-a")

	off := false
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ProxyAPIKey = "test-key"
	cfg.Listen = "127.0.0.1:0"
	cfg.Batch.Wait = config.Duration(10 * time.Millisecond)
	cfg.Provider = map[string]config.ProviderConfig{
		"openai": {BaseURL: upstreamURL, Models: []string{"gpt-4o", "text-embedding-3-small"}},
		"gemini": {Enabled: &off},
	}

	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func authedRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-key")
	return req
}

func TestEngine_ChatThroughStack(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-a", r.Header.Get("Authorization"))
		io.WriteString(w, `{"id":"chatcmpl-1","choices":[{"message":{"content":"hi"}}],`+
			`"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	t.Cleanup(up.Close)
	e := newTestEngine(t, up.URL)

	rr := httptest.NewRecorder()
	e.Server().Handler().ServeHTTP(rr, authedRequest("POST", "/v1/chat/completions",
		`{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "chatcmpl-1", gjson.Get(rr.Body.String(), "id").String())
}

func TestEngine_EmbeddingsBatchedUpstream(t *testing.T) {
	var gotBody []byte
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		gotBody, _ = io.ReadAll(r.Body)
		n := int(gjson.GetBytes(gotBody, "input.#").Int())
		var b strings.Builder
		b.WriteString(`{"object":"list","data":[`)
		for i := 0; i < n; i++ {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, `{"object":"embedding","index":%d,"embedding":[%d]}`, i, i)
		}
		b.WriteString(`],"usage":{"prompt_tokens":4,"total_tokens":4}}`)
		io.WriteString(w, b.String())
	}))
	t.Cleanup(up.Close)
	e := newTestEngine(t, up.URL)

	rr := httptest.NewRecorder()
	e.Server().Handler().ServeHTTP(rr, authedRequest("POST", "/v1/embeddings",
		`{"model":"openai/text-embedding-3-small","input":["alpha","beta"],"dimensions":64}`))
	require.Equal(t, http.StatusOK, rr.Code)

	// The rebuilt upstream body carries the bare model name, the batched
	// inputs, and the option fields from the batch key.
	assert.Equal(t, "text-embedding-3-small", gjson.GetBytes(gotBody, "model").String())
	assert.EqualValues(t, 2, gjson.GetBytes(gotBody, "input.#").Int())
	assert.EqualValues(t, 64, gjson.GetBytes(gotBody, "dimensions").Int())

	body := rr.Body.String()
	require.EqualValues(t, 2, gjson.Get(body, "data.#").Int())
	assert.Equal(t, "[0]", gjson.Get(body, "data.0.embedding").Raw)
	assert.Equal(t, "[1]", gjson.Get(body, "data.1.embedding").Raw)
}

func TestEngine_ReloadCredentials(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	}))
	t.Cleanup(up.Close)
	e := newTestEngine(t, up.URL)
	require.Len(t, e.Store().List("openai"), 1)

	t.Setenv("OPENAI_1_API_KEY", "sk-b")
	require.NoError(t, e.ReloadCredentials())
	assert.Len(t, e.Store().List("openai"), 2)
	for _, id := range e.Store().List("openai") {
		assert.Equal(t, 0, e.quota["openai"].InFlight(id))
	}
}

func TestEngine_RunAndShutdownPersistsUsage(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"chatcmpl-1","choices":[],`+
			`"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	t.Cleanup(up.Close)
	e := newTestEngine(t, up.URL)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return e.Server().Addr() != "" },
		2*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest("POST", "http://"+e.Server().Addr()+"/v1/chat/completions",
		strings.NewReader(`{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer test-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not shut down")
	}

	// Usage counters survive the restart boundary.
	_, err = os.Stat(e.cfg.UsageStatePath("openai"))
	assert.NoError(t, err)
}

func TestNewHTTPClient_TunedTransport(t *testing.T) {
	tr, ok := newHTTPClient().Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, stream.DefaultReadTimeout, tr.ResponseHeaderTimeout)
	assert.NotNil(t, tr.DialContext)
	assert.Positive(t, tr.MaxIdleConnsPerHost)
	assert.Positive(t, tr.TLSHandshakeTimeout)
	assert.Positive(t, tr.IdleConnTimeout)
}

type fixedBaseline map[string]float64

func (b fixedBaseline) QuotaBaseline(context.Context, *credential.Credential) (map[string]float64, error) {
	return b, nil
}

func TestEngine_BaselineJobRecordsLimits(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	}))
	t.Cleanup(up.Close)
	e := newTestEngine(t, up.URL)

	job := e.baselineJob("openai", fixedBaseline{"gpt-4o": 250})
	require.NoError(t, job.Run(context.Background()))

	// The probed maximum lands on the credential's window.
	snap := e.quota["openai"].Snapshot(nil)
	require.Len(t, snap, 1)
	assert.Equal(t, 250, snap[0].Models["gpt-4o"].Window.Limit)
}

func TestEmbeddingBody(t *testing.T) {
	key := batch.Key{
		Provider: "openai",
		Model:    "text-embedding-3-small",
		Options:  `encoding_format="float";dimensions=64;`,
	}
	inputs := []json.RawMessage{
		json.RawMessage(`"alpha"`),
		json.RawMessage(`"beta"`),
	}

	body, err := embeddingBody(key, inputs)
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-small", gjson.GetBytes(body, "model").String())
	assert.Equal(t, `["alpha","beta"]`, gjson.GetBytes(body, "input").Raw)
	assert.Equal(t, "float", gjson.GetBytes(body, "encoding_format").String())
	assert.EqualValues(t, 64, gjson.GetBytes(body, "dimensions").Int())
}
