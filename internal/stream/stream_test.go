package stream

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/relay/internal/apierr"
)

func TestScanner_Frames(t *testing.T) {
	input := "event: message_start\ndata: {\"a\":1}\n\n" +
		": keepalive\n\n" +
		"data: {\"b\":2}\ndata: {\"c\":3}\n\n" +
		"data: [DONE]\n\n"
	sc := NewScanner(strings.NewReader(input))

	f, err := sc.Next()
	require.NoError(t, err)
	assert.Equal(t, "message_start", f.Event)
	assert.Equal(t, `{"a":1}`, string(f.Data))

	f, err = sc.Next()
	require.NoError(t, err)
	assert.Equal(t, "{\"b\":2}\n{\"c\":3}", string(f.Data))

	f, err = sc.Next()
	require.NoError(t, err)
	assert.True(t, f.Done())

	_, err = sc.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestScanner_TrailingFrameWithoutBlankLine(t *testing.T) {
	sc := NewScanner(strings.NewReader("data: {\"x\":1}"))
	f, err := sc.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(f.Data))
	_, err = sc.Next()
	assert.ErrorIs(t, err, io.EOF)
}

type slowReader struct {
	frames []string
	delay  time.Duration
	pos    int
}

func (r *slowReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.frames) {
		time.Sleep(r.delay)
		return 0, io.EOF
	}
	if r.pos > 0 {
		time.Sleep(r.delay)
	}
	n := copy(p, r.frames[r.pos])
	r.pos++
	return n, nil
}

func TestWrapper_YieldsFrames(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		"data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n"))
	w := Wrap(body, Options{Provider: "openai", Model: "m"})
	defer w.Close()

	f, err := w.Next(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(f.Data), "hi")
	assert.True(t, w.Delivered())

	f, err = w.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, f.Done())

	_, err = w.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestWrapper_MidStreamError(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n" +
			"data: {\"error\":{\"code\":429,\"message\":\"quota exhausted\"}}\n\n"))
	w := Wrap(body, Options{Provider: "gemini", Model: "m"})
	defer w.Close()

	_, err := w.Next(context.Background())
	require.NoError(t, err)

	_, err = w.Next(context.Background())
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Streamed)
	assert.Equal(t, 429, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "quota exhausted")
}

func TestWrapper_ErrorBeforeFirstFrameNotStreamed(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		"data: {\"error\":{\"code\":500,\"message\":\"boom\"}}\n\n"))
	w := Wrap(body, Options{Provider: "openai", Model: "m"})
	defer w.Close()

	_, err := w.Next(context.Background())
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	// Nothing was delivered, so the executor may still rotate.
	assert.False(t, apiErr.Streamed)
	assert.False(t, w.Delivered())
}

func TestWrapper_PassthroughSkipsErrorProbe(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		"data: {\"error\":{\"code\":500}}\n\n"))
	w := Wrap(body, Options{Passthrough: true})
	defer w.Close()

	f, err := w.Next(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(f.Data), "error")
}

func TestWrapper_InterChunkTimeout(t *testing.T) {
	r := &slowReader{
		frames: []string{"data: {\"a\":1}\n\n", "data: {\"b\":2}\n\n"},
		delay:  500 * time.Millisecond,
	}
	w := Wrap(io.NopCloser(r), Options{Provider: "p", Model: "m", ChunkTimeout: 50 * time.Millisecond})
	defer w.Close()

	_, err := w.Next(context.Background())
	require.NoError(t, err)

	_, err = w.Next(context.Background())
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.KindTimeout, apiErr.Kind)
	assert.True(t, apiErr.Streamed)
}

func TestWrapper_ContextCancellation(t *testing.T) {
	r := &slowReader{frames: []string{"data: {\"a\":1}\n\n"}, delay: time.Second}
	w := Wrap(io.NopCloser(r), Options{})
	defer w.Close()

	_, err := w.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
