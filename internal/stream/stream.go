// Package stream wraps upstream SSE bodies: it yields whole event frames,
// surfaces mid-stream error payloads as typed errors, and enforces an
// inter-chunk read timeout so a stalled upstream cannot hold a client
// connection forever.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/majorcontext/relay/internal/apierr"
)

const (
	// DefaultChunkTimeout bounds the wait between streaming chunks.
	DefaultChunkTimeout = 180 * time.Second
	// DefaultReadTimeout bounds a non-streaming body read.
	DefaultReadTimeout = 600 * time.Second

	// maxFrameSize caps one SSE frame; large tool results fit well under it.
	maxFrameSize = 10 << 20
)

// Frame is one parsed SSE event.
type Frame struct {
	Event string
	Data  []byte
}

// Done reports the OpenAI-style terminator frame.
func (f Frame) Done() bool { return bytes.Equal(f.Data, []byte("[DONE]")) }

// Scanner splits an SSE byte stream into frames.
type Scanner struct {
	s *bufio.Scanner
}

// NewScanner wraps a reader. The internal buffer is enlarged because
// single data lines routinely exceed bufio's default token size.
func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &Scanner{s: s}
}

// Next returns the next complete frame, or io.EOF at end of stream.
func (sc *Scanner) Next() (Frame, error) {
	var f Frame
	seen := false
	for sc.s.Scan() {
		line := sc.s.Text()
		if line == "" {
			if seen {
				return f, nil
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			f.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			seen = true
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(line, "data:")
			data = strings.TrimPrefix(data, " ")
			if f.Data != nil {
				f.Data = append(f.Data, '\n')
			}
			f.Data = append(f.Data, data...)
			seen = true
		case strings.HasPrefix(line, ":"):
			// Comment / keepalive.
		}
	}
	if err := sc.s.Err(); err != nil {
		return Frame{}, err
	}
	if seen {
		return f, nil
	}
	return Frame{}, io.EOF
}

// Options configures a Wrapper.
type Options struct {
	Provider     string
	Model        string
	ChunkTimeout time.Duration
	// Passthrough skips per-frame error probing; bytes are forwarded
	// verbatim and only framing and timeouts apply.
	Passthrough bool
}

type frameResult struct {
	frame Frame
	err   error
}

// Wrapper reads frames from an upstream body on its own goroutine so Next
// can race the read against the watchdog and the caller's context.
type Wrapper struct {
	body    io.Closer
	opts    Options
	results chan frameResult
	done    chan struct{}
	closer  sync.Once

	delivered bool
}

// Wrap starts reading the body. The caller must drain until Next returns
// an error or call Close.
func Wrap(body io.ReadCloser, opts Options) *Wrapper {
	if opts.ChunkTimeout <= 0 {
		opts.ChunkTimeout = DefaultChunkTimeout
	}
	w := &Wrapper{
		body:    body,
		opts:    opts,
		results: make(chan frameResult),
		done:    make(chan struct{}),
	}
	go w.read(body)
	return w
}

func (w *Wrapper) read(body io.Reader) {
	sc := NewScanner(body)
	for {
		f, err := sc.Next()
		select {
		case w.results <- frameResult{frame: f, err: err}:
		case <-w.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Delivered reports whether at least one frame reached the caller. The
// executor uses it to decide whether a failed stream may be retried.
func (w *Wrapper) Delivered() bool { return w.delivered }

// Next returns the next frame. io.EOF ends the stream cleanly; a
// mid-stream error payload comes back as *apierr.Error with Streamed set.
func (w *Wrapper) Next(ctx context.Context) (Frame, error) {
	timer := time.NewTimer(w.opts.ChunkTimeout)
	defer timer.Stop()

	select {
	case r := <-w.results:
		if r.err != nil {
			return Frame{}, r.err
		}
		if !w.opts.Passthrough {
			if err := w.probeError(r.frame); err != nil {
				return Frame{}, err
			}
		}
		w.delivered = true
		return r.frame, nil

	case <-timer.C:
		w.Close()
		return Frame{}, &apierr.Error{
			Kind:     apierr.KindTimeout,
			Provider: w.opts.Provider,
			Model:    w.opts.Model,
			Message:  fmt.Sprintf("no data for %s mid-stream", w.opts.ChunkTimeout),
			Streamed: w.delivered,
		}

	case <-ctx.Done():
		w.Close()
		return Frame{}, ctx.Err()
	}
}

// probeError detects error JSON delivered inside the event stream.
func (w *Wrapper) probeError(f Frame) error {
	if f.Done() || len(f.Data) == 0 {
		return nil
	}
	errObj := gjson.GetBytes(f.Data, "error")
	if !errObj.Exists() {
		if f.Event == "error" {
			errObj = gjson.ParseBytes(f.Data)
		} else {
			return nil
		}
	}
	status := int(errObj.Get("code").Int())
	if status < 400 {
		status = 500
	}
	apiErr := apierr.Classify(w.opts.Provider, w.opts.Model, status, f.Data)
	apiErr.Streamed = w.delivered
	return apiErr
}

// Close tears down the upstream connection and stops the reader. Safe to
// call more than once.
func (w *Wrapper) Close() error {
	var err error
	w.closer.Do(func() {
		close(w.done)
		err = w.body.Close()
	})
	return err
}
