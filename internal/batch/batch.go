// Package batch coalesces embedding requests that target the same
// provider, model, and options into single upstream calls.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/majorcontext/relay/internal/log"
	"github.com/majorcontext/relay/internal/usage"
)

const (
	// DefaultSize is the flush threshold in inputs.
	DefaultSize = 64
	// DefaultWait bounds how long the first input waits for company.
	DefaultWait = 100 * time.Millisecond
	// DefaultFlushTimeout bounds a detached upstream call once a batch has
	// left its callers' contexts.
	DefaultFlushTimeout = 2 * time.Minute
)

// Key identifies a coalescable batch: same provider and model, and the
// same request options (encoding format, dimensions) in a canonical JSON
// form so the flusher can rebuild the upstream body.
type Key struct {
	Provider string
	Model    string
	Options  string
}

// Result is one upstream batch outcome. Vectors holds the embedding for
// each input in submission order; Usage is the single token total for the
// whole batch.
type Result struct {
	Vectors []json.RawMessage
	Usage   usage.TokenUsage
}

// Flusher performs the upstream call for a full batch. Quota attribution
// happens inside the flusher, once per call.
type Flusher func(ctx context.Context, key Key, inputs []json.RawMessage) (*Result, error)

// Options tune the aggregator.
type Options struct {
	Size         int
	Wait         time.Duration
	FlushTimeout time.Duration
}

// Aggregator queues embedding inputs per key and flushes when a batch
// fills or the wait elapses.
type Aggregator struct {
	flush        Flusher
	size         int
	wait         time.Duration
	flushTimeout time.Duration

	mu     sync.Mutex
	queues map[Key]*queue
}

type queue struct {
	inputs  []json.RawMessage
	callers []*caller
	timer   *time.Timer
}

type caller struct {
	offset int
	n      int
	ch     chan callerResult
}

type callerResult struct {
	vectors []json.RawMessage
	usage   usage.TokenUsage
	err     error
}

// New creates an aggregator flushing through fn.
func New(fn Flusher, opts Options) *Aggregator {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Wait <= 0 {
		opts.Wait = DefaultWait
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	return &Aggregator{
		flush:        fn,
		size:         opts.Size,
		wait:         opts.Wait,
		flushTimeout: opts.FlushTimeout,
		queues:       make(map[Key]*queue),
	}
}

// Submit enqueues one caller's inputs and blocks until the batch they
// joined resolves. The returned vectors correspond to the inputs in order;
// usage is the whole batch's total, reported to every member.
func (a *Aggregator) Submit(ctx context.Context, key Key, inputs []json.RawMessage) ([]json.RawMessage, usage.TokenUsage, error) {
	if len(inputs) == 0 {
		return nil, usage.TokenUsage{}, fmt.Errorf("empty input")
	}
	// Oversized submissions fly alone; splitting them across batches
	// would reorder other callers' vectors.
	if len(inputs) >= a.size {
		res, err := a.flush(ctx, key, inputs)
		if err != nil {
			return nil, usage.TokenUsage{}, err
		}
		return res.Vectors, res.Usage, nil
	}

	c := &caller{n: len(inputs), ch: make(chan callerResult, 1)}

	a.mu.Lock()
	q := a.queues[key]
	if q == nil {
		q = &queue{}
		a.queues[key] = q
		q.timer = time.AfterFunc(a.wait, func() { a.flushKey(key) })
	}
	c.offset = len(q.inputs)
	q.inputs = append(q.inputs, inputs...)
	q.callers = append(q.callers, c)
	full := len(q.inputs) >= a.size
	a.mu.Unlock()

	if full {
		a.flushKey(key)
	}

	select {
	case r := <-c.ch:
		if r.err != nil {
			return nil, usage.TokenUsage{}, r.err
		}
		if len(r.vectors) < c.offset+c.n {
			return nil, usage.TokenUsage{}, fmt.Errorf("upstream returned %d vectors for %d inputs",
				len(r.vectors), c.offset+c.n)
		}
		return r.vectors[c.offset : c.offset+c.n], r.usage, nil
	case <-ctx.Done():
		return nil, usage.TokenUsage{}, ctx.Err()
	}
}

// flushKey detaches the pending queue for key and runs the upstream call.
// Safe to race between the timer and a size trigger; the loser finds no
// queue.
func (a *Aggregator) flushKey(key Key) {
	a.mu.Lock()
	q := a.queues[key]
	delete(a.queues, key)
	a.mu.Unlock()
	if q == nil {
		return
	}
	q.timer.Stop()

	log.Debug("flushing embedding batch",
		"provider", key.Provider, "model", key.Model,
		"inputs", len(q.inputs), "callers", len(q.callers))

	// The batch outlives any single caller's context, but not forever.
	ctx, cancel := context.WithTimeout(context.Background(), a.flushTimeout)
	defer cancel()
	res, err := a.flush(ctx, key, q.inputs)
	for _, c := range q.callers {
		if err != nil {
			c.ch <- callerResult{err: err}
			continue
		}
		c.ch <- callerResult{vectors: res.Vectors, usage: res.Usage}
	}
}
