package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/relay/internal/usage"
)

// echoFlusher returns one vector per input encoding its batch position,
// and counts upstream calls.
type echoFlusher struct {
	calls int32
	sizes sync.Map // call ordinal -> batch size
}

func (f *echoFlusher) flush(_ context.Context, _ Key, inputs []json.RawMessage) (*Result, error) {
	n := atomic.AddInt32(&f.calls, 1)
	f.sizes.Store(int(n), len(inputs))
	vectors := make([]json.RawMessage, len(inputs))
	for i, in := range inputs {
		vectors[i] = json.RawMessage(fmt.Sprintf(`{"input":%s,"pos":%d}`, in, i))
	}
	return &Result{
		Vectors: vectors,
		Usage:   usage.TokenUsage{PromptTokens: len(inputs), TotalTokens: len(inputs)},
	}, nil
}

func input(s string) []json.RawMessage {
	return []json.RawMessage{json.RawMessage(`"` + s + `"`)}
}

func TestSubmit_CoalescesWithinWait(t *testing.T) {
	f := &echoFlusher{}
	a := New(f.flush, Options{Size: 64, Wait: 50 * time.Millisecond})
	key := Key{Provider: "openai", Model: "text-embedding-3-small"}

	var wg sync.WaitGroup
	results := make([]json.RawMessage, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vecs, _, err := a.Submit(context.Background(), key, input(fmt.Sprintf("q%d", i)))
			require.NoError(t, err)
			require.Len(t, vecs, 1)
			results[i] = vecs[0]
		}(i)
	}
	wg.Wait()

	// One upstream call served all three callers, each with its own vector.
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.calls))
	for i, r := range results {
		var v struct {
			Input string `json:"input"`
		}
		require.NoError(t, json.Unmarshal(r, &v))
		assert.Equal(t, fmt.Sprintf("q%d", i), v.Input)
	}
}

func TestSubmit_FlushesAtSize(t *testing.T) {
	f := &echoFlusher{}
	// Long wait: only the size trigger can flush the first batch.
	a := New(f.flush, Options{Size: 4, Wait: 5 * time.Second})
	key := Key{Provider: "openai", Model: "m"}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := a.Submit(context.Background(), key, input(fmt.Sprintf("q%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.calls))
}

func TestSubmit_SizeOverflowSplitsBatches(t *testing.T) {
	f := &echoFlusher{}
	a := New(f.flush, Options{Size: 4, Wait: 30 * time.Millisecond})
	key := Key{Provider: "openai", Model: "m"}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vecs, u, err := a.Submit(context.Background(), key, input(fmt.Sprintf("q%d", i)))
			require.NoError(t, err)
			assert.Len(t, vecs, 1)
			assert.Positive(t, u.TotalTokens)
		}(i)
	}
	wg.Wait()

	// Five inputs against size 4: a full batch plus a timer-flushed one.
	assert.EqualValues(t, 2, atomic.LoadInt32(&f.calls))
	total := 0
	f.sizes.Range(func(_, v any) bool {
		total += v.(int)
		return true
	})
	assert.Equal(t, 5, total)
}

func TestSubmit_SeparateKeysSeparateBatches(t *testing.T) {
	f := &echoFlusher{}
	a := New(f.flush, Options{Size: 64, Wait: 30 * time.Millisecond})

	var wg sync.WaitGroup
	for _, model := range []string{"small", "large"} {
		wg.Add(1)
		go func(model string) {
			defer wg.Done()
			_, _, err := a.Submit(context.Background(), Key{Provider: "openai", Model: model}, input("q"))
			assert.NoError(t, err)
		}(model)
	}
	wg.Wait()
	assert.EqualValues(t, 2, atomic.LoadInt32(&f.calls))
}

func TestSubmit_MultiInputCallerKeepsOrder(t *testing.T) {
	f := &echoFlusher{}
	a := New(f.flush, Options{Size: 64, Wait: 20 * time.Millisecond})
	key := Key{Provider: "openai", Model: "m"}

	inputs := []json.RawMessage{
		json.RawMessage(`"a"`), json.RawMessage(`"b"`), json.RawMessage(`"c"`),
	}
	vecs, _, err := a.Submit(context.Background(), key, inputs)
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, want := range []string{"a", "b", "c"} {
		var v struct {
			Input string `json:"input"`
		}
		require.NoError(t, json.Unmarshal(vecs[i], &v))
		assert.Equal(t, want, v.Input)
	}
}

func TestSubmit_OversizedFliesAlone(t *testing.T) {
	f := &echoFlusher{}
	a := New(f.flush, Options{Size: 4, Wait: time.Hour})
	key := Key{Provider: "openai", Model: "m"}

	inputs := make([]json.RawMessage, 6)
	for i := range inputs {
		inputs[i] = json.RawMessage(fmt.Sprintf(`"q%d"`, i))
	}
	vecs, _, err := a.Submit(context.Background(), key, inputs)
	require.NoError(t, err)
	assert.Len(t, vecs, 6)
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.calls))
}

func TestSubmit_UpstreamErrorFansOut(t *testing.T) {
	boom := fmt.Errorf("upstream down")
	a := New(func(context.Context, Key, []json.RawMessage) (*Result, error) {
		return nil, boom
	}, Options{Size: 64, Wait: 10 * time.Millisecond})
	key := Key{Provider: "openai", Model: "m"}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := a.Submit(context.Background(), key, input("q"))
			assert.ErrorIs(t, err, boom)
		}()
	}
	wg.Wait()
}

func TestFlush_DetachedCallIsBounded(t *testing.T) {
	a := New(func(ctx context.Context, _ Key, _ []json.RawMessage) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, Options{Size: 64, Wait: 5 * time.Millisecond, FlushTimeout: 30 * time.Millisecond})

	// The detached flush context expires even though no caller cancelled.
	start := time.Now()
	_, _, err := a.Submit(context.Background(), Key{Provider: "p", Model: "m"}, input("q"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSubmit_CallerContextCancelled(t *testing.T) {
	a := New(func(context.Context, Key, []json.RawMessage) (*Result, error) {
		time.Sleep(200 * time.Millisecond)
		return &Result{Vectors: []json.RawMessage{json.RawMessage(`[]`)}}, nil
	}, Options{Size: 64, Wait: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := a.Submit(ctx, Key{Provider: "p", Model: "m"}, input("q"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
