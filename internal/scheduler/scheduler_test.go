package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/relay/internal/apierr"
	"github.com/majorcontext/relay/internal/usage"
)

type stubTokens struct {
	blocked map[string]bool
}

func (s stubTokens) Available(id string) bool { return !s.blocked[id] }

func newTestScheduler(t *testing.T, cfg usage.Config, ids []string) (*Scheduler, *usage.Manager, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	cfg.Provider = "p"
	q := usage.NewManager(cfg, "")
	q.SetNow(func() time.Time { return now })
	for _, id := range ids {
		q.Register(id, 0)
	}
	s := New("p", func() []string { return ids }, stubTokens{}, q, nil)
	s.SetNow(func() time.Time { return now })
	return s, q, &now
}

func TestAcquire_PrefersIdleCredential(t *testing.T) {
	s, q, _ := newTestScheduler(t, usage.Config{MaxConcurrent: 4}, []string{"k1", "k2"})

	// k1 is busy; an idle k2 wins even though k1 has capacity left.
	require.NoError(t, q.BeginAttempt("k1", "m"))

	lease, err := s.Acquire(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, "k2", lease.ID)
	lease.Release(usage.Outcome{Success: true})
}

func TestAcquire_SkipsCooldown(t *testing.T) {
	s, q, now := newTestScheduler(t, usage.Config{}, []string{"k1", "k2"})

	q.ApplyQuotaReset("k1", "m", now.Add(time.Hour))

	for i := 0; i < 3; i++ {
		lease, err := s.Acquire(context.Background(), "m")
		require.NoError(t, err)
		assert.Equal(t, "k2", lease.ID)
		lease.Release(usage.Outcome{Success: true})
	}
}

func TestAcquire_SkipsUnavailableTokens(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	q := usage.NewManager(usage.Config{Provider: "p"}, "")
	q.SetNow(func() time.Time { return now })
	q.Register("k1", 0)
	q.Register("k2", 0)

	s := New("p", func() []string { return []string{"k1", "k2"} },
		stubTokens{blocked: map[string]bool{"k1": true}}, q, nil)
	s.SetNow(func() time.Time { return now })

	lease, err := s.Acquire(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, "k2", lease.ID)
	lease.Release(usage.Outcome{Success: true})
}

func TestAcquire_TierFloor(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	q := usage.NewManager(usage.Config{Provider: "p"}, "")
	q.SetNow(func() time.Time { return now })
	q.Register("free", 0)
	q.Register("paid", 1)

	minTier := func(model string) int {
		if model == "pro-model" {
			return 1
		}
		return 0
	}
	s := New("p", func() []string { return []string{"free", "paid"} }, stubTokens{}, q, minTier)
	s.SetNow(func() time.Time { return now })

	lease, err := s.Acquire(context.Background(), "pro-model")
	require.NoError(t, err)
	assert.Equal(t, "paid", lease.ID)
	lease.Release(usage.Outcome{Success: true})
}

func TestAcquire_LowerTierFirst(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	q := usage.NewManager(usage.Config{Provider: "p"}, "")
	q.SetNow(func() time.Time { return now })
	q.Register("t2", 2)
	q.Register("t1", 1)

	s := New("p", func() []string { return []string{"t2", "t1"} }, stubTokens{}, q, nil)
	s.SetNow(func() time.Time { return now })

	lease, err := s.Acquire(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, "t1", lease.ID)
	lease.Release(usage.Outcome{Success: true})
}

func TestAcquire_BalancedStrictLeastUsed(t *testing.T) {
	s, q, _ := newTestScheduler(t, usage.Config{}, []string{"k1", "k2"})

	// Load k1 with prior requests; tolerance 0 must pick k2 every time.
	for i := 0; i < 5; i++ {
		require.NoError(t, q.BeginAttempt("k1", "m"))
		q.EndAttempt("k1", "m", usage.Outcome{Success: true})
	}

	lease, err := s.Acquire(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, "k2", lease.ID)
	lease.Release(usage.Outcome{Success: true})
}

func TestAcquire_SequentialSticky(t *testing.T) {
	s, q, _ := newTestScheduler(t,
		usage.Config{RotationMode: usage.RotateSequential}, []string{"k1", "k2"})

	for i := 0; i < 3; i++ {
		require.NoError(t, q.BeginAttempt("k2", "m"))
		q.EndAttempt("k2", "m", usage.Outcome{Success: true})
	}

	// Sequential mode stays on the most-used credential.
	for i := 0; i < 2; i++ {
		lease, err := s.Acquire(context.Background(), "m")
		require.NoError(t, err)
		assert.Equal(t, "k2", lease.ID)
		lease.Release(usage.Outcome{Success: true})
	}
}

func TestAcquire_DeadlineFailsWithNextReset(t *testing.T) {
	s, q, now := newTestScheduler(t, usage.Config{}, []string{"k1"})

	reset := now.Add(time.Hour)
	q.ApplyQuotaReset("k1", "m", reset)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := s.Acquire(ctx, "m")
	var nc *apierr.NoCredentialsError
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, "p", nc.Provider)
	assert.Equal(t, reset.Unix(), nc.NextReset.Unix())
}

func TestAcquire_NoCredentialsConfigured(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	q := usage.NewManager(usage.Config{Provider: "p"}, "")
	s := New("p", func() []string { return nil }, stubTokens{}, q, nil)
	s.SetNow(func() time.Time { return now })

	_, err := s.Acquire(context.Background(), "m")
	var nc *apierr.NoCredentialsError
	require.ErrorAs(t, err, &nc)
}

func TestAcquire_WakesOnRelease(t *testing.T) {
	s, _, _ := newTestScheduler(t, usage.Config{MaxConcurrent: 1}, []string{"k1"})

	lease, err := s.Acquire(context.Background(), "m")
	require.NoError(t, err)

	got := make(chan *Lease, 1)
	go func() {
		l, err := s.Acquire(context.Background(), "m")
		if err == nil {
			got <- l
		}
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-got:
		t.Fatal("second acquire should block while the slot is held")
	default:
	}

	lease.Release(usage.Outcome{Success: true})

	select {
	case l := <-got:
		l.Release(usage.Outcome{Success: true})
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestFairCycle_EachCredentialOncePerCycle(t *testing.T) {
	s, q, now := newTestScheduler(t, usage.Config{
		RotationMode: usage.RotateSequential,
		FairCycle:    true,
	}, []string{"k1", "k2", "k3"})

	// Credential 1 takes a 10-minute quota lockout.
	q.ApplyQuotaReset("k1", "m", now.Add(10*time.Minute))

	// The next two requests use the remaining credentials, each once.
	used := map[string]bool{}
	for i := 0; i < 2; i++ {
		lease, err := s.Acquire(context.Background(), "m")
		require.NoError(t, err)
		assert.False(t, used[lease.ID], "credential %s reused within cycle", lease.ID)
		assert.NotEqual(t, "k1", lease.ID)
		used[lease.ID] = true
		lease.Release(usage.Outcome{Success: true})
	}

	// The fourth request waits for k1's reset instead of reusing k2 or k3.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Acquire(ctx, "m")
	var nc *apierr.NoCredentialsError
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, now.Add(10*time.Minute).Unix(), nc.NextReset.Unix())

	// Once the cooldown passes, the cycle clears and all three compete again.
	*now = now.Add(10*time.Minute + time.Second)
	lease, err := s.Acquire(context.Background(), "m")
	require.NoError(t, err)
	lease.Release(usage.Outcome{Success: true})
}

func TestRelease_Idempotent(t *testing.T) {
	s, q, _ := newTestScheduler(t, usage.Config{MaxConcurrent: 1}, []string{"k1"})

	lease, err := s.Acquire(context.Background(), "m")
	require.NoError(t, err)
	lease.Release(usage.Outcome{Success: true})
	lease.Release(usage.Outcome{Success: true}) // second call is a no-op

	assert.Equal(t, 0, q.InFlight("k1"))
	assert.Equal(t, 1, q.WindowCount("k1", "m"))
}
