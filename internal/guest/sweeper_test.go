package guest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synapdocs/internal/observability"
	"synapdocs/internal/service/ledger"
	"synapdocs/internal/storage"
)

type fakeForgetter struct {
	mu      sync.Mutex
	docs    []string
	threads []string
	fail    bool
}

func (f *fakeForgetter) DeleteDocument(_ context.Context, userID, doc string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, userID+"/"+doc)
	if f.fail {
		return errors.New("upstream down")
	}
	return nil
}

func (f *fakeForgetter) DeleteThreadState(_ context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads = append(f.threads, threadID)
	if f.fail {
		return errors.New("upstream down")
	}
	return nil
}

type purgerFunc func(ctx context.Context, userID string) (ledger.Purged, error)

func (f purgerFunc) PurgeUser(ctx context.Context, userID string) (ledger.Purged, error) {
	return f(ctx, userID)
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	db, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db))
	return ledger.New(db)
}

func TestRegistryAddIsIdempotent(t *testing.T) {
	r := NewRegistry()
	first := time.Now().Add(-time.Hour)
	r.Add("guest_a", first)
	r.Add("guest_a", time.Now())
	r.Add("guest_b", time.Now())

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "guest_a", snap[0].ID)
	assert.True(t, snap[0].CreatedAt.Equal(first))

	r.Remove("guest_a")
	assert.Len(t, snap, 2)
	assert.Equal(t, 1, r.Len())
}

func TestSweepPurgesExpiredSessions(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, l.AddDocument(ctx, "guest_old", "g.pdf", now))
	_, err := l.CreateChat(ctx, "guest_old", "G1", "", []string{"g.pdf"}, now)
	require.NoError(t, err)
	_, err = l.BeginTurn(ctx, "G1", "hi", now)
	require.NoError(t, err)
	require.NoError(t, l.AddDocument(ctx, "guest_new", "n.pdf", now))

	reg := NewRegistry()
	reg.Add("guest_old", now.Add(-6*time.Hour))
	reg.Add("guest_new", now.Add(-time.Hour))

	fg := &fakeForgetter{}
	metrics := observability.New(prometheus.NewRegistry())
	s := NewSweeper(reg, l, fg, 5*time.Hour, time.Hour, nil, metrics)
	s.now = func() time.Time { return now }

	assert.Equal(t, 1, s.SweepOnce(ctx))

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "guest_new", snap[0].ID)
	assert.Equal(t, []string{"guest_old/g.pdf"}, fg.docs)
	assert.Equal(t, []string{"G1"}, fg.threads)

	docs, err := l.ListDocuments(ctx, "guest_old")
	require.NoError(t, err)
	assert.Empty(t, docs)
	own, err := l.UserOwnsThread(ctx, "guest_old", "G1")
	require.NoError(t, err)
	assert.Equal(t, ledger.NotFound, own)

	docs, err = l.ListDocuments(ctx, "guest_new")
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GuestSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GuestSweeps.WithLabelValues("ok")))
}

func TestSweepUpstreamFailureStillRemovesSession(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	require.NoError(t, l.AddDocument(ctx, "guest_x", "x.pdf", time.Now()))

	reg := NewRegistry()
	reg.Add("guest_x", time.Now().Add(-10*time.Hour))
	fg := &fakeForgetter{fail: true}
	s := NewSweeper(reg, l, fg, 5*time.Hour, time.Hour, nil, nil)

	assert.Equal(t, 1, s.SweepOnce(ctx))
	assert.Zero(t, reg.Len())
	assert.Len(t, fg.docs, 1)
}

func TestSweepIsolatesFailures(t *testing.T) {
	reg := NewRegistry()
	old := time.Now().Add(-10 * time.Hour)
	reg.Add("guest_panic", old)
	reg.Add("guest_err", old.Add(time.Minute))
	reg.Add("guest_ok", old.Add(2*time.Minute))

	p := purgerFunc(func(_ context.Context, userID string) (ledger.Purged, error) {
		switch userID {
		case "guest_panic":
			panic("boom")
		case "guest_err":
			return ledger.Purged{}, errors.New("db down")
		}
		return ledger.Purged{}, nil
	})
	s := NewSweeper(reg, p, &fakeForgetter{}, 5*time.Hour, time.Hour, nil, nil)

	assert.Equal(t, 1, s.SweepOnce(context.Background()))
	ids := []string{}
	for _, sess := range reg.Snapshot() {
		ids = append(ids, sess.ID)
	}
	assert.ElementsMatch(t, []string{"guest_panic", "guest_err"}, ids)
}

func TestSweeperLoopStopsOnCancel(t *testing.T) {
	reg := NewRegistry()
	reg.Add("guest_old", time.Now().Add(-10*time.Hour))
	var mu sync.Mutex
	calls := 0
	p := purgerFunc(func(context.Context, string) (ledger.Purged, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return ledger.Purged{}, nil
	})
	s := NewSweeper(reg, p, &fakeForgetter{}, 5*time.Hour, 10*time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestSweeperWaitWithoutStart(t *testing.T) {
	s := NewSweeper(NewRegistry(), purgerFunc(func(context.Context, string) (ledger.Purged, error) {
		return ledger.Purged{}, nil
	}), &fakeForgetter{}, time.Hour, time.Hour, nil, nil)

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked on a sweeper that was never started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	s.Start(ctx)
	cancel()
	s.Wait()
}
