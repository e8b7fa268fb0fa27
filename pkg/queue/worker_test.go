package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcenturion/arion-agents/pkg/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := store.New(db, "sqlite")
	require.NoError(t, err)
	return s
}

func waitForDrain(t *testing.T, s *store.Store) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := s.PendingCount(context.Background())
		require.NoError(t, err)
		stats, err := s.ExperimentQueueStats(context.Background(), "exp-1")
		require.NoError(t, err)
		if pending == 0 && stats.InProgress == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("queue did not drain in time")
}

func TestWorkerDrainsInOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueueItems(ctx, "exp-1", []store.QueueItemInput{
		{ItemIndex: 0, Iteration: 1, PayloadJSON: `{"user_message":"a"}`},
		{ItemIndex: 1, Iteration: 1, PayloadJSON: `{"user_message":"b"}`},
		{ItemIndex: 2, Iteration: 1, PayloadJSON: `{"user_message":"c"}`},
	}))

	var mu sync.Mutex
	var order []int
	w := &Worker{
		Store: s,
		RunItem: func(ctx context.Context, item *store.QueueItem) (string, error) {
			mu.Lock()
			order = append(order, item.ItemIndex)
			mu.Unlock()
			if item.ItemIndex == 1 {
				return "", fmt.Errorf("boom")
			}
			return `{"status":"ok"}`, nil
		},
	}

	w.Kick(ctx)
	waitForDrain(t, s)

	mu.Lock()
	assert.Equal(t, []int{0, 1, 2}, order)
	mu.Unlock()

	stats, err := s.ExperimentQueueStats(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 1, stats.Failed)

	items, err := s.ExperimentItems(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, "boom", items[1].Error)
	assert.Equal(t, `{"status":"ok"}`, items[0].ResultJSON)
}

func TestWorkerKickIsIdempotentWhileDraining(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueueItems(ctx, "exp-1", []store.QueueItemInput{
		{ItemIndex: 0, Iteration: 1, PayloadJSON: "{}"},
	}))

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	runs := 0
	w := &Worker{
		Store: s,
		RunItem: func(ctx context.Context, item *store.QueueItem) (string, error) {
			mu.Lock()
			runs++
			mu.Unlock()
			close(started)
			<-release
			return "{}", nil
		},
	}

	w.Kick(ctx)
	<-started
	// A second kick while draining must not start another loop.
	w.Kick(ctx)
	close(release)
	waitForDrain(t, s)

	mu.Lock()
	assert.Equal(t, 1, runs)
	mu.Unlock()
}

func TestWorkerRecoversStaleLeaseOnDrainStart(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueueItems(ctx, "exp-1", []store.QueueItemInput{
		{ItemIndex: 0, Iteration: 1, PayloadJSON: "{}"},
	}))

	// Simulate a crashed process holding the lease.
	leased, found, err := s.LeaseNext(ctx)
	require.NoError(t, err)
	require.True(t, found)
	_, err = s.DB().ExecContext(ctx,
		`UPDATE experiment_queue SET started_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour), leased.ID)
	require.NoError(t, err)

	w := &Worker{
		Store:      s,
		StaleAfter: time.Minute,
		RunItem: func(ctx context.Context, item *store.QueueItem) (string, error) {
			return "{}", nil
		},
	}
	w.Kick(ctx)
	waitForDrain(t, s)

	stats, err := s.ExperimentQueueStats(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
}
