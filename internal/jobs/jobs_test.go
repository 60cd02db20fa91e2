package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"feedsync/internal/archive"
	"feedsync/internal/fetcher"
	"feedsync/internal/model"
	"feedsync/internal/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T, name string) *queue.Queue {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return queue.New(client, name, 0, time.Hour)
}

// take enqueues payload and takes it back off the queue as a worker would.
func take(t *testing.T, q *queue.Queue, payload any) *queue.Job {
	t.Helper()

	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload, "")
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	return job
}

func TestEnqueuer_DeduplicatesPerFeed(t *testing.T) {
	ctx := context.Background()
	syncQ := newQueue(t, queue.FeedSync)
	metaQ := newQueue(t, queue.FeedMetadata)

	e := NewEnqueuer(syncQ, metaQ)

	ok, err := e.EnqueueFeedSync(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EnqueueFeedSync(ctx, 1, 10)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.EnqueueFeedSync(ctx, 1, 11)
	require.NoError(t, err)
	assert.True(t, ok)

	// Separate queues keep separate keys.
	ok, err = e.EnqueueMetadataRefresh(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := syncQ.Dequeue(ctx)
	require.NoError(t, err)

	var p FeedPayload
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, FeedPayload{UserID: 1, FeedID: 10}, p)
	assert.Equal(t, "feed:10", job.DedupKey)
}

type fakeContexts struct {
	err   error
	users []int64
}

func (f *fakeContexts) ForUser(_ context.Context, userID int64) (fetcher.SyncContext, error) {
	f.users = append(f.users, userID)
	return fetcher.SyncContext{UserID: userID}, f.err
}

type fakeSyncer struct {
	err   error
	calls []int64
}

func (f *fakeSyncer) SyncFeed(_ context.Context, sc fetcher.SyncContext, feedID int64) (fetcher.Result, error) {
	f.calls = append(f.calls, sc.UserID*100+feedID)
	return fetcher.Result{FeedID: feedID}, f.err
}

func TestFeedSyncHandler(t *testing.T) {
	q := newQueue(t, queue.FeedSync)
	contexts := &fakeContexts{}
	syncer := &fakeSyncer{}

	handler := FeedSyncHandler(contexts, syncer)

	require.NoError(t, handler(context.Background(), take(t, q, FeedPayload{UserID: 2, FeedID: 7})))
	assert.Equal(t, []int64{2}, contexts.users)
	assert.Equal(t, []int64{207}, syncer.calls)

	syncer.err = model.NewError(model.KindStorageUnavailable, "update sync state", errors.New("db down"))
	err := handler(context.Background(), take(t, q, FeedPayload{UserID: 2, FeedID: 7}))
	assert.True(t, model.IsKind(err, model.KindStorageUnavailable))
}

func TestFeedSyncHandler_SettingsFailure(t *testing.T) {
	q := newQueue(t, queue.FeedSync)
	contexts := &fakeContexts{err: errors.New("db down")}
	syncer := &fakeSyncer{}

	err := FeedSyncHandler(contexts, syncer)(context.Background(), take(t, q, FeedPayload{UserID: 2, FeedID: 7}))
	require.Error(t, err)
	assert.Empty(t, syncer.calls)
}

func TestFeedSyncHandler_BadPayloadIsPermanent(t *testing.T) {
	q := newQueue(t, queue.FeedSync)

	err := FeedSyncHandler(&fakeContexts{}, &fakeSyncer{})(context.Background(), take(t, q, []string{"x"}))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
}

type refresherFunc func(ctx context.Context, userID, feedID int64) error

func (f refresherFunc) Refresh(ctx context.Context, userID, feedID int64) error {
	return f(ctx, userID, feedID)
}

func TestMetadataHandler(t *testing.T) {
	q := newQueue(t, queue.FeedMetadata)

	var got FeedPayload

	handler := MetadataHandler(refresherFunc(func(_ context.Context, userID, feedID int64) error {
		got = FeedPayload{UserID: userID, FeedID: feedID}
		return nil
	}))

	require.NoError(t, handler(context.Background(), take(t, q, FeedPayload{UserID: 3, FeedID: 9})))
	assert.Equal(t, FeedPayload{UserID: 3, FeedID: 9}, got)
}

type fakeSweeper struct {
	user int64
	all  int
}

func (f *fakeSweeper) SweepUser(_ context.Context, userID int64) (archive.SweepResult, error) {
	f.user = userID
	return archive.SweepResult{UserID: userID, Archived: 2}, nil
}

func (f *fakeSweeper) SweepAll(context.Context) ([]archive.SweepResult, error) {
	f.all++
	return []archive.SweepResult{{UserID: 1, Archived: 1}, {UserID: 2, Archived: 4}}, nil
}

func TestArchiveSweepHandler(t *testing.T) {
	q := newQueue(t, queue.ArchiveSweep)
	s := &fakeSweeper{}
	handler := ArchiveSweepHandler(s)

	require.NoError(t, handler(context.Background(), take(t, q, UserPayload{UserID: 5})))
	assert.Equal(t, int64(5), s.user)
	assert.Zero(t, s.all)

	require.NoError(t, handler(context.Background(), take(t, q, UserPayload{})))
	assert.Equal(t, 1, s.all)
}

type orchestratorFunc func(ctx context.Context) (fetcher.PassResult, error)

func (f orchestratorFunc) Run(ctx context.Context) (fetcher.PassResult, error) { return f(ctx) }

func TestOrchestrateHandler(t *testing.T) {
	q := newQueue(t, queue.Orchestrate)

	var runs int

	handler := OrchestrateHandler(orchestratorFunc(func(context.Context) (fetcher.PassResult, error) {
		runs++
		return fetcher.PassResult{}, nil
	}))

	require.NoError(t, handler(context.Background(), take(t, q, UserPayload{})))
	assert.Equal(t, 1, runs)
}

func TestScheduler_RunsImmediatelyAndOnInterval(t *testing.T) {
	var runs atomic.Int32

	s := NewScheduler()
	s.Add(Task{
		Name:     "count",
		Interval: 20 * time.Millisecond,
		Fn: func(context.Context) error {
			runs.Add(1)
			return errors.New("ignored")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- s.Serve(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestEnqueueEvery_KeepsOnePending(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, queue.Orchestrate)

	task := EnqueueEvery(q, time.Minute, UserPayload{})

	for i := 0; i < 3; i++ {
		require.NoError(t, task.Fn(ctx))
	}

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ready)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, job))

	require.NoError(t, task.Fn(ctx))

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ready)
}

func TestRecoverEvery_RequeuesOnlyExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, queue.FeedSync)

	_, err := q.Enqueue(ctx, FeedPayload{UserID: 1, FeedID: 2}, FeedDedupKey(2))
	require.NoError(t, err)

	taken, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, taken)

	require.NoError(t, RecoverEvery(q, time.Minute, time.Hour).Fn(ctx))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Processing: 1}, stats)

	require.NoError(t, RecoverEvery(q, time.Minute, 0).Fn(ctx))

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Ready: 1}, stats)
}
