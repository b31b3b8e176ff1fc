package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ads-gateway/events"
)

func newTestManager(opts Options) *Manager {
	return New(nil, events.NewBus(false), opts)
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestCompletesJob(t *testing.T) {
	m := newTestManager(Options{})
	var done atomic.Int32
	m.Register(Persistence, func(ctx context.Context, job *Job) error {
		done.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, 2)

	id, err := m.Enqueue(ctx, Persistence, map[string]interface{}{"variableId": "v1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	waitFor(t, func() bool { return done.Load() == 1 }, time.Second)
	waitFor(t, func() bool { return m.Stats()[Persistence].Completed == 1 }, time.Second)
}

func TestRetryBoundAndSingleFailureCount(t *testing.T) {
	m := newTestManager(Options{MaxAttempts: 3, BackoffBase: time.Millisecond})
	var attempts atomic.Int32
	m.Register(Discovery, func(ctx context.Context, job *Job) error {
		attempts.Add(1)
		return errors.New("transient")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, 1)

	_, err := m.Enqueue(ctx, Discovery, map[string]interface{}{"connectionId": "c1"})
	require.NoError(t, err)

	waitFor(t, func() bool { return m.Stats()[Discovery].Failed == 1 }, 2*time.Second)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, uint64(1), m.Stats()[Discovery].Failed)
	assert.Equal(t, uint64(2), m.Stats()[Discovery].Retried)
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	m := newTestManager(Options{MaxAttempts: 3, BackoffBase: time.Millisecond})
	var attempts atomic.Int32
	m.Register(VariableWrite, func(ctx context.Context, job *Job) error {
		attempts.Add(1)
		return Permanent(errors.New("unknown symbol"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, 1)

	_, err := m.Enqueue(ctx, VariableWrite, map[string]interface{}{"variableId": "v1"})
	require.NoError(t, err)

	waitFor(t, func() bool { return m.Stats()[VariableWrite].Failed == 1 }, time.Second)
	assert.Equal(t, int32(1), attempts.Load())
}

// A variable-write enqueued alongside a persistence job is dequeued first
// once a worker frees up.
func TestPriorityOrder(t *testing.T) {
	m := newTestManager(Options{})

	var mu sync.Mutex
	var order []string
	block := make(chan struct{})

	record := func(name string) Handler {
		return func(ctx context.Context, job *Job) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	m.Register(Notification, func(ctx context.Context, job *Job) error {
		<-block // occupies the single worker
		return nil
	})
	m.Register(VariableWrite, record(VariableWrite))
	m.Register(Persistence, record(Persistence))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, 1)

	_, err := m.Enqueue(ctx, Notification, map[string]interface{}{})
	require.NoError(t, err)
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.inflight == 1
	}, time.Second)

	// Worker is busy; enqueue lower priority first, then higher.
	_, err = m.Enqueue(ctx, Persistence, map[string]interface{}{"variableId": "v1"})
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, VariableWrite, map[string]interface{}{"variableId": "v1"})
	require.NoError(t, err)

	close(block)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{VariableWrite, Persistence}, order)
}

func TestCoalescesContiguousPersistenceJobs(t *testing.T) {
	m := newTestManager(Options{CoalesceThreshold: 2})

	var mu sync.Mutex
	var batches [][]map[string]interface{}
	m.Register(Persistence, func(ctx context.Context, job *Job) error {
		mu.Lock()
		batches = append(batches, job.Batch)
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	// Enqueue before starting workers so the backlog exceeds the threshold.
	for i := 0; i < 6; i++ {
		_, err := m.Enqueue(ctx, Persistence, map[string]interface{}{
			"variableId": "v1",
			"value":      float64(i),
		})
		require.NoError(t, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(runCtx, 1)

	waitFor(t, func() bool { return m.Stats()[Persistence].Pending == 0 }, time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, batches)
	// The first dequeue saw a backlog above threshold and folded the
	// contiguous same-variable jobs into one batch.
	assert.Greater(t, len(batches[0]), 1)
}

func TestDrainCompletesWritesBeforeAbortingRest(t *testing.T) {
	m := newTestManager(Options{})

	var writes, persists atomic.Int32
	m.Register(VariableWrite, func(ctx context.Context, job *Job) error {
		writes.Add(1)
		return nil
	})
	m.Register(Persistence, func(ctx context.Context, job *Job) error {
		persists.Add(1)
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := m.Enqueue(ctx, VariableWrite, map[string]interface{}{"variableId": "v"})
		require.NoError(t, err)
		_, err = m.Enqueue(ctx, Persistence, map[string]interface{}{"variableId": "v"})
		require.NoError(t, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(runCtx, 1)
	m.Drain(2 * time.Second)

	assert.Equal(t, int32(5), writes.Load())
	// Persistence jobs may have been processed before draining began, but
	// none remain pending and enqueueing now fails.
	assert.Zero(t, m.Stats()[Persistence].Pending)
	_, err := m.Enqueue(ctx, Persistence, map[string]interface{}{})
	assert.Error(t, err)
}

func TestFailedJobRetention(t *testing.T) {
	m := newTestManager(Options{MaxAttempts: 1, FailedRetention: 2})
	m.Register(Notification, func(ctx context.Context, job *Job) error {
		return errors.New("sink down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, 1)

	for i := 0; i < 4; i++ {
		_, err := m.Enqueue(ctx, Notification, map[string]interface{}{"n": i})
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return m.Stats()[Notification].Failed == 4 }, time.Second)
	assert.Len(t, m.FailedJobs("", 10), 2)
}

func TestRetryFailedJob(t *testing.T) {
	m := newTestManager(Options{MaxAttempts: 1})

	var fail atomic.Bool
	fail.Store(true)
	m.Register(Notification, func(ctx context.Context, job *Job) error {
		if fail.Load() {
			return errors.New("sink down")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, 1)

	_, err := m.Enqueue(ctx, Notification, map[string]interface{}{})
	require.NoError(t, err)
	waitFor(t, func() bool { return m.Stats()[Notification].Failed == 1 }, time.Second)

	failed := m.FailedJobs(Notification, 1)
	require.Len(t, failed, 1)

	fail.Store(false)
	require.NoError(t, m.Retry(failed[0].ID))
	waitFor(t, func() bool { return m.Stats()[Notification].Completed == 1 }, time.Second)

	assert.Error(t, m.Retry("does-not-exist"))
}

func TestUnknownQueueRejected(t *testing.T) {
	m := newTestManager(Options{})
	_, err := m.Enqueue(context.Background(), "bogus", nil)
	assert.Error(t, err)
}
