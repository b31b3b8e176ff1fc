// Package queue implements the four durable priority queues of the engine:
// variable-write (1), persistence (2), discovery (3) and notification (4).
//
// Scheduling is in-memory, a pool of workers always drains the highest
// non-empty priority first. For durability every pending job is mirrored to
// the cache backend, so a restart re-enqueues work that was never finished.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"ads-gateway/events"
)

// Queue names, ordered by priority (1 = highest).
const (
	VariableWrite = "variable-write"
	Persistence   = "persistence"
	Discovery     = "discovery"
	Notification  = "notification"
)

// priorityOrder is the dequeue scan order.
var priorityOrder = []string{VariableWrite, Persistence, Discovery, Notification}

// Job is the unit of work. Payload is a flat map so it survives the msgpack
// round trip through the durable mirror unchanged.
type Job struct {
	ID          string                   `msgpack:"id" json:"id"`
	Queue       string                   `msgpack:"queue" json:"queue"`
	Payload     map[string]interface{}   `msgpack:"payload" json:"payload"`
	Batch       []map[string]interface{} `msgpack:"batch,omitempty" json:"batch,omitempty"`
	Attempts    int                      `msgpack:"attempts" json:"attempts"`
	MaxAttempts int                      `msgpack:"maxAttempts" json:"maxAttempts"`
	EnqueuedAt  time.Time                `msgpack:"enqueuedAt" json:"enqueuedAt"`
	LastError   string                   `msgpack:"lastError,omitempty" json:"lastError,omitempty"`
}

// Handler processes one job. Returning nil acknowledges the job; any error
// triggers the retry schedule unless wrapped with Permanent.
type Handler func(ctx context.Context, job *Job) error

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks an error as not retryable; the job fails terminally on the
// first occurrence.
func Permanent(err error) error { return permanentError{err: err} }

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Stats per queue.
type Stats struct {
	Pending   int    `json:"pending"`
	Enqueued  uint64 `json:"enqueued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
}

// Options tune the retry and retention behavior.
type Options struct {
	MaxAttempts        int           // default 3
	BackoffBase        time.Duration // default 1s
	BackoffCap         time.Duration // default 60s
	CompletedRetention int           // default 100
	FailedRetention    int           // default 500
	CoalesceThreshold  int           // persistence backlog above which samples coalesce, default 50
}

func (o *Options) defaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = 60 * time.Second
	}
	if o.CompletedRetention == 0 {
		o.CompletedRetention = 100
	}
	if o.FailedRetention == 0 {
		o.FailedRetention = 500
	}
	if o.CoalesceThreshold == 0 {
		o.CoalesceThreshold = 50
	}
}

// Manager owns the four queues and the worker pool.
type Manager struct {
	rdb  *redis.Client // nil disables the durable mirror
	bus  *events.Bus
	opts Options

	mu        sync.Mutex
	pending   map[string][]*Job
	handlers  map[string]Handler
	stats     map[string]*Stats
	completed []*Job
	failed    []*Job
	inflight  int

	notify   chan struct{}
	stopCh   chan struct{}
	draining bool

	wg sync.WaitGroup
}

// New creates the manager. rdb may be nil, which keeps the queues purely in
// memory (used by tests and as a degraded mode when the backend is down).
func New(rdb *redis.Client, bus *events.Bus, opts Options) *Manager {
	opts.defaults()
	m := &Manager{
		rdb:      rdb,
		bus:      bus,
		opts:     opts,
		pending:  make(map[string][]*Job),
		handlers: make(map[string]Handler),
		stats:    make(map[string]*Stats),
		notify:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	for _, q := range priorityOrder {
		m.stats[q] = &Stats{}
	}
	return m
}

// Register installs the handler for a queue.
func (m *Manager) Register(queueName string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[queueName] = h
}

// Enqueue adds a job and returns its id.
func (m *Manager) Enqueue(ctx context.Context, queueName string, payload map[string]interface{}) (string, error) {
	if _, ok := m.stats[queueName]; !ok {
		return "", fmt.Errorf("unknown queue %q", queueName)
	}

	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Payload:     payload,
		MaxAttempts: m.opts.MaxAttempts,
		EnqueuedAt:  time.Now(),
	}

	m.persist(ctx, job)

	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return "", errors.New("queue is draining")
	}
	m.pending[queueName] = append(m.pending[queueName], job)
	m.stats[queueName].Enqueued++
	m.mu.Unlock()

	m.emit("queue.job.enqueued", job)
	m.wake()
	return job.ID, nil
}

// Start launches the worker pool.
func (m *Manager) Start(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
	logrus.Infof("WQ: started %d workers", workers)
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		job := m.next()
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-m.notify:
				continue
			case <-time.After(250 * time.Millisecond):
				continue
			}
		}
		m.run(ctx, job)
	}
}

// next pops the head of the highest-priority non-empty queue. While draining,
// only variable-write jobs are handed out so that pending writes complete
// before lower priorities are aborted.
func (m *Manager) next() *Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	order := priorityOrder
	if m.draining {
		order = []string{VariableWrite}
	}
	for _, q := range order {
		jobs := m.pending[q]
		if len(jobs) == 0 {
			continue
		}
		job := jobs[0]
		m.pending[q] = jobs[1:]

		if q == Persistence && len(m.pending[q]) > m.opts.CoalesceThreshold {
			m.coalesceLocked(job)
		}

		m.inflight++
		return job
	}
	return nil
}

// coalesceLocked folds contiguous pending persistence jobs for the same
// variable into job.Batch. Caller holds the lock.
func (m *Manager) coalesceLocked(job *Job) {
	variableID, _ := job.Payload["variableId"].(string)
	if variableID == "" {
		return
	}
	job.Batch = append(job.Batch, job.Payload)

	jobs := m.pending[Persistence]
	for len(jobs) > 0 {
		next := jobs[0]
		id, _ := next.Payload["variableId"].(string)
		if id != variableID {
			break
		}
		job.Batch = append(job.Batch, next.Payload)
		m.unpersist(next)
		jobs = jobs[1:]
	}
	m.pending[Persistence] = jobs
}

func (m *Manager) run(ctx context.Context, job *Job) {
	defer func() {
		m.mu.Lock()
		m.inflight--
		m.mu.Unlock()
	}()

	m.mu.Lock()
	handler := m.handlers[job.Queue]
	m.mu.Unlock()

	if handler == nil {
		logrus.Errorf("WQ: no handler for queue %s, dropping job %s", job.Queue, job.ID)
		m.finishFailed(job, errors.New("no handler registered"))
		return
	}

	job.Attempts++
	err := handler(ctx, job)
	if err == nil {
		m.finishCompleted(job)
		return
	}

	if isPermanent(err) || job.Attempts >= job.MaxAttempts {
		m.finishFailed(job, err)
		return
	}

	job.LastError = err.Error()
	delay := m.backoff(job.Attempts)
	logrus.Warnf("WQ: job %s on %s failed (attempt %d/%d), retry in %s: %v",
		job.ID, job.Queue, job.Attempts, job.MaxAttempts, delay, err)

	m.mu.Lock()
	m.stats[job.Queue].Retried++
	m.mu.Unlock()
	m.emit("queue.job.retried", job)

	time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.draining && job.Queue != VariableWrite {
			m.mu.Unlock()
			return
		}
		m.pending[job.Queue] = append(m.pending[job.Queue], job)
		m.mu.Unlock()
		m.wake()
	})
}

// backoff is exponential: base * 2^(attempt-1), capped.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.opts.BackoffCap {
			return m.opts.BackoffCap
		}
	}
	if d > m.opts.BackoffCap {
		d = m.opts.BackoffCap
	}
	return d
}

func (m *Manager) finishCompleted(job *Job) {
	m.unpersist(job)

	m.mu.Lock()
	m.stats[job.Queue].Completed++
	m.completed = append(m.completed, job)
	if len(m.completed) > m.opts.CompletedRetention {
		m.completed = m.completed[len(m.completed)-m.opts.CompletedRetention:]
	}
	m.mu.Unlock()

	m.emit("queue.job.completed", job)
}

func (m *Manager) finishFailed(job *Job, err error) {
	job.LastError = err.Error()
	m.unpersist(job)

	m.mu.Lock()
	m.stats[job.Queue].Failed++
	m.failed = append(m.failed, job)
	if len(m.failed) > m.opts.FailedRetention {
		m.failed = m.failed[len(m.failed)-m.opts.FailedRetention:]
	}
	m.mu.Unlock()

	logrus.Errorf("WQ: job %s on %s failed terminally: %v", job.ID, job.Queue, err)
	m.emit("queue.job.failed", job)
}

// Drain stops intake, lets pending variable-write jobs complete, then aborts
// the remaining lower-priority work. It returns when the grace deadline
// passes or the write queue and all in-flight jobs are done.
func (m *Manager) Drain(grace time.Duration) {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()
	m.wake()

	deadline := time.Now().Add(grace)
	m.mu.Lock()
	for (len(m.pending[VariableWrite]) > 0 || m.inflight > 0) && time.Now().Before(deadline) {
		m.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		m.mu.Lock()
	}
	aborted := 0
	for _, q := range []string{Persistence, Discovery, Notification} {
		aborted += len(m.pending[q])
		m.pending[q] = nil
	}
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	if aborted > 0 {
		logrus.Warnf("WQ: drain aborted %d lower-priority jobs (kept in durable mirror)", aborted)
	}
}

// Recover reloads the durable mirror into memory, called once at startup
// before Start.
func (m *Manager) Recover(ctx context.Context) int {
	if m.rdb == nil {
		return 0
	}

	var restored int
	for _, q := range priorityOrder {
		ids, err := m.rdb.LRange(ctx, pendingKey(q), 0, -1).Result()
		if err != nil {
			logrus.Warnf("WQ: recover %s: %v", q, err)
			continue
		}
		for _, id := range ids {
			raw, err := m.rdb.HGet(ctx, jobsKey, id).Bytes()
			if err != nil {
				continue
			}
			var job Job
			if err := msgpack.Unmarshal(raw, &job); err != nil {
				continue
			}
			job.Attempts = 0
			m.mu.Lock()
			m.pending[q] = append(m.pending[q], &job)
			m.mu.Unlock()
			restored++
		}
	}
	if restored > 0 {
		logrus.Infof("WQ: recovered %d jobs from durable mirror", restored)
		m.wake()
	}
	return restored
}

// Stats returns a snapshot of all queue counters.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Stats, len(m.stats))
	for q, s := range m.stats {
		snap := *s
		snap.Pending = len(m.pending[q])
		out[q] = snap
	}
	return out
}

// Health reports backlog depth per queue and whether the total backlog
// exceeds the coalesce threshold times the number of queues.
func (m *Manager) Health() map[string]interface{} {
	stats := m.Stats()
	backlog := 0
	for _, s := range stats {
		backlog += s.Pending
	}
	return map[string]interface{}{
		"queues":     stats,
		"backlog":    backlog,
		"overloaded": backlog > m.opts.CoalesceThreshold*len(priorityOrder),
	}
}

// FailedJobs returns up to n retained failed jobs of a queue, newest first.
// An empty queue name matches all queues.
func (m *Manager) FailedJobs(queueName string, n int) []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Job, 0, n)
	for i := len(m.failed) - 1; i >= 0 && len(out) < n; i-- {
		if queueName == "" || m.failed[i].Queue == queueName {
			out = append(out, m.failed[i])
		}
	}
	return out
}

// Retry re-enqueues a retained failed job with a fresh attempt budget.
func (m *Manager) Retry(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, job := range m.failed {
		if job.ID != jobID {
			continue
		}
		m.failed = append(m.failed[:i], m.failed[i+1:]...)
		job.Attempts = 0
		job.LastError = ""
		m.pending[job.Queue] = append(m.pending[job.Queue], job)
		m.stats[job.Queue].Enqueued++
		m.wake()
		return nil
	}
	return fmt.Errorf("failed job %s not found", jobID)
}

const jobsKey = "queue:jobs"

func pendingKey(q string) string { return "queue:" + q + ":pending" }

func (m *Manager) persist(ctx context.Context, job *Job) {
	if m.rdb == nil {
		return
	}
	raw, err := msgpack.Marshal(job)
	if err != nil {
		return
	}
	pipe := m.rdb.Pipeline()
	pipe.HSet(ctx, jobsKey, job.ID, raw)
	pipe.RPush(ctx, pendingKey(job.Queue), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		logrus.Warnf("WQ: durable mirror unavailable: %v", err)
	}
}

func (m *Manager) unpersist(job *Job) {
	if m.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pipe := m.rdb.Pipeline()
	pipe.LRem(ctx, pendingKey(job.Queue), 1, job.ID)
	pipe.HDel(ctx, jobsKey, job.ID)
	pipe.Exec(ctx)
}

func (m *Manager) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Manager) emit(name string, job *Job) {
	if m.bus != nil {
		m.bus.Emit(name, job)
	}
}
