package worker

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"github.com/wb-go/wbf/retry"

	"github.com/ErmakovEv/pwa-test/internal/models"
	"github.com/ErmakovEv/pwa-test/internal/storage"
)

const (
	DefaultFireWorkers    = 16
	DefaultFireRetries    = 3
	DefaultFireRetryDelay = 30 * time.Second
)

var ErrSchedulerStopped = errors.New("scheduler is stopped")

// Firer runs a job once its fire time has been reached.
type Firer interface {
	Fire(ctx context.Context, job *models.Job) error
}

// JobRecorder is told about job lifecycle transitions.
type JobRecorder interface {
	JobScheduled()
	JobCancelled()
	JobFired()
}

var storeStrategy = retry.Strategy{
	Attempts: 3,
	Delay:    100 * time.Millisecond,
	Backoff:  2,
}

// Scheduler holds waiting jobs in a single time-ordered queue and fires each
// of them exactly once from one loop goroutine. Firing itself runs on a
// bounded worker pool.
type Scheduler struct {
	firer    Firer
	store    storage.JobStore
	recorder JobRecorder
	logger   zerolog.Logger

	fireRetries    int
	fireRetryDelay time.Duration

	mu      sync.Mutex
	queue   jobQueue
	byID    map[string]*queuedJob
	retries map[string]int
	started bool
	stopped bool

	workers  *pool.Pool
	wake     chan struct{}
	stopChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type Option func(*Scheduler)

// WithJobStore persists waiting jobs so they can be restored after a restart.
func WithJobStore(store storage.JobStore) Option {
	return func(s *Scheduler) { s.store = store }
}

func WithRecorder(recorder JobRecorder) Option {
	return func(s *Scheduler) { s.recorder = recorder }
}

func WithFireWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = pool.New().WithMaxGoroutines(n)
		}
	}
}

// WithFireRetry sets how often and how long after a failed firing the job
// is tried again. A job that still fails stays in the job store.
func WithFireRetry(retries int, delay time.Duration) Option {
	return func(s *Scheduler) {
		if retries >= 0 {
			s.fireRetries = retries
		}
		if delay > 0 {
			s.fireRetryDelay = delay
		}
	}
}

func NewScheduler(firer Firer, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		firer:          firer,
		logger:         logger.With().Str("component", "scheduler").Logger(),
		fireRetries:    DefaultFireRetries,
		fireRetryDelay: DefaultFireRetryDelay,
		byID:           make(map[string]*queuedJob),
		retries:        make(map[string]int),
		wake:           make(chan struct{}, 1),
		stopChan:       make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workers == nil {
		s.workers = pool.New().WithMaxGoroutines(DefaultFireWorkers)
	}
	return s
}

// Schedule registers a job and returns immediately. A fire time at or before
// now is clamped to zero delay.
func (s *Scheduler) Schedule(ctx context.Context, userID string, fireAt time.Time, content models.Content) (models.JobHandle, error) {
	if userID == "" {
		return models.JobHandle{}, storage.ErrInvalidUser
	}

	now := time.Now()
	job := &models.Job{
		ID:        uuid.NewString(),
		UserID:    userID,
		FireAt:    fireAt,
		Content:   content,
		CreatedAt: now,
	}

	if s.isStopped() {
		return models.JobHandle{}, ErrSchedulerStopped
	}
	// Persist first so a job that fires at once is never deleted before it is saved.
	s.persist(ctx, job)
	if err := s.enqueue(job); err != nil {
		s.forget(ctx, job.ID)
		return models.JobHandle{}, err
	}

	delay := fireAt.Sub(now)
	if delay < 0 {
		delay = 0
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("user_id", userID).
		Dur("delay", delay).
		Msg("job scheduled")

	return models.JobHandle{ID: job.ID, FireAt: fireAt, Delay: delay}, nil
}

// Cancel removes a waiting job. It reports false when the job is unknown or
// has already fired.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) bool {
	s.mu.Lock()
	item, ok := s.byID[jobID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	heap.Remove(&s.queue, item.index)
	delete(s.byID, jobID)
	delete(s.retries, jobID)
	s.mu.Unlock()

	s.signal()
	s.forget(ctx, jobID)
	if s.recorder != nil {
		s.recorder.JobCancelled()
	}

	s.logger.Info().Str("job_id", jobID).Msg("job cancelled")
	return true
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Restore loads jobs left in the job store by a previous process. Jobs whose
// fire time passed while the process was down fire immediately.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}

	var jobs []*models.Job
	err := retry.DoContext(ctx, storeStrategy, func() error {
		var loadErr error
		jobs, loadErr = s.store.PendingJobs(ctx)
		return loadErr
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load pending jobs: %w", err)
	}

	restored := 0
	for _, job := range jobs {
		if err := s.enqueue(job); err != nil {
			return restored, err
		}
		restored++
	}

	if restored > 0 {
		s.logger.Info().Int("count", restored).Msg("pending jobs restored")
	}
	return restored, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.run(ctx)
	s.logger.Info().Msg("scheduler started")
}

// Stop ends the loop and waits for in-flight firings. Jobs still waiting are
// left in the job store, if any.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		started := s.started
		s.mu.Unlock()

		close(s.stopChan)
		if started {
			<-s.done
		}
		s.workers.Wait()
		s.logger.Info().Int("pending", s.Pending()).Msg("scheduler stopped")
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	// Firings outlive a cancelled parent so Stop can drain them.
	fireCtx := context.WithoutCancel(ctx)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		next, ok := s.fireDue(fireCtx)

		var timerC <-chan time.Time
		if ok {
			timer.Reset(time.Until(next))
			timerC = timer.C
		}

		select {
		case <-timerC:
		case <-s.wake:
			timer.Stop()
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// fireDue hands every job whose time has come to the worker pool and
// returns the next deadline.
func (s *Scheduler) fireDue(ctx context.Context) (time.Time, bool) {
	now := time.Now()

	s.mu.Lock()
	var due []*models.Job
	for s.queue.Len() > 0 && !s.queue[0].job.FireAt.After(now) {
		item := heap.Pop(&s.queue).(*queuedJob)
		delete(s.byID, item.job.ID)
		due = append(due, item.job)
	}
	var next time.Time
	hasNext := s.queue.Len() > 0
	if hasNext {
		next = s.queue[0].job.FireAt
	}
	s.mu.Unlock()

	for _, job := range due {
		if s.recorder != nil {
			s.recorder.JobFired()
		}
		s.workers.Go(func() {
			s.fire(ctx, job)
		})
	}

	return next, hasNext
}

func (s *Scheduler) fire(ctx context.Context, job *models.Job) {
	log := s.logger.With().Str("job_id", job.ID).Str("user_id", job.UserID).Logger()

	var fireErr error
	recovered := panics.Try(func() {
		fireErr = s.firer.Fire(ctx, job)
	})

	switch {
	case recovered != nil:
		log.Error().Err(recovered.AsError()).Msg("job handler panicked")
	case fireErr != nil:
		log.Error().Err(fireErr).Msg("job failed")
		s.retryLater(ctx, job, log)
		return
	}

	s.clearRetries(job.ID)
	s.forget(ctx, job.ID)
}

// retryLater puts a failed job back on the queue with a growing delay. Once
// the retries are used up the job is left in the job store for Restore.
func (s *Scheduler) retryLater(ctx context.Context, job *models.Job, log zerolog.Logger) {
	s.mu.Lock()
	s.retries[job.ID]++
	attempt := s.retries[job.ID]
	s.mu.Unlock()

	if attempt > s.fireRetries {
		s.clearRetries(job.ID)
		log.Error().Int("retries", s.fireRetries).Msg("job retries exhausted, left in store")
		return
	}

	next := *job
	next.FireAt = time.Now().Add(s.fireRetryDelay * time.Duration(attempt))
	s.persist(ctx, &next)
	if err := s.enqueue(&next); err != nil {
		s.clearRetries(job.ID)
		log.Warn().Err(err).Msg("job not requeued, left in store")
		return
	}

	log.Warn().
		Int("attempt", attempt).
		Time("fire_at", next.FireAt).
		Msg("job requeued after failure")
}

func (s *Scheduler) clearRetries(jobID string) {
	s.mu.Lock()
	delete(s.retries, jobID)
	s.mu.Unlock()
}

func (s *Scheduler) enqueue(job *models.Job) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	if _, exists := s.byID[job.ID]; exists {
		s.mu.Unlock()
		return nil
	}
	item := &queuedJob{job: job}
	heap.Push(&s.queue, item)
	s.byID[job.ID] = item
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.JobScheduled()
	}
	s.signal()
	return nil
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) persist(ctx context.Context, job *models.Job) {
	if s.store == nil {
		return
	}
	err := retry.DoContext(ctx, storeStrategy, func() error {
		return s.store.SaveJob(ctx, job)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to persist job, it will not survive a restart")
	}
}

func (s *Scheduler) forget(ctx context.Context, jobID string) {
	if s.store == nil {
		return
	}
	err := retry.DoContext(ctx, storeStrategy, func() error {
		return s.store.DeleteJob(ctx, jobID)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to remove job from store")
	}
}

type queuedJob struct {
	job   *models.Job
	index int
}

// jobQueue is a min-heap ordered by fire time.
type jobQueue []*queuedJob

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	return q[i].job.FireAt.Before(q[j].job.FireAt)
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	item := x.(*queuedJob)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}
