package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/donaldgifford/stapsher/internal/apperr"
	ghclient "github.com/donaldgifford/stapsher/internal/github"
	"github.com/donaldgifford/stapsher/internal/metrics"
)

// BranchJob asks for one bot branch to be deleted.
type BranchJob struct {
	Owner      string
	Repo       string
	Branch     string
	DeliveryID string
}

// Queue is a buffered work queue that dispatches BranchJobs to worker goroutines.
type Queue struct {
	ch     chan BranchJob
	logger *slog.Logger
	wg     sync.WaitGroup

	mu       sync.Mutex
	stopped  bool
	cancelFn context.CancelFunc
}

// NewQueue creates a Queue with the given buffer size.
func NewQueue(size int, logger *slog.Logger) *Queue {
	return &Queue{
		ch:     make(chan BranchJob, size),
		logger: logger,
	}
}

// Enqueue adds a job to the queue. Returns an error if the queue is full.
func (q *Queue) Enqueue(job BranchJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return fmt.Errorf("queue is stopped")
	}

	select {
	case q.ch <- job:
		metrics.CleanupQueueDepth.Set(float64(len(q.ch)))
		q.logger.Debug("job enqueued",
			"owner", job.Owner,
			"repo", job.Repo,
			"branch", job.Branch,
		)

		return nil
	default:
		return fmt.Errorf("queue is full (capacity %d)", cap(q.ch))
	}
}

// Start launches worker goroutines that pull jobs from the queue and delete
// the branch through a content client built by content.
func (q *Queue) Start(ctx context.Context, workers int, content ContentFactory) {
	workerCtx, cancel := context.WithCancel(ctx)

	q.mu.Lock()
	q.cancelFn = cancel
	q.mu.Unlock()

	for i := range workers {
		q.wg.Add(1)

		go q.worker(workerCtx, i, content)
	}

	q.logger.Info("cleanup queue started", "workers", workers, "capacity", cap(q.ch))
}

// Stop stops accepting jobs and waits for the workers to drain the queue.
// Jobs still pending when ctx is done are dropped.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()

	if q.stopped {
		q.mu.Unlock()
		return
	}

	q.stopped = true
	close(q.ch)
	cancel := q.cancelFn
	q.mu.Unlock()

	done := make(chan struct{})

	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		q.logger.Warn("cleanup queue stop timed out; dropping pending jobs", "pending", len(q.ch))
	}

	if cancel != nil {
		cancel()
	}

	<-done
	q.logger.Info("cleanup queue stopped")
}

// Len returns the number of pending items in the queue.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Accepting returns true if the queue is accepting new jobs.
func (q *Queue) Accepting() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return !q.stopped
}

func (q *Queue) worker(ctx context.Context, id int, content ContentFactory) {
	defer q.wg.Done()

	log := q.logger.With("worker_id", id)
	log.Debug("worker started")

	for job := range q.ch {
		metrics.CleanupQueueDepth.Set(float64(len(q.ch)))

		select {
		case <-ctx.Done():
			metrics.BranchCleanupTotal.WithLabelValues("dropped").Inc()
			continue
		default:
		}

		processJob(ctx, log, content, job)
	}

	log.Debug("worker finished")
}

func processJob(ctx context.Context, log *slog.Logger, content ContentFactory, job BranchJob) {
	start := time.Now()
	jobLog := log.With(
		"owner", job.Owner,
		"repo", job.Repo,
		"branch", job.Branch,
		"delivery_id", job.DeliveryID,
	)

	client := content(ghclient.Repository{Owner: job.Owner, Name: job.Repo})

	err := client.DeleteBranch(ctx, job.Branch)

	switch {
	case err == nil:
		metrics.BranchCleanupTotal.WithLabelValues("deleted").Inc()
		jobLog.Info("bot branch deleted", "duration", time.Since(start))
	case apperr.Is(err, apperr.NotFound):
		metrics.BranchCleanupTotal.WithLabelValues("already_gone").Inc()
		jobLog.Debug("bot branch already deleted")
	default:
		metrics.BranchCleanupTotal.WithLabelValues("failed").Inc()
		jobLog.Error("bot branch cleanup failed", "error", err, "code", apperr.CodeOf(err))
	}
}
