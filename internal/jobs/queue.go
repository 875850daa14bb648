package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/finimport/internal/importer"
	"github.com/JonMunkholm/finimport/internal/ledger"
	"github.com/JonMunkholm/finimport/internal/logging"
)

const (
	DefaultQueueSize = 100
	DefaultWorkers   = 2
)

// Config sizes the queue. Zero values pick defaults; a zero JobTimeout
// means no timeout.
type Config struct {
	QueueSize  int
	Workers    int
	JobTimeout time.Duration
}

// task is a queued job plus its payload. Payloads never leave the queue.
type task struct {
	id        uuid.UUID
	commit    *importer.CommitRequest
	sync      *importer.SyncRequest
	ipAddress string
	userAgent string
	logFields []any
}

// Queue is an in-memory job queue with a fixed worker pool. It is suitable
// for single-instance deployments.
type Queue struct {
	tasks     chan task
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	started   bool

	store   *Store
	runner  Runner
	workers int
	timeout time.Duration
}

// NewQueue creates a queue. Call Start to begin processing.
func NewQueue(runner Runner, store *Store, cfg Config) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if store == nil {
		store = NewStore()
	}
	return &Queue{
		tasks:     make(chan task, cfg.QueueSize),
		closeChan: make(chan struct{}),
		store:     store,
		runner:    runner,
		workers:   cfg.Workers,
		timeout:   cfg.JobTimeout,
	}
}

// Store returns the status store backing the queue.
func (q *Queue) Store() *Store { return q.store }

// SubmitImport validates req and queues it. Validation errors are returned
// directly so a bad mapping never becomes a failed job.
func (q *Queue) SubmitImport(ctx context.Context, req importer.CommitRequest) (Job, error) {
	if err := req.Validate(); err != nil {
		return Job{}, err
	}
	return q.submit(ctx, TypeImport, req.UserID, req.AccountID, task{commit: &req})
}

// SubmitSync queues a bank-sync batch.
func (q *Queue) SubmitSync(ctx context.Context, req importer.SyncRequest) (Job, error) {
	if req.AccountID == uuid.Nil {
		return Job{}, &importer.ValidationError{Field: "accountId", Err: importer.ErrMissingAccount}
	}
	return q.submit(ctx, TypeBankSync, req.UserID, req.AccountID, task{sync: &req})
}

func (q *Queue) submit(ctx context.Context, typ Type, userID, accountID uuid.UUID, t task) (Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return Job{}, ErrQueueClosed
	}

	job := Job{
		ID:        uuid.New(),
		Type:      typ,
		UserID:    userID,
		AccountID: accountID,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	t.id = job.ID
	t.ipAddress = ledger.IPAddressFromContext(ctx)
	t.userAgent = ledger.UserAgentFromContext(ctx)
	t.logFields = logging.Fields(ctx)

	q.store.Save(job)

	select {
	case q.tasks <- t:
	default:
		q.store.remove(job.ID)
		return Job{}, ErrQueueFull
	}

	logging.FromContext(ctx).Info("job queued",
		"job_id", job.ID,
		"type", typ,
		"account_id", accountID,
	)
	return job, nil
}

// Get returns the job if userID owns it.
func (q *Queue) Get(userID, id uuid.UUID) (Job, error) {
	job, err := q.store.Get(id)
	if err != nil {
		return Job{}, err
	}
	if job.UserID != userID {
		return Job{}, ErrNotFound
	}
	return job, nil
}

// Subscribe streams updates of a job userID owns.
func (q *Queue) Subscribe(userID, id uuid.UUID) (<-chan Job, func(), error) {
	if _, err := q.Get(userID, id); err != nil {
		return nil, nil, err
	}
	return q.store.Subscribe(id)
}

// Cancel stops a job cooperatively. A pending job is cancelled at once; a
// running one stops between rows and still records what it imported.
func (q *Queue) Cancel(userID, id uuid.UUID) (Job, error) {
	if _, err := q.Get(userID, id); err != nil {
		return Job{}, err
	}
	return q.store.requestCancel(id)
}

// Start launches the workers. ctx bounds every job: cancelling it cancels
// running jobs, which then finalize their summaries.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.started {
		return nil
	}
	q.started = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return nil
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case t := <-q.tasks:
			q.process(ctx, t)
		}
	}
}

func (q *Queue) process(ctx context.Context, t task) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if q.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, q.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if !q.store.start(t.id, cancel) {
		return
	}

	runCtx = ledger.ContextWithIPAddress(runCtx, t.ipAddress)
	runCtx = ledger.ContextWithUserAgent(runCtx, t.userAgent)

	runCtx = logging.ContextWith(runCtx, t.logFields...)
	runCtx = logging.ContextWith(runCtx, "job_id", t.id)
	logger := logging.FromContext(runCtx)
	logger.Info("job started")

	progress := func(p importer.Progress) {
		q.store.Update(t.id, func(j *Job) { j.Progress = p })
	}

	var (
		res *importer.Result
		err error
	)
	switch {
	case t.commit != nil:
		res, err = q.runner.Commit(runCtx, *t.commit, progress)
	case t.sync != nil:
		res, err = q.runner.Sync(runCtx, *t.sync, progress)
	default:
		err = fmt.Errorf("job %s has no payload", t.id)
	}

	job, _ := q.store.Update(t.id, func(j *Job) { finish(j, res, err) })
	if err != nil {
		logger.Error("job failed", "error", err, "code", job.ErrorCode)
		return
	}
	logger.Info("job finished", "status", job.Status)
}

// finish records the outcome. A cancelled run with a summary is a valid
// terminal state, not a failure.
func finish(j *Job, res *importer.Result, err error) {
	now := time.Now().UTC()
	j.CompletedAt = &now
	j.Result = res

	switch {
	case err != nil:
		j.Status = StatusFailed
		j.Error = err.Error()
		j.ErrorCode = importer.MapError(err).Code
	case res != nil && res.Cancelled:
		j.Status = StatusCancelled
	default:
		j.Status = StatusCompleted
	}
	if res != nil {
		j.Progress.Total = res.TotalRows
		j.Progress.Imported = res.Imported
		j.Progress.Skipped = res.Skipped
		j.Progress.Errors = res.Errors
		j.Progress.Processed = res.Imported + res.Skipped + res.Errors
	}
}

// Stop stops accepting jobs and waits for running ones to finish. Jobs still
// queued are marked cancelled.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		select {
		case t := <-q.tasks:
			q.store.requestCancel(t.id)
		default:
			return nil
		}
	}
}

// Cleanup removes finished jobs older than retention.
func (q *Queue) Cleanup(retention time.Duration) int {
	return q.store.Cleanup(time.Now().Add(-retention))
}
