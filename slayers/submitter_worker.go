package slayers

import (
	"context"
	"errors"
	"github.com/lmittmann/tint"
	"sync"
	"time"
)

const (
	submitterWorkerQueueSize     = 8
	submitterWorkerStopTimeout   = 5 * time.Second
	defaultIdleTimeoutCheckEvery = 30 * time.Second
)

var errWorkerBusy = errors.New("submitter worker queue is full")

// workerLimiter tracks when a worker last handled a request, to
// determine when it's idle.
//
// Fields:
//   - IdleTimeout: The duration after which a worker is considered idle.
//   - LastRequestAt: The timestamp of the last request handled.
//   - mu: Mutex for ensuring thread-safe access to the struct's fields.
type workerLimiter struct {
	// IdleTimeout is the duration after which a worker is considered 'idle'
	IdleTimeout time.Duration

	// LastRequestAt is the last time a request was handled. If
	// LastRequestAt+IdleTimeout is in the past, the worker is considered
	// idle and can be stopped.
	LastRequestAt time.Time

	mu sync.Mutex
}

func newWorkerLimiter(idleTimeout time.Duration) *workerLimiter {
	if idleTimeout <= 0 {
		idleTimeout = DefaultWorkerIdleTimeout
	}
	return &workerLimiter{IdleTimeout: idleTimeout}
}

// Expired checks if the worker has been idle for longer than the
// IdleTimeout, returning the expiration time and whether it has passed.
func (w *workerLimiter) Expired() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	expiresAt := w.LastRequestAt.Add(w.IdleTimeout)
	return expiresAt, time.Now().After(expiresAt)
}

// SetLastRequest updates the LastRequestAt field to the provided timestamp.
func (w *workerLimiter) SetLastRequest(ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.LastRequestAt = ts
}

// submitterWorker handles the role requests of a single submitter, one
// at a time, in the order they were received. Requests from different
// submitters are handled concurrently by their own workers.
type submitterWorker struct {
	submitterID string

	// requestCh receives the submitter's requests
	requestCh chan Request

	// signalStop is a channel for sending a stop signal to the worker
	signalStop chan struct{}

	// stopped receives the time the worker stopped
	stopped chan time.Time

	limiter *workerLimiter

	// idleTimeoutCheckInterval is the interval at which the worker checks
	// whether it has been idle for longer than the idle timeout
	idleTimeoutCheckInterval time.Duration

	bot *Bot
}

func newSubmitterWorker(bot *Bot, submitterID string) *submitterWorker {
	idleTimeout := DefaultWorkerIdleTimeout
	if bot.config != nil && bot.config.Requests != nil {
		idleTimeout = bot.config.Requests.WorkerIdleTimeout
	}
	checkInterval := defaultIdleTimeoutCheckEvery
	if idleTimeout < checkInterval {
		checkInterval = idleTimeout
	}
	return &submitterWorker{
		submitterID:              submitterID,
		requestCh:                make(chan Request, submitterWorkerQueueSize),
		signalStop:               make(chan struct{}, 1),
		stopped:                  make(chan time.Time, 1),
		limiter:                  newWorkerLimiter(idleTimeout),
		idleTimeoutCheckInterval: checkInterval,
		bot:                      bot,
	}
}

// Run starts the worker, which handles requests sent on requestCh until
// ctx is canceled, a stop signal is received, or it has been idle for
// the limiter's IdleTimeout. startCh receives a value once the worker
// is ready.
func (u *submitterWorker) Run(ctx context.Context, startCh chan struct{}) {
	log := contextLoggerOr(ctx, u.bot.logger).With(columnSubmitterID, u.submitterID)
	ctx = WithLogger(ctx, log)

	defer func() {
		stopSignalCtx, stopSignalCancel := context.WithTimeout(
			context.Background(),
			submitterWorkerStopTimeout,
		)
		select {
		case u.stopped <- time.Now():
			log.DebugContext(ctx, "sent stop notification")
		case <-stopSignalCtx.Done():
			log.WarnContext(ctx, "timed out sending stop signal")
		}
		stopSignalCancel()
	}()

	log.DebugContext(ctx, "starting submitter worker")
	startedAt := time.Now()
	ticker := time.NewTicker(u.idleTimeoutCheckInterval)
	defer func() {
		ticker.Stop()
		endedAt := time.Now()
		log.DebugContext(
			ctx,
			"stopped submitter worker",
			"stopped_at", endedAt,
			"runtime", endedAt.Sub(startedAt),
			"pending", len(u.requestCh),
		)
	}()

	u.limiter.SetLastRequest(time.Now())
	startCh <- struct{}{}
	close(startCh)

	for {
		select {
		case <-ctx.Done():
			log.WarnContext(ctx, "context canceled")
			return
		case <-u.signalStop:
			log.InfoContext(ctx, "got stop signal")
			return
		case <-ticker.C:
			expiresAt, isExpired := u.limiter.Expired()
			if isExpired && u.bot.retireSubmitterWorker(u) {
				log.DebugContext(
					ctx,
					"worker idle, stopping",
					"worker_expired", expiresAt,
				)
				return
			}
		case req := <-u.requestCh:
			u.handleRequest(ctx, req)
			ticker.Reset(u.idleTimeoutCheckInterval)
		}
	}
}

// handleRequest classifies the request and records the outcome. Panics
// are recovered, so one bad request doesn't stop the worker.
func (u *submitterWorker) handleRequest(ctx context.Context, req Request) {
	u.limiter.SetLastRequest(time.Now())
	defer u.limiter.SetLastRequest(time.Now())

	b := u.bot
	b.requestsInProgress.Add(1)
	defer b.requestsInProgress.Add(-1)

	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()
	b.processRequest(ctx, req)
}

// getSubmitterWorker returns the running worker for the submitter,
// starting one if needed. Must be called with workerMu held.
func (b *Bot) getSubmitterWorker(ctx context.Context, submitterID string) *submitterWorker {
	if w, ok := b.submitterWorkers[submitterID]; ok {
		return w
	}
	w := newSubmitterWorker(b, submitterID)
	b.submitterWorkers[submitterID] = w
	b.workersRunning.Add(1)

	startSignal := make(chan struct{}, 1)
	b.workerWG.Add(1)
	go func() {
		defer b.workerWG.Done()
		defer b.workersRunning.Add(-1)
		w.Run(ctx, startSignal)

		b.workerMu.Lock()
		if b.submitterWorkers[submitterID] == w {
			delete(b.submitterWorkers, submitterID)
		}
		b.workerMu.Unlock()
	}()
	<-startSignal
	return w
}

// enqueueRequest hands the request to its submitter's worker. It doesn't
// block: when the worker's queue is full, errWorkerBusy is returned.
func (b *Bot) enqueueRequest(ctx context.Context, req Request) error {
	b.workerMu.Lock()
	defer b.workerMu.Unlock()

	if b.stopping.Load() {
		return errShuttingDown
	}
	w := b.getSubmitterWorker(ctx, req.SubmitterID)
	select {
	case w.requestCh <- req:
		return nil
	default:
		return errWorkerBusy
	}
}

// retireSubmitterWorker removes an idle worker from the worker map,
// unless requests were queued for it in the meantime. Returns true
// if the worker should stop.
func (b *Bot) retireSubmitterWorker(w *submitterWorker) bool {
	b.workerMu.Lock()
	defer b.workerMu.Unlock()
	if len(w.requestCh) > 0 {
		return false
	}
	if b.submitterWorkers[w.submitterID] == w {
		delete(b.submitterWorkers, w.submitterID)
	}
	return true
}

// stopSubmitterWorkers signals every worker to stop, and waits for each
// to report it has stopped, or for ctx to be done
func (b *Bot) stopSubmitterWorkers(ctx context.Context) {
	b.workerMu.Lock()
	workers := make([]*submitterWorker, 0, len(b.submitterWorkers))
	for _, w := range b.submitterWorkers {
		workers = append(workers, w)
	}
	b.workerMu.Unlock()

	for _, w := range workers {
		select {
		case w.signalStop <- struct{}{}:
		default:
		}
	}
	for _, w := range workers {
		select {
		case stoppedAt := <-w.stopped:
			b.logger.DebugContext(
				ctx,
				"worker stopped",
				columnSubmitterID, w.submitterID,
				"stopped_at", stoppedAt,
			)
		case <-ctx.Done():
			b.logger.WarnContext(
				ctx,
				"timed out waiting for workers to stop",
				tint.Err(ctx.Err()),
			)
			return
		}
	}
}

func (b *Bot) submitterWorkerCount() int {
	b.workerMu.Lock()
	defer b.workerMu.Unlock()
	return len(b.submitterWorkers)
}

// processRequest classifies a request and saves its audit log entry
func (b *Bot) processRequest(ctx context.Context, req Request) Outcome {
	logger := contextLoggerOr(ctx, b.logger)
	out := b.classifier.Classify(ctx, req)
	b.metricRequestsHandled.Add(1)

	if b.writeDB == nil {
		return out
	}
	entry := NewRequestLog(req, out)
	if _, err := b.writeDB.Create(context.WithoutCancel(ctx), &entry); err != nil {
		logger.ErrorContext(ctx, "error saving request log", tint.Err(err))
	}
	return out
}
