// Package dispatch hands recorded submissions to the external grading worker.
// Dispatch never blocks the caller; a failed hand-off ends in the ERROR state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"autograder/internal/metrics"
	"autograder/internal/submission/model"
	"autograder/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxAttempts = 1
	defaultConcurrency = 32
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
	defaultSweepAfter  = 5 * time.Minute
	defaultSweepBatch  = 50

	// FailureLogPrefix starts the log of a submission whose notification failed.
	FailureLogPrefix = "grading worker call failed: "
)

// Config controls dispatch attempts and the recovery sweeper.
type Config struct {
	// MaxAttempts is the number of notification attempts. 1 means a single best-effort call.
	MaxAttempts int           `yaml:"maxAttempts"`
	BackoffBase time.Duration `yaml:"backoffBase"`
	BackoffMax  time.Duration `yaml:"backoffMax"`
	Concurrency int64         `yaml:"concurrency"`

	// SweepInterval enables the sweeper when positive.
	SweepInterval time.Duration `yaml:"sweepInterval"`
	SweepAfter    time.Duration `yaml:"sweepAfter"`
	SweepBatch    int           `yaml:"sweepBatch"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.SweepAfter <= 0 {
		c.SweepAfter = defaultSweepAfter
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = defaultSweepBatch
	}
}

// Store records dispatch bookkeeping.
type Store interface {
	MarkDispatched(ctx context.Context, id int64, attempts int, at time.Time) error
	ListUndispatched(ctx context.Context, submittedBefore time.Time, limit int) ([]*model.Submission, error)
}

// FailureReporter moves a submission to ERROR when the worker could not be reached.
type FailureReporter interface {
	ReportDispatchFailure(ctx context.Context, submissionID int64, log string) error
}

// Dispatcher notifies the grading worker in the background.
type Dispatcher struct {
	cfg      Config
	notifier Notifier
	store    Store
	reporter FailureReporter
	metrics  *metrics.Metrics
	sem      *semaphore.Weighted

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[int64]struct{}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config, notifier Notifier, store Store, reporter FailureReporter, m *metrics.Metrics) (*Dispatcher, error) {
	if notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if store == nil {
		return nil, fmt.Errorf("dispatch store is required")
	}
	if reporter == nil {
		return nil, fmt.Errorf("failure reporter is required")
	}
	cfg.ApplyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		notifier: notifier,
		store:    store,
		reporter: reporter,
		metrics:  m,
		sem:      semaphore.NewWeighted(cfg.Concurrency),
		baseCtx:  ctx,
		cancel:   cancel,
		inflight: make(map[int64]struct{}),
	}, nil
}

// Dispatch starts notifying the worker and returns immediately.
// ctx supplies trace values only; its cancellation does not stop the dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, submissionID int64, artifactPath string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		logger.Warn(ctx, "dispatcher closed, submission left for sweeper", zap.Int64("submission_id", submissionID))
		return
	}
	if _, ok := d.inflight[submissionID]; ok {
		d.mu.Unlock()
		return
	}
	d.inflight[submissionID] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(d.baseCtx, cancel)
	go func() {
		defer d.wg.Done()
		defer func() {
			stop()
			cancel()
			d.mu.Lock()
			delete(d.inflight, submissionID)
			d.mu.Unlock()
		}()
		d.run(runCtx, submissionID, artifactPath)
	}()
}

func (d *Dispatcher) run(ctx context.Context, submissionID int64, artifactPath string) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		logger.Warn(ctx, "dispatch abandoned before start", zap.Int64("submission_id", submissionID), zap.Error(err))
		return
	}
	defer d.sem.Release(1)

	note := Notification{SubmissionID: submissionID, FilePath: artifactPath}
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		err := d.notifier.Notify(ctx, note)
		if err == nil {
			d.metrics.ObserveDispatch("success", time.Since(start))
			logger.Info(ctx, "grading worker notified",
				zap.Int64("submission_id", submissionID),
				zap.Int("attempt", attempt),
			)
			if err := d.store.MarkDispatched(ctx, submissionID, attempt, time.Now()); err != nil {
				logger.Warn(ctx, "record dispatch failed", zap.Int64("submission_id", submissionID), zap.Error(err))
			}
			return
		}
		lastErr = err
		d.metrics.ObserveDispatch("failure", time.Since(start))
		logger.Warn(ctx, "grading worker call failed",
			zap.Int64("submission_id", submissionID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", d.cfg.MaxAttempts),
			zap.Error(err),
		)
		if d.shuttingDown() {
			return
		}
		if attempt == d.cfg.MaxAttempts {
			break
		}
		delay := ComputeBackoff(attempt-1, d.cfg.BackoffBase, d.cfg.BackoffMax)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn(ctx, "dispatch retry canceled during backoff", zap.Int64("submission_id", submissionID))
			return
		case <-timer.C:
		}
	}

	if err := d.reporter.ReportDispatchFailure(ctx, submissionID, FailureLogPrefix+lastErr.Error()); err != nil {
		logger.Error(ctx, "mark submission error after dispatch failure failed",
			zap.Int64("submission_id", submissionID),
			zap.Error(err),
		)
	}
}

// shuttingDown reports whether Close gave up waiting. Submissions interrupted this way
// stay PENDING so the sweeper can retry them after restart.
func (d *Dispatcher) shuttingDown() bool {
	return errors.Is(d.baseCtx.Err(), context.Canceled)
}

// RunSweeper re-dispatches PENDING submissions that were never handed to the worker,
// for example because the process stopped right after recording them.
// It returns when ctx is done, or immediately when the sweeper is disabled.
func (d *Dispatcher) RunSweeper(ctx context.Context) error {
	if d.cfg.SweepInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	logger.Info(ctx, "dispatch sweeper started", zap.Duration("interval", d.cfg.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep runs one sweeper pass and returns the number of submissions re-dispatched.
func (d *Dispatcher) Sweep(ctx context.Context) int {
	items, err := d.store.ListUndispatched(ctx, time.Now().Add(-d.cfg.SweepAfter), d.cfg.SweepBatch)
	if err != nil {
		logger.Warn(ctx, "list undispatched submissions failed", zap.Error(err))
		return 0
	}
	for _, s := range items {
		logger.Info(ctx, "re-dispatching submission", zap.Int64("submission_id", s.ID))
		d.Dispatch(ctx, s.ID, s.ArtifactPath)
	}
	return len(items)
}

// Close stops accepting work and waits for in-flight dispatches until ctx is done,
// then cancels the rest.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
