package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/logger"
)

// Worker polls the pipeline for due events: retries, events stored with
// inline processing disabled, and events whose worker crashed mid-attempt.
type Worker struct {
	pipeline  *Pipeline
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithPollInterval sets how often due events are fetched. Default is 10s.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithBatchSize caps the events processed per poll. Default is 100.
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// NewWorker creates a worker for p.
func NewWorker(p *Pipeline, opts ...WorkerOption) *Worker {
	if p == nil {
		panic("webhook: pipeline is required")
	}
	w := &Worker{
		pipeline:  p,
		interval:  10 * time.Second,
		batchSize: 100,
		logger:    p.logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins polling in the background.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return ErrWorkerStarted
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
	w.logger.Info("webhook worker started", slog.Duration("interval", w.interval))
	return nil
}

// Stop cancels polling and waits for the current batch to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return ErrWorkerNotStarted
	}
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	<-done
	w.logger.Info("webhook worker stopped")
	return nil
}

// Run returns a function suitable for errgroup: it starts the worker and
// stops it when ctx is done.
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		if err := w.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return w.Stop()
	}
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	report, err := w.pipeline.ProcessDue(ctx, w.pipeline.clock(), w.batchSize)
	if err != nil {
		w.logger.ErrorContext(ctx, "webhook retry batch failed", logger.Error(err))
	}
	if report.Processed+report.Failed+report.DeadLettered > 0 {
		w.logger.InfoContext(ctx, "webhook retry batch done",
			slog.Int("processed", report.Processed),
			slog.Int("failed", report.Failed),
			slog.Int("dead_lettered", report.DeadLettered),
			slog.Int("skipped", report.Skipped),
		)
	}
}
