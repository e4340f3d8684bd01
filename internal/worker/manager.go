package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"eigenl2/offchain/internal/events"
)

// Constants for worker configuration
const (
	DefaultReconcileInterval = 20 * time.Second
	PassTimeout              = 2 * time.Minute
)

// WorkerManager owns the background reconciliation loop
type WorkerManager struct {
	reconciler *StatusReconciler
	publisher  events.Publisher
	logger     *zap.Logger

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewWorkerManager creates a worker manager around the reconciler.
// publisher is closed on shutdown; it may be nil.
func NewWorkerManager(reconciler *StatusReconciler, publisher events.Publisher, logger *zap.Logger) *WorkerManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerManager{
		reconciler: reconciler,
		publisher:  publisher,
		logger:     logger.Named("worker"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Reconciler returns the managed reconciler, for on-demand passes
func (wm *WorkerManager) Reconciler() *StatusReconciler {
	return wm.reconciler
}

// Start starts the reconciler goroutine
func (wm *WorkerManager) Start() {
	if wm.started {
		return
	}
	wm.started = true

	wm.logger.Info("Starting worker manager",
		zap.Duration("reconcile_interval", wm.reconciler.interval))

	wm.wg.Add(1)
	go func() {
		defer wm.wg.Done()
		wm.reconciler.Run(wm.ctx)
	}()

	wm.logger.Info("Worker manager started")
}

// Shutdown gracefully stops all workers
func (wm *WorkerManager) Shutdown(timeout time.Duration) error {
	wm.logger.Info("Shutting down worker manager")

	// Signal workers to stop
	wm.cancel()

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		wm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wm.logger.Info("Workers stopped gracefully")
	case <-time.After(timeout):
		wm.logger.Warn("Worker shutdown timed out")
	}

	if wm.publisher != nil {
		wm.publisher.Close()
	}

	wm.logger.Info("Worker manager shutdown complete")
	return nil
}
