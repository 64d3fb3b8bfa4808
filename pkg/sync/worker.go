package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
)

var (
	// ErrWorkerAlreadyRunning is returned when trying to start an already running worker
	ErrWorkerAlreadyRunning = errors.New("drain worker already running")
)

// DefaultDrainTimeout bounds a single drain pass.
const DefaultDrainTimeout = 5 * time.Minute

// Worker owns the one goroutine that runs drain passes. Triggers arrive on a
// buffered channel of size one, so a burst of requests while a pass is
// running coalesces into exactly one follow-up pass.
type Worker struct {
	reconciler *Reconciler
	logger     ectologger.Logger

	requests chan struct{}

	// Coordination
	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewWorker creates a new drain worker
func NewWorker(reconciler *Reconciler, logger ectologger.Logger) *Worker {
	return &Worker{
		reconciler: reconciler,
		logger:     logger,
		requests:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		stoppedC:   make(chan struct{}),
	}
}

// RequestDrain asks for a drain pass without blocking. Safe from any
// goroutine; requests made while one is already queued are dropped.
func (w *Worker) RequestDrain() {
	select {
	case w.requests <- struct{}{}:
	default:
	}
}

// Start starts the drain loop
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrWorkerAlreadyRunning
	}
	w.running = true
	w.mu.Unlock()

	w.logger.WithContext(ctx).Info("Starting drain worker")

	go w.drainLoop(ctx)

	return nil
}

// Stop stops the worker gracefully, letting an in-flight pass finish
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.stoppedC:
		w.logger.WithContext(ctx).Info("Drain worker stopped")
	case <-ctx.Done():
		w.logger.WithContext(ctx).Warn("Drain worker shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the worker is running
func (w *Worker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Worker) drainLoop(ctx context.Context) {
	defer close(w.stoppedC)

	for {
		select {
		case <-w.stopCh:
			w.logger.WithContext(ctx).Debug("Drain loop stopping")
			return
		case <-w.requests:
			passCtx, cancel := context.WithTimeout(ctx, DefaultDrainTimeout)
			if _, err := w.reconciler.ProcessOutbox(passCtx); err != nil {
				w.logger.WithContext(passCtx).WithError(err).Error("Drain pass failed")
			}
			cancel()
		}
	}
}
