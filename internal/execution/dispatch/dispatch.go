// Package dispatch runs submitted runs on a fixed pool of workers fed by a
// bounded queue, so starting a run never blocks the caller.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers       = 8
	DefaultQueueCapacity = 100
)

var (
	ErrQueueFull = errors.New("dispatch queue is full")
	ErrClosed    = errors.New("dispatcher is shut down")
)

// Task is one unit of work, usually a whole run. Its ctx is cancelled when the
// dispatcher is forced to stop.
type Task func(ctx context.Context) error

type Config struct {
	Workers       int
	QueueCapacity int
	Logger        *slog.Logger
	// OnDepth, when set, is called with the queue length after every change.
	OnDepth func(depth int)
}

type job struct {
	name string
	run  Task
}

type Dispatcher struct {
	queue   chan job
	group   errgroup.Group
	cancel  context.CancelFunc
	logger  *slog.Logger
	onDepth func(int)

	mu     sync.RWMutex
	closed bool
}

// New starts the workers. They live until Shutdown.
func New(cfg Config) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	capacity := cfg.QueueCapacity
	if capacity < 0 {
		capacity = DefaultQueueCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	onDepth := cfg.OnDepth
	if onDepth == nil {
		onDepth = func(int) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queue:   make(chan job, capacity),
		cancel:  cancel,
		logger:  logger,
		onDepth: onDepth,
	}
	for i := 0; i < workers; i++ {
		worker := i
		d.group.Go(func() error {
			d.work(ctx, worker)
			return nil
		})
	}
	return d
}

// Submit enqueues t without blocking. It fails with ErrQueueFull when every
// worker is busy and the queue is at capacity.
func (d *Dispatcher) Submit(name string, t Task) error {
	if t == nil {
		return errors.New("task is required")
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- job{name: name, run: t}:
		d.onDepth(len(d.queue))
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting work and waits for queued and running tasks. When
// ctx expires first, running tasks are cancelled and Shutdown still waits for
// them to return.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	for j := range d.queue {
		d.onDepth(len(d.queue))
		d.runOne(ctx, worker, j)
	}
}

func (d *Dispatcher) runOne(ctx context.Context, worker int, j job) {
	logger := d.logger.With("task", j.name, "worker", worker)
	defer func() {
		if p := recover(); p != nil {
			logger.Error("task panicked", "panic", p)
		}
	}()
	if err := j.run(ctx); err != nil {
		logger.Error("task failed", "error", err)
		return
	}
	logger.Debug("task finished")
}
