package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rl1809/collectible-market/internal/core/domain"
	"github.com/rl1809/collectible-market/internal/port"
)

const (
	DefaultDispatchWorkers   = 4
	DefaultDispatchQueueSize = 1000
	defaultNotifyTimeout     = 10 * time.Second
)

// Dispatcher delivers payment instructions off the request path. A full
// queue or a failed delivery is logged and dropped; it never affects the
// reservation that produced the instruction.
type Dispatcher struct {
	notifier port.Notifier
	logger   *slog.Logger
	timeout  time.Duration

	mu     sync.RWMutex
	queue  chan domain.PaymentInstruction
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(notifier port.Notifier, queueSize int, logger *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultDispatchQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		notifier: notifier,
		logger:   logger,
		timeout:  defaultNotifyTimeout,
		queue:    make(chan domain.PaymentInstruction, queueSize),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start(workers int) {
	if workers <= 0 {
		workers = DefaultDispatchWorkers
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.workerLoop(id)
		}(i)
	}
	d.logger.Info("started notification workers", "workers", workers)
}

// Enqueue hands an instruction to the workers without blocking. It reports
// false when the instruction was dropped.
func (d *Dispatcher) Enqueue(instruction domain.PaymentInstruction) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}

	select {
	case d.queue <- instruction:
		return true
	default:
		d.logger.Warn("notification queue full, dropping",
			"attempt_id", instruction.AttemptID,
			"reference", instruction.Reference,
		)
		return false
	}
}

// Close stops accepting work and waits for queued instructions to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(id int) {
	for instruction := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)

		if err := d.notifier.Notify(ctx, instruction); err != nil {
			d.logger.Warn("failed to deliver payment instruction",
				"worker", id,
				"attempt_id", instruction.AttemptID,
				"reference", instruction.Reference,
				"error", err,
			)
		} else {
			d.logger.Debug("payment instruction delivered",
				"worker", id,
				"attempt_id", instruction.AttemptID,
			)
		}

		cancel()
	}
}
