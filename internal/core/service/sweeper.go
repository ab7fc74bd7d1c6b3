package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rl1809/collectible-market/internal/clock"
	"github.com/rl1809/collectible-market/internal/core/domain"
	"github.com/rl1809/collectible-market/internal/port"
)

const DefaultSweepInterval = 5 * time.Minute

var ErrSweeperRunning = errors.New("sweeper already running")

// Expirer is the engine operation the sweeper drives.
type Expirer interface {
	ReleaseExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]domain.Attempt, error)
}

// Sweeper periodically releases reservations whose TTL has passed. It is
// owned by the process lifecycle: Start at boot, Stop at shutdown.
type Sweeper struct {
	expirer  Expirer
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
	ttl      time.Duration
	timeout  time.Duration
	lock     port.SweepLock
	holder   string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type SweeperOption func(*Sweeper)

func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithSweepTTL(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithSweepLock makes the sweeper skip ticks on which another holder owns lock.
func WithSweepLock(lock port.SweepLock, holder string) SweeperOption {
	return func(s *Sweeper) {
		s.lock = lock
		s.holder = holder
	}
}

func WithSweepLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSweeper(expirer Expirer, clk clock.Clock, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		expirer:  expirer,
		clock:    clk,
		logger:   slog.Default(),
		interval: DefaultSweepInterval,
		ttl:      DefaultReservationTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.timeout = s.interval
	return s
}

// Start launches the sweep loop. The first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSweeperRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)

	s.logger.Info("sweeper started", "interval", s.interval, "ttl", s.ttl)
	return nil
}

// Stop cancels the loop and waits for an in-flight sweep to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	if s.lock != nil {
		ctx, release := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.lock.Release(ctx, s.holder); err != nil {
			s.logger.Warn("failed to release sweep lock", "error", err)
		}
		release()
	}
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if s.lock != nil {
		// Held for most of an interval so peers skip this tick.
		ok, err := s.lock.Acquire(ctx, s.holder, s.interval*9/10)
		if err != nil {
			s.logger.Warn("sweep lock unavailable, sweeping anyway", "error", err)
		} else if !ok {
			s.logger.Debug("sweep skipped, lock held elsewhere")
			return
		}
	}

	sweepCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.RunOnce(sweepCtx); err != nil && ctx.Err() == nil {
		s.logger.Error("sweep failed", "error", err)
	}
}

// RunOnce performs a single sweep and reports how many attempts expired.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	released, err := s.expirer.ReleaseExpired(ctx, s.clock.Now(), s.ttl)
	if len(released) > 0 || err != nil {
		s.logger.Info("sweep finished",
			"released", len(released),
			"duration", time.Since(start),
			"failed", err != nil,
		)
	}
	return len(released), err
}
