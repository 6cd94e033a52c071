package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ticket-engine/internal/status"
	"ticket-engine/internal/store"
	"ticket-engine/monitoring"
)

const sweeperLockKey = "lock:expiry-sweeper"

// ExpirySweeper cancels UNPAID orders whose payment window has closed and
// hands their seats back to the ledger.
type ExpirySweeper struct {
	orders   *OrderService
	store    *store.Store
	redis    redis.Cmdable
	interval time.Duration
	batch    int

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewExpirySweeper builds a sweeper. rdb may be nil on a single instance.
func NewExpirySweeper(orders *OrderService, st *store.Store, rdb redis.Cmdable, interval time.Duration, batch int) *ExpirySweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &ExpirySweeper{
		orders:   orders,
		store:    st,
		redis:    rdb,
		interval: interval,
		batch:    batch,
		stopChan: make(chan struct{}),
	}
}

// Start runs a sweep now and then on every interval until Stop or ctx ends.
func (s *ExpirySweeper) Start(ctx context.Context) {
	slog.Info("starting expiry sweeper", "interval", s.interval, "batch", s.batch)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// Stop is safe to call more than once.
func (s *ExpirySweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		slog.Info("expiry sweeper stopped")
	})
}

func (s *ExpirySweeper) loop(ctx context.Context) {
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *ExpirySweeper) tick(ctx context.Context) {
	if !s.acquire(ctx) {
		return
	}

	start := time.Now()
	n, err := s.SweepOnce(ctx)
	if err != nil {
		slog.Error("expiry sweep failed", "error", err, "duration", time.Since(start))
		return
	}
	if n > 0 {
		slog.Info("expired orders canceled", "count", n, "duration", time.Since(start))
	}
}

// acquire takes the per-tick lock so one instance sweeps at a time. The
// order CAS keeps overlapping sweeps safe, so Redis trouble does not stop
// the sweep.
func (s *ExpirySweeper) acquire(ctx context.Context) bool {
	if s.redis == nil {
		return true
	}
	ok, err := s.redis.SetNX(ctx, sweeperLockKey, s.store.Now().String(), s.interval).Result()
	if err != nil {
		slog.Warn("sweeper lock unavailable, sweeping anyway", "error", err)
		return true
	}
	return ok
}

// SweepOnce expires one batch of overdue orders and returns how many this
// call canceled.
func (s *ExpirySweeper) SweepOnce(ctx context.Context) (int, error) {
	ids, err := s.store.ExpiredOrderIDs(ctx, s.store.Now(), s.batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		changed, err := s.orders.expire(ctx, id)
		switch {
		case err == nil:
			if changed {
				expired++
			}
		case errors.Is(err, status.ErrInvalidTransition):
			// Paid or canceled between the select and the swap.
			slog.Debug("order settled before expiry", "order_id", id)
		case ctx.Err() != nil:
			return expired, ctx.Err()
		default:
			slog.Error("expire order", "order_id", id, "error", err)
		}
	}

	monitoring.TrackExpired(expired)
	return expired, nil
}
