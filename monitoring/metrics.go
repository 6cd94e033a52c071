package monitoring

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ticket-engine/models"
)

var (
	seatsRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "schedule_seats_remaining",
			Help: "Seats not held by a live reservation, per schedule",
		},
		[]string{"schedule_id"},
	)

	seatsCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "schedule_seats_capacity",
			Help: "Configured seat capacity per schedule",
		},
		[]string{"schedule_id"},
	)

	ledgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Quota ledger operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	orderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Applied order status transitions",
		},
		[]string{"from", "to"},
	)

	paymentNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_notifications_total",
			Help: "Gateway notifications by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	checkIns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkins_total",
			Help: "Scan results by gate and status",
		},
		[]string{"gate_id", "status", "reason"},
	)

	scanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "checkin_scan_duration_seconds",
			Help:    "Time to process a scan end to end",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	expiredOrders = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_expired_total",
			Help: "Orders canceled by the expiry sweeper",
		},
	)

	gateCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_cache_lookups_total",
			Help: "Gate registry cache lookups",
		},
		[]string{"result"},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_goroutines_total",
			Help: "Current number of active goroutines",
		},
	)
)

// ScheduleSource lists schedules for capacity sampling.
type ScheduleSource interface {
	ListSchedules(ctx context.Context) ([]models.Schedule, error)
}

type Monitor struct {
	source   ScheduleSource
	interval time.Duration
}

func NewMonitor(source ScheduleSource, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{source: source, interval: interval}
}

// Run samples gauges until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Collect(ctx)
		}
	}
}

func (m *Monitor) Collect(ctx context.Context) {
	schedules, err := m.source.ListSchedules(ctx)
	if err != nil {
		slog.Warn("metrics: list schedules", "error", err)
	}
	for _, s := range schedules {
		seatsRemaining.WithLabelValues(s.ID).Set(float64(s.RemainingSeats))
		seatsCapacity.WithLabelValues(s.ID).Set(float64(s.Capacity))
	}
	goroutineCount.Set(float64(runtime.NumGoroutine()))
}

func TrackLedger(operation, outcome string) {
	ledgerOperations.WithLabelValues(operation, outcome).Inc()
}

func TrackOrderTransition(from, to models.OrderStatus) {
	orderTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func TrackPaymentNotification(provider string, outcome models.NotificationOutcome) {
	paymentNotifications.WithLabelValues(provider, string(outcome)).Inc()
}

func TrackCheckIn(gateID string, status models.CheckInStatus, reason string, took time.Duration) {
	checkIns.WithLabelValues(gateID, string(status), reason).Inc()
	scanDuration.Observe(took.Seconds())
}

func TrackExpired(n int) {
	expiredOrders.Add(float64(n))
}

func TrackGateCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	gateCacheLookups.WithLabelValues(result).Inc()
}
