package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ticket-engine/internal/clock"
	"ticket-engine/internal/store"
	"ticket-engine/models"
)

// Epoch is the default instant for manual clocks in tests.
var Epoch = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

// NewStore opens a migrated SQLite store in a temp dir, driven by clk.
func NewStore(t *testing.T, clk clock.Clock) *store.Store {
	t.Helper()
	if clk == nil {
		clk = clock.NewSystem()
	}

	path := filepath.Join(t.TempDir(), "tickets.db")
	st, err := store.Open(path, store.WithClock(clk))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func SeedSchedule(t *testing.T, st *store.Store, id string, capacity int) *models.Schedule {
	t.Helper()
	sc := &models.Schedule{ID: id, EventID: "event-" + id, StartsAt: store.DateTimeOf(Epoch.Add(72 * time.Hour)), Capacity: capacity}
	if err := st.UpsertSchedule(context.Background(), sc); err != nil {
		t.Fatalf("seed schedule %s: %v", id, err)
	}
	return sc
}

type CategoryOpts struct {
	Price        int64
	LimitPerUser int
	IsVIP        bool
}

func SeedCategory(t *testing.T, st *store.Store, id, scheduleID string, quota int, opts CategoryOpts) *models.TicketCategory {
	t.Helper()
	if opts.Price == 0 {
		opts.Price = 150000
	}
	c := &models.TicketCategory{
		ID:           id,
		ScheduleID:   scheduleID,
		Name:         id,
		Price:        decimal.NewFromInt(opts.Price),
		Currency:     "LAK",
		Quota:        quota,
		LimitPerUser: opts.LimitPerUser,
		IsVIP:        opts.IsVIP,
	}
	if err := st.UpsertCategory(context.Background(), c); err != nil {
		t.Fatalf("seed category %s: %v", id, err)
	}
	return c
}

func SeedGate(t *testing.T, st *store.Store, g models.Gate) *models.Gate {
	t.Helper()
	ctx := context.Background()
	if g.Status == "" {
		g.Status = models.GateActive
	}
	if g.Code == "" {
		g.Code = "CODE-" + g.ID
	}
	if err := st.UpsertGate(ctx, &g); err != nil {
		t.Fatalf("seed gate %s: %v", g.ID, err)
	}
	if err := st.ReplaceGateCategories(ctx, g.ID, g.CategoryIDs); err != nil {
		t.Fatalf("seed gate categories %s: %v", g.ID, err)
	}
	if err := st.ReplaceGateStaff(ctx, g.ID, g.StaffIDs); err != nil {
		t.Fatalf("seed gate staff %s: %v", g.ID, err)
	}
	return &g
}
