package store

import (
	"context"
	"fmt"

	"github.com/pocketbase/dbx"

	"ticket-engine/internal/status"
	"ticket-engine/models"
)

func (s *Store) GetGate(ctx context.Context, id string) (*models.Gate, error) {
	var g models.Gate
	err := s.one(ctx, `SELECT id, code, name, capacity, is_vip, status, access_code_hash, created, updated FROM gates WHERE id = {:id}`,
		dbx.Params{"id": id}, &g)
	if err != nil {
		return nil, fmt.Errorf("gate %s: %w", id, err)
	}

	var cats []struct {
		ID string `db:"category_id"`
	}
	if err := s.all(ctx, `SELECT category_id FROM gate_categories WHERE gate_id = {:id} ORDER BY category_id`, dbx.Params{"id": id}, &cats); err != nil {
		return nil, fmt.Errorf("gate %s categories: %w", id, err)
	}
	var staff []struct {
		ID string `db:"staff_id"`
	}
	if err := s.all(ctx, `SELECT staff_id FROM gate_staff WHERE gate_id = {:id} ORDER BY staff_id`, dbx.Params{"id": id}, &staff); err != nil {
		return nil, fmt.Errorf("gate %s staff: %w", id, err)
	}

	g.CategoryIDs = make([]string, 0, len(cats))
	for _, c := range cats {
		g.CategoryIDs = append(g.CategoryIDs, c.ID)
	}
	g.StaffIDs = make([]string, 0, len(staff))
	for _, st := range staff {
		g.StaffIDs = append(g.StaffIDs, st.ID)
	}
	g.Locked = g.AccessCodeHash != ""
	return &g, nil
}

// UpsertGate writes the gate's own columns. Assignments and the access code
// have their own setters.
func (s *Store) UpsertGate(ctx context.Context, g *models.Gate) error {
	now := s.Now()
	_, err := s.exec(ctx, `INSERT INTO gates (id, code, name, capacity, is_vip, status, access_code_hash, created, updated)
		VALUES ({:id}, {:code}, {:name}, {:capacity}, {:vip}, {:status}, '', {:now}, {:now})
		ON CONFLICT(id) DO UPDATE SET code = excluded.code, name = excluded.name, capacity = excluded.capacity,
			is_vip = excluded.is_vip, status = excluded.status, updated = excluded.updated`,
		dbx.Params{"id": g.ID, "code": g.Code, "name": g.Name, "capacity": g.Capacity, "vip": g.IsVIP, "status": g.Status, "now": now})
	if isUniqueViolation(err) {
		return fmt.Errorf("gate code %q already used: %w", g.Code, status.ErrValidation)
	}
	if err != nil {
		return fmt.Errorf("upsert gate %s: %w", g.ID, err)
	}
	return nil
}

func (s *Store) SetGateStatus(ctx context.Context, id string, st models.GateStatus) error {
	return s.updateGate(ctx, id, "status", st)
}

func (s *Store) SetGateAccessCodeHash(ctx context.Context, id, hash string) error {
	return s.updateGate(ctx, id, "access_code_hash", hash)
}

func (s *Store) updateGate(ctx context.Context, id, column string, value any) error {
	res, err := s.builder(ctx).Update("gates", dbx.Params{column: value, "updated": s.Now()}, dbx.HashExp{"id": id}).
		WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("gate %s %s: %w", id, column, translate(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("gate %s: %w", id, status.ErrNotFound)
	}
	return nil
}

func (s *Store) ReplaceGateCategories(ctx context.Context, gateID string, categoryIDs []string) error {
	return s.replaceAssignments(ctx, "gate_categories", "category_id", gateID, categoryIDs)
}

func (s *Store) ReplaceGateStaff(ctx context.Context, gateID string, staffIDs []string) error {
	return s.replaceAssignments(ctx, "gate_staff", "staff_id", gateID, staffIDs)
}

func (s *Store) replaceAssignments(ctx context.Context, table, column, gateID string, ids []string) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.builder(ctx).Delete(table, dbx.HashExp{"gate_id": gateID}).WithContext(ctx).Execute(); err != nil {
			return fmt.Errorf("clear %s for %s: %w", table, gateID, translate(err))
		}
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if _, dup := seen[id]; dup || id == "" {
				continue
			}
			seen[id] = struct{}{}
			if err := s.insert(ctx, table, dbx.Params{"gate_id": gateID, column: id}); err != nil {
				return fmt.Errorf("assign %s to %s: %w", id, gateID, err)
			}
		}
		return nil
	})
}
