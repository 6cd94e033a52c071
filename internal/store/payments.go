package store

import (
	"context"
	"fmt"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"

	"ticket-engine/models"
)

const transactionColumns = `id, order_id, provider, amount, currency, status, payment_code, created, updated`

func (s *Store) InsertTransaction(ctx context.Context, tx *models.PaymentTransaction) error {
	now := s.Now()
	tx.Created, tx.Updated = now, now
	err := s.insert(ctx, "payment_transactions", dbx.Params{
		"id":           tx.ID,
		"order_id":     tx.OrderID,
		"provider":     tx.Provider,
		"amount":       tx.Amount,
		"currency":     tx.Currency,
		"status":       tx.Status,
		"payment_code": tx.PaymentCode,
		"created":      now,
		"updated":      now,
	})
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*models.PaymentTransaction, error) {
	var tx models.PaymentTransaction
	if err := s.one(ctx, `SELECT `+transactionColumns+` FROM payment_transactions WHERE id = {:id}`, dbx.Params{"id": id}, &tx); err != nil {
		return nil, fmt.Errorf("transaction %s: %w", id, err)
	}
	return &tx, nil
}

func (s *Store) SetTransactionPaymentCode(ctx context.Context, id, code string) error {
	_, err := s.exec(ctx, `UPDATE payment_transactions SET payment_code = {:code}, updated = {:now} WHERE id = {:id}`,
		dbx.Params{"id": id, "code": code, "now": s.Now()})
	if err != nil {
		return fmt.Errorf("transaction %s payment code: %w", id, err)
	}
	return nil
}

func (s *Store) SetTransactionStatus(ctx context.Context, id string, st models.TransactionStatus) error {
	_, err := s.exec(ctx, `UPDATE payment_transactions SET status = {:status}, updated = {:now} WHERE id = {:id}`,
		dbx.Params{"id": id, "status": st, "now": s.Now()})
	if err != nil {
		return fmt.Errorf("transaction %s status: %w", id, err)
	}
	return nil
}

// PendingTransactions lists PENDING transactions created before olderThan
// whose order still awaits payment.
func (s *Store) PendingTransactions(ctx context.Context, olderThan types.DateTime, limit int) ([]models.PaymentTransaction, error) {
	var out []models.PaymentTransaction
	err := s.all(ctx, `SELECT t.id, t.order_id, t.provider, t.amount, t.currency, t.status, t.payment_code, t.created, t.updated
		FROM payment_transactions t JOIN orders o ON o.id = t.order_id
		WHERE t.status = 'PENDING' AND t.created <= {:before} AND o.payment_status = 'UNPAID'
		ORDER BY t.created LIMIT {:limit}`,
		dbx.Params{"before": olderThan, "limit": limit}, &out)
	if err != nil {
		return nil, fmt.Errorf("pending transactions: %w", err)
	}
	return out, nil
}

func (s *Store) InsertPaymentEvent(ctx context.Context, ev *models.PaymentEventRecord) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.Now()
	}
	err := s.insert(ctx, "payment_events", dbx.Params{
		"id":             ev.ID,
		"transaction_id": ev.TransactionID,
		"order_id":       ev.OrderID,
		"provider":       ev.Provider,
		"status":         ev.Status,
		"outcome":        ev.Outcome,
		"raw_payload":    ev.RawPayload,
		"request_id":     ev.RequestID,
		"received_at":    ev.ReceivedAt,
	})
	if err != nil {
		return fmt.Errorf("insert payment event: %w", err)
	}
	return nil
}

func (s *Store) ListPaymentEvents(ctx context.Context, transactionID string) ([]models.PaymentEventRecord, error) {
	var out []models.PaymentEventRecord
	err := s.all(ctx, `SELECT id, transaction_id, order_id, provider, status, outcome, raw_payload, request_id, received_at
		FROM payment_events WHERE transaction_id = {:tx} ORDER BY received_at, id`,
		dbx.Params{"tx": transactionID}, &out)
	if err != nil {
		return nil, fmt.Errorf("payment events of %s: %w", transactionID, err)
	}
	return out, nil
}
