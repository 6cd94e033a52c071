package bank

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ticket-engine/internal/status"
)

// Mock is an in-process gateway for development and tests. Webhooks are
// signed with secret in X-Signature.
type Mock struct {
	secret string

	mu  sync.Mutex
	txs map[string]TransactionStatus
	ch  chan<- *TransactionStatus
}

// MockCallback is the webhook body the mock gateway accepts.
type MockCallback struct {
	TransactionID string          `json:"transaction_id"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
}

func NewMock(secret string) *Mock {
	return &Mock{secret: secret, txs: make(map[string]TransactionStatus)}
}

func (m *Mock) Provider() Provider {
	return ProviderMock
}

func (m *Mock) GenerateQR(_ context.Context, req *PaymentRequest) (string, error) {
	m.mu.Lock()
	m.txs[req.TransactionID] = TransactionStatus{
		TransactionID: req.TransactionID,
		Status:        StatusPending,
		Amount:        req.Amount,
		Currency:      req.Currency,
	}
	m.mu.Unlock()
	return fmt.Sprintf("MOCKPAY|%s|%s|%s", req.TransactionID, req.Amount.String(), req.Currency), nil
}

func (m *Mock) CheckTransaction(_ context.Context, transactionID string) (*TransactionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.txs[transactionID]
	if !ok {
		return &TransactionStatus{TransactionID: transactionID, Status: StatusPending}, nil
	}
	return &st, nil
}

// Sign returns the X-Signature value for body.
func (m *Mock) Sign(body []byte) string {
	h := hmac.New(sha256.New, []byte(m.secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func (m *Mock) VerifyCallback(header http.Header, body []byte) (*TransactionStatus, error) {
	got := header.Get("X-Signature")
	if m.secret == "" || got == "" || !hmac.Equal([]byte(got), []byte(m.Sign(body))) {
		return nil, fmt.Errorf("mock callback: %w", status.ErrInvalidSignature)
	}
	var cb MockCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("mock callback: %w: %v", status.ErrValidation, err)
	}
	if cb.TransactionID == "" {
		return nil, fmt.Errorf("mock callback: %w: missing transaction_id", status.ErrValidation)
	}
	return &TransactionStatus{
		TransactionID: cb.TransactionID,
		Status:        cb.Status,
		Amount:        cb.Amount,
		Raw:           string(body),
	}, nil
}

func (m *Mock) SetTransactionChannel(ch chan<- *TransactionStatus) {
	m.mu.Lock()
	m.ch = ch
	m.mu.Unlock()
}

// Settle records a final status for a transaction and pushes it like a
// real gateway would. A zero amount means the amount asked for.
func (m *Mock) Settle(ctx context.Context, transactionID, st string, amount decimal.Decimal) (*TransactionStatus, error) {
	m.mu.Lock()
	cur := m.txs[transactionID]
	cur.TransactionID = transactionID
	cur.Status = st
	if !amount.IsZero() {
		cur.Amount = amount
	}
	cur.PaidAt = time.Now()
	m.txs[transactionID] = cur
	ch := m.ch
	m.mu.Unlock()

	pushed := cur
	if ch != nil {
		select {
		case ch <- &pushed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &pushed, nil
}

func (m *Mock) Close(context.Context) error {
	return nil
}
