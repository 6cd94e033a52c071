package bank

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"ticket-engine/models"
)

// Provider names a payment gateway.
type Provider string

const (
	ProviderJDB  Provider = "jdb"
	ProviderLDB  Provider = "ldb"
	ProviderMock Provider = "mock"
)

// Gateway statuses. They are the strings models.Notification understands.
const (
	StatusPending  = "pending"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusRefunded = "refunded"
)

// PaymentRequest asks a gateway for a payable code. TransactionID is the
// reference the gateway echoes back in every notification.
type PaymentRequest struct {
	TransactionID string
	OrderID       string
	Amount        decimal.Decimal
	Currency      string
	Phone         string
	Description   string
	ExpiryMinutes int
}

// TransactionStatus is what a gateway says about one transaction.
type TransactionStatus struct {
	TransactionID string
	RefID         string
	Status        string
	Amount        decimal.Decimal
	Currency      string
	PaidAt        time.Time
	Raw           string
}

func (t *TransactionStatus) Notification(provider Provider) models.Notification {
	return models.Notification{
		TransactionID: t.TransactionID,
		Status:        t.Status,
		Amount:        t.Amount,
		Provider:      string(provider),
		RawPayload:    t.Raw,
	}
}

// Gateway is implemented by every bank integration.
type Gateway interface {
	Provider() Provider

	// GenerateQR returns the EMV/QR string the payer scans.
	GenerateQR(ctx context.Context, req *PaymentRequest) (string, error)

	// CheckTransaction asks the bank for the current state. An unpaid
	// transaction reports StatusPending, not an error.
	CheckTransaction(ctx context.Context, transactionID string) (*TransactionStatus, error)

	// VerifyCallback authenticates a webhook and decodes it. A bad
	// signature is status.ErrInvalidSignature.
	VerifyCallback(header http.Header, body []byte) (*TransactionStatus, error)

	// SetTransactionChannel receives pushed notifications, for gateways
	// that push.
	SetTransactionChannel(ch chan<- *TransactionStatus)

	Close(ctx context.Context) error
}
