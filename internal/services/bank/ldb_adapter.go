package bank

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"ticket-engine/internal/services/bank/ldb"
	"ticket-engine/internal/status"
)

// LDBAdapter wraps the LDB client to conform to Gateway. LDB does not
// push; it posts webhooks and answers inquiries.
type LDBAdapter struct {
	client ldb.LDB
}

func NewLDBAdapter(ctx context.Context, cfg *ldb.Config) (*LDBAdapter, error) {
	client, err := ldb.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create LDB client: %w", err)
	}
	return &LDBAdapter{client: client}, nil
}

func (l *LDBAdapter) Provider() Provider {
	return ProviderLDB
}

func (l *LDBAdapter) GenerateQR(ctx context.Context, req *PaymentRequest) (string, error) {
	expiry := req.ExpiryMinutes
	if expiry <= 0 {
		expiry = 5
	}

	return l.client.GenQRCode(ctx, &ldb.LDBQRForm{
		ExpiryTime:      strconv.Itoa(expiry),
		TxCount:         "1",
		Amount:          req.Amount,
		Currency:        req.Currency,
		UUID:            req.TransactionID,
		ReferenceNumber: req.TransactionID,
		MobileNumber:    req.Phone,
		Memo:            req.Description,
		ReqTxUUID:       req.TransactionID,
	})
}

func (l *LDBAdapter) CheckTransaction(ctx context.Context, transactionID string) (*TransactionStatus, error) {
	tx, err := l.client.CheckTransaction(ctx, transactionID, transactionID)
	if errors.Is(err, ldb.ErrTxnNotFound) {
		return &TransactionStatus{TransactionID: transactionID, Status: StatusPending}, nil
	}
	if err != nil {
		return nil, err
	}
	st := fromLDB(tx)
	if st.TransactionID == "" {
		st.TransactionID = transactionID
	}
	return st, nil
}

func (l *LDBAdapter) VerifyCallback(header http.Header, body []byte) (*TransactionStatus, error) {
	tx, err := l.client.VerifyWebhook(header.Get("X-Signature"), body)
	if errors.Is(err, ldb.ErrBadSignature) {
		return nil, fmt.Errorf("ldb callback: %w", status.ErrInvalidSignature)
	}
	if err != nil {
		return nil, fmt.Errorf("ldb callback: %w: %v", status.ErrValidation, err)
	}
	st := fromLDB(tx)
	st.Raw = string(body)
	return st, nil
}

func (l *LDBAdapter) SetTransactionChannel(chan<- *TransactionStatus) {}

func (l *LDBAdapter) Close(context.Context) error {
	return nil
}

func fromLDB(tx *ldb.Tx) *TransactionStatus {
	st := &TransactionStatus{
		TransactionID: tx.UUID,
		RefID:         tx.RefID,
		Amount:        tx.Amount,
		Currency:      tx.Ccy,
		PaidAt:        tx.CreatedAt,
	}
	switch tx.Status {
	case ldb.StatusFinalized:
		st.Status = StatusSuccess
	case ldb.StatusRejected, ldb.StatusFailed:
		st.Status = StatusFailed
	default:
		st.Status = StatusPending
	}
	return st
}
