package bank

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"ticket-engine/internal/services/bank/jdb"
	"ticket-engine/internal/status"
	"ticket-engine/utils"
)

// yespay is the part of *jdb.Yespay the adapter uses.
type yespay interface {
	GenQRCode(ctx context.Context, f *jdb.FormQR) (string, error)
	CheckTransaction(ctx context.Context, uuid string) (*jdb.Transaction, error)
	VerifyWebhook(signedHash string, body []byte) (*jdb.Transaction, error)
	SetTranChannel(ch chan<- *jdb.Transaction)
	Unsubscribe(uuid string)
	Close()
}

// JDBAdapter wraps the JDB Yespay client to conform to Gateway.
type JDBAdapter struct {
	client yespay

	push chan *jdb.Transaction
	done chan struct{}
	once sync.Once
	stop sync.Once
}

func NewJDBAdapter(ctx context.Context, cfg *jdb.Config) (*JDBAdapter, error) {
	client, err := jdb.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create JDB client: %w", err)
	}
	return newJDBAdapter(client), nil
}

func newJDBAdapter(client yespay) *JDBAdapter {
	a := &JDBAdapter{
		client: client,
		push:   make(chan *jdb.Transaction, 64),
		done:   make(chan struct{}),
	}
	client.SetTranChannel(a.push)
	return a
}

func (j *JDBAdapter) Provider() Provider {
	return ProviderJDB
}

func (j *JDBAdapter) GenerateQR(ctx context.Context, req *PaymentRequest) (string, error) {
	terminal, err := utils.GenerateCode(4)
	if err != nil {
		return "", err
	}
	return j.client.GenQRCode(ctx, &jdb.FormQR{
		UUID:           req.TransactionID,
		Phone:          req.Phone,
		ReferenceLabel: req.OrderID,
		TerminalLabel:  terminal,
		Amount:         req.Amount,
	})
}

// CheckTransaction reports success once JDB knows a payment for the bill.
// JDB has no failed state; an unpaid bill stays pending until the order
// expires.
func (j *JDBAdapter) CheckTransaction(ctx context.Context, transactionID string) (*TransactionStatus, error) {
	tx, err := j.client.CheckTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return &TransactionStatus{TransactionID: transactionID, Status: StatusPending}, nil
	}
	return fromJDB(tx), nil
}

func (j *JDBAdapter) VerifyCallback(header http.Header, body []byte) (*TransactionStatus, error) {
	tx, err := j.client.VerifyWebhook(header.Get("SignedHash"), body)
	if errors.Is(err, jdb.ErrBadSignature) {
		return nil, fmt.Errorf("jdb callback: %w", status.ErrInvalidSignature)
	}
	if err != nil {
		return nil, fmt.Errorf("jdb callback: %w: %v", status.ErrValidation, err)
	}
	st := fromJDB(tx)
	st.Raw = string(body)
	return st, nil
}

// SetTransactionChannel forwards PubNub pushes to ch until Close.
func (j *JDBAdapter) SetTransactionChannel(ch chan<- *TransactionStatus) {
	j.once.Do(func() {
		go func() {
			for {
				select {
				case tx := <-j.push:
					j.client.Unsubscribe(tx.UUID)
					select {
					case ch <- fromJDB(tx):
					case <-j.done:
						return
					}
				case <-j.done:
					return
				}
			}
		}()
	})
}

func (j *JDBAdapter) Close(context.Context) error {
	j.stop.Do(func() {
		close(j.done)
		j.client.Close()
	})
	return nil
}

func fromJDB(tx *jdb.Transaction) *TransactionStatus {
	return &TransactionStatus{
		TransactionID: tx.UUID,
		RefID:         tx.RefID,
		Status:        StatusSuccess,
		Amount:        tx.Amount,
		Currency:      tx.Ccy,
		PaidAt:        tx.CreatedAt,
	}
}
