package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"ticket-engine/internal/logger"
	"ticket-engine/internal/services/bank"
	"ticket-engine/internal/status"
	"ticket-engine/internal/store"
	"ticket-engine/models"
	"ticket-engine/monitoring"
	"ticket-engine/utils"
)

const pollBatch = 50

type PaymentOptions struct {
	PollInterval time.Duration
	PollMinAge   time.Duration
	DedupeTTL    time.Duration
}

// PaymentService reconciles gateway notifications with orders. Webhooks,
// PubNub pushes and polling all end in HandleNotification.
type PaymentService struct {
	store    *store.Store
	orders   *OrderService
	gateways *bank.Registry
	redis    redis.Cmdable

	pollInterval time.Duration
	pollMinAge   time.Duration
	dedupeTTL    time.Duration

	mu       sync.Mutex
	breakers map[bank.Provider]*utils.CircuitBreaker
}

func NewPaymentService(st *store.Store, orders *OrderService, gateways *bank.Registry, rdb redis.Cmdable, opts PaymentOptions) *PaymentService {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.PollMinAge <= 0 {
		opts.PollMinAge = time.Minute
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 24 * time.Hour
	}
	return &PaymentService{
		store:        st,
		orders:       orders,
		gateways:     gateways,
		redis:        rdb,
		pollInterval: opts.PollInterval,
		pollMinAge:   opts.PollMinAge,
		dedupeTTL:    opts.DedupeTTL,
		breakers:     make(map[bank.Provider]*utils.CircuitBreaker),
	}
}

func (s *PaymentService) breaker(p bank.Provider) *utils.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[p]
	if !ok {
		cb = utils.NewCircuitBreaker("gateway-" + string(p))
		s.breakers[p] = cb
	}
	return cb
}

// InitiatePayment opens a transaction for an unpaid order and asks the
// gateway for a QR code. The transaction row exists before the gateway is
// called so any notification can be traced back to its order.
func (s *PaymentService) InitiatePayment(ctx context.Context, orderID, provider string) (*models.PaymentTransaction, error) {
	gw, err := s.gateways.Get(provider)
	if err != nil {
		return nil, err
	}

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentStatus != models.OrderUnpaid {
		return nil, fmt.Errorf("order %s is %s: %w", orderID, order.PaymentStatus, status.ErrInvalidTransition)
	}
	left := order.PaymentExpiresAt.Time().Sub(s.store.Now().Time())
	if left <= 0 {
		return nil, fmt.Errorf("order %s payment window closed: %w", orderID, status.ErrInvalidTransition)
	}

	tx := &models.PaymentTransaction{
		ID:       uuid.NewString(),
		OrderID:  order.ID,
		Provider: string(gw.Provider()),
		Amount:   order.TotalAmount,
		Currency: order.Currency,
		Status:   models.TransactionPending,
	}
	if err := s.store.InsertTransaction(ctx, tx); err != nil {
		return nil, err
	}

	log := logger.From(ctx).With("order_id", order.ID, "transaction_id", tx.ID, "provider", tx.Provider)

	code, err := utils.Call(ctx, s.breaker(gw.Provider()), func(ctx context.Context) (string, error) {
		return gw.GenerateQR(ctx, &bank.PaymentRequest{
			TransactionID: tx.ID,
			OrderID:       order.ID,
			Amount:        order.TotalAmount,
			Currency:      order.Currency,
			Phone:         order.BuyerPhone,
			Description:   "Order " + order.ID,
			ExpiryMinutes: max(1, int(left.Minutes())),
		})
	})
	if err != nil {
		log.Error("generate payment qr", "error", err)
		if serr := s.store.SetTransactionStatus(ctx, tx.ID, models.TransactionFailed); serr != nil {
			log.Error("mark transaction failed", "error", serr)
		}
		return nil, fmt.Errorf("%s: %w: %v", tx.Provider, status.ErrFailedPayment, err)
	}

	if err := s.store.SetTransactionPaymentCode(ctx, tx.ID, code); err != nil {
		return nil, err
	}
	tx.PaymentCode = code

	log.Info("payment initiated", "amount", tx.Amount.String(), "currency", tx.Currency)
	return tx, nil
}

func (s *PaymentService) GetTransaction(ctx context.Context, id string) (*models.PaymentTransaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// HandleWebhook verifies a callback with the provider's gateway and hands it
// to HandleNotification. Nothing is recorded for a bad signature.
func (s *PaymentService) HandleWebhook(ctx context.Context, provider string, header http.Header, body []byte) (*models.Ack, error) {
	gw, err := s.gateways.Get(provider)
	if err != nil {
		return nil, err
	}
	ts, err := gw.VerifyCallback(header, body)
	if err != nil {
		logger.From(ctx).Warn("webhook rejected", "provider", provider, "error", err)
		return nil, err
	}
	if ts.Raw == "" {
		ts.Raw = string(body)
	}
	return s.HandleNotification(ctx, ts.Notification(gw.Provider()))
}

// HandleNotification applies one verified gateway notification. Unknown
// transactions are acknowledged and reported with ErrUnknownTransaction.
// Any other error means nothing was applied and the gateway should retry.
func (s *PaymentService) HandleNotification(ctx context.Context, n models.Notification) (*models.Ack, error) {
	log := logger.From(ctx).With("transaction_id", n.TransactionID, "provider", n.Provider, "status", n.Status)

	rec := &models.PaymentEventRecord{
		ID:            uuid.NewString(),
		TransactionID: n.TransactionID,
		Provider:      n.Provider,
		Status:        n.Status,
		RawPayload:    n.RawPayload,
		RequestID:     logger.RequestID(ctx),
	}
	ack := &models.Ack{Acknowledged: true}

	record := func(outcome models.NotificationOutcome) error {
		rec.Outcome = outcome
		ack.Outcome = outcome
		monitoring.TrackPaymentNotification(rec.Provider, outcome)
		return s.store.InsertPaymentEvent(ctx, rec)
	}

	tx, err := s.store.GetTransaction(ctx, n.TransactionID)
	if errors.Is(err, status.ErrNotFound) {
		log.Warn("notification for unknown transaction")
		if err := record(models.OutcomeUnknownTransaction); err != nil {
			return nil, err
		}
		return ack, fmt.Errorf("transaction %s: %w", n.TransactionID, status.ErrUnknownTransaction)
	}
	if err != nil {
		return nil, err
	}
	rec.OrderID = tx.OrderID
	ack.OrderID = tx.OrderID
	if rec.Provider == "" {
		rec.Provider = tx.Provider
	}

	event, ok := n.Event()
	if !ok {
		log.Debug("notification ignored")
		return ack, record(models.OutcomeIgnored)
	}

	if event == models.EventPaymentConfirmed && !n.Amount.Equal(tx.Amount) {
		log.Warn("paid amount does not match transaction", "paid", n.Amount.String(), "expected", tx.Amount.String())
		s.fillOrderStatus(ctx, ack)
		return ack, record(models.OutcomeAmountMismatch)
	}

	key := notifyKey(tx.ID, n.Status)
	if !s.claim(ctx, key) {
		s.fillOrderStatus(ctx, ack)
		log.Info("duplicate notification")
		return ack, record(models.OutcomeDuplicate)
	}

	order, changed, err := s.orders.applyEvent(ctx, tx.OrderID, event, "payment "+strings.ToLower(n.Status))
	var outcome models.NotificationOutcome
	switch {
	case err == nil && changed:
		outcome = models.OutcomeApplied
	case err == nil:
		outcome = models.OutcomeDuplicate
	case errors.Is(err, status.ErrInvalidTransition):
		outcome = models.OutcomeInvalidTransition
		if event == models.EventPaymentConfirmed {
			log.Warn("payment arrived for a closed order, needs manual refund", "order_id", tx.OrderID, "amount", n.Amount.String())
		} else {
			log.Warn("notification does not apply to order", "order_id", tx.OrderID, "error", err)
		}
	default:
		s.forget(ctx, key)
		return nil, fmt.Errorf("apply %s to order %s: %w", event, tx.OrderID, err)
	}

	if order != nil {
		ack.OrderStatus = order.PaymentStatus
	} else {
		s.fillOrderStatus(ctx, ack)
	}

	// Past the claim every failure releases it, so the gateway's retry is
	// not mistaken for a duplicate.
	if txStatus := transactionStatusFor(event); txStatus != tx.Status {
		if err := s.store.SetTransactionStatus(ctx, tx.ID, txStatus); err != nil {
			s.forget(ctx, key)
			return nil, err
		}
	}
	if err := record(outcome); err != nil {
		s.forget(ctx, key)
		return nil, err
	}

	log.Info("notification handled", "order_id", tx.OrderID, "outcome", outcome, "order_status", ack.OrderStatus)
	return ack, nil
}

func transactionStatusFor(event models.PaymentEvent) models.TransactionStatus {
	switch event {
	case models.EventPaymentConfirmed:
		return models.TransactionSuccess
	case models.EventRefundProcessed:
		return models.TransactionRefunded
	}
	return models.TransactionFailed
}

func (s *PaymentService) fillOrderStatus(ctx context.Context, ack *models.Ack) {
	if order, err := s.store.GetOrder(ctx, ack.OrderID); err == nil {
		ack.OrderStatus = order.PaymentStatus
	}
}

func notifyKey(txID, st string) string {
	return fmt.Sprintf("payment:notify:%s:%s", txID, strings.ToLower(strings.TrimSpace(st)))
}

// claim reports whether this is the first delivery of key. Redis only
// short-circuits repeats; the order CAS is what keeps replays harmless.
func (s *PaymentService) claim(ctx context.Context, key string) bool {
	if s.redis == nil {
		return true
	}
	ok, err := s.redis.SetNX(ctx, key, s.store.Now().String(), s.dedupeTTL).Result()
	if err != nil {
		slog.Warn("notification dedupe unavailable", "key", key, "error", err)
		return true
	}
	return ok
}

func (s *PaymentService) forget(ctx context.Context, key string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		slog.Warn("release notification key", "key", key, "error", err)
	}
}

// PollPending asks the gateways about transactions that have waited longer
// than the minimum age and feeds settled ones into HandleNotification.
func (s *PaymentService) PollPending(ctx context.Context) (int, error) {
	cutoff := store.DateTimeOf(s.store.Now().Time().Add(-s.pollMinAge))
	pending, err := s.store.PendingTransactions(ctx, cutoff, pollBatch)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, tx := range pending {
		gw, err := s.gateways.Get(tx.Provider)
		if err != nil {
			slog.Warn("pending transaction for unavailable provider", "transaction_id", tx.ID, "provider", tx.Provider)
			continue
		}
		st, err := s.check(ctx, gw, tx.ID)
		if err != nil {
			if errors.Is(err, utils.ErrOpenState) {
				slog.Debug("gateway circuit open, skipping", "provider", tx.Provider)
			} else {
				slog.Warn("check transaction", "transaction_id", tx.ID, "provider", tx.Provider, "error", err)
			}
			continue
		}
		if st.Status == bank.StatusPending {
			continue
		}

		if _, err := s.HandleNotification(ctx, st.Notification(gw.Provider())); err != nil {
			slog.Error("apply polled status", "transaction_id", tx.ID, "error", err)
			continue
		}
		handled++
	}
	return handled, nil
}

func (s *PaymentService) check(ctx context.Context, gw bank.Gateway, txID string) (*bank.TransactionStatus, error) {
	st, err := utils.Call(ctx, s.breaker(gw.Provider()), func(ctx context.Context) (*bank.TransactionStatus, error) {
		return gw.CheckTransaction(ctx, txID)
	})
	if err != nil {
		return nil, err
	}
	if st.TransactionID == "" {
		st.TransactionID = txID
	}
	return st, nil
}

// Run consumes gateway pushes and polls pending transactions until ctx is
// done.
func (s *PaymentService) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range s.gateways.Providers() {
		gw, err := s.gateways.Get(string(p))
		if err != nil {
			continue
		}
		ch := make(chan *bank.TransactionStatus, 64)
		gw.SetTransactionChannel(ch)

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.consume(ctx, gw, ch)
		}()
	}

	slog.Info("payment reconciliation started", "providers", s.gateways.Providers(), "poll_interval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			slog.Info("payment reconciliation stopped")
			return
		case <-ticker.C:
			if n, err := s.PollPending(ctx); err != nil {
				slog.Error("poll pending transactions", "error", err)
			} else if n > 0 {
				slog.Info("pending transactions settled by polling", "count", n)
			}
		}
	}
}

// consume handles pushes from one gateway. A push is a hint; the state is
// confirmed with CheckTransaction before it is applied.
func (s *PaymentService) consume(ctx context.Context, gw bank.Gateway, ch <-chan *bank.TransactionStatus) {
	for {
		select {
		case <-ctx.Done():
			return
		case push := <-ch:
			st, err := s.check(ctx, gw, push.TransactionID)
			if err != nil {
				slog.Warn("confirm pushed transaction", "transaction_id", push.TransactionID, "provider", gw.Provider(), "error", err)
				continue
			}
			if st.Status == bank.StatusPending {
				continue
			}
			if st.Raw == "" {
				st.Raw = push.Raw
			}
			if _, err := s.HandleNotification(ctx, st.Notification(gw.Provider())); err != nil {
				slog.Error("apply pushed transaction", "transaction_id", push.TransactionID, "error", err)
			}
		}
	}
}

// SimulatePayment settles a mock transaction and pushes it like a bank
// would. Only the mock gateway supports it.
func (s *PaymentService) SimulatePayment(ctx context.Context, transactionID, st string, amount decimal.Decimal) (*bank.TransactionStatus, error) {
	gw, err := s.gateways.Get(string(bank.ProviderMock))
	if err != nil {
		return nil, err
	}
	m, ok := gw.(*bank.Mock)
	if !ok {
		return nil, fmt.Errorf("mock gateway: %w", status.ErrUnsupportedProvider)
	}
	if _, err := s.store.GetTransaction(ctx, transactionID); err != nil {
		return nil, err
	}
	if st == "" {
		st = bank.StatusSuccess
	}
	return m.Settle(ctx, transactionID, st, amount)
}
