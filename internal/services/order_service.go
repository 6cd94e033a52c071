package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ticket-engine/internal/logger"
	"ticket-engine/internal/status"
	"ticket-engine/internal/store"
	"ticket-engine/models"
	"ticket-engine/monitoring"
	"ticket-engine/utils"
)

const qrCodeAttempts = 3

// OrderService is the only writer of order payment status and of item
// statuses other than CHECKED_IN.
type OrderService struct {
	store          *store.Store
	ledger         *LedgerService
	pub            Publisher
	paymentTimeout time.Duration
}

func NewOrderService(st *store.Store, ledger *LedgerService, pub Publisher, paymentTimeout time.Duration) *OrderService {
	if paymentTimeout <= 0 {
		paymentTimeout = 10 * time.Minute
	}
	return &OrderService{store: st, ledger: ledger, pub: pub, paymentTimeout: paymentTimeout}
}

type CreateOrderInput struct {
	ScheduleID string       `json:"schedule_id"`
	CategoryID string       `json:"category_id"`
	Quantity   int          `json:"quantity"`
	Buyer      models.Buyer `json:"buyer"`
}

func (in CreateOrderInput) validate() error {
	var problems []string
	if in.ScheduleID == "" {
		problems = append(problems, "schedule_id is required")
	}
	if in.CategoryID == "" {
		problems = append(problems, "category_id is required")
	}
	if in.Quantity < 1 {
		problems = append(problems, "quantity must be at least 1")
	}
	if strings.TrimSpace(in.Buyer.Name) == "" {
		problems = append(problems, "buyer name is required")
	}
	if strings.TrimSpace(in.Buyer.Email) == "" && strings.TrimSpace(in.Buyer.Phone) == "" {
		problems = append(problems, "buyer email or phone is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", status.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// CreateOrder reserves seats and writes an UNPAID order with one ticket per
// seat. Nothing is written when the ledger runs out.
func (s *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (*models.Order, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var order *models.Order
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		cat, err := s.store.GetCategory(ctx, in.CategoryID)
		if err != nil {
			return err
		}
		if cat.ScheduleID != in.ScheduleID {
			return fmt.Errorf("category %s is not sold for schedule %s: %w", cat.ID, in.ScheduleID, status.ErrValidation)
		}

		buyerKey := in.Buyer.Key()
		if cat.LimitPerUser > 0 {
			held, err := s.store.CountBuyerTickets(ctx, buyerKey, cat.ID)
			if err != nil {
				return err
			}
			if held+in.Quantity > cat.LimitPerUser {
				return fmt.Errorf("%w: limit of %d tickets per buyer, %d already held",
					status.ErrValidation, cat.LimitPerUser, held)
			}
		}

		token, err := s.ledger.Reserve(ctx, cat.ID, in.Quantity)
		if err != nil {
			return err
		}

		now := s.store.Now().Time()
		order = &models.Order{
			ID:               uuid.NewString(),
			ScheduleID:       cat.ScheduleID,
			CategoryID:       cat.ID,
			ReservationID:    token.ID,
			BuyerID:          in.Buyer.ID,
			BuyerName:        strings.TrimSpace(in.Buyer.Name),
			BuyerEmail:       strings.TrimSpace(in.Buyer.Email),
			BuyerPhone:       strings.TrimSpace(in.Buyer.Phone),
			BuyerKey:         buyerKey,
			Quantity:         in.Quantity,
			TotalAmount:      cat.Price.Mul(decimal.NewFromInt(int64(in.Quantity))),
			Currency:         cat.Currency,
			PaymentStatus:    models.OrderUnpaid,
			PaymentExpiresAt: store.DateTimeOf(now.Add(s.paymentTimeout)),
		}
		if err := s.store.InsertOrder(ctx, order); err != nil {
			return err
		}

		order.Items = make([]models.OrderItem, 0, in.Quantity)
		for range in.Quantity {
			item, err := s.insertItem(ctx, order)
			if err != nil {
				return err
			}
			order.Items = append(order.Items, *item)
		}
		order.FillBuyer()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	logger.From(ctx).Info("order created",
		"order_id", order.ID, "category_id", order.CategoryID, "quantity", order.Quantity,
		"total", order.TotalAmount.String(), "expires_at", order.PaymentExpiresAt.String())
	return order, nil
}

func (s *OrderService) insertItem(ctx context.Context, order *models.Order) (*models.OrderItem, error) {
	for attempt := 1; ; attempt++ {
		code, err := utils.GenerateQRToken()
		if err != nil {
			return nil, err
		}
		item := &models.OrderItem{
			ID:         uuid.NewString(),
			OrderID:    order.ID,
			CategoryID: order.CategoryID,
			QRCode:     code,
			Status:     models.TicketUnpaid,
		}
		err = s.store.InsertOrderItem(ctx, item)
		if err == nil {
			return item, nil
		}
		if !errors.Is(err, store.ErrDuplicateQRCode) || attempt == qrCodeAttempts {
			return nil, err
		}
	}
}

// ApplyPaymentEvent drives the order through the transition table. An order
// already in the event's target state is returned unchanged.
func (s *OrderService) ApplyPaymentEvent(ctx context.Context, orderID string, event models.PaymentEvent) (*models.Order, error) {
	order, _, err := s.applyEvent(ctx, orderID, event, "")
	return order, err
}

// CancelOrder is the buyer giving up an unpaid order.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, reason string) (*models.Order, error) {
	if reason == "" {
		reason = "canceled by buyer"
	}
	order, _, err := s.applyEvent(ctx, orderID, models.EventBuyerCanceled, reason)
	return order, err
}

func (s *OrderService) RefundOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, _, err := s.applyEvent(ctx, orderID, models.EventRefundProcessed, "")
	return order, err
}

// expire cancels an order whose payment window has passed. It reports
// whether this call did it.
func (s *OrderService) expire(ctx context.Context, orderID string) (bool, error) {
	_, changed, err := s.applyEvent(ctx, orderID, models.EventExpired, "payment window expired")
	return changed, err
}

func (s *OrderService) applyEvent(ctx context.Context, orderID string, event models.PaymentEvent, reason string) (*models.Order, bool, error) {
	target, ok := event.TargetStatus()
	if !ok {
		return nil, false, fmt.Errorf("event %q: %w", event, status.ErrValidation)
	}

	var (
		order   *models.Order
		from    models.OrderStatus
		changed bool
	)
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		cur, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		from = cur.PaymentStatus
		if from == target {
			order = cur
			return nil
		}
		to, ok := models.NextOrderStatus(from, event)
		if !ok {
			return fmt.Errorf("order %s is %s, cannot apply %s: %w", orderID, from, event, status.ErrInvalidTransition)
		}

		t := store.OrderTransition{ID: orderID, From: from, To: to, Reason: reason}
		if event == models.EventExpired {
			t.ExpiredBy = s.store.Now()
		}
		swapped, err := s.store.TransitionOrder(ctx, t)
		if err != nil {
			return err
		}
		if !swapped {
			// Expiry guard failed or the status moved since the read.
			fresh, err := s.store.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			if fresh.PaymentStatus == target {
				order = fresh
				return nil
			}
			return fmt.Errorf("order %s is %s, cannot apply %s: %w", orderID, fresh.PaymentStatus, event, status.ErrInvalidTransition)
		}

		if err := s.sideEffects(ctx, cur, to); err != nil {
			return err
		}
		changed = true
		order, err = s.store.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		monitoring.TrackOrderTransition(from, order.PaymentStatus)
		logger.From(ctx).Info("order transitioned",
			"order_id", order.ID, "from", from, "to", order.PaymentStatus, "event", event)
		s.pub.Publish(ctx, orderChannel(order.ID), map[string]any{
			"type":           "order_status",
			"order_id":       order.ID,
			"payment_status": order.PaymentStatus,
			"updated_at":     order.Updated.String(),
		})
	}
	return order, changed, nil
}

func (s *OrderService) sideEffects(ctx context.Context, order *models.Order, to models.OrderStatus) error {
	token := models.ReservationToken{
		ID:         order.ReservationID,
		ScheduleID: order.ScheduleID,
		CategoryID: order.CategoryID,
		Quantity:   order.Quantity,
	}

	switch {
	case to == models.OrderPaid:
		if _, err := s.store.SetItemStatuses(ctx, order.ID, []models.TicketStatus{models.TicketUnpaid}, models.TicketPaid); err != nil {
			return err
		}
		return s.ledger.Commit(ctx, token)

	case to.ReleasesReservation():
		from := []models.TicketStatus{models.TicketUnpaid, models.TicketPaid}
		if _, err := s.store.SetItemStatuses(ctx, order.ID, from, models.TicketCanceled); err != nil {
			return err
		}
		return s.ledger.Release(ctx, token)

	case to == models.OrderRefunded:
		if _, err := s.store.SetItemStatuses(ctx, order.ID, []models.TicketStatus{models.TicketPaid}, models.TicketRefunded); err != nil {
			return err
		}
		flagged, err := s.store.FlagRefundedAfterUse(ctx, order.ID)
		if err != nil {
			return err
		}
		if flagged > 0 {
			logger.From(ctx).Warn("refunded order had checked-in tickets", "order_id", order.ID, "tickets", flagged)
		}
	}
	return nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

func (s *OrderService) ListOrders(ctx context.Context, filter models.OrderFilter, page, perPage int) ([]models.Order, models.Pagination, error) {
	if perPage > 100 {
		perPage = 100
	}
	p := models.NewPagination(page, perPage, 0)
	orders, total, err := s.store.ListOrders(ctx, filter, p.PerPage, p.Offset())
	if err != nil {
		return nil, models.Pagination{}, err
	}
	return orders, models.NewPagination(p.Page, p.PerPage, total), nil
}
