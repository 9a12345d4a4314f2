// Package orders обслуживает чтение заказов и их последующие изменения: смену статуса и отмену.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/inventory"
)

// ListFilter — параметры выборки заказов.
type ListFilter struct {
	UserID        string
	Status        domain.OrderStatus   `validate:"omitempty,oneof=pending processing completed cancelled refunded"`
	PaymentStatus domain.PaymentStatus `validate:"omitempty,oneof=pending paid failed refunded"`
	Query         string               `validate:"max=200"`
	Page          int                  `validate:"gte=0,lte=100000"`
	PageSize      int                  `validate:"gte=0"`
}

// StatusPatch — административное изменение заказа. Пустые поля не меняются.
type StatusPatch struct {
	Status        domain.OrderStatus   `json:"status" validate:"omitempty,oneof=pending processing completed cancelled refunded"`
	PaymentStatus domain.PaymentStatus `json:"payment_status" validate:"omitempty,oneof=pending paid failed refunded"`
	Notes         *string              `json:"notes" validate:"omitempty,max=2000"`
	Reason        string               `json:"reason" validate:"max=500"`
}

func (p StatusPatch) empty() bool {
	return p.Status == "" && p.PaymentStatus == "" && p.Notes == nil
}

var validate = validator.New()

// Service — сервис заказов после оформления.
type Service struct {
	uow      domain.UnitOfWork
	orders   domain.OrderRepository
	timeline domain.TimelineRepository
	cache    domain.OrderCache
	ledger   *inventory.Ledger
	metrics  *metrics.CheckoutMetrics
	logger   *log.Entry
	now      func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithCache включает кэш модели чтения.
func WithCache(cache domain.OrderCache) Option {
	return func(s *Service) { s.cache = cache }
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService создаёт сервис заказов.
func NewService(uow domain.UnitOfWork, orders domain.OrderRepository, timeline domain.TimelineRepository, logger *log.Entry, opts ...Option) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "orders")
	}
	s := &Service{
		uow:      uow,
		orders:   orders,
		timeline: timeline,
		ledger:   inventory.NewLedger(logger.WithField("component", "inventory-ledger")),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List возвращает страницу заказов. Покупатель видит только свои заказы.
func (s *Service) List(ctx context.Context, requester domain.Requester, filter ListFilter) (domain.OrderPage, error) {
	if !requester.Authenticated() {
		return domain.OrderPage{}, domain.ErrUnauthenticated
	}
	if err := validate.Struct(filter); err != nil {
		return domain.OrderPage{}, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}

	userID := strings.TrimSpace(filter.UserID)
	if !requester.IsAdmin() {
		userID = requester.UserID
	}

	page, err := s.orders.List(ctx, domain.OrderFilter{
		UserID:        userID,
		Status:        filter.Status,
		PaymentStatus: filter.PaymentStatus,
		Query:         strings.TrimSpace(filter.Query),
		Page:          filter.Page,
		PageSize:      filter.PageSize,
	})
	if err != nil {
		return domain.OrderPage{}, fmt.Errorf("%w: list orders: %w", domain.ErrInternal, err)
	}
	return page, nil
}

// Get возвращает заказ владельцу или администратору.
func (s *Service) Get(ctx context.Context, id string, requester domain.Requester) (domain.Order, error) {
	order, err := s.load(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Order{}, err
	}
	if !requester.CanView(order) {
		return domain.Order{}, domain.ErrForbidden
	}
	return order, nil
}

// Timeline возвращает события заказа с той же проверкой прав, что и Get.
func (s *Service) Timeline(ctx context.Context, id string, requester domain.Requester) ([]domain.TimelineEvent, error) {
	order, err := s.Get(ctx, id, requester)
	if err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return nil, nil
	}
	events, err := s.timeline.List(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: list timeline: %w", domain.ErrInternal, err)
	}
	return events, nil
}

// UpdateStatus применяет административное изменение под блокировкой строки заказа.
// Переход в cancelled возвращает остатки на склад так же, как Cancel.
func (s *Service) UpdateStatus(ctx context.Context, id string, patch StatusPatch, requester domain.Requester) (domain.Order, error) {
	if !requester.Authenticated() {
		return domain.Order{}, domain.ErrUnauthenticated
	}
	if !requester.IsAdmin() {
		return domain.Order{}, domain.ErrForbidden
	}
	if patch.empty() {
		return domain.Order{}, &domain.ValidationError{Fields: map[string]string{"status": "required"}}
	}
	if err := validate.Struct(patch); err != nil {
		return domain.Order{}, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}

	var (
		event   string
		changed bool
	)
	now := s.now().UTC()
	err := domain.RunInTx(ctx, s.uow, func(tx domain.Tx) error {
		order, err := tx.Orders().LockByID(ctx, strings.TrimSpace(id))
		if err != nil {
			return err
		}

		next := order
		if patch.Status != "" && patch.Status != order.Status {
			if !order.Status.CanTransitionTo(patch.Status) {
				return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStatusTransition, order.Status, patch.Status)
			}
			next.Status = patch.Status
			event = domain.TimelineOrderStatusChanged
			if patch.Status == domain.OrderStatusCancelled {
				event = domain.TimelineOrderCancelled
				if err := s.releaseStock(ctx, tx, order); err != nil {
					return err
				}
			}
			if patch.Status == domain.OrderStatusCompleted && next.DeliveredAt == nil {
				next.DeliveredAt = &now
			}
		}
		if patch.PaymentStatus != "" && patch.PaymentStatus != order.PaymentStatus {
			if !order.PaymentStatus.CanTransitionTo(patch.PaymentStatus) {
				return fmt.Errorf("%w: payment %s -> %s", domain.ErrInvalidStatusTransition, order.PaymentStatus, patch.PaymentStatus)
			}
			next.PaymentStatus = patch.PaymentStatus
			if event == "" {
				event = domain.TimelineOrderStatusChanged
			}
		}
		if patch.Notes != nil {
			next.Notes = strings.TrimSpace(*patch.Notes)
		}

		if next.Status == order.Status && next.PaymentStatus == order.PaymentStatus && next.Notes == order.Notes {
			return nil
		}
		changed = true
		next.UpdatedAt = now
		if err := tx.Orders().Update(ctx, next); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if event == "" {
			return nil
		}
		return s.enqueue(ctx, tx, event, next, patch.Reason, now)
	})
	if err != nil {
		return domain.Order{}, s.fail(err, "update order status", id)
	}

	if changed {
		s.afterChange(ctx, id, event, patch.Reason, now)
		if patch.Status != "" {
			s.metrics.RecordStatusChange(string(patch.Status))
		}
		s.logger.WithFields(log.Fields{
			"order_id":       id,
			"status":         patch.Status,
			"payment_status": patch.PaymentStatus,
			"admin":          requester.UserID,
		}).Info("order updated")
	}

	return s.reload(ctx, id)
}

// Cancel отменяет заказ в статусе pending или processing и возвращает остатки на склад.
func (s *Service) Cancel(ctx context.Context, id string, requester domain.Requester, reason string) (domain.Order, error) {
	if !requester.Authenticated() {
		return domain.Order{}, domain.ErrUnauthenticated
	}
	reason = strings.TrimSpace(reason)
	if len(reason) > 500 {
		return domain.Order{}, &domain.ValidationError{Fields: map[string]string{"reason": "max"}}
	}

	now := s.now().UTC()
	err := domain.RunInTx(ctx, s.uow, func(tx domain.Tx) error {
		order, err := tx.Orders().LockByID(ctx, strings.TrimSpace(id))
		if err != nil {
			return err
		}
		if !requester.CanView(order) {
			return domain.ErrForbidden
		}
		if order.Status != domain.OrderStatusPending && order.Status != domain.OrderStatusProcessing {
			return fmt.Errorf("%w: cannot cancel %s order", domain.ErrInvalidStatusTransition, order.Status)
		}

		if err := s.releaseStock(ctx, tx, order); err != nil {
			return err
		}

		order.Status = domain.OrderStatusCancelled
		order.UpdatedAt = now
		if err := tx.Orders().Update(ctx, order); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		return s.enqueue(ctx, tx, domain.TimelineOrderCancelled, order, reason, now)
	})
	if err != nil {
		return domain.Order{}, s.fail(err, "cancel order", id)
	}

	s.afterChange(ctx, id, domain.TimelineOrderCancelled, reason, now)
	s.metrics.RecordCancellation()
	s.logger.WithFields(log.Fields{
		"order_id": id,
		"user_id":  requester.UserID,
		"reason":   reason,
	}).Info("order cancelled")

	return s.reload(ctx, id)
}

// releaseStock возвращает остатки по всем позициям в порядке возрастания product_id.
func (s *Service) releaseStock(ctx context.Context, tx domain.Tx, order domain.Order) error {
	items := append([]domain.OrderLineItem(nil), order.Items...)
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })

	for _, item := range items {
		err := s.ledger.Release(ctx, tx.Products(), item.ProductID, item.Quantity)
		if errors.Is(err, domain.ErrProductNotFound) {
			s.logger.WithFields(log.Fields{
				"order_id":   order.ID,
				"product_id": item.ProductID,
			}).Warn("product removed from catalog, stock not released")
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, tx domain.Tx, event string, order domain.Order, reason string, at time.Time) error {
	msg, err := domain.NewOrderOutboxMessage(event, order, reason, at)
	if err != nil {
		return err
	}
	if _, err := tx.Outbox().Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s: %w", event, err)
	}
	return nil
}

func (s *Service) afterChange(ctx context.Context, id, event, reason string, at time.Time) {
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, id); err != nil {
			s.logger.WithError(err).WithField("order_id", id).Warn("order cache invalidation failed")
		}
	}
	if s.timeline == nil || event == "" {
		return
	}
	if err := s.timeline.Append(ctx, domain.TimelineEvent{OrderID: id, Type: event, Reason: reason, Occurred: at}); err != nil {
		s.logger.WithError(err).WithField("order_id", id).Warn("append timeline event failed")
		return
	}
	s.metrics.RecordTimelineEvent()
}

func (s *Service) load(ctx context.Context, id string) (domain.Order, error) {
	if id == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if s.cache != nil {
		order, ok, err := s.cache.Get(ctx, id)
		if err != nil {
			s.logger.WithError(err).WithField("order_id", id).Warn("order cache read failed")
		} else if ok {
			return order, nil
		}
	}

	order, err := s.orders.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return domain.Order{}, err
		}
		return domain.Order{}, fmt.Errorf("%w: get order: %w", domain.ErrInternal, err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, order); err != nil {
			s.logger.WithError(err).WithField("order_id", id).Warn("order cache write failed")
		}
	}
	return order, nil
}

func (s *Service) reload(ctx context.Context, id string) (domain.Order, error) {
	order, err := s.orders.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: re-read order: %w", domain.ErrInternal, err)
	}
	return order, nil
}

func (s *Service) fail(err error, op, id string) error {
	if domain.ErrorCode(err) != domain.CodeInternal || errors.Is(err, domain.ErrInternal) {
		return err
	}
	s.logger.WithError(err).WithField("order_id", id).Error(op + " failed")
	return fmt.Errorf("%w: %s: %w", domain.ErrInternal, op, err)
}
