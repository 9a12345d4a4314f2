// Package checkout оформляет заказ: проверяет платёж, фиксирует цены, резервирует остатки
// и сохраняет заказ в одной транзакции.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/inventory"
	"github.com/vladislavdragonenkov/storefront/internal/service/pricing"
)

const (
	// CatalogCurrency — валюта цен каталога, если она не задана опцией.
	CatalogCurrency = "USD"
	// GuestName подставляется в снимок покупателя, если имя неизвестно.
	GuestName = "Guest"
)

// Coordinator — единственная точка записи новых заказов.
type Coordinator struct {
	uow      domain.UnitOfWork
	orders   domain.OrderRepository
	verifier domain.PaymentVerifier
	pricing  *pricing.Resolver
	ledger   *inventory.Ledger
	timeline domain.TimelineRepository
	metrics  *metrics.CheckoutMetrics
	tracer   trace.Tracer
	logger   *log.Entry
	currency string
	now      func() time.Time
}

// Option настраивает Coordinator.
type Option func(*Coordinator)

// WithTimeline включает запись события OrderCreated в таймлайн после коммита.
func WithTimeline(repo domain.TimelineRepository) Option {
	return func(c *Coordinator) { c.timeline = repo }
}

// WithMetrics подключает метрики оформления.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithCatalogCurrency задаёт валюту, в которой хранятся цены каталога. Заказы оформляются
// только в ней: конвертации нет.
func WithCatalogCurrency(currency string) Option {
	return func(c *Coordinator) {
		if currency = strings.ToUpper(strings.TrimSpace(currency)); currency != "" {
			c.currency = currency
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator создаёт координатор оформления заказов.
func NewCoordinator(uow domain.UnitOfWork, orders domain.OrderRepository, verifier domain.PaymentVerifier, logger *log.Entry, opts ...Option) *Coordinator {
	if logger == nil {
		logger = log.New().WithField("component", "checkout")
	}
	c := &Coordinator{
		uow:      uow,
		orders:   orders,
		verifier: verifier,
		pricing:  pricing.NewResolver(),
		ledger:   inventory.NewLedger(logger.WithField("component", "inventory-ledger")),
		tracer:   otel.Tracer("storefront.checkout"),
		logger:   logger,
		currency: CatalogCurrency,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateOrder оформляет заказ. Возвращает заказ в том виде, в котором его увидит модель чтения.
func (c *Coordinator) CreateOrder(ctx context.Context, req CreateOrderRequest, requester domain.Requester) (domain.Order, error) {
	ctx, span := c.tracer.Start(ctx, "checkout.CreateOrder", trace.WithAttributes(
		attribute.String("payment.method", string(req.PaymentMethod)),
		attribute.Int("cart.lines", len(req.Items)),
		attribute.Bool("requester.guest", !requester.Authenticated()),
	))
	defer span.End()

	done := c.metrics.CheckoutStarted()
	defer done()

	order, err := c.createOrder(ctx, req, requester)
	if err != nil {
		code := domain.ErrorCode(err)
		c.metrics.RecordOrderFailed(code)
		span.RecordError(err)
		span.SetStatus(codes.Error, code)

		entry := c.logger.WithError(err).WithFields(log.Fields{
			"user_id":        requester.UserID,
			"payment_method": req.PaymentMethod,
			"code":           code,
		})
		if code == domain.CodeInternal {
			entry.Error("create order failed")
		} else {
			entry.Info("create order rejected")
		}
		return domain.Order{}, err
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	c.metrics.RecordOrderCreated(string(order.PaymentMethod))
	return order, nil
}

func (c *Coordinator) createOrder(ctx context.Context, req CreateOrderRequest, requester domain.Requester) (domain.Order, error) {
	req, err := req.normalize(c.currency)
	if err != nil {
		return domain.Order{}, err
	}

	status, paymentStatus := domain.OrderStatusPending, domain.PaymentStatusPending
	var paid *domain.Verification
	if req.PaymentMethod.OutOfBand() {
		verification, err := c.verifyPayment(ctx, req)
		if err != nil {
			return domain.Order{}, err
		}
		paid = &verification
		status, paymentStatus = domain.OrderStatusProcessing, domain.PaymentStatusPaid
	}

	now := c.now().UTC()
	order := domain.Order{
		ID:               uuid.NewString(),
		UserID:           requester.UserID,
		Currency:         req.Currency,
		Status:           status,
		PaymentStatus:    paymentStatus,
		PaymentMethod:    req.PaymentMethod,
		PaymentReference: req.PaymentReference,
		Customer:         customerSnapshot(req.Shipping, requester),
		Notes:            strings.TrimSpace(req.Notes),
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	txStart := time.Now()
	err = domain.RunInTx(ctx, c.uow, func(tx domain.Tx) error {
		return c.placeInTx(ctx, tx, &order, req.Items, paid, now)
	})
	c.metrics.RecordStepDuration("transaction", time.Since(txStart))
	if err != nil {
		return domain.Order{}, classify(err)
	}

	c.logger.WithFields(log.Fields{
		"order_id":       order.ID,
		"user_id":        order.UserID,
		"total_minor":    order.TotalMinor,
		"status":         order.Status,
		"payment_method": order.PaymentMethod,
	}).Info("order created")

	c.appendTimeline(ctx, order.ID, now)

	stored, err := c.orders.Get(ctx, order.ID)
	if err != nil {
		c.logger.WithError(err).WithField("order_id", order.ID).Warn("re-read of committed order failed")
		return order.Clone(), nil
	}
	return stored, nil
}

// errPaymentCheckFailed скрывает от клиента причину сбоя проверки; причина пишется в лог.
var errPaymentCheckFailed = fmt.Errorf("%w: payment provider could not confirm the payment", domain.ErrPaymentNotVerified)

func (c *Coordinator) verifyPayment(ctx context.Context, req CreateOrderRequest) (domain.Verification, error) {
	start := time.Now()
	verification, err := c.verifier.Verify(ctx, req.PaymentReference, req.PaymentMethod)
	c.metrics.RecordStepDuration("verify_payment", time.Since(start))
	if err != nil {
		c.metrics.RecordVerification("error")
		c.logger.WithError(err).WithFields(log.Fields{
			"payment_method":    req.PaymentMethod,
			"payment_reference": req.PaymentReference,
		}).Warn("payment verification failed")
		return domain.Verification{}, errPaymentCheckFailed
	}
	c.metrics.RecordVerification(string(verification.Result))
	if verification.Result != domain.VerificationVerified {
		return domain.Verification{}, fmt.Errorf("%w: %s", domain.ErrPaymentNotVerified, verification.Result)
	}
	return verification, nil
}

// placeInTx фиксирует цены, резервирует остатки и сохраняет заказ. Позиции уже отсортированы.
// Подтверждённый платёж paid должен ровно покрывать посчитанную сумму заказа.
func (c *Coordinator) placeInTx(ctx context.Context, tx domain.Tx, order *domain.Order, items []LineItemRequest, paid *domain.Verification, now time.Time) error {
	products := tx.Products()

	order.Items = make([]domain.OrderLineItem, 0, len(items))
	order.TotalMinor = 0
	for _, item := range items {
		snap, err := c.pricing.Snapshot(ctx, products, item.ProductID)
		if err != nil {
			return err
		}
		if err := c.ledger.CheckAndReserve(ctx, products, item.ProductID, item.Quantity); err != nil {
			return err
		}

		line := domain.OrderLineItem{
			ID:              uuid.NewString(),
			OrderID:         order.ID,
			ProductID:       snap.ProductID,
			Quantity:        item.Quantity,
			PriceMinor:      snap.PriceMinor,
			ProductName:     snap.Name,
			ProductImage:    snap.ImageURL,
			ProductMetadata: snap.Metadata,
			CreatedAt:       now,
		}
		subtotal := line.SubtotalMinor()
		if snap.PriceMinor != 0 && subtotal/int64(item.Quantity) != snap.PriceMinor || order.TotalMinor > math.MaxInt64-subtotal {
			return fmt.Errorf("order total overflow: %w", domain.ErrInvalidRequest)
		}
		order.TotalMinor += subtotal
		order.Items = append(order.Items, line)
	}

	if paid != nil && !paid.Covers(order.TotalMinor, order.Currency) {
		c.logger.WithFields(log.Fields{
			"order_id":          order.ID,
			"payment_reference": order.PaymentReference,
			"total_minor":       order.TotalMinor,
			"currency":          order.Currency,
			"paid_minor":        paid.AmountMinor,
			"paid_currency":     paid.Currency,
		}).Warn("paid amount does not match order total")
		return domain.ErrPaymentAmountMismatch
	}

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return fmt.Errorf("order invariants: %w", errors.Join(append([]error{domain.ErrInternal}, errs...)...))
	}

	if err := tx.Orders().Insert(ctx, *order); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	msg, err := domain.NewOrderOutboxMessage(domain.TimelineOrderCreated, *order, "", now)
	if err != nil {
		return err
	}
	if _, err := tx.Outbox().Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue order created: %w", err)
	}
	return nil
}

func (c *Coordinator) appendTimeline(ctx context.Context, orderID string, at time.Time) {
	if c.timeline == nil {
		return
	}
	err := c.timeline.Append(ctx, domain.TimelineEvent{
		OrderID:  orderID,
		Type:     domain.TimelineOrderCreated,
		Occurred: at,
	})
	if err != nil {
		c.logger.WithError(err).WithField("order_id", orderID).Warn("append timeline event failed")
		return
	}
	c.metrics.RecordTimelineEvent()
}

// customerSnapshot: явные контактные данные, затем профиль пользователя, затем гостевая заглушка.
func customerSnapshot(shipping domain.ShippingInfo, requester domain.Requester) domain.CustomerSnapshot {
	snapshot := domain.CustomerSnapshot{
		Email:    strings.TrimSpace(shipping.Email),
		Name:     strings.TrimSpace(shipping.Name),
		Shipping: shipping,
	}
	if requester.Authenticated() {
		if snapshot.Email == "" {
			snapshot.Email = requester.Email
		}
		if snapshot.Name == "" {
			snapshot.Name = requester.Name
		}
	}
	if snapshot.Name == "" {
		snapshot.Name = GuestName
	}
	return snapshot
}

// classify оставляет доменные ошибки как есть, а сбои хранилища помечает как внутренние.
func classify(err error) error {
	if domain.ErrorCode(err) != domain.CodeInternal || errors.Is(err, domain.ErrInternal) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrInternal, err)
}
