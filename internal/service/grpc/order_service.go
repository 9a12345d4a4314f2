// Package grpcsvc публикует API заказов по gRPC с JSON-кодеком.
package grpcsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
)

const (
	maxIdempotencyKeyLen = 255
	opCreateOrder        = "grpc:CreateOrder"
)

// OrderPlacer оформляет заказы.
type OrderPlacer interface {
	CreateOrder(ctx context.Context, req checkout.CreateOrderRequest, requester domain.Requester) (domain.Order, error)
}

// OrderManager читает и изменяет оформленные заказы.
type OrderManager interface {
	List(ctx context.Context, requester domain.Requester, filter orders.ListFilter) (domain.OrderPage, error)
	Get(ctx context.Context, id string, requester domain.Requester) (domain.Order, error)
	Timeline(ctx context.Context, id string, requester domain.Requester) ([]domain.TimelineEvent, error)
	UpdateStatus(ctx context.Context, id string, patch orders.StatusPatch, requester domain.Requester) (domain.Order, error)
	Cancel(ctx context.Context, id string, requester domain.Requester, reason string) (domain.Order, error)
}

// OrderService реализует OrderServiceServer поверх сервисов оформления и заказов.
type OrderService struct {
	checkout    OrderPlacer
	orders      OrderManager
	idempotency *idempotency.Executor
	logger      *log.Entry
}

// Option настраивает OrderService.
type Option func(*OrderService)

// WithIdempotency включает обработку метаданных idempotency-key.
func WithIdempotency(executor *idempotency.Executor) Option {
	return func(s *OrderService) { s.idempotency = executor }
}

// NewOrderService конструирует сервис с зависимостями.
func NewOrderService(placer OrderPlacer, manager OrderManager, logger *log.Entry, opts ...Option) *OrderService {
	if logger == nil {
		logger = log.WithField("component", "grpc-order-service")
	}
	s := &OrderService{checkout: placer, orders: manager, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder оформляет заказ. При наличии idempotency-key повтор возвращает первый ответ.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	if req == nil {
		return nil, toStatus(&domain.ValidationError{Fields: map[string]string{"request": "required"}})
	}
	requester := RequesterFromContext(ctx)

	key := idempotencyKey(ctx)
	if len(key) > maxIdempotencyKeyLen {
		return nil, toStatus(&domain.ValidationError{Fields: map[string]string{MetadataIdempotencyKey: "max"}})
	}
	var hash string
	if key != "" {
		var err error
		if hash, err = idempotency.HashRequest(opCreateOrder, requester, req.CreateOrderRequest); err != nil {
			return nil, s.fail(fmt.Errorf("%w: %w", domain.ErrInternal, err), "CreateOrder", "")
		}
	}

	res, err := s.idempotency.Execute(ctx, key, hash, func(ctx context.Context) (idempotency.Result, error) {
		order, err := s.checkout.CreateOrder(ctx, req.CreateOrderRequest, requester)
		if err != nil {
			return idempotency.Result{}, err
		}
		body, err := json.Marshal(&CreateOrderResponse{Order: toOrder(order)})
		if err != nil {
			return idempotency.Result{}, fmt.Errorf("%w: encode order: %w", domain.ErrInternal, err)
		}
		return idempotency.Result{Body: body}, nil
	})
	if err != nil {
		return nil, s.fail(err, "CreateOrder", "")
	}

	var resp CreateOrderResponse
	if err := json.Unmarshal(res.Body, &resp); err != nil {
		return nil, s.fail(fmt.Errorf("%w: decode stored response: %w", domain.ErrInternal, err), "CreateOrder", "")
	}
	return &resp, nil
}

// GetOrder возвращает заказ и таймлайн. Сбой чтения таймлайна не мешает ответу.
func (s *OrderService) GetOrder(ctx context.Context, req *GetOrderRequest) (*GetOrderResponse, error) {
	id, err := requireOrderID(req.GetOrderID())
	if err != nil {
		return nil, err
	}
	requester := RequesterFromContext(ctx)

	order, err := s.orders.Get(ctx, id, requester)
	if err != nil {
		return nil, s.fail(err, "GetOrder", id)
	}

	timeline, err := s.orders.Timeline(ctx, id, requester)
	if err != nil {
		s.logger.WithError(err).WithField("order_id", id).Warn("failed to load order timeline")
		timeline = nil
	}
	return &GetOrderResponse{Order: toOrder(order), Timeline: toTimeline(timeline)}, nil
}

// ListOrders возвращает страницу заказов; обычный покупатель видит только свои.
func (s *OrderService) ListOrders(ctx context.Context, req *ListOrdersRequest) (*ListOrdersResponse, error) {
	if req == nil {
		req = &ListOrdersRequest{}
	}
	filter := orders.ListFilter{
		UserID:        strings.TrimSpace(req.UserID),
		Status:        domain.OrderStatus(strings.ToLower(req.Status)),
		PaymentStatus: domain.PaymentStatus(strings.ToLower(req.PaymentStatus)),
		Query:         req.Query,
		Page:          int(req.Page),
		PageSize:      int(req.PageSize),
	}

	page, err := s.orders.List(ctx, RequesterFromContext(ctx), filter)
	if err != nil {
		return nil, s.fail(err, "ListOrders", "")
	}

	resp := &ListOrdersResponse{
		Orders:   make([]*Order, 0, len(page.Orders)),
		Total:    int32(page.Total),
		Page:     int32(page.Page),
		PageSize: int32(page.PageSize),
	}
	for _, order := range page.Orders {
		resp.Orders = append(resp.Orders, toOrder(order))
	}
	return resp, nil
}

// UpdateOrderStatus меняет статус заказа, только для администратора.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, req *UpdateOrderStatusRequest) (*UpdateOrderStatusResponse, error) {
	if req == nil {
		req = &UpdateOrderStatusRequest{}
	}
	id, err := requireOrderID(req.OrderID)
	if err != nil {
		return nil, err
	}

	patch := orders.StatusPatch{
		Status:        domain.OrderStatus(strings.ToLower(req.Status)),
		PaymentStatus: domain.PaymentStatus(strings.ToLower(req.PaymentStatus)),
		Notes:         req.Notes,
		Reason:        req.Reason,
	}
	order, err := s.orders.UpdateStatus(ctx, id, patch, RequesterFromContext(ctx))
	if err != nil {
		return nil, s.fail(err, "UpdateOrderStatus", id)
	}
	return &UpdateOrderStatusResponse{Order: toOrder(order)}, nil
}

// CancelOrder отменяет заказ владельцем или администратором.
func (s *OrderService) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*CancelOrderResponse, error) {
	if req == nil {
		req = &CancelOrderRequest{}
	}
	id, err := requireOrderID(req.OrderID)
	if err != nil {
		return nil, err
	}

	order, err := s.orders.Cancel(ctx, id, RequesterFromContext(ctx), req.Reason)
	if err != nil {
		return nil, s.fail(err, "CancelOrder", id)
	}
	return &CancelOrderResponse{Order: toOrder(order)}, nil
}

// GetOrderID безопасен для nil-запроса.
func (r *GetOrderRequest) GetOrderID() string {
	if r == nil {
		return ""
	}
	return r.OrderID
}

func requireOrderID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", toStatus(&domain.ValidationError{Fields: map[string]string{"order_id": "required"}})
	}
	return id, nil
}

func idempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	return firstValue(md, MetadataIdempotencyKey)
}

func (s *OrderService) fail(err error, operation, orderID string) error {
	st := toStatus(err)
	entry := s.logger.WithError(err).WithFields(log.Fields{
		"operation": operation,
		"code":      status.Code(st).String(),
	})
	if orderID != "" {
		entry = entry.WithField("order_id", orderID)
	}
	if status.Code(st) == codes.Internal {
		entry.Error("grpc operation failed")
	} else {
		entry.Debug("grpc operation rejected")
	}
	return st
}
