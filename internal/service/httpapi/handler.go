// Package httpapi публикует оформление и чтение заказов по HTTP/JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
)

const (
	maxBodyBytes         = 1 << 20
	maxIdempotencyKeyLen = 255
	defaultTimeout       = 15 * time.Second

	opCreateOrder = "http:CreateOrder"
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

// Handler обслуживает HTTP API заказов.
type Handler struct {
	checkout    OrderPlacer
	orders      OrderManager
	idempotency *idempotency.Executor
	logger      *log.Entry
	timeout     time.Duration
}

// Option настраивает Handler.
type Option func(*Handler)

// WithIdempotency включает обработку заголовка Idempotency-Key.
func WithIdempotency(executor *idempotency.Executor) Option {
	return func(h *Handler) { h.idempotency = executor }
}

// WithRequestTimeout ограничивает время обработки одного запроса.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(h *Handler) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// NewHandler создаёт обработчики.
func NewHandler(placer OrderPlacer, manager OrderManager, logger *log.Entry, opts ...Option) *Handler {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	h := &Handler{
		checkout: placer,
		orders:   manager,
		logger:   logger,
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes собирает chi-роутер с middleware.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(h.timeout))
	r.Use(identity)

	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Get("/", h.ListOrders)
		r.Get("/{id}", h.GetOrder)
		r.Patch("/{id}", h.UpdateOrderStatus)
		r.Post("/{id}/cancel", h.CancelOrder)
	})
	return r
}

// CreateOrder обрабатывает POST /api/v1/orders.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req checkout.CreateOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	requester := RequesterFromContext(ctx)

	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if len(key) > maxIdempotencyKeyLen {
		h.writeError(w, r, &domain.ValidationError{Fields: map[string]string{HeaderIdempotencyKey: "max"}})
		return
	}
	var hash string
	if key != "" {
		var err error
		if hash, err = idempotency.HashRequest(opCreateOrder, requester, req); err != nil {
			h.writeError(w, r, fmt.Errorf("%w: %w", domain.ErrInternal, err))
			return
		}
	}

	res, err := h.idempotency.Execute(ctx, key, hash, func(ctx context.Context) (idempotency.Result, error) {
		order, err := h.checkout.CreateOrder(ctx, req, requester)
		if err != nil {
			return idempotency.Result{}, err
		}
		body, err := json.Marshal(toOrderResponse(order, nil))
		if err != nil {
			return idempotency.Result{}, fmt.Errorf("%w: encode order: %w", domain.ErrInternal, err)
		}
		return idempotency.Result{StatusCode: http.StatusCreated, Body: body}, nil
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := res.StatusCode
	if status == 0 {
		status = http.StatusCreated
	}
	writeRaw(w, status, res.Body)
}

// ListOrders обрабатывает GET /api/v1/orders.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := orders.ListFilter{
		UserID:        strings.TrimSpace(query.Get("user_id")),
		Status:        domain.OrderStatus(strings.ToLower(query.Get("status"))),
		PaymentStatus: domain.PaymentStatus(strings.ToLower(query.Get("payment_status"))),
		Query:         query.Get("q"),
	}

	fields := map[string]string{}
	var err error
	if filter.Page, err = intParam(query.Get("page")); err != nil {
		fields["page"] = "number"
	}
	if filter.PageSize, err = intParam(query.Get("page_size")); err != nil {
		fields["page_size"] = "number"
	}
	if len(fields) > 0 {
		h.writeError(w, r, &domain.ValidationError{Fields: fields})
		return
	}

	page, err := h.orders.List(r.Context(), RequesterFromContext(r.Context()), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderListResponse(page))
}

// GetOrder обрабатывает GET /api/v1/orders/{id}. Ответ включает таймлайн.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	requester := RequesterFromContext(ctx)

	order, err := h.orders.Get(ctx, id, requester)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	timeline, err := h.orders.Timeline(ctx, id, requester)
	if err != nil {
		h.logger.WithError(err).WithField("order_id", id).Warn("failed to load order timeline")
		timeline = nil
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order, timeline))
}

// UpdateOrderStatus обрабатывает PATCH /api/v1/orders/{id}, только для администратора.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var patch orders.StatusPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	order, err := h.orders.UpdateStatus(ctx, chi.URLParam(r, "id"), patch, RequesterFromContext(ctx))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order, nil))
}

// CancelOrder обрабатывает POST /api/v1/orders/{id}/cancel. Тело необязательно.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	ctx := r.Context()
	order, err := h.orders.Cancel(ctx, chi.URLParam(r, "id"), RequesterFromContext(ctx), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order, nil))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &domain.ValidationError{Fields: map[string]string{"body": "max"}}
		}
		return &domain.ValidationError{Fields: map[string]string{"body": "json"}}
	}
	return nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
