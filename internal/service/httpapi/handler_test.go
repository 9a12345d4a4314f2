package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

type apiFixture struct {
	store    *memory.Store
	payments domain.PaymentRecordRepository
	gateway  *payment.MockGateway
	server   *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	logger := log.New()
	logger.SetOutput(io.Discard)
	entry := logger.WithField("component", "http-test")

	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.Products().Upsert(ctx, domain.Product{
		ID: "ebook", Name: "Go in Practice", PriceMinor: 1250, Stock: domain.StockOf(5), IsActive: true,
		Metadata: json.RawMessage(`{"format":"epub"}`),
	}))
	require.NoError(t, store.Products().Upsert(ctx, domain.Product{
		ID: "course", Name: "Video course", PriceMinor: 4999, IsActive: true,
	}))

	payments := memory.NewPaymentRecordRepository()
	gateway := payment.NewMockGateway()
	timeline := memory.NewTimelineRepository()
	m := metrics.NewCheckoutMetricsWithRegisterer(prometheus.NewRegistry())

	coord := checkout.NewCoordinator(store, store.Orders(), payment.NewVerifier(payments, gateway, nil, entry), entry,
		checkout.WithTimeline(timeline),
		checkout.WithMetrics(m),
	)
	svc := orders.NewService(store, store.Orders(), timeline, entry, orders.WithMetrics(m))
	executor := idempotency.NewExecutor(memory.NewIdempotencyRepository(), time.Hour, entry)

	handler := httpapi.NewHandler(coord, svc, entry, httpapi.WithIdempotency(executor))
	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)

	return &apiFixture{store: store, payments: payments, gateway: gateway, server: server}
}

type call struct {
	method  string
	path    string
	body    string
	headers map[string]string
}

func (f *apiFixture) do(t *testing.T, c call) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader
	if c.body != "" {
		body = bytes.NewBufferString(c.body)
	}
	req, err := http.NewRequest(c.method, f.server.URL+c.path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func customerHeaders() map[string]string {
	return map[string]string{
		httpapi.HeaderUserID:    "user-1",
		httpapi.HeaderUserRole:  "customer",
		httpapi.HeaderUserEmail: "alice@example.com",
		httpapi.HeaderUserName:  "Alice",
	}
}

func adminHeaders() map[string]string {
	return map[string]string{httpapi.HeaderUserID: "admin-1", httpapi.HeaderUserRole: "admin"}
}

func decodeOrder(t *testing.T, raw []byte) httpapi.OrderResponse {
	t.Helper()
	var order httpapi.OrderResponse
	require.NoError(t, json.Unmarshal(raw, &order), string(raw))
	return order
}

func decodeError(t *testing.T, raw []byte) httpapi.ErrorDetail {
	t.Helper()
	var body httpapi.ErrorBody
	require.NoError(t, json.Unmarshal(raw, &body), string(raw))
	return body.Error
}

func TestCreateOrder_CardOrder(t *testing.T) {
	f := newAPIFixture(t)

	resp, raw := f.do(t, call{
		method:  http.MethodPost,
		path:    "/api/v1/orders",
		body:    `{"items":[{"product_id":"ebook","quantity":2},{"product_id":"course","quantity":1}],"payment_method":"card"}`,
		headers: customerHeaders(),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	order := decodeOrder(t, raw)
	assert.Equal(t, "user-1", order.UserID)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, "USD", order.Currency)
	assert.Equal(t, int64(2*1250+4999), order.TotalMinor)
	assert.True(t, decimal.RequireFromString("74.99").Equal(order.Total), order.Total.String())
	require.Len(t, order.Items, 2)
	assert.Equal(t, "course", order.Items[0].ProductID)
	assert.Equal(t, "ebook", order.Items[1].ProductID)
	assert.True(t, decimal.RequireFromString("25").Equal(order.Items[1].Subtotal))
	assert.JSONEq(t, `{"format":"epub"}`, string(order.Items[1].ProductMetadata))
	assert.Equal(t, "alice@example.com", order.Customer.Email)

	product, err := f.store.Products().Get(context.Background(), "ebook")
	require.NoError(t, err)
	assert.Equal(t, int32(3), product.AvailableStock())
}

func TestCreateOrder_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed json", `{"items":`, http.StatusBadRequest, domain.CodeInvalidRequest},
		{"empty cart", `{"items":[],"payment_method":"card"}`, http.StatusBadRequest, domain.CodeEmptyCart},
		{"unknown method", `{"items":[{"product_id":"ebook","quantity":1}],"payment_method":"cash"}`, http.StatusBadRequest, domain.CodeInvalidRequest},
		{"unknown product", `{"items":[{"product_id":"ghost","quantity":1}],"payment_method":"card"}`, http.StatusConflict, domain.CodeProductUnavailable},
		{"insufficient stock", `{"items":[{"product_id":"ebook","quantity":9}],"payment_method":"card"}`, http.StatusConflict, domain.CodeInsufficientStock},
		{"unverified paypal", `{"items":[{"product_id":"ebook","quantity":1}],"payment_method":"paypal","payment_reference":"nope"}`, http.StatusPaymentRequired, domain.CodePaymentNotVerified},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newAPIFixture(t)
			resp, raw := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders", body: tc.body})
			assert.Equal(t, tc.status, resp.StatusCode, string(raw))
			assert.Equal(t, tc.code, decodeError(t, raw).Code)
		})
	}
}

func TestCreateOrder_InsufficientStockDetails(t *testing.T) {
	f := newAPIFixture(t)

	_, raw := f.do(t, call{
		method: http.MethodPost,
		path:   "/api/v1/orders",
		body:   `{"items":[{"product_id":"ebook","quantity":9}],"payment_method":"card"}`,
	})
	detail := decodeError(t, raw)
	assert.Equal(t, "ebook", detail.ProductID)
	assert.Equal(t, int32(9), detail.Requested)
	require.NotNil(t, detail.Available)
	assert.Equal(t, int32(5), *detail.Available)
}

func TestCreateOrder_VerifiedPayPal(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.payments.Upsert(ctx, domain.PaymentRecord{
		Reference: "pp-1", Method: domain.PaymentMethodPayPal, ExternalSessionID: "sess-1",
		AmountMinor: 4999, Currency: "USD",
	}))
	require.NoError(t, f.payments.SetPaid(ctx, "pp-1", true, "captured", time.Now()))
	f.gateway.SetSession("sess-1", domain.GatewaySessionCompleted)

	resp, raw := f.do(t, call{
		method: http.MethodPost,
		path:   "/api/v1/orders",
		body:   `{"items":[{"product_id":"course","quantity":1}],"payment_method":"paypal","payment_reference":"pp-1"}`,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	order := decodeOrder(t, raw)
	assert.True(t, order.Guest)
	assert.Equal(t, domain.OrderStatusProcessing, order.Status)
	assert.Equal(t, domain.PaymentStatusPaid, order.PaymentStatus)
	assert.Equal(t, checkout.GuestName, order.Customer.Name)
}

func TestCreateOrder_IdempotencyKey(t *testing.T) {
	f := newAPIFixture(t)
	headers := customerHeaders()
	headers[httpapi.HeaderIdempotencyKey] = "key-1"
	body := `{"items":[{"product_id":"ebook","quantity":1}],"payment_method":"card"}`

	first, firstRaw := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders", body: body, headers: headers})
	require.Equal(t, http.StatusCreated, first.StatusCode, string(firstRaw))
	second, secondRaw := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders", body: body, headers: headers})
	require.Equal(t, http.StatusCreated, second.StatusCode)
	assert.Equal(t, decodeOrder(t, firstRaw).ID, decodeOrder(t, secondRaw).ID)

	product, err := f.store.Products().Get(context.Background(), "ebook")
	require.NoError(t, err)
	assert.Equal(t, int32(4), product.AvailableStock(), "replay must not reserve stock again")

	conflict, conflictRaw := f.do(t, call{
		method:  http.MethodPost,
		path:    "/api/v1/orders",
		body:    `{"items":[{"product_id":"ebook","quantity":2}],"payment_method":"card"}`,
		headers: headers,
	})
	assert.Equal(t, http.StatusConflict, conflict.StatusCode)
	assert.Equal(t, domain.CodeIdempotencyConflict, decodeError(t, conflictRaw).Code)
}

func TestCreateOrder_IdempotencyReplaysFailure(t *testing.T) {
	f := newAPIFixture(t)
	headers := map[string]string{httpapi.HeaderIdempotencyKey: "key-2"}
	body := `{"items":[{"product_id":"ebook","quantity":50}],"payment_method":"card"}`

	first, _ := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders", body: body, headers: headers})
	assert.Equal(t, http.StatusConflict, first.StatusCode)

	// Даже если остаток пополнился, повтор возвращает исходную ошибку.
	require.NoError(t, f.store.Products().Upsert(context.Background(), domain.Product{
		ID: "ebook", Name: "Go in Practice", PriceMinor: 1250, Stock: domain.StockOf(100), IsActive: true,
	}))
	second, raw := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders", body: body, headers: headers})
	assert.Equal(t, http.StatusConflict, second.StatusCode)
	assert.Equal(t, domain.CodeInsufficientStock, decodeError(t, raw).Code)
}

func TestGetOrder_AccessAndTimeline(t *testing.T) {
	f := newAPIFixture(t)

	_, raw := f.do(t, call{
		method:  http.MethodPost,
		path:    "/api/v1/orders",
		body:    `{"items":[{"product_id":"course","quantity":1}],"payment_method":"card"}`,
		headers: customerHeaders(),
	})
	id := decodeOrder(t, raw).ID

	resp, raw := f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/" + id, headers: customerHeaders()})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	order := decodeOrder(t, raw)
	require.NotEmpty(t, order.Timeline)
	assert.Equal(t, domain.TimelineOrderCreated, order.Timeline[0].Type)

	resp, raw = f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/" + id, headers: map[string]string{httpapi.HeaderUserID: "intruder"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, domain.CodeForbidden, decodeError(t, raw).Code)

	resp, _ = f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/" + id, headers: adminHeaders()})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw = f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/missing", headers: adminHeaders()})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, domain.CodeNotFound, decodeError(t, raw).Code)
}

func TestListOrders(t *testing.T) {
	f := newAPIFixture(t)
	for range 3 {
		resp, raw := f.do(t, call{
			method:  http.MethodPost,
			path:    "/api/v1/orders",
			body:    `{"items":[{"product_id":"course","quantity":1}],"payment_method":"card"}`,
			headers: customerHeaders(),
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	}

	resp, _ := f.do(t, call{method: http.MethodGet, path: "/api/v1/orders"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, raw := f.do(t, call{method: http.MethodGet, path: "/api/v1/orders?page=1&page_size=2", headers: customerHeaders()})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var page httpapi.OrderListResponse
	require.NoError(t, json.Unmarshal(raw, &page))
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Orders, 2)

	resp, raw = f.do(t, call{method: http.MethodGet, path: "/api/v1/orders", headers: map[string]string{httpapi.HeaderUserID: "user-2"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &page))
	assert.Zero(t, page.Total)

	resp, raw = f.do(t, call{method: http.MethodGet, path: "/api/v1/orders?page=abc", headers: customerHeaders()})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "number", decodeError(t, raw).Fields["page"])

	resp, raw = f.do(t, call{method: http.MethodGet, path: "/api/v1/orders?page=92233720368547760&page_size=100", headers: customerHeaders()})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(raw))
	assert.Equal(t, domain.CodeInvalidRequest, decodeError(t, raw).Code)
}

func TestUpdateStatusAndCancel(t *testing.T) {
	f := newAPIFixture(t)

	_, raw := f.do(t, call{
		method:  http.MethodPost,
		path:    "/api/v1/orders",
		body:    `{"items":[{"product_id":"ebook","quantity":2}],"payment_method":"card"}`,
		headers: customerHeaders(),
	})
	id := decodeOrder(t, raw).ID

	resp, _ := f.do(t, call{method: http.MethodPatch, path: "/api/v1/orders/" + id, body: `{"status":"processing"}`, headers: customerHeaders()})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, raw = f.do(t, call{method: http.MethodPatch, path: "/api/v1/orders/" + id, body: `{"status":"processing","payment_status":"paid"}`, headers: adminHeaders()})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, domain.OrderStatusProcessing, decodeOrder(t, raw).Status)

	resp, raw = f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/" + id + "/cancel", body: `{"reason":"changed my mind"}`, headers: customerHeaders()})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, domain.OrderStatusCancelled, decodeOrder(t, raw).Status)

	product, err := f.store.Products().Get(context.Background(), "ebook")
	require.NoError(t, err)
	assert.Equal(t, int32(5), product.AvailableStock())

	resp, raw = f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/" + id + "/cancel", headers: customerHeaders()})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, domain.CodeInvalidStatusTransition, decodeError(t, raw).Code)
}

func TestRequesterFromHeaders(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, domain.Guest(), httpapi.RequesterFromHeaders(h))

	h.Set(httpapi.HeaderUserID, " u-1 ")
	h.Set(httpapi.HeaderUserRole, "superuser")
	r := httpapi.RequesterFromHeaders(h)
	assert.Equal(t, "u-1", r.UserID)
	assert.Equal(t, domain.RoleCustomer, r.Role, "unknown roles degrade to customer")

	h.Set(httpapi.HeaderUserRole, "ADMIN")
	assert.True(t, httpapi.RequesterFromHeaders(h).IsAdmin())
}

func TestHTTPStatus_UnknownCode(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, httpapi.HTTPStatus("SOMETHING_NEW"))
	assert.True(t, strings.HasPrefix(http.StatusText(httpapi.HTTPStatus(domain.CodeNotFound)), "Not Found"))
}
