package payment_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
)

func TestHTTPGateway_FetchSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "paypal", r.URL.Query().Get("method"))

		switch r.URL.Path {
		case "/v1/sessions/ok":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"ok","status":"COMPLETED","amount_minor":1500,"currency":"USD"}`))
		case "/v1/sessions/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/v1/sessions/down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("bad session"))
		}
	}))
	defer srv.Close()

	gateway, err := payment.NewHTTPGateway(srv.URL+"/", "secret", time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	session, err := gateway.FetchSession(ctx, domain.PaymentMethodPayPal, "ok")
	require.NoError(t, err)
	require.Equal(t, domain.GatewaySessionCompleted, session.Status)
	require.Equal(t, int64(1500), session.AmountMinor)
	require.Equal(t, "USD", session.Currency)

	_, err = gateway.FetchSession(ctx, domain.PaymentMethodPayPal, "missing")
	require.ErrorIs(t, err, payment.ErrSessionNotFound)

	_, err = gateway.FetchSession(ctx, domain.PaymentMethodPayPal, "down")
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	_, err = gateway.FetchSession(ctx, domain.PaymentMethodPayPal, "other")
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrGatewayUnavailable)
}

func TestNewHTTPGateway_RequiresURL(t *testing.T) {
	_, err := payment.NewHTTPGateway(" ", "", 0)
	require.Error(t, err)
}

func TestHTTPGateway_UnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	gateway, err := payment.NewHTTPGateway(url, "", 200*time.Millisecond)
	require.NoError(t, err)

	_, err = gateway.FetchSession(context.Background(), domain.PaymentMethodQR, "x")
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
}
