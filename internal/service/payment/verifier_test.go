package payment_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func testLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "test")
}

func seedRecords(t *testing.T, records ...domain.PaymentRecord) domain.PaymentRecordRepository {
	t.Helper()
	repo := memory.NewPaymentRecordRepository()
	for _, r := range records {
		require.NoError(t, repo.Upsert(context.Background(), r))
		if r.IsPaid {
			require.NoError(t, repo.SetPaid(context.Background(), r.Reference, true, "captured", time.Now()))
		}
	}
	return repo
}

func TestVerifier_Verify(t *testing.T) {
	records := seedRecords(t,
		domain.PaymentRecord{Reference: "pp-paid", Method: domain.PaymentMethodPayPal, ExternalSessionID: "sess-paid", IsPaid: true},
		domain.PaymentRecord{Reference: "pp-open", Method: domain.PaymentMethodPayPal, ExternalSessionID: "sess-open", IsPaid: true},
		domain.PaymentRecord{Reference: "pp-unpaid", Method: domain.PaymentMethodPayPal, ExternalSessionID: "sess-unpaid"},
		domain.PaymentRecord{Reference: "qr-paid", Method: domain.PaymentMethodQR, ExternalSessionID: "sess-qr", IsPaid: true},
		domain.PaymentRecord{Reference: "pp-gone", Method: domain.PaymentMethodPayPal, ExternalSessionID: "sess-gone", IsPaid: true},
	)

	gateway := payment.NewMockGateway()
	gateway.DefaultStatus = ""
	gateway.SetSession("sess-paid", domain.GatewaySessionCompleted)
	gateway.SetSession("sess-open", domain.GatewaySessionOpen)
	gateway.SetSession("sess-unpaid", domain.GatewaySessionCompleted)
	gateway.SetSession("sess-qr", domain.GatewaySessionCaptured)

	verifier := payment.NewVerifier(records, gateway, nil, testLogger())

	cases := []struct {
		name      string
		reference string
		method    domain.PaymentMethod
		want      domain.VerificationResult
	}{
		{name: "paid and settled", reference: "pp-paid", method: domain.PaymentMethodPayPal, want: domain.VerificationVerified},
		{name: "captured qr", reference: "qr-paid", method: domain.PaymentMethodQR, want: domain.VerificationVerified},
		{name: "gateway still open", reference: "pp-open", method: domain.PaymentMethodPayPal, want: domain.VerificationNotCompleted},
		{name: "record not paid", reference: "pp-unpaid", method: domain.PaymentMethodPayPal, want: domain.VerificationNotFound},
		{name: "unknown reference", reference: "nope", method: domain.PaymentMethodPayPal, want: domain.VerificationNotFound},
		{name: "empty reference", reference: "  ", method: domain.PaymentMethodQR, want: domain.VerificationNotFound},
		{name: "method mismatch", reference: "pp-paid", method: domain.PaymentMethodQR, want: domain.VerificationNotFound},
		{name: "session unknown to gateway", reference: "pp-gone", method: domain.PaymentMethodPayPal, want: domain.VerificationNotCompleted},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := verifier.Verify(context.Background(), tc.reference, tc.method)
			require.NoError(t, err)
			require.Equal(t, tc.want, got.Result)
		})
	}
}

func TestVerifier_GatewayErrorIsReturned(t *testing.T) {
	records := seedRecords(t, domain.PaymentRecord{Reference: "pp", Method: domain.PaymentMethodPayPal, ExternalSessionID: "s", IsPaid: true})
	gateway := payment.NewMockGateway()
	gateway.SetError(domain.ErrGatewayUnavailable)

	breaker := payment.NewCircuitBreaker(1, time.Minute, testLogger())
	verifier := payment.NewVerifier(records, gateway, breaker, testLogger())

	result, err := verifier.Verify(context.Background(), "pp", domain.PaymentMethodPayPal)
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	require.NotEqual(t, domain.VerificationVerified, result.Result)
	require.Equal(t, payment.CircuitOpen, breaker.State())

	gateway.SetError(nil)
	_, err = verifier.Verify(context.Background(), "pp", domain.PaymentMethodPayPal)
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	require.Equal(t, 1, gateway.Calls())
}

func TestVerifier_SynchronousMethodRejected(t *testing.T) {
	verifier := payment.NewVerifier(memory.NewPaymentRecordRepository(), payment.NewMockGateway(), nil, testLogger())

	_, err := verifier.Verify(context.Background(), "ref", domain.PaymentMethodCard)
	require.True(t, errors.Is(err, domain.ErrInvalidRequest))
}

type flakyGateway struct {
	failures int
	calls    int
}

func (g *flakyGateway) FetchSession(_ context.Context, _ domain.PaymentMethod, sessionID string) (domain.GatewaySession, error) {
	g.calls++
	if g.calls <= g.failures {
		return domain.GatewaySession{}, domain.ErrGatewayUnavailable
	}
	return domain.GatewaySession{ID: sessionID, Status: domain.GatewaySessionCompleted}, nil
}

func TestVerifier_RetriesTransientGatewayErrors(t *testing.T) {
	records := seedRecords(t, domain.PaymentRecord{Reference: "pp", Method: domain.PaymentMethodPayPal, ExternalSessionID: "s", IsPaid: true})
	gateway := &flakyGateway{failures: 2}
	retry := payment.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 2}
	verifier := payment.NewVerifier(records, gateway, payment.NewCircuitBreaker(5, time.Minute, testLogger()), testLogger(), payment.WithRetry(retry))

	result, err := verifier.Verify(context.Background(), "pp", domain.PaymentMethodPayPal)
	require.NoError(t, err)
	require.Equal(t, domain.VerificationVerified, result.Result)
	require.Equal(t, 3, gateway.calls)
}

type amountGateway struct {
	session domain.GatewaySession
}

func (g amountGateway) FetchSession(context.Context, domain.PaymentMethod, string) (domain.GatewaySession, error) {
	return g.session, nil
}

func TestVerifier_ReportsRecordedAmount(t *testing.T) {
	records := seedRecords(t, domain.PaymentRecord{
		Reference: "pp", Method: domain.PaymentMethodPayPal, ExternalSessionID: "s",
		AmountMinor: 2500, Currency: "USD", IsPaid: true,
	})

	cases := []struct {
		name    string
		session domain.GatewaySession
		want    domain.Verification
	}{
		{
			name:    "gateway without amount",
			session: domain.GatewaySession{ID: "s", Status: domain.GatewaySessionCompleted},
			want:    domain.Verification{Result: domain.VerificationVerified, AmountMinor: 2500, Currency: "USD"},
		},
		{
			name:    "gateway confirms amount",
			session: domain.GatewaySession{ID: "s", Status: domain.GatewaySessionCaptured, AmountMinor: 2500, Currency: "usd"},
			want:    domain.Verification{Result: domain.VerificationVerified, AmountMinor: 2500, Currency: "USD"},
		},
		{
			name:    "gateway captured less",
			session: domain.GatewaySession{ID: "s", Status: domain.GatewaySessionCaptured, AmountMinor: 100, Currency: "USD"},
			want:    domain.Verification{Result: domain.VerificationNotCompleted},
		},
		{
			name:    "gateway currency differs",
			session: domain.GatewaySession{ID: "s", Status: domain.GatewaySessionCaptured, AmountMinor: 2500, Currency: "EUR"},
			want:    domain.Verification{Result: domain.VerificationNotCompleted},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verifier := payment.NewVerifier(records, amountGateway{session: tc.session}, nil, testLogger())
			got, err := verifier.Verify(context.Background(), "pp", domain.PaymentMethodPayPal)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
