package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const (
	defaultGatewayTimeout = 5 * time.Second
	defaultBreakerReset   = 30 * time.Second
)

// ErrSessionNotFound — шлюз не знает такой сессии.
var ErrSessionNotFound = errors.New("payment session not found")

// HTTPGateway — клиент REST API платёжного шлюза.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPGateway создаёт клиента шлюза. timeout <= 0 заменяется значением по умолчанию.
func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration) (*HTTPGateway, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("payment gateway url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("parse payment gateway url: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}

	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type sessionResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// FetchSession запрашивает GET {base}/v1/sessions/{id}?method=...
func (g *HTTPGateway) FetchSession(ctx context.Context, method domain.PaymentMethod, sessionID string) (domain.GatewaySession, error) {
	endpoint := fmt.Sprintf("%s/v1/sessions/%s?method=%s", g.baseURL, url.PathEscape(sessionID), url.QueryEscape(string(method)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.GatewaySession{}, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return domain.GatewaySession{}, fmt.Errorf("call gateway: %v: %w", err, domain.ErrGatewayUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.GatewaySession{}, ErrSessionNotFound
	case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
		return domain.GatewaySession{}, fmt.Errorf("gateway status %d: %w", resp.StatusCode, domain.ErrGatewayUnavailable)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.GatewaySession{}, fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload sessionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return domain.GatewaySession{}, fmt.Errorf("decode gateway response: %w", err)
	}

	return domain.GatewaySession{
		ID:          payload.ID,
		Status:      domain.GatewaySessionStatus(strings.ToLower(payload.Status)),
		AmountMinor: payload.AmountMinor,
		Currency:    payload.Currency,
	}, nil
}

var _ domain.PaymentGateway = (*HTTPGateway)(nil)
