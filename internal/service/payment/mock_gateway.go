package payment

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// MockGateway — конфигурируемая заглушка шлюза для разработки и тестов.
type MockGateway struct {
	mu       sync.Mutex
	sessions map[string]domain.GatewaySessionStatus
	// DefaultStatus возвращается для неизвестных сессий; пустое значение даёт ErrSessionNotFound.
	DefaultStatus domain.GatewaySessionStatus
	Err           error
	calls         int
}

// NewMockGateway возвращает заглушку, которая считает все сессии завершёнными.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		sessions:      make(map[string]domain.GatewaySessionStatus),
		DefaultStatus: domain.GatewaySessionCompleted,
	}
}

// SetSession задаёт статус конкретной сессии.
func (m *MockGateway) SetSession(id string, status domain.GatewaySessionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = status
}

// SetError включает или выключает ошибку всех вызовов.
func (m *MockGateway) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

// Calls возвращает количество вызовов FetchSession.
func (m *MockGateway) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// FetchSession возвращает настроенный результат и считает вызовы.
func (m *MockGateway) FetchSession(_ context.Context, _ domain.PaymentMethod, sessionID string) (domain.GatewaySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.Err != nil {
		return domain.GatewaySession{}, m.Err
	}
	status, ok := m.sessions[sessionID]
	if !ok {
		if m.DefaultStatus == "" {
			return domain.GatewaySession{}, ErrSessionNotFound
		}
		status = m.DefaultStatus
	}
	return domain.GatewaySession{ID: sessionID, Status: status}, nil
}

var _ domain.PaymentGateway = (*MockGateway)(nil)
