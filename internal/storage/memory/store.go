package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Store — in-memory хранилище товаров и заказов с транзакциями и построчными блокировками.
// Используется для локальной разработки и тестов; семантика совпадает с PostgreSQL-драйвером.
type Store struct {
	mu       sync.RWMutex
	products map[string]domain.Product
	orders   map[string]domain.Order

	locks  *rowLocks
	outbox *OutboxRepository
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		products: make(map[string]domain.Product),
		orders:   make(map[string]domain.Order),
		locks:    newRowLocks(),
		outbox:   NewOutboxRepository(),
	}
}

// Begin открывает транзакцию.
func (s *Store) Begin(ctx context.Context) (domain.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newTx(s), nil
}

// Orders возвращает модель чтения заказов.
func (s *Store) Orders() domain.OrderRepository {
	return &orderRepositoryInMemory{store: s}
}

// Products возвращает административный доступ к каталогу.
func (s *Store) Products() domain.ProductRepository {
	return &productRepositoryInMemory{store: s}
}

// Outbox возвращает outbox, в который пишут транзакции этого хранилища.
func (s *Store) Outbox() *OutboxRepository {
	return s.outbox
}

// Ping всегда успешен; нужен для health-проверок.
func (s *Store) Ping(context.Context) error {
	return nil
}

// paymentReferenceTakenLocked проверяет, что по reference внешнего платежа уже есть заказ.
// Вызывается под s.mu; повторяет частичный уникальный индекс PostgreSQL.
func (s *Store) paymentReferenceTakenLocked(order domain.Order) bool {
	if !order.PaymentMethod.OutOfBand() || order.PaymentReference == "" {
		return false
	}
	for _, existing := range s.orders {
		if existing.ID != order.ID && sharesPaymentReference(existing, order) {
			return true
		}
	}
	return false
}

func sharesPaymentReference(a, b domain.Order) bool {
	return a.PaymentMethod.OutOfBand() && b.PaymentMethod.OutOfBand() &&
		a.PaymentReference != "" && a.PaymentReference == b.PaymentReference
}

// rowLocks реализует эксклюзивные блокировки строк, которые держатся до конца транзакции.
type rowLocks struct {
	mu   sync.Mutex
	rows map[string]chan struct{}
}

func newRowLocks() *rowLocks {
	return &rowLocks{rows: make(map[string]chan struct{})}
}

func (l *rowLocks) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.rows[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.rows[key] = ch
	}
	return ch
}

// acquire ждёт освобождения строки либо отмены контекста.
func (l *rowLocks) acquire(ctx context.Context, key string) error {
	select {
	case l.slot(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *rowLocks) release(key string) {
	<-l.slot(key)
}

var _ domain.UnitOfWork = (*Store)(nil)
