package domain

import (
	"context"
	"time"
)

// ProductStore даёт доступ к строкам товаров внутри транзакции.
type ProductStore interface {
	// LockByID блокирует строку товара до конца транзакции. ErrProductNotFound, если строки нет.
	LockByID(ctx context.Context, id string) (Product, error)
	// SetStock записывает новый остаток заблокированного товара.
	SetStock(ctx context.Context, id string, stock int32) error
}

// OrderWriter — сторона записи заказов внутри транзакции.
type OrderWriter interface {
	// Insert сохраняет заказ вместе с позициями.
	Insert(ctx context.Context, order Order) error
	// LockByID блокирует строку заказа до конца транзакции.
	LockByID(ctx context.Context, id string) (Order, error)
	// Update сохраняет изменяемые поля заказа: статусы, заметки, дату выдачи.
	Update(ctx context.Context, order Order) error
}

// OutboxWriter пишет события в transactional outbox в рамках транзакции.
type OutboxWriter interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
}

// Tx — явная транзакция. Все изменения видны другим только после Commit.
type Tx interface {
	Products() ProductStore
	Orders() OrderWriter
	Outbox() OutboxWriter
	Commit(ctx context.Context) error
	// Rollback после Commit ничего не делает.
	Rollback(ctx context.Context) error
}

// UnitOfWork открывает транзакции.
type UnitOfWork interface {
	Begin(ctx context.Context) (Tx, error)
}

// OrderRepository — модель чтения заказов. Возвращает только зафиксированные данные.
type OrderRepository interface {
	// Get возвращает заказ по идентификатору или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// List возвращает страницу заказов, новые первыми.
	List(ctx context.Context, filter OrderFilter) (OrderPage, error)
}

// ProductRepository — административный доступ к каталогу (сидинг, проверки).
type ProductRepository interface {
	Get(ctx context.Context, id string) (Product, error)
	Upsert(ctx context.Context, product Product) error
}

// PaymentRecordRepository хранит локальные записи о внешних платежах.
type PaymentRecordRepository interface {
	// GetByReference возвращает запись или ErrPaymentRecordNotFound.
	GetByReference(ctx context.Context, reference string) (PaymentRecord, error)
	// Upsert создаёт запись или обновляет метаданные сессии, не снимая флаг оплаты.
	Upsert(ctx context.Context, record PaymentRecord) error
	// SetPaid фиксирует результат оплаты из вебхука шлюза.
	SetPaid(ctx context.Context, reference string, paid bool, verificationStatus string, at time.Time) error
}

// PaymentGateway — клиент внешнего платёжного шлюза.
type PaymentGateway interface {
	FetchSession(ctx context.Context, method PaymentMethod, sessionID string) (GatewaySession, error)
}

// PaymentVerifier проверяет внешний платёж до начала транзакции заказа.
type PaymentVerifier interface {
	Verify(ctx context.Context, reference string, method PaymentMethod) (Verification, error)
}

// OrderCache — кэш модели чтения заказов.
type OrderCache interface {
	Get(ctx context.Context, id string) (Order, bool, error)
	Set(ctx context.Context, order Order) error
	Invalidate(ctx context.Context, id string) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository отдаёт накопленные события воркеру публикации.
type OutboxRepository interface {
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, statusCode int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, statusCode int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// OrderFilter задаёт выборку заказов для модели чтения.
type OrderFilter struct {
	// UserID ограничивает выборку заказами владельца; пустое значение — все заказы.
	UserID        string
	Status        OrderStatus
	PaymentStatus PaymentStatus
	// Query ищет по id заказа, данным покупателя, заметкам и названиям товаров.
	Query    string
	Page     int
	PageSize int
}

type OrderPage struct {
	Orders   []Order
	Total    int
	Page     int
	PageSize int
}

// Параметры пагинации по умолчанию.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	MaxPage         = 100000
)

// Normalize приводит параметры пагинации к допустимым значениям.
func (f OrderFilter) Normalize() OrderFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Page > MaxPage {
		f.Page = MaxPage
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

// Offset возвращает смещение для нормализованного фильтра.
func (f OrderFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}
