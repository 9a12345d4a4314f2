package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// memTx копит изменения и применяет их атомарно при Commit.
type memTx struct {
	store *Store
	done  bool

	held     []string
	heldSet  map[string]struct{}
	products map[string]domain.Product
	inserts  map[string]domain.Order
	updates  map[string]domain.Order
	messages []domain.OutboxMessage
}

func newTx(store *Store) *memTx {
	return &memTx{
		store:    store,
		heldSet:  make(map[string]struct{}),
		products: make(map[string]domain.Product),
		inserts:  make(map[string]domain.Order),
		updates:  make(map[string]domain.Order),
	}
}

func productKey(id string) string { return "product:" + id }
func orderKey(id string) string   { return "order:" + id }

func (t *memTx) Products() domain.ProductStore { return (*txProducts)(t) }
func (t *memTx) Orders() domain.OrderWriter    { return (*txOrders)(t) }
func (t *memTx) Outbox() domain.OutboxWriter   { return (*txOutbox)(t) }

// lock захватывает строку, если транзакция ещё её не держит. Возвращает true для нового захвата.
func (t *memTx) lock(ctx context.Context, key string) (bool, error) {
	if t.done {
		return false, domain.ErrTxDone
	}
	if _, ok := t.heldSet[key]; ok {
		return false, nil
	}
	if err := t.store.locks.acquire(ctx, key); err != nil {
		return false, fmt.Errorf("lock %s: %w", key, err)
	}
	t.held = append(t.held, key)
	t.heldSet[key] = struct{}{}
	return true, nil
}

func (t *memTx) unlock(key string) {
	if _, ok := t.heldSet[key]; !ok {
		return
	}
	delete(t.heldSet, key)
	for i, k := range t.held {
		if k == key {
			t.held = append(t.held[:i], t.held[i+1:]...)
			break
		}
	}
	t.store.locks.release(key)
}

func (t *memTx) releaseAll() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.store.locks.release(t.held[i])
	}
	t.held = nil
	t.heldSet = make(map[string]struct{})
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return domain.ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s := t.store
	s.mu.Lock()
	for id, order := range t.inserts {
		if _, exists := s.orders[id]; exists {
			s.mu.Unlock()
			return domain.ErrOrderAlreadyExists
		}
		if s.paymentReferenceTakenLocked(order) {
			s.mu.Unlock()
			return domain.ErrPaymentReferenceUsed
		}
	}
	for id, product := range t.products {
		s.products[id] = product
	}
	for id, order := range t.inserts {
		s.orders[id] = order
	}
	for id, order := range t.updates {
		s.orders[id] = order
	}
	s.mu.Unlock()

	s.outbox.append(t.messages...)

	t.done = true
	t.releaseAll()
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.releaseAll()
	return nil
}

type txProducts memTx

func (p *txProducts) LockByID(ctx context.Context, id string) (domain.Product, error) {
	t := (*memTx)(p)
	key := productKey(id)
	acquired, err := t.lock(ctx, key)
	if err != nil {
		return domain.Product{}, err
	}

	if staged, ok := t.products[id]; ok {
		return staged.Clone(), nil
	}

	t.store.mu.RLock()
	product, ok := t.store.products[id]
	t.store.mu.RUnlock()
	if !ok {
		// Несуществующая строка не блокируется, как и в PostgreSQL.
		if acquired {
			t.unlock(key)
		}
		return domain.Product{}, domain.ErrProductNotFound
	}
	return product.Clone(), nil
}

func (p *txProducts) SetStock(_ context.Context, id string, stock int32) error {
	t := (*memTx)(p)
	if t.done {
		return domain.ErrTxDone
	}
	if _, ok := t.heldSet[productKey(id)]; !ok {
		return fmt.Errorf("product %s is not locked by transaction", id)
	}
	if stock < 0 {
		return fmt.Errorf("product %s: stock must be non-negative, got %d", id, stock)
	}

	product, ok := t.products[id]
	if !ok {
		t.store.mu.RLock()
		product, ok = t.store.products[id]
		t.store.mu.RUnlock()
		if !ok {
			return domain.ErrProductNotFound
		}
		product = product.Clone()
	}
	product.Stock = domain.StockOf(stock)
	product.UpdatedAt = time.Now().UTC()
	t.products[id] = product
	return nil
}

type txOrders memTx

func (o *txOrders) Insert(_ context.Context, order domain.Order) error {
	t := (*memTx)(o)
	if t.done {
		return domain.ErrTxDone
	}
	if _, ok := t.inserts[order.ID]; ok {
		return domain.ErrOrderAlreadyExists
	}
	for _, staged := range t.inserts {
		if sharesPaymentReference(staged, order) {
			return domain.ErrPaymentReferenceUsed
		}
	}
	t.store.mu.RLock()
	_, exists := t.store.orders[order.ID]
	taken := t.store.paymentReferenceTakenLocked(order)
	t.store.mu.RUnlock()
	if exists {
		return domain.ErrOrderAlreadyExists
	}
	if taken {
		return domain.ErrPaymentReferenceUsed
	}

	t.inserts[order.ID] = order.Clone()
	return nil
}

func (o *txOrders) LockByID(ctx context.Context, id string) (domain.Order, error) {
	t := (*memTx)(o)
	if staged, ok := t.inserts[id]; ok {
		return staged.Clone(), nil
	}

	key := orderKey(id)
	acquired, err := t.lock(ctx, key)
	if err != nil {
		return domain.Order{}, err
	}
	if staged, ok := t.updates[id]; ok {
		return staged.Clone(), nil
	}

	t.store.mu.RLock()
	order, ok := t.store.orders[id]
	t.store.mu.RUnlock()
	if !ok {
		if acquired {
			t.unlock(key)
		}
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (o *txOrders) Update(_ context.Context, order domain.Order) error {
	t := (*memTx)(o)
	if t.done {
		return domain.ErrTxDone
	}

	if current, ok := t.inserts[order.ID]; ok {
		order.Version = current.Version + 1
		t.inserts[order.ID] = order.Clone()
		return nil
	}
	if _, ok := t.heldSet[orderKey(order.ID)]; !ok {
		return fmt.Errorf("order %s is not locked by transaction", order.ID)
	}

	current, ok := t.updates[order.ID]
	if !ok {
		t.store.mu.RLock()
		current, ok = t.store.orders[order.ID]
		t.store.mu.RUnlock()
		if !ok {
			return domain.ErrOrderNotFound
		}
	}

	// Позиции заказа неизменяемы: сохраняем те, что уже записаны.
	updated := order.Clone()
	updated.Items = current.Clone().Items
	updated.Version = current.Version + 1
	t.updates[order.ID] = updated
	return nil
}

type txOutbox memTx

func (b *txOutbox) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	t := (*memTx)(b)
	if t.done {
		return domain.OutboxMessage{}, domain.ErrTxDone
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	t.messages = append(t.messages, msg)
	return msg, nil
}

var _ domain.Tx = (*memTx)(nil)
