package memory_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func seedProduct(t *testing.T, store *memory.Store, id string, stock *int32) {
	t.Helper()
	err := store.Products().Upsert(context.Background(), domain.Product{
		ID:         id,
		Name:       "Product " + id,
		PriceMinor: 1000,
		Stock:      stock,
		IsActive:   true,
	})
	require.NoError(t, err)
}

func newOrder(id, userID string, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:            id,
		UserID:        userID,
		Currency:      "USD",
		TotalMinor:    2000,
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		PaymentMethod: domain.PaymentMethodCard,
		Customer:      domain.CustomerSnapshot{Email: userID + "@example.com", Name: "Buyer " + userID},
		Items: []domain.OrderLineItem{
			{ID: id + "-item", OrderID: id, ProductID: "p1", Quantity: 2, PriceMinor: 1000, ProductName: "Ebook", CreatedAt: createdAt},
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestStore_CommitMakesChangesVisible(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedProduct(t, store, "p1", domain.StockOf(5))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	product, err := tx.Products().LockByID(ctx, "p1")
	require.NoError(t, err)
	require.NoError(t, tx.Products().SetStock(ctx, "p1", product.AvailableStock()-2))
	require.NoError(t, tx.Orders().Insert(ctx, newOrder("o1", "u1", time.Now().UTC())))
	_, err = tx.Outbox().Enqueue(ctx, domain.OutboxMessage{AggregateType: "order", AggregateID: "o1", EventType: "OrderCreated"})
	require.NoError(t, err)

	// До коммита изменения не видны снаружи.
	_, err = store.Orders().Get(ctx, "o1")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
	require.Empty(t, store.Outbox().AllPending())

	require.NoError(t, tx.Commit(ctx))

	got, err := store.Products().Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int32(3), got.AvailableStock())

	order, err := store.Orders().Get(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, order.Items, 1)
	require.Len(t, store.Outbox().AllPending(), 1)

	require.ErrorIs(t, tx.Commit(ctx), domain.ErrTxDone)
	require.NoError(t, tx.Rollback(ctx))
}

func TestStore_RollbackDiscardsChanges(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedProduct(t, store, "p1", domain.StockOf(5))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Products().LockByID(ctx, "p1")
	require.NoError(t, err)
	require.NoError(t, tx.Products().SetStock(ctx, "p1", 0))
	require.NoError(t, tx.Orders().Insert(ctx, newOrder("o1", "u1", time.Now().UTC())))
	require.NoError(t, tx.Rollback(ctx))

	got, err := store.Products().Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int32(5), got.AvailableStock())

	_, err = store.Orders().Get(ctx, "o1")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	// Блокировка отпущена: следующая транзакция захватывает строку сразу.
	lockCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	tx2, err := store.Begin(lockCtx)
	require.NoError(t, err)
	_, err = tx2.Products().LockByID(lockCtx, "p1")
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback(ctx))
}

func TestStore_RowLockBlocksSecondTransaction(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedProduct(t, store, "p1", domain.StockOf(1))

	tx1, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx1.Products().LockByID(ctx, "p1")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	tx2, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx2.Products().LockByID(waitCtx, "p1")
	require.True(t, errors.Is(err, context.DeadlineExceeded), "expected lock wait timeout, got %v", err)
	require.NoError(t, tx2.Rollback(ctx))

	// Другой товар блокируется независимо.
	seedProduct(t, store, "p2", nil)
	tx3, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx3.Products().LockByID(ctx, "p2")
	require.NoError(t, err)
	require.NoError(t, tx3.Rollback(ctx))

	require.NoError(t, tx1.Rollback(ctx))
}

func TestStore_LockMissingProduct(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Products().LockByID(ctx, "ghost")
	require.ErrorIs(t, err, domain.ErrProductNotFound)
	require.Error(t, tx.Products().SetStock(ctx, "ghost", 1))
}

func TestStore_ConcurrentDecrementsSerialize(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedProduct(t, store, "p1", domain.StockOf(100))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := domain.RunInTx(ctx, store, func(tx domain.Tx) error {
				p, err := tx.Products().LockByID(ctx, "p1")
				if err != nil {
					return err
				}
				return tx.Products().SetStock(ctx, "p1", p.AvailableStock()-1)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Products().Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int32(50), got.AvailableStock())
}

func TestStore_UpdateKeepsLineItems(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now().UTC()

	require.NoError(t, domain.RunInTx(ctx, store, func(tx domain.Tx) error {
		return tx.Orders().Insert(ctx, newOrder("o1", "u1", now))
	}))

	require.NoError(t, domain.RunInTx(ctx, store, func(tx domain.Tx) error {
		order, err := tx.Orders().LockByID(ctx, "o1")
		if err != nil {
			return err
		}
		order.Status = domain.OrderStatusProcessing
		order.Items[0].PriceMinor = 1
		order.Items = nil
		return tx.Orders().Update(ctx, order)
	}))

	order, err := store.Orders().Get(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusProcessing, order.Status)
	require.Len(t, order.Items, 1)
	require.Equal(t, int64(1000), order.Items[0].PriceMinor)
	require.Equal(t, int64(1), order.Version)

	// Мутация результата чтения не затрагивает хранилище.
	order.Items[0].PriceMinor = 7
	again, err := store.Orders().Get(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), again.Items[0].PriceMinor)
}

func TestStore_UpdateWithoutLockFails(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, domain.RunInTx(ctx, store, func(tx domain.Tx) error {
		return tx.Orders().Insert(ctx, newOrder("o1", "u1", time.Now().UTC()))
	}))

	err := domain.RunInTx(ctx, store, func(tx domain.Tx) error {
		order := newOrder("o1", "u1", time.Now().UTC())
		return tx.Orders().Update(ctx, order)
	})
	require.Error(t, err)
}

func TestOrderRepository_ListFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, domain.RunInTx(ctx, store, func(tx domain.Tx) error {
		for i, spec := range []struct{ id, user string }{
			{"o1", "u1"}, {"o2", "u1"}, {"o3", "u2"}, {"o4", "u1"},
		} {
			order := newOrder(spec.id, spec.user, base.Add(time.Duration(i)*time.Minute))
			if spec.id == "o2" {
				order.Status = domain.OrderStatusProcessing
				order.PaymentStatus = domain.PaymentStatusPaid
				order.Notes = "priority delivery"
			}
			if err := tx.Orders().Insert(ctx, order); err != nil {
				return err
			}
		}
		return nil
	}))

	page, err := store.Orders().List(ctx, domain.OrderFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Equal(t, []string{"o4", "o2", "o1"}, orderIDs(page.Orders))
	require.Equal(t, domain.DefaultPageSize, page.PageSize)

	page, err = store.Orders().List(ctx, domain.OrderFilter{UserID: "u1", Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Equal(t, []string{"o1"}, orderIDs(page.Orders))

	page, err = store.Orders().List(ctx, domain.OrderFilter{PaymentStatus: domain.PaymentStatusPaid})
	require.NoError(t, err)
	require.Equal(t, []string{"o2"}, orderIDs(page.Orders))

	page, err = store.Orders().List(ctx, domain.OrderFilter{Query: "PRIORITY"})
	require.NoError(t, err)
	require.Equal(t, []string{"o2"}, orderIDs(page.Orders))

	page, err = store.Orders().List(ctx, domain.OrderFilter{Query: "u2@example"})
	require.NoError(t, err)
	require.Equal(t, []string{"o3"}, orderIDs(page.Orders))

	page, err = store.Orders().List(ctx, domain.OrderFilter{Page: 9})
	require.NoError(t, err)
	require.Equal(t, 4, page.Total)
	require.Empty(t, page.Orders)
}

func orderIDs(orders []domain.Order) []string {
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	return ids
}

func TestOutboxRepository_PullPendingOrderAndStats(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	base := time.Now().UTC()

	require.NoError(t, domain.RunInTx(ctx, store, func(tx domain.Tx) error {
		for i, id := range []string{"m3", "m1", "m2"} {
			_, err := tx.Outbox().Enqueue(ctx, domain.OutboxMessage{
				ID:          id,
				AggregateID: "o1",
				EventType:   "OrderCreated",
				CreatedAt:   base.Add(time.Duration(-i) * time.Second),
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))

	outbox := store.Outbox()
	stats, err := outbox.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.PendingCount)
	require.True(t, stats.OldestPendingAt.Equal(base.Add(-2*time.Second)))

	pending, err := outbox.PullPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "m2", pending[0].ID)
	require.Equal(t, "m1", pending[1].ID)

	require.NoError(t, outbox.MarkSent(ctx, "m2"))
	require.NoError(t, outbox.MarkFailed(ctx, "m1"))
	require.ErrorIs(t, outbox.MarkSent(ctx, "missing"), domain.ErrOutboxPublish)

	pending, err = outbox.PullPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "m3", pending[0].ID)
}

func TestPaymentRecordRepository_UpsertKeepsPaidFlag(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewPaymentRecordRepository()

	require.NoError(t, repo.Upsert(ctx, domain.PaymentRecord{Reference: "ref-1", Method: domain.PaymentMethodPayPal, ExternalSessionID: "sess-1"}))
	require.NoError(t, repo.SetPaid(ctx, "ref-1", true, "captured", time.Now().UTC()))
	require.NoError(t, repo.Upsert(ctx, domain.PaymentRecord{Reference: "ref-1", Method: domain.PaymentMethodPayPal, ExternalSessionID: "sess-2"}))

	rec, err := repo.GetByReference(ctx, "ref-1")
	require.NoError(t, err)
	require.True(t, rec.IsPaid)
	require.Equal(t, "sess-2", rec.ExternalSessionID)
	require.Equal(t, "captured", rec.VerificationStatus)

	_, err = repo.GetByReference(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrPaymentRecordNotFound)
	require.ErrorIs(t, repo.SetPaid(ctx, "missing", true, "captured", time.Time{}), domain.ErrPaymentRecordNotFound)
}

func TestTimelineRepository_Ordered(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewTimelineRepository()
	now := time.Now().UTC()

	require.NoError(t, repo.Append(ctx, domain.TimelineEvent{OrderID: "o1", Type: domain.TimelineOrderStatusChanged, Occurred: now.Add(time.Second)}))
	require.NoError(t, repo.Append(ctx, domain.TimelineEvent{OrderID: "o1", Type: domain.TimelineOrderCreated, Occurred: now}))
	require.Error(t, repo.Append(ctx, domain.TimelineEvent{Type: domain.TimelineOrderCreated}))

	events, err := repo.List(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, domain.TimelineOrderCreated, events[0].Type)
}

func TestStore_PaymentReferenceBacksOneOrder(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	paidOrder := func(id, reference string) domain.Order {
		order := newOrder(id, "u-"+id, now)
		order.PaymentMethod = domain.PaymentMethodPayPal
		order.PaymentReference = reference
		return order
	}

	t.Run("committed order blocks insert", func(t *testing.T) {
		store := memory.NewStore()
		require.NoError(t, domain.RunInTx(ctx, store, func(tx domain.Tx) error {
			return tx.Orders().Insert(ctx, paidOrder("o1", "pp-1"))
		}))

		err := domain.RunInTx(ctx, store, func(tx domain.Tx) error {
			return tx.Orders().Insert(ctx, paidOrder("o2", "pp-1"))
		})
		require.ErrorIs(t, err, domain.ErrPaymentReferenceUsed)
		require.ErrorIs(t, err, domain.ErrPaymentNotVerified)

		_, err = store.Orders().Get(ctx, "o2")
		require.ErrorIs(t, err, domain.ErrOrderNotFound)
	})

	t.Run("racing transactions: second commit fails", func(t *testing.T) {
		store := memory.NewStore()
		first, err := store.Begin(ctx)
		require.NoError(t, err)
		second, err := store.Begin(ctx)
		require.NoError(t, err)

		require.NoError(t, first.Orders().Insert(ctx, paidOrder("o1", "pp-1")))
		require.NoError(t, second.Orders().Insert(ctx, paidOrder("o2", "pp-1")))

		require.NoError(t, first.Commit(ctx))
		require.ErrorIs(t, second.Commit(ctx), domain.ErrPaymentReferenceUsed)
		require.NoError(t, second.Rollback(ctx))

		page, err := store.Orders().List(ctx, domain.OrderFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"o1"}, orderIDs(page.Orders))
	})

	t.Run("same transaction", func(t *testing.T) {
		store := memory.NewStore()
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		defer func() { _ = tx.Rollback(ctx) }()

		require.NoError(t, tx.Orders().Insert(ctx, paidOrder("o1", "pp-1")))
		require.ErrorIs(t, tx.Orders().Insert(ctx, paidOrder("o2", "pp-1")), domain.ErrPaymentReferenceUsed)
	})

	t.Run("card orders do not claim references", func(t *testing.T) {
		store := memory.NewStore()
		require.NoError(t, domain.RunInTx(ctx, store, func(tx domain.Tx) error {
			return tx.Orders().Insert(ctx, paidOrder("o1", "pp-1"))
		}))
		card := newOrder("o2", "u2", now)
		card.PaymentReference = "pp-1"
		require.NoError(t, domain.RunInTx(ctx, store, func(tx domain.Tx) error {
			return tx.Orders().Insert(ctx, card)
		}))
	})
}

func TestOrderRepository_ListClampsHugePage(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, domain.RunInTx(ctx, store, func(tx domain.Tx) error {
		return tx.Orders().Insert(ctx, newOrder("o1", "u1", time.Now()))
	}))

	require.NotPanics(t, func() {
		page, err := store.Orders().List(ctx, domain.OrderFilter{Page: math.MaxInt64/100 + 2, PageSize: 100})
		require.NoError(t, err)
		assert.Equal(t, domain.MaxPage, page.Page)
		assert.Equal(t, 1, page.Total)
		assert.Empty(t, page.Orders)
	})
}
