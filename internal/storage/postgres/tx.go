package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// pgTx реализует domain.Tx поверх *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Products() domain.ProductStore { return &txProducts{tx: t.tx} }
func (t *pgTx) Orders() domain.OrderWriter    { return &txOrders{tx: t.tx} }
func (t *pgTx) Outbox() domain.OutboxWriter   { return &txOutbox{tx: t.tx} }

func (t *pgTx) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return domain.ErrTxDone
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

type txProducts struct {
	tx *sql.Tx
}

func (p *txProducts) LockByID(ctx context.Context, id string) (domain.Product, error) {
	row := p.tx.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, id)
	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("lock product %s: %w", id, err)
	}
	return product, nil
}

func (p *txProducts) SetStock(ctx context.Context, id string, stock int32) error {
	res, err := p.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = $2,
		    updated_at = $3
		WHERE id = $1
	`, id, stock, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update product stock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

type txOrders struct {
	tx *sql.Tx
}

func (o *txOrders) Insert(ctx context.Context, order domain.Order) error {
	shipping, err := marshalShipping(order.Customer.Shipping)
	if err != nil {
		return err
	}

	_, err = o.tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, user_id, currency, total_minor, status, payment_status, payment_method,
			payment_reference, customer_email, customer_name, shipping_info, notes,
			delivered_at, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		order.ID, nullString(order.UserID), order.Currency, order.TotalMinor,
		string(order.Status), string(order.PaymentStatus), string(order.PaymentMethod),
		order.PaymentReference, order.Customer.Email, order.Customer.Name, shipping, order.Notes,
		nullTime(order.DeliveredAt), order.Version, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == constraintPaymentReference {
				return domain.ErrPaymentReferenceUsed
			}
			return domain.ErrOrderAlreadyExists
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range order.Items {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if _, err := o.tx.ExecContext(ctx, `
			INSERT INTO order_items (
				id, order_id, product_id, quantity, price_minor,
				product_name, product_image, product_metadata, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`,
			item.ID, order.ID, item.ProductID, item.Quantity, item.PriceMinor,
			item.ProductName, item.ProductImage, nullJSON(item.ProductMetadata), item.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	return nil
}

func (o *txOrders) LockByID(ctx context.Context, id string) (domain.Order, error) {
	row := o.tx.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("lock order %s: %w", id, err)
	}

	items, err := loadItems(ctx, o.tx, []string{order.ID})
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items[order.ID]
	return order, nil
}

// Update меняет только изменяемые поля; позиции заказа не трогаются.
func (o *txOrders) Update(ctx context.Context, order domain.Order) error {
	res, err := o.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
		    payment_status = $3,
		    notes = $4,
		    delivered_at = $5,
		    version = version + 1,
		    updated_at = $6
		WHERE id = $1
	`,
		order.ID, string(order.Status), string(order.PaymentStatus), order.Notes,
		nullTime(order.DeliveredAt), order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

type txOutbox struct {
	tx *sql.Tx
}

func (b *txOutbox) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := b.tx.ExecContext(ctx, `
		INSERT INTO outbox_messages (
			id, aggregate_type, aggregate_id, event_type, payload,
			status, attempt_count, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,'pending',0,$6,$6)
	`,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, msg.CreatedAt,
	)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message: %w", err)
	}

	return msg, nil
}

func marshalShipping(info domain.ShippingInfo) ([]byte, error) {
	if info.Empty() {
		return nil, nil
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshal shipping info: %w", err)
	}
	return raw, nil
}

var _ domain.Tx = (*pgTx)(nil)
