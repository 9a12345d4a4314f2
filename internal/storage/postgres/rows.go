package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	opTimeout = 5 * time.Second

	productColumns = `id, name, image_url, metadata, price_minor, stock, is_active, updated_at`

	orderColumns = `id, user_id, currency, total_minor, status, payment_status, payment_method,
		payment_reference, customer_email, customer_name, shipping_info, notes,
		delivered_at, version, created_at, updated_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

// queryer покрывает *sql.DB и *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		product  domain.Product
		metadata []byte
		stock    sql.NullInt32
	)
	if err := row.Scan(
		&product.ID, &product.Name, &product.ImageURL, &metadata,
		&product.PriceMinor, &stock, &product.IsActive, &product.UpdatedAt,
	); err != nil {
		return domain.Product{}, err
	}
	if len(metadata) > 0 {
		product.Metadata = json.RawMessage(metadata)
	}
	if stock.Valid {
		product.Stock = domain.StockOf(stock.Int32)
	}
	return product, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order         domain.Order
		userID        sql.NullString
		status        string
		paymentStatus string
		paymentMethod string
		shipping      []byte
		deliveredAt   sql.NullTime
	)
	if err := row.Scan(
		&order.ID, &userID, &order.Currency, &order.TotalMinor, &status, &paymentStatus, &paymentMethod,
		&order.PaymentReference, &order.Customer.Email, &order.Customer.Name, &shipping, &order.Notes,
		&deliveredAt, &order.Version, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}

	order.UserID = userID.String
	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	order.PaymentMethod = domain.PaymentMethod(paymentMethod)
	if len(shipping) > 0 {
		if err := json.Unmarshal(shipping, &order.Customer.Shipping); err != nil {
			return domain.Order{}, fmt.Errorf("decode shipping info for order %s: %w", order.ID, err)
		}
	}
	if deliveredAt.Valid {
		at := deliveredAt.Time.UTC()
		order.DeliveredAt = &at
	}
	return order, nil
}

// loadItems загружает позиции для набора заказов одним запросом.
func loadItems(ctx context.Context, q queryer, orderIDs []string) (map[string][]domain.OrderLineItem, error) {
	result := make(map[string][]domain.OrderLineItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return result, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, product_id, quantity, price_minor,
		       product_name, product_image, product_metadata, created_at
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY product_id ASC, id ASC
	`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item     domain.OrderLineItem
			metadata []byte
		)
		if err := rows.Scan(
			&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.PriceMinor,
			&item.ProductName, &item.ProductImage, &metadata, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		if len(metadata) > 0 {
			item.ProductMetadata = json.RawMessage(metadata)
		}
		result[item.OrderID] = append(result[item.OrderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return result, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// constraintPaymentReference — частичный уникальный индекс: один заказ на внешний платёж.
const constraintPaymentReference = "uq_orders_payment_reference"

// uniqueViolation возвращает имя нарушенного ограничения уникальности.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}
