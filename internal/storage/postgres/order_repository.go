package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// orderRepository — модель чтения заказов поверх зафиксированных данных.
type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return store.Orders()
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	items, err := loadItems(ctx, r.db, []string{order.ID})
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items[order.ID]

	return order, nil
}

func (r *orderRepository) List(ctx context.Context, filter domain.OrderFilter) (domain.OrderPage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	filter = filter.Normalize()
	where, args := buildOrderFilter(filter)

	page := domain.OrderPage{
		Orders:   make([]domain.Order, 0, filter.PageSize),
		Page:     filter.Page,
		PageSize: filter.PageSize,
	}

	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders o`+where, args...).Scan(&page.Total); err != nil {
		return domain.OrderPage{}, fmt.Errorf("count orders: %w", err)
	}
	if page.Total == 0 || filter.Offset() >= page.Total {
		return page, nil
	}

	args = append(args, filter.PageSize, filter.Offset())
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM orders o%s
		ORDER BY o.created_at DESC, o.id DESC
		LIMIT $%d OFFSET $%d
	`, orderColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return domain.OrderPage{}, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, filter.PageSize)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return domain.OrderPage{}, fmt.Errorf("scan order row: %w", err)
		}
		page.Orders = append(page.Orders, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return domain.OrderPage{}, fmt.Errorf("iterate order rows: %w", err)
	}

	items, err := loadItems(ctx, r.db, ids)
	if err != nil {
		return domain.OrderPage{}, err
	}
	for i := range page.Orders {
		page.Orders[i].Items = items[page.Orders[i].ID]
	}

	return page, nil
}

// buildOrderFilter собирает WHERE с позиционными параметрами.
func buildOrderFilter(filter domain.OrderFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID != "" {
		conds = append(conds, "o.user_id = "+next(filter.UserID))
	}
	if filter.Status != "" {
		conds = append(conds, "o.status = "+next(string(filter.Status)))
	}
	if filter.PaymentStatus != "" {
		conds = append(conds, "o.payment_status = "+next(string(filter.PaymentStatus)))
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		p := next("%" + escapeLike(q) + "%")
		conds = append(conds, fmt.Sprintf(`(o.id ILIKE %[1]s OR o.customer_email ILIKE %[1]s OR o.customer_name ILIKE %[1]s
			OR o.notes ILIKE %[1]s OR o.payment_reference ILIKE %[1]s
			OR EXISTS (SELECT 1 FROM order_items i WHERE i.order_id = o.id AND i.product_name ILIKE %[1]s))`, p))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

var _ domain.OrderRepository = (*orderRepository)(nil)
