package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type productRepository struct {
	db *sql.DB
}

func (r *productRepository) Get(ctx context.Context, id string) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	product, err := scanProduct(r.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}
	return product, nil
}

// Upsert записывает карточку товара целиком (сидинг каталога).
func (r *productRepository) Upsert(ctx context.Context, product domain.Product) error {
	if product.ID == "" {
		return domain.ErrInvalidRequest
	}
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var stock sql.NullInt32
	if product.Stock != nil {
		stock = sql.NullInt32{Int32: *product.Stock, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO products (id, name, image_url, metadata, price_minor, stock, is_active, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    image_url = EXCLUDED.image_url,
		    metadata = EXCLUDED.metadata,
		    price_minor = EXCLUDED.price_minor,
		    stock = EXCLUDED.stock,
		    is_active = EXCLUDED.is_active,
		    updated_at = EXCLUDED.updated_at
	`,
		product.ID, product.Name, product.ImageURL, nullJSON(product.Metadata),
		product.PriceMinor, stock, product.IsActive, product.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

var _ domain.ProductRepository = (*productRepository)(nil)
