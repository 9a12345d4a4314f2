package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// catalogEntry — товар в файле начального каталога. Цена задаётся десятичной строкой.
type catalogEntry struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	ImageURL string          `json:"image_url"`
	Metadata json.RawMessage `json:"metadata"`
	Price    decimal.Decimal `json:"price"`
	Stock    *int32          `json:"stock"`
	Active   *bool           `json:"active"`
}

// seedCatalog загружает товары из JSON-массива name в fsys. Возвращает число загруженных товаров.
func seedCatalog(ctx context.Context, fsys fs.FS, name string, products domain.ProductRepository, currency string) (int, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return 0, fmt.Errorf("read catalog %s: %w", name, err)
	}

	var entries []catalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("decode catalog %s: %w", name, err)
	}

	for i, entry := range entries {
		product, err := entry.toProduct(currency)
		if err != nil {
			return i, fmt.Errorf("catalog entry %d: %w", i, err)
		}
		if err := products.Upsert(ctx, product); err != nil {
			return i, fmt.Errorf("upsert product %s: %w", product.ID, err)
		}
	}
	return len(entries), nil
}

func (e catalogEntry) toProduct(currency string) (domain.Product, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return domain.Product{}, fmt.Errorf("%w: product id is required", domain.ErrInvalidRequest)
	}
	if e.Price.IsNegative() {
		return domain.Product{}, fmt.Errorf("%w: product %s has negative price", domain.ErrInvalidRequest, id)
	}
	if e.Stock != nil && *e.Stock < 0 {
		return domain.Product{}, fmt.Errorf("%w: product %s has negative stock", domain.ErrInvalidRequest, id)
	}

	active := true
	if e.Active != nil {
		active = *e.Active
	}
	return domain.Product{
		ID:         id,
		Name:       strings.TrimSpace(e.Name),
		ImageURL:   e.ImageURL,
		Metadata:   e.Metadata,
		PriceMinor: domain.MinorUnits(e.Price, currency),
		Stock:      e.Stock,
		IsActive:   active,
	}, nil
}
