package service

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rl1809/cart-inventory/internal/core/domain"
	"github.com/rl1809/cart-inventory/internal/port"
)

// CatalogService is the write path for products. Cached cart views embed
// product titles and prices, so every catalog change retires them through
// the cache's catalog version. Catalog writes must go through here rather
// than straight to the store.
type CatalogService struct {
	catalog port.Catalog
	cache   port.CacheRepository
	log     zerolog.Logger
}

var _ port.Catalog = (*CatalogService)(nil)

// NewCatalogService wraps catalog. cache may be nil when views are not cached.
func NewCatalogService(catalog port.Catalog, cache port.CacheRepository, log zerolog.Logger) *CatalogService {
	return &CatalogService{catalog: catalog, cache: cache, log: log}
}

func (s *CatalogService) ProvisionProduct(ctx context.Context, id, title string, price decimal.Decimal, stock int) (bool, error) {
	created, err := s.catalog.ProvisionProduct(ctx, id, title, price, stock)
	if err != nil {
		return false, err
	}
	if created {
		s.invalidate(ctx, id)
	}
	return created, nil
}

// DeleteProduct removes the product. Lines referencing it stay in their carts
// and are priced at zero from then on.
func (s *CatalogService) DeleteProduct(ctx context.Context, id string) error {
	if id == "" {
		return domain.InvalidArgumentf("product id is required")
	}
	if err := s.catalog.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *CatalogService) invalidate(ctx context.Context, productID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateCatalog(ctx); err != nil {
		s.log.Error().Err(err).Str("product_id", productID).Msg("catalog cache invalidate failed, cached views may be stale until they expire")
	}
}
