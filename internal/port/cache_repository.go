package port

import (
	"context"
	"errors"

	"github.com/rl1809/cart-inventory/internal/core/domain"
)

var ErrCacheMiss = errors.New("cache miss")

// ViewVersion pairs the user's cart invalidation counter with the catalog
// counter. A cached view is only valid while both are unchanged.
type ViewVersion struct {
	Cart    int64
	Catalog int64
}

type CacheRepository interface {
	// GetCart returns ErrCacheMiss when no view is cached for the user or the
	// cached view predates the current catalog version.
	GetCart(ctx context.Context, userID string) (*domain.CartView, error)
	// CartVersion returns the counters a loader reads before going to storage
	// and hands back to SetCart.
	CartVersion(ctx context.Context, userID string) (ViewVersion, error)
	// SetCart stores the view only if neither the cart nor the catalog was
	// invalidated since version was read, and reports whether it did.
	SetCart(ctx context.Context, userID string, version ViewVersion, view *domain.CartView) (bool, error)
	// InvalidateCart drops the cached view and bumps the cart version.
	InvalidateCart(ctx context.Context, userID string) error
	// InvalidateCatalog bumps the catalog version, retiring every cached view
	// priced against the previous catalog.
	InvalidateCatalog(ctx context.Context) error
	// SetIdempotency claims a request key, returns false if already claimed
	SetIdempotency(ctx context.Context, key string) (bool, error)
	// ClearIdempotency releases a key claimed by a request that failed
	ClearIdempotency(ctx context.Context, key string) error
}

type MetricsRecorder interface {
	ObserveOperation(operation string, err error, seconds float64)
	IncConflictRetry(operation string)
}
