package port

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/rl1809/cart-inventory/internal/core/domain"
)

// InventoryLedger applies stock deltas inside a transaction. Reserve and
// Release assume the caller already holds the product lock from LockProduct.
type InventoryLedger interface {
	// LockProduct takes the exclusive row lock and returns the product.
	LockProduct(ctx context.Context, productID string) (*domain.Product, error)

	FindStock(ctx context.Context, productID string) (int, error)

	// Reserve moves n units out of available stock, failing with
	// domain.ErrOutOfStock when fewer than n remain.
	Reserve(ctx context.Context, productID string, n int) error

	// Release returns n units to available stock unconditionally.
	Release(ctx context.Context, productID string, n int) error
}

type CartStore interface {
	// FindCart locks the user's cart row, failing with domain.ErrCartNotFound.
	FindCart(ctx context.Context, userID string) (*domain.Cart, error)

	GetOrCreateCart(ctx context.Context, userID string) (*domain.Cart, error)

	// FindLine returns nil, nil when the cart has no line for the product.
	FindLine(ctx context.Context, cartID, productID string) (*domain.CartLine, error)

	UpsertLine(ctx context.Context, cartID, productID string, quantity int) (*domain.CartLine, error)

	RemoveLine(ctx context.Context, cartID, productID string) error
}

// Tx is a transaction-scoped handle. Repositories obtained from it share the
// transaction and its locks.
type Tx interface {
	Inventory() InventoryLedger
	Carts() CartStore
}

type TxManager interface {
	// WithinTx commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// CartReader is the lock-free read path used to build cart views.
type CartReader interface {
	// LoadCart returns the cart with its lines in creation order, or
	// domain.ErrCartNotFound.
	LoadCart(ctx context.Context, userID string) (*domain.Cart, []domain.PricedLine, error)
}

type Catalog interface {
	// ProvisionProduct creates the product with its initial stock. It reports
	// false when the product already exists and leaves it untouched.
	ProvisionProduct(ctx context.Context, id, title string, price decimal.Decimal, stock int) (bool, error)

	DeleteProduct(ctx context.Context, id string) error
}

type Store interface {
	TxManager
	CartReader
	Catalog
}
