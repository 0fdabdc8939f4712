package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/cart-inventory/internal/core/domain"
	"github.com/rl1809/cart-inventory/internal/port"
)

// runStoreContract exercises the ledger, cart store, reader and catalog
// behaviour every port.Store implementation must share.
func runStoreContract(t *testing.T, store port.Store) {
	t.Run("ProvisionIsIdempotent", func(t *testing.T) { testProvisionIsIdempotent(t, store) })
	t.Run("LockMissingProduct", func(t *testing.T) { testLockMissingProduct(t, store) })
	t.Run("ReserveAndRelease", func(t *testing.T) { testReserveAndRelease(t, store) })
	t.Run("ReserveInsufficientStock", func(t *testing.T) { testReserveInsufficientStock(t, store) })
	t.Run("RollbackDiscardsWrites", func(t *testing.T) { testRollbackDiscardsWrites(t, store) })
	t.Run("GetOrCreateCart", func(t *testing.T) { testGetOrCreateCart(t, store) })
	t.Run("LineLifecycle", func(t *testing.T) { testLineLifecycle(t, store) })
	t.Run("LoadCartOrderAndDeletedProduct", func(t *testing.T) { testLoadCart(t, store) })
	t.Run("ConcurrentReserve", func(t *testing.T) { testConcurrentReserve(t, store) })
}

func newID(prefix string) string {
	return prefix + "-" + uuid.New().String()[:8]
}

func provision(t *testing.T, store port.Store, price string, stock int) string {
	t.Helper()

	id := newID("product")
	ok, err := store.ProvisionProduct(context.Background(), id, "Test "+id, decimal.RequireFromString(price), stock)
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected product %s to be created", id)
	}
	return id
}

func stockOf(t *testing.T, store port.Store, productID string) int {
	t.Helper()

	var stock int
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		var err error
		stock, err = tx.Inventory().FindStock(ctx, productID)
		return err
	})
	if err != nil {
		t.Fatalf("find stock failed: %v", err)
	}
	return stock
}

func testProvisionIsIdempotent(t *testing.T, store port.Store) {
	ctx := context.Background()
	id := provision(t, store, "9.99", 5)

	ok, err := store.ProvisionProduct(ctx, id, "again", decimal.NewFromInt(1), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second provision to be a no-op")
	}
	if stock := stockOf(t, store, id); stock != 5 {
		t.Errorf("expected stock 5, got %d", stock)
	}
}

func testLockMissingProduct(t *testing.T, store port.Store) {
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		_, err := tx.Inventory().LockProduct(ctx, newID("missing"))
		return err
	})
	if !errors.Is(err, domain.ErrProductNotFound) {
		t.Errorf("expected ErrProductNotFound, got: %v", err)
	}
}

func testReserveAndRelease(t *testing.T, store port.Store) {
	id := provision(t, store, "1.00", 5)

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		if _, err := tx.Inventory().LockProduct(ctx, id); err != nil {
			return err
		}
		if err := tx.Inventory().Reserve(ctx, id, 2); err != nil {
			return err
		}
		return tx.Inventory().Release(ctx, id, 1)
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}

	if stock := stockOf(t, store, id); stock != 4 {
		t.Errorf("expected stock 4, got %d", stock)
	}
}

func testReserveInsufficientStock(t *testing.T, store port.Store) {
	id := provision(t, store, "1.00", 1)

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		if _, err := tx.Inventory().LockProduct(ctx, id); err != nil {
			return err
		}
		return tx.Inventory().Reserve(ctx, id, 2)
	})
	if !errors.Is(err, domain.ErrOutOfStock) {
		t.Errorf("expected ErrOutOfStock, got: %v", err)
	}
	if stock := stockOf(t, store, id); stock != 1 {
		t.Errorf("expected stock 1, got %d", stock)
	}
}

func testRollbackDiscardsWrites(t *testing.T, store port.Store) {
	id := provision(t, store, "1.00", 3)
	userID := newID("user")
	abort := errors.New("abort")

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		if _, err := tx.Inventory().LockProduct(ctx, id); err != nil {
			return err
		}
		cart, err := tx.Carts().GetOrCreateCart(ctx, userID)
		if err != nil {
			return err
		}
		if _, err := tx.Carts().UpsertLine(ctx, cart.ID, id, 1); err != nil {
			return err
		}
		if err := tx.Inventory().Reserve(ctx, id, 1); err != nil {
			return err
		}
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected abort error, got: %v", err)
	}

	if stock := stockOf(t, store, id); stock != 3 {
		t.Errorf("expected stock 3 after rollback, got %d", stock)
	}
	if _, _, err := store.LoadCart(context.Background(), userID); !errors.Is(err, domain.ErrCartNotFound) {
		t.Errorf("expected ErrCartNotFound after rollback, got: %v", err)
	}
}

func testGetOrCreateCart(t *testing.T, store port.Store) {
	userID := newID("user")

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		_, err := tx.Carts().FindCart(ctx, userID)
		return err
	})
	if !errors.Is(err, domain.ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound, got: %v", err)
	}

	var ids []string
	for i := 0; i < 2; i++ {
		err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
			cart, err := tx.Carts().GetOrCreateCart(ctx, userID)
			if err != nil {
				return err
			}
			ids = append(ids, cart.ID)
			return nil
		})
		if err != nil {
			t.Fatalf("GetOrCreateCart failed: %v", err)
		}
	}

	if ids[0] == "" || ids[0] != ids[1] {
		t.Errorf("expected the same cart twice, got %v", ids)
	}
}

func testLineLifecycle(t *testing.T, store port.Store) {
	id := provision(t, store, "1.00", 10)
	userID := newID("user")

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		if _, err := tx.Inventory().LockProduct(ctx, id); err != nil {
			return err
		}
		cart, err := tx.Carts().GetOrCreateCart(ctx, userID)
		if err != nil {
			return err
		}

		line, err := tx.Carts().FindLine(ctx, cart.ID, id)
		if err != nil || line != nil {
			t.Errorf("expected no line yet, got %v, %v", line, err)
		}

		first, err := tx.Carts().UpsertLine(ctx, cart.ID, id, 1)
		if err != nil {
			return err
		}
		second, err := tx.Carts().UpsertLine(ctx, cart.ID, id, 3)
		if err != nil {
			return err
		}
		if first.ID != second.ID {
			t.Errorf("expected upsert to keep line id %s, got %s", first.ID, second.ID)
		}
		if second.Quantity != 3 {
			t.Errorf("expected quantity 3, got %d", second.Quantity)
		}

		if _, err := tx.Carts().UpsertLine(ctx, cart.ID, id, 0); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument for zero quantity, got: %v", err)
		}

		if err := tx.Carts().RemoveLine(ctx, cart.ID, id); err != nil {
			return err
		}
		if err := tx.Carts().RemoveLine(ctx, cart.ID, id); err != nil {
			t.Errorf("expected removing an absent line to be a no-op, got: %v", err)
		}

		line, err = tx.Carts().FindLine(ctx, cart.ID, id)
		if err != nil || line != nil {
			t.Errorf("expected line to be gone, got %v, %v", line, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}
}

func testLoadCart(t *testing.T, store port.Store) {
	ctx := context.Background()
	first := provision(t, store, "2.50", 10)
	second := provision(t, store, "4.00", 10)
	userID := newID("user")

	for _, id := range []string{first, second} {
		err := store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
			if _, err := tx.Inventory().LockProduct(ctx, id); err != nil {
				return err
			}
			cart, err := tx.Carts().GetOrCreateCart(ctx, userID)
			if err != nil {
				return err
			}
			_, err = tx.Carts().UpsertLine(ctx, cart.ID, id, 2)
			return err
		})
		if err != nil {
			t.Fatalf("tx failed: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := store.DeleteProduct(ctx, second); err != nil {
		t.Fatalf("DeleteProduct failed: %v", err)
	}

	cart, lines, err := store.LoadCart(ctx, userID)
	if err != nil {
		t.Fatalf("LoadCart failed: %v", err)
	}
	if cart.UserID != userID {
		t.Errorf("expected user %s, got %s", userID, cart.UserID)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].Line.ProductID != first || lines[1].Line.ProductID != second {
		t.Errorf("expected lines in creation order, got %s, %s", lines[0].Line.ProductID, lines[1].Line.ProductID)
	}
	if lines[0].Product == nil || !lines[0].Product.UnitPrice.Equal(decimal.RequireFromString("2.50")) {
		t.Errorf("expected first line joined with its product, got %+v", lines[0].Product)
	}
	if lines[1].Product != nil {
		t.Errorf("expected deleted product to load as nil, got %+v", lines[1].Product)
	}
}

func testConcurrentReserve(t *testing.T, store port.Store) {
	initialStock := 20
	totalRequests := 50
	id := provision(t, store, "1.00", initialStock)

	var successCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
				if _, err := tx.Inventory().LockProduct(ctx, id); err != nil {
					return err
				}
				return tx.Inventory().Reserve(ctx, id, 1)
			})
			if err == nil {
				successCount.Add(1)
			} else if !errors.Is(err, domain.ErrOutOfStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()

	if successCount.Load() != int32(initialStock) {
		t.Errorf("expected %d successes, got %d", initialStock, successCount.Load())
	}
	if stock := stockOf(t, store, id); stock != 0 {
		t.Errorf("expected stock 0, got %d", stock)
	}
}
