package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/cart-inventory/internal/core/domain"
	"github.com/rl1809/cart-inventory/internal/port"
)

const (
	errDeadlock        = 1213
	errLockWaitTimeout = 1205
)

type MySQLAdapter struct {
	db        *sql.DB
	isolation sql.IsolationLevel
}

// NewMySQLAdapter runs transactions at READ COMMITTED. Consistency comes from
// the locking reads, and the lower level avoids gap locks between carts.
func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db, isolation: sql.LevelReadCommitted}
}

func (m *MySQLAdapter) WithIsolation(level sql.IsolationLevel) *MySQLAdapter {
	m.isolation = level
	return m
}

var _ port.Store = (*MySQLAdapter)(nil)

// ParseIsolation accepts the names used in configuration files.
func ParseIsolation(name string) (sql.IsolationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "read-committed", "read_committed":
		return sql.LevelReadCommitted, nil
	case "repeatable-read", "repeatable_read":
		return sql.LevelRepeatableRead, nil
	case "serializable":
		return sql.LevelSerializable, nil
	default:
		return sql.LevelDefault, fmt.Errorf("unsupported isolation level %q", name)
	}
}

func (m *MySQLAdapter) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: m.isolation})
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback()

	if err := fn(ctx, &mysqlTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

func (m *MySQLAdapter) LoadCart(ctx context.Context, userID string) (*domain.Cart, []domain.PricedLine, error) {
	var cart domain.Cart
	err := m.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, updated_at
		FROM carts WHERE user_id = ?`, userID,
	).Scan(&cart.ID, &cart.UserID, &cart.CreatedAt, &cart.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, domain.ErrCartNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query cart: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT l.id, l.cart_id, l.product_id, l.quantity, l.created_at, l.updated_at,
		       p.id, p.title, p.unit_price, p.stock_quantity, p.created_at, p.updated_at
		FROM cart_lines l
		LEFT JOIN products p ON p.id = l.product_id
		WHERE l.cart_id = ?
		ORDER BY l.created_at, l.id`, cart.ID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("query cart lines: %w", err)
	}
	defer rows.Close()

	var lines []domain.PricedLine
	for rows.Next() {
		var (
			pl        domain.PricedLine
			productID sql.NullString
			title     sql.NullString
			price     decimal.NullDecimal
			stock     sql.NullInt64
			createdAt sql.NullTime
			updatedAt sql.NullTime
		)
		err := rows.Scan(
			&pl.Line.ID, &pl.Line.CartID, &pl.Line.ProductID, &pl.Line.Quantity,
			&pl.Line.CreatedAt, &pl.Line.UpdatedAt,
			&productID, &title, &price, &stock, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("scan cart line: %w", err)
		}

		if productID.Valid {
			pl.Product = &domain.Product{
				ID:            productID.String,
				Title:         title.String,
				UnitPrice:     price.Decimal,
				StockQuantity: int(stock.Int64),
				CreatedAt:     createdAt.Time,
				UpdatedAt:     updatedAt.Time,
			}
		}
		lines = append(lines, pl)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("row iteration error: %w", err)
	}

	return &cart, lines, nil
}

func (m *MySQLAdapter) ProvisionProduct(ctx context.Context, id, title string, price decimal.Decimal, stock int) (bool, error) {
	if id == "" || stock < 0 {
		return false, domain.InvalidArgumentf("product %q with stock %d", id, stock)
	}

	now := time.Now().UTC()
	result, err := m.db.ExecContext(ctx, `
		INSERT INTO products (id, title, unit_price, stock_quantity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id`,
		id, title, price, stock, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert product: %w", classify(err))
	}

	rows, err := rowsAffected(result, "insert product")
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (m *MySQLAdapter) DeleteProduct(ctx context.Context, id string) error {
	result, err := m.db.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", classify(err))
	}

	rows, err := rowsAffected(result, "delete product")
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) Inventory() port.InventoryLedger { return t }
func (t *mysqlTx) Carts() port.CartStore           { return t }

func (t *mysqlTx) LockProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, title, unit_price, stock_quantity, created_at, updated_at
		FROM products WHERE id = ? FOR UPDATE`, productID,
	).Scan(&p.ID, &p.Title, &p.UnitPrice, &p.StockQuantity, &p.CreatedAt, &p.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock product: %w", classify(err))
	}
	return &p, nil
}

func (t *mysqlTx) FindStock(ctx context.Context, productID string) (int, error) {
	var stock int
	err := t.tx.QueryRowContext(ctx, `
		SELECT stock_quantity FROM products WHERE id = ?`, productID,
	).Scan(&stock)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrProductNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query stock: %w", classify(err))
	}
	return stock, nil
}

func (t *mysqlTx) Reserve(ctx context.Context, productID string, n int) error {
	if n <= 0 {
		return domain.InvalidArgumentf("stock delta must be positive, got %d", n)
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - ?, updated_at = ?
		WHERE id = ? AND stock_quantity >= ?`,
		n, time.Now().UTC(), productID, n,
	)
	if err != nil {
		return fmt.Errorf("reserve stock: %w", classify(err))
	}

	rows, err := rowsAffected(result, "reserve stock")
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := t.FindStock(ctx, productID); err != nil {
			return err
		}
		return fmt.Errorf("product %s: %w", productID, domain.ErrOutOfStock)
	}
	return nil
}

func (t *mysqlTx) Release(ctx context.Context, productID string, n int) error {
	if n <= 0 {
		return domain.InvalidArgumentf("stock delta must be positive, got %d", n)
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + ?, updated_at = ?
		WHERE id = ?`,
		n, time.Now().UTC(), productID,
	)
	if err != nil {
		return fmt.Errorf("release stock: %w", classify(err))
	}

	rows, err := rowsAffected(result, "release stock")
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

func (t *mysqlTx) FindCart(ctx context.Context, userID string) (*domain.Cart, error) {
	var cart domain.Cart
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, updated_at
		FROM carts WHERE user_id = ? FOR UPDATE`, userID,
	).Scan(&cart.ID, &cart.UserID, &cart.CreatedAt, &cart.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCartNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock cart: %w", classify(err))
	}
	return &cart, nil
}

// GetOrCreateCart relies on the unique user_id key: a concurrent creator
// makes the insert a no-op and the locking read returns the winner's row.
func (t *mysqlTx) GetOrCreateCart(ctx context.Context, userID string) (*domain.Cart, error) {
	now := time.Now().UTC()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO carts (id, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id`,
		uuid.New().String(), userID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert cart: %w", classify(err))
	}

	return t.FindCart(ctx, userID)
}

func (t *mysqlTx) FindLine(ctx context.Context, cartID, productID string) (*domain.CartLine, error) {
	var line domain.CartLine
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, cart_id, product_id, quantity, created_at, updated_at
		FROM cart_lines WHERE cart_id = ? AND product_id = ? FOR UPDATE`, cartID, productID,
	).Scan(&line.ID, &line.CartID, &line.ProductID, &line.Quantity, &line.CreatedAt, &line.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock cart line: %w", classify(err))
	}
	return &line, nil
}

func (t *mysqlTx) UpsertLine(ctx context.Context, cartID, productID string, quantity int) (*domain.CartLine, error) {
	if quantity < 1 {
		return nil, domain.InvalidArgumentf("line quantity must be at least 1, got %d", quantity)
	}

	now := time.Now().UTC()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cart_lines (id, cart_id, product_id, quantity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE quantity = VALUES(quantity), updated_at = VALUES(updated_at)`,
		uuid.New().String(), cartID, productID, quantity, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert cart line: %w", classify(err))
	}

	line, err := t.FindLine(ctx, cartID, productID)
	if err != nil {
		return nil, err
	}
	if line == nil {
		return nil, fmt.Errorf("cart line %s/%s vanished after upsert", cartID, productID)
	}
	return line, nil
}

func (t *mysqlTx) RemoveLine(ctx context.Context, cartID, productID string) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM cart_lines WHERE cart_id = ? AND product_id = ?`, cartID, productID,
	)
	if err != nil {
		return fmt.Errorf("delete cart line: %w", classify(err))
	}
	return nil
}

func rowsAffected(result sql.Result, op string) (int64, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return rows, nil
}

// classify maps InnoDB deadlock and lock wait timeout errors to
// domain.ErrConflict. WithinTx rolls the whole transaction back on either.
func classify(err error) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case errDeadlock, errLockWaitTimeout:
			return fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
	}
	return err
}
