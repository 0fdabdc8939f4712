package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/cart-inventory/internal/core/domain"
)

func getMySQLDB(t *testing.T) (*sql.DB, string) {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/cartinventory?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	return db, dsn
}

func TestMySQLAdapter_Contract(t *testing.T) {
	db, dsn := getMySQLDB(t)
	defer db.Close()

	if err := RunMigrations(dsn); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}

	runStoreContract(t, NewMySQLAdapter(db))
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db, dsn := getMySQLDB(t)
	defer db.Close()

	if err := RunMigrations(dsn); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := RunMigrations(dsn); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_name IN ('products', 'carts', 'cart_lines')`,
	).Scan(&count)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 tables, got %d", count)
	}
}

func TestClassify(t *testing.T) {
	deadlock := &mysql.MySQLError{Number: errDeadlock, Message: "Deadlock found"}
	if err := classify(deadlock); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected deadlock to map to ErrConflict, got: %v", err)
	}

	timeout := &mysql.MySQLError{Number: errLockWaitTimeout, Message: "Lock wait timeout exceeded"}
	if err := classify(timeout); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected lock wait timeout to map to ErrConflict, got: %v", err)
	}

	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	if err := classify(dup); errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected duplicate key to stay unclassified, got: %v", err)
	}

	if err := classify(context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("expected non-mysql errors to pass through, got: %v", err)
	}
}

type stubResult struct {
	rows int64
	err  error
}

func (r stubResult) LastInsertId() (int64, error) { return 0, nil }
func (r stubResult) RowsAffected() (int64, error) { return r.rows, r.err }

func TestRowsAffected(t *testing.T) {
	rows, err := rowsAffected(stubResult{rows: 1}, "reserve stock")
	if err != nil || rows != 1 {
		t.Fatalf("expected 1 row, got %d (%v)", rows, err)
	}

	driverErr := errors.New("driver does not report affected rows")
	rows, err = rowsAffected(stubResult{rows: 0, err: driverErr}, "reserve stock")
	if !errors.Is(err, driverErr) {
		t.Fatalf("expected driver error to surface, got: %v", err)
	}
	if rows != 0 {
		t.Errorf("expected 0 rows on error, got %d", rows)
	}
	if errors.Is(err, domain.ErrProductNotFound) || errors.Is(err, domain.ErrOutOfStock) {
		t.Errorf("driver failure must not read as a domain outcome: %v", err)
	}
}

func TestParseIsolation(t *testing.T) {
	tests := []struct {
		name    string
		want    sql.IsolationLevel
		wantErr bool
	}{
		{"", sql.LevelReadCommitted, false},
		{"read-committed", sql.LevelReadCommitted, false},
		{"REPEATABLE_READ", sql.LevelRepeatableRead, false},
		{"serializable", sql.LevelSerializable, false},
		{"read-uncommitted", sql.LevelDefault, true},
	}

	for _, tt := range tests {
		got, err := ParseIsolation(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseIsolation(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseIsolation(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
