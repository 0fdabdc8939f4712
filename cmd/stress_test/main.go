package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/rl1809/cart-inventory/internal/adapter/handler"
	"github.com/rl1809/cart-inventory/internal/adapter/storage"
	"github.com/rl1809/cart-inventory/internal/core/domain"
	"github.com/rl1809/cart-inventory/internal/core/service"
	"github.com/rl1809/cart-inventory/internal/port"
)

const (
	initialStock  = 20
	totalRequests = 50
)

// adder is one add-to-cart attempt against whatever backend is under test.
type adder func(ctx context.Context, userID, productID string) error

func main() {
	driver := flag.String("driver", "memory", "storage driver for in-process runs: memory or mysql")
	dsn := flag.String("dsn", "root:root@tcp(localhost:3306)/cartinventory?parseTime=true", "MySQL DSN")
	target := flag.String("grpc", "", "address of a running server; the product must already exist there")
	productID := flag.String("product", "", "product id (random when running in process)")
	stock := flag.Int("stock", initialStock, "initial stock")
	requests := flag.Int("requests", totalRequests, "concurrent add requests, one per user")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	ctx := context.Background()

	var (
		add   adder
		store port.Store
	)

	if *target != "" {
		if *productID == "" {
			log.Fatal().Msg("-product is required with -grpc")
		}
		conn, err := grpc.NewClient(*target, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to server")
		}
		defer conn.Close()

		client := handler.NewCartClient(conn)
		add = func(ctx context.Context, userID, productID string) error {
			_, err := client.AddItem(ctx, &handler.AddItemRequest{UserID: userID, ProductID: productID})
			if status.Code(err) == codes.FailedPrecondition {
				return domain.ErrOutOfStock
			}
			return err
		}
	} else {
		var err error
		if store, err = openStore(*driver, *dsn); err != nil {
			log.Fatal().Err(err).Msg("failed to open storage")
		}
		if *productID == "" {
			*productID = "stress-" + uuid.New().String()[:8]
		}
		if *stock, err = provisionBaseline(ctx, store, *productID, *stock, log); err != nil {
			log.Fatal().Err(err).Msg("failed to provision product")
		}

		svc := service.NewCartService(store, store, service.WithLogger(log.Level(zerolog.WarnLevel)))
		add = func(ctx context.Context, userID, productID string) error {
			_, err := svc.AddItem(ctx, userID, productID)
			return err
		}
	}

	// Counters
	var successCount, outOfStockCount, errorCount atomic.Int32

	// Spawn concurrent requests
	var wg sync.WaitGroup
	start := time.Now()
	run := uuid.New().String()[:8]

	for i := 0; i < *requests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			err := add(ctx, fmt.Sprintf("user-%s-%d", run, n), *productID)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrOutOfStock):
				outOfStockCount.Add(1)
			default:
				errorCount.Add(1)
				log.Error().Err(err).Int("user", n).Msg("add failed")
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := successCount.Load()
	soldOut := outOfStockCount.Load()
	expected := int32(min(*stock, *requests))

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Product:          %s\n", *productID)
	fmt.Printf("Initial Stock:    %d\n", *stock)
	fmt.Printf("Total Requests:   %d\n", *requests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Out of stock:     %d\n", soldOut)
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	failed := false
	if success == expected && soldOut == int32(*requests)-expected {
		fmt.Printf("PASS: exactly %d adds succeeded\n", expected)
	} else {
		fmt.Printf("FAIL: expected %d successes, got %d\n", expected, success)
		failed = true
	}

	if store != nil {
		if err := checkConservation(ctx, store, *productID, *stock, int(success)); err != nil {
			fmt.Printf("FAIL: %v\n", err)
			failed = true
		} else {
			fmt.Println("PASS: stock and reservations add up")
		}
	}

	if failed {
		os.Exit(1)
	}
}

func openStore(driver, dsn string) (port.Store, error) {
	switch driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "mysql":
		if err := storage.RunMigrations(dsn); err != nil {
			return nil, err
		}
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(50)
		return storage.NewMySQLAdapter(db), db.Ping()
	default:
		return nil, fmt.Errorf("unknown driver %q", driver)
	}
}

// provisionBaseline creates the product with stock units and returns the
// stock the run starts from. A product left over from an earlier run keeps
// its current stock, which becomes the baseline.
func provisionBaseline(ctx context.Context, store port.Store, productID string, stock int, log zerolog.Logger) (int, error) {
	created, err := store.ProvisionProduct(ctx, productID, "Stress item", decimal.NewFromInt(1), stock)
	if err != nil {
		return 0, err
	}
	if created {
		return stock, nil
	}

	current, err := readStock(ctx, store, productID)
	if err != nil {
		return 0, fmt.Errorf("read existing stock: %w", err)
	}
	log.Warn().Str("product", productID).Int("requested", stock).Int("stock", current).
		Msg("product already exists, using its current stock as the baseline")
	return current, nil
}

func readStock(ctx context.Context, store port.Store, productID string) (int, error) {
	var stock int
	err := store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		stock, err = tx.Inventory().FindStock(ctx, productID)
		return err
	})
	return stock, err
}

// checkConservation verifies the remaining stock plus what this run added to
// carts equals the stock the run started from.
func checkConservation(ctx context.Context, store port.Store, productID string, baseline, reserved int) error {
	remaining, err := readStock(ctx, store, productID)
	if err != nil {
		return fmt.Errorf("read final stock: %w", err)
	}

	fmt.Printf("Final Stock:      %d\n", remaining)
	if remaining+reserved != baseline {
		return fmt.Errorf("stock %d + reserved %d != starting stock %d", remaining, reserved, baseline)
	}
	return nil
}
