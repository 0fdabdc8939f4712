package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"

	"github.com/rl1809/cart-inventory/internal/adapter/handler"
	"github.com/rl1809/cart-inventory/internal/adapter/metrics"
	"github.com/rl1809/cart-inventory/internal/adapter/storage"
	"github.com/rl1809/cart-inventory/internal/config"
	"github.com/rl1809/cart-inventory/internal/core/service"
	"github.com/rl1809/cart-inventory/internal/port"
)

const serviceName = "cart-inventory"

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := cfg.Log.NewLogger(os.Stdout, serviceName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, closeStore, err := openStore(ctx, cfg.Storage, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("failed to open storage")
	}
	defer closeStore()

	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewPrometheus(reg)

	opts := []service.Option{
		service.WithLogger(log.With().Str("component", "cart").Logger()),
		service.WithMetrics(recorder),
		service.WithConflictRetries(cfg.Cart.ConflictRetries),
	}

	// Initialize Redis
	var (
		rdb   *redis.Client
		cache port.CacheRepository
	)
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect redis")
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")

		cache = storage.NewBreakerCache(
			storage.NewRedisAdapter(rdb, cfg.Redis.CacheTTL),
			storage.BreakerSettings{
				ConsecutiveFailures: cfg.Redis.BreakerFailures,
				OpenTimeout:         cfg.Redis.BreakerOpenTimeout,
			},
			log,
		)
		opts = append(opts, service.WithCache(cache))
	}

	catalog := service.NewCatalogService(store, cache, log.With().Str("component", "catalog").Logger())
	if err := seedCatalog(ctx, catalog, cfg.Catalog, log); err != nil {
		log.Fatal().Err(err).Msg("failed to seed catalog")
	}

	cartService := service.NewCartService(store, store, opts...)

	// Initialize gRPC server
	grpcServer := grpc.NewServer()
	handler.RegisterCartServiceServer(grpcServer, handler.NewGRPCHandler(cartService, log))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("failed to listen")
	}

	go func() {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			log.Error().Err(err).Msg("gRPC server error")
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(cartService, log)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler.Routes(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	log.Info().Msg("HTTP server stopped")

	grpcServer.GracefulStop()
	log.Info().Msg("gRPC server stopped")

	if rdb != nil {
		rdb.Close()
	}
	log.Info().Msg("connections closed")
}

func openStore(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (port.Store, func(), error) {
	if cfg.Driver == config.DriverMemory {
		log.Warn().Msg("using in-memory storage, data is lost on exit")
		return storage.NewMemoryStore(), func() {}, nil
	}

	isolation, err := storage.ParseIsolation(cfg.Isolation)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Migrate {
		if err := storage.RunMigrations(cfg.DSN); err != nil {
			return nil, nil, err
		}
		log.Info().Msg("migrations applied")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping mysql: %w", err)
	}
	log.Info().Str("isolation", isolation.String()).Msg("connected to mysql")

	return storage.NewMySQLAdapter(db).WithIsolation(isolation), func() { db.Close() }, nil
}

// seedCatalog provisions the configured products. Products that already
// exist keep their current stock.
func seedCatalog(ctx context.Context, catalog port.Catalog, seeds []config.ProductSeed, log zerolog.Logger) error {
	for _, p := range seeds {
		price := decimal.Zero
		if p.Price != "" {
			var err error
			if price, err = decimal.NewFromString(p.Price); err != nil {
				return fmt.Errorf("product %s price: %w", p.ID, err)
			}
		}

		created, err := catalog.ProvisionProduct(ctx, p.ID, p.Title, price, p.Stock)
		if err != nil {
			return fmt.Errorf("provision %s: %w", p.ID, err)
		}
		if created {
			log.Info().Str("product_id", p.ID).Int("stock", p.Stock).Msg("provisioned product")
		} else {
			log.Debug().Str("product_id", p.ID).Msg("product already provisioned")
		}
	}
	return nil
}
