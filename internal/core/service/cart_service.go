package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/rl1809/cart-inventory/internal/core/domain"
	"github.com/rl1809/cart-inventory/internal/port"
)

const (
	opAddItem    = "add_item"
	opUpdateItem = "update_item"
	opDeleteItem = "delete_item"
	opGetCart    = "get_cart"

	defaultConflictRetries = 2
)

// CartService is the cart mutation engine. Every mutation locks the product
// row first, then the cart, then the cart line, and applies the paired stock
// and line deltas in a single transaction.
type CartService struct {
	txm     port.TxManager
	reader  port.CartReader
	cache   port.CacheRepository
	metrics port.MetricsRecorder
	log     zerolog.Logger

	conflictRetries int
	sfg             singleflight.Group
}

type Option func(*CartService)

// WithCache enables the cart view cache and idempotent adds.
func WithCache(cache port.CacheRepository) Option {
	return func(s *CartService) { s.cache = cache }
}

func WithMetrics(m port.MetricsRecorder) Option {
	return func(s *CartService) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *CartService) { s.log = l }
}

// WithConflictRetries sets how many times a transaction aborted by a lock
// conflict is replayed. Zero disables retries.
func WithConflictRetries(n int) Option {
	return func(s *CartService) {
		if n >= 0 {
			s.conflictRetries = n
		}
	}
}

func NewCartService(txm port.TxManager, reader port.CartReader, opts ...Option) *CartService {
	s := &CartService{
		txm:             txm,
		reader:          reader,
		metrics:         noopMetrics{},
		log:             zerolog.Nop(),
		conflictRetries: defaultConflictRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CartService) AddItem(ctx context.Context, userID, productID string) (*domain.CartView, error) {
	if err := s.addItem(ctx, userID, productID); err != nil {
		return nil, err
	}
	return s.refresh(ctx, userID)
}

// AddItemOnce is AddItem guarded by a caller supplied request key. A key that
// was already used by a successful add fails with domain.ErrDuplicateRequest.
func (s *CartService) AddItemOnce(ctx context.Context, requestID, userID, productID string) (*domain.CartView, error) {
	if requestID == "" || s.cache == nil {
		if requestID != "" {
			s.log.Warn().Str("request_id", requestID).Msg("no cache configured, request key ignored")
		}
		return s.AddItem(ctx, userID, productID)
	}

	key := fmt.Sprintf("cart:add:%s:%s", userID, requestID)
	ok, err := s.cache.SetIdempotency(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !ok {
		return nil, domain.ErrDuplicateRequest
	}

	if err := s.addItem(ctx, userID, productID); err != nil {
		if clearErr := s.cache.ClearIdempotency(ctx, key); clearErr != nil {
			s.log.Error().Err(clearErr).Str("key", key).Msg("failed to release request key")
		}
		return nil, err
	}
	return s.refresh(ctx, userID)
}

func (s *CartService) addItem(ctx context.Context, userID, productID string) error {
	if err := validateIDs(userID, productID); err != nil {
		s.observe(opAddItem, err, time.Now())
		return err
	}

	return s.execute(ctx, opAddItem, func(ctx context.Context, tx port.Tx) error {
		product, err := tx.Inventory().LockProduct(ctx, productID)
		if err != nil {
			return err
		}
		if product.StockQuantity <= 0 {
			return fmt.Errorf("product %s: %w", productID, domain.ErrOutOfStock)
		}

		cart, err := tx.Carts().GetOrCreateCart(ctx, userID)
		if err != nil {
			return err
		}

		line, err := tx.Carts().FindLine(ctx, cart.ID, productID)
		if err != nil {
			return err
		}
		quantity := 1
		if line != nil {
			quantity = line.Quantity + 1
		}

		if _, err := tx.Carts().UpsertLine(ctx, cart.ID, productID, quantity); err != nil {
			return err
		}
		return tx.Inventory().Reserve(ctx, productID, 1)
	})
}

func (s *CartService) UpdateItem(ctx context.Context, userID, productID, action string) (*domain.LineUpdate, error) {
	act, err := domain.ParseAction(action)
	if err == nil {
		err = validateIDs(userID, productID)
	}
	if err != nil {
		s.observe(opUpdateItem, err, time.Now())
		return nil, err
	}

	var update domain.LineUpdate
	err = s.execute(ctx, opUpdateItem, func(ctx context.Context, tx port.Tx) error {
		update = domain.LineUpdate{}

		product, cart, line, err := lockLine(ctx, tx, userID, productID)
		if err != nil {
			return err
		}

		switch act {
		case domain.ActionIncrement:
			if product.StockQuantity <= 0 {
				return fmt.Errorf("product %s: %w", productID, domain.ErrOutOfStock)
			}
			if err := tx.Inventory().Reserve(ctx, productID, 1); err != nil {
				return err
			}
			update.Line, err = tx.Carts().UpsertLine(ctx, cart.ID, productID, line.Quantity+1)
			return err

		case domain.ActionDecrement:
			if err := tx.Inventory().Release(ctx, productID, 1); err != nil {
				return err
			}
			if remaining := line.Quantity - 1; remaining > 0 {
				update.Line, err = tx.Carts().UpsertLine(ctx, cart.ID, productID, remaining)
				return err
			}
			update.Removed = true
			return tx.Carts().RemoveLine(ctx, cart.ID, productID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	update.Cart, err = s.refresh(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &update, nil
}

// DeleteItem drops the line and returns its whole quantity to stock.
func (s *CartService) DeleteItem(ctx context.Context, userID, productID string) (*domain.CartView, error) {
	if err := validateIDs(userID, productID); err != nil {
		s.observe(opDeleteItem, err, time.Now())
		return nil, err
	}

	err := s.execute(ctx, opDeleteItem, func(ctx context.Context, tx port.Tx) error {
		_, cart, line, err := lockLine(ctx, tx, userID, productID)
		if err != nil {
			return err
		}
		if err := tx.Inventory().Release(ctx, productID, line.Quantity); err != nil {
			return err
		}
		return tx.Carts().RemoveLine(ctx, cart.ID, productID)
	})
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, userID)
}

// GetCart returns the cart view, or an empty view when the user has no cart.
// Concurrent reads for the same user share one storage round trip. The shared
// load is detached from any single caller's cancellation; each caller still
// returns as soon as its own ctx is done, and gets its own copy of the view.
func (s *CartService) GetCart(ctx context.Context, userID string) (*domain.CartView, error) {
	start := time.Now()
	if userID == "" {
		err := domain.InvalidArgumentf("user id is required")
		s.observe(opGetCart, err, start)
		return nil, err
	}

	shared := context.WithoutCancel(ctx)
	ch := s.sfg.DoChan(userID, func() (interface{}, error) {
		if s.cache != nil {
			view, err := s.cache.GetCart(shared, userID)
			if err == nil {
				return view, nil
			}
			if !errors.Is(err, port.ErrCacheMiss) {
				s.log.Warn().Err(err).Str("user_id", userID).Msg("cache get failed")
			}
		}
		return s.load(shared, userID)
	})

	select {
	case <-ctx.Done():
		err := ctx.Err()
		s.observe(opGetCart, err, start)
		return nil, err
	case res := <-ch:
		s.observe(opGetCart, res.Err, start)
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.CartView).Clone(), nil
	}
}

// refresh is the canonical read after a committed mutation. It bypasses the
// cache and the singleflight group so the caller observes its own write.
func (s *CartService) refresh(ctx context.Context, userID string) (*domain.CartView, error) {
	if s.cache != nil {
		if err := s.cache.InvalidateCart(ctx, userID); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("cache invalidate failed")
		}
	}

	view, err := s.load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read cart after update: %w", err)
	}
	return view, nil
}

func (s *CartService) load(ctx context.Context, userID string) (*domain.CartView, error) {
	var (
		view     *domain.CartView
		version  port.ViewVersion
		cachable = s.cache != nil
	)
	if cachable {
		var err error
		if version, err = s.cache.CartVersion(ctx, userID); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("cache version failed")
			cachable = false
		}
	}

	cart, lines, err := s.reader.LoadCart(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrCartNotFound):
		view = domain.EmptyCartView(userID)
	case err != nil:
		return nil, fmt.Errorf("load cart: %w", err)
	default:
		view = PresentCart(*cart, lines)
	}

	if cachable {
		stored, err := s.cache.SetCart(ctx, userID, version, view)
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("cache set failed")
		} else if !stored {
			s.log.Debug().Str("user_id", userID).Msg("cart changed while loading, view not cached")
		}
	}
	return view, nil
}

// execute runs fn in a transaction and replays it while storage reports a
// lock conflict. A conflict guarantees the attempt was rolled back in full.
func (s *CartService) execute(ctx context.Context, op string, fn func(ctx context.Context, tx port.Tx) error) error {
	start := time.Now()

	var err error
	for attempt := 0; ; attempt++ {
		err = s.txm.WithinTx(ctx, fn)
		if err == nil || !domain.Retriable(err) || attempt >= s.conflictRetries || ctx.Err() != nil {
			break
		}
		s.metrics.IncConflictRetry(op)
		s.log.Warn().Err(err).Str("operation", op).Int("attempt", attempt+1).Msg("retrying after conflict")
	}

	s.observe(op, err, start)
	return err
}

func (s *CartService) observe(op string, err error, start time.Time) {
	s.metrics.ObserveOperation(op, err, time.Since(start).Seconds())

	switch domain.KindOf(err) {
	case domain.KindInternal:
		if err != nil {
			s.log.Error().Err(err).Str("operation", op).Msg("cart operation failed")
			return
		}
	case domain.KindConflict:
		s.log.Warn().Err(err).Str("operation", op).Msg("cart operation aborted by conflict")
		return
	}
	s.log.Debug().Err(err).Str("operation", op).Msg("cart operation finished")
}

// lockLine acquires product, cart and line in the fixed lock order.
func lockLine(ctx context.Context, tx port.Tx, userID, productID string) (*domain.Product, *domain.Cart, *domain.CartLine, error) {
	product, err := tx.Inventory().LockProduct(ctx, productID)
	if err != nil {
		return nil, nil, nil, err
	}

	cart, err := tx.Carts().FindCart(ctx, userID)
	if err != nil {
		return nil, nil, nil, err
	}

	line, err := tx.Carts().FindLine(ctx, cart.ID, productID)
	if err != nil {
		return nil, nil, nil, err
	}
	if line == nil {
		return nil, nil, nil, domain.ErrLineNotFound
	}

	return product, cart, line, nil
}

func validateIDs(userID, productID string) error {
	if userID == "" {
		return domain.InvalidArgumentf("user id is required")
	}
	if productID == "" {
		return domain.InvalidArgumentf("product id is required")
	}
	return nil
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, error, float64) {}
func (noopMetrics) IncConflictRetry(string)                 {}
