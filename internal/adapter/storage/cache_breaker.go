package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/rl1809/cart-inventory/internal/core/domain"
	"github.com/rl1809/cart-inventory/internal/port"
)

type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// BreakerCache guards a cache with a circuit breaker so a failing Redis
// short-circuits to storage reads instead of adding latency to every call.
type BreakerCache struct {
	next port.CacheRepository
	cb   *gobreaker.CircuitBreaker[any]
}

func NewBreakerCache(next port.CacheRepository, settings BreakerSettings, log zerolog.Logger) *BreakerCache {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 10 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "cart-cache",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, port.ErrCacheMiss)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})

	return &BreakerCache{next: next, cb: cb}
}

var _ port.CacheRepository = (*BreakerCache)(nil)

func (b *BreakerCache) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerCache) GetCart(ctx context.Context, userID string) (*domain.CartView, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.GetCart(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.CartView), nil
}

func (b *BreakerCache) CartVersion(ctx context.Context, userID string) (port.ViewVersion, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.CartVersion(ctx, userID)
	})
	if err != nil {
		return port.ViewVersion{}, err
	}
	return v.(port.ViewVersion), nil
}

func (b *BreakerCache) SetCart(ctx context.Context, userID string, version port.ViewVersion, view *domain.CartView) (bool, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.SetCart(ctx, userID, version, view)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (b *BreakerCache) InvalidateCart(ctx context.Context, userID string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.InvalidateCart(ctx, userID)
	})
	return err
}

func (b *BreakerCache) InvalidateCatalog(ctx context.Context) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.InvalidateCatalog(ctx)
	})
	return err
}

func (b *BreakerCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.SetIdempotency(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (b *BreakerCache) ClearIdempotency(ctx context.Context, key string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.ClearIdempotency(ctx, key)
	})
	return err
}
