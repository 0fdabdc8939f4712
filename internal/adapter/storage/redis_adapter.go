package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/cart-inventory/internal/core/domain"
	"github.com/rl1809/cart-inventory/internal/port"
)

const (
	cartViewKeyPrefix    = "cart:view:"
	cartVersionKeyPrefix = "cart:version:"
	catalogVersionKey    = "cart:catalog:version"
	idempotencyKeyTTL    = 24 * time.Hour
	cartVersionTTL       = 24 * time.Hour
	defaultCartViewTTL   = 15 * time.Minute
)

// setIfVersionScript writes the view only while both version keys still hold
// the values the loader observed before reading storage.
var setIfVersionScript = redis.NewScript(`
local cart = redis.call('GET', KEYS[1])
if not cart then
	cart = '0'
end
local catalog = redis.call('GET', KEYS[2])
if not catalog then
	catalog = '0'
end

if cart ~= ARGV[1] or catalog ~= ARGV[2] then
	return 0
end

redis.call('SET', KEYS[3], ARGV[3], 'PX', ARGV[4])
return 1
`)

// cachedView is the stored form of a view, stamped with the catalog version
// it was priced against.
type cachedView struct {
	Catalog int64            `json:"catalog"`
	View    *domain.CartView `json:"view"`
}

type RedisAdapter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisAdapter(client *redis.Client, ttl time.Duration) *RedisAdapter {
	if ttl <= 0 {
		ttl = defaultCartViewTTL
	}
	return &RedisAdapter{client: client, ttl: ttl}
}

var _ port.CacheRepository = (*RedisAdapter)(nil)

func (r *RedisAdapter) GetCart(ctx context.Context, userID string) (*domain.CartView, error) {
	values, err := r.client.MGet(ctx, cartViewKeyPrefix+userID, catalogVersionKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	data, ok := values[0].(string)
	if !ok {
		return nil, port.ErrCacheMiss
	}
	catalog, err := parseVersion(values[1])
	if err != nil {
		return nil, err
	}

	var cached cachedView
	if err := json.Unmarshal([]byte(data), &cached); err != nil {
		return nil, fmt.Errorf("unmarshal cart view failed: %w", err)
	}
	if cached.View == nil || cached.Catalog != catalog {
		return nil, port.ErrCacheMiss
	}
	return cached.View, nil
}

func (r *RedisAdapter) CartVersion(ctx context.Context, userID string) (port.ViewVersion, error) {
	values, err := r.client.MGet(ctx, cartVersionKeyPrefix+userID, catalogVersionKey).Result()
	if err != nil {
		return port.ViewVersion{}, fmt.Errorf("redis get version failed: %w", err)
	}

	var version port.ViewVersion
	if version.Cart, err = parseVersion(values[0]); err != nil {
		return port.ViewVersion{}, err
	}
	if version.Catalog, err = parseVersion(values[1]); err != nil {
		return port.ViewVersion{}, err
	}
	return version, nil
}

func (r *RedisAdapter) SetCart(ctx context.Context, userID string, version port.ViewVersion, view *domain.CartView) (bool, error) {
	data, err := json.Marshal(cachedView{Catalog: version.Catalog, View: view})
	if err != nil {
		return false, fmt.Errorf("marshal cart view failed: %w", err)
	}

	keys := []string{cartVersionKeyPrefix + userID, catalogVersionKey, cartViewKeyPrefix + userID}
	result, err := setIfVersionScript.Run(ctx, r.client, keys,
		version.Cart, version.Catalog, string(data), r.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis set failed: %w", err)
	}
	return result == 1, nil
}

// InvalidateCatalog bumps the catalog version. The key never expires, so a
// counter cannot fall back to a value an older view was stamped with.
func (r *RedisAdapter) InvalidateCatalog(ctx context.Context) error {
	if err := r.client.Incr(ctx, catalogVersionKey).Err(); err != nil {
		return fmt.Errorf("redis invalidate catalog failed: %w", err)
	}
	return nil
}

func (r *RedisAdapter) InvalidateCart(ctx context.Context, userID string) error {
	versionKey := cartVersionKeyPrefix + userID

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, versionKey)
		pipe.Expire(ctx, versionKey, cartVersionTTL)
		pipe.Del(ctx, cartViewKeyPrefix+userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate failed: %w", err)
	}
	return nil
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ClearIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func parseVersion(v interface{}) (int64, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected version type %T", v)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse version %q: %w", s, err)
	}
	return n, nil
}
