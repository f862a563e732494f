package deployer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratus-cp/stratus/pkg/engine"
)

// reserveScript stores the entry under both its order key and its token key,
// unless the order key already exists. Returns {created, entry}.
const reserveScript = `
local existing = redis.call("get", KEYS[1])
if existing then
    return {0, existing}
end
if redis.call("exists", KEYS[2]) == 1 then
    return {-1, ""}
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
    redis.call("set", KEYS[1], ARGV[1], "px", ttl)
    redis.call("set", KEYS[2], ARGV[1], "px", ttl)
else
    redis.call("set", KEYS[1], ARGV[1])
    redis.call("set", KEYS[2], ARGV[1])
end
return {1, ARGV[1]}
`

// RedisCorrelations is a CorrelationStore shared by control-plane replicas.
type RedisCorrelations struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

// RedisOption configures RedisCorrelations.
type RedisOption func(*RedisCorrelations)

// WithKeyPrefix sets the key prefix. The default is "stratus:corr".
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisCorrelations) {
		r.keyPrefix = prefix
	}
}

// WithTTL expires entries after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisCorrelations) {
		r.ttl = ttl
	}
}

// NewRedisCorrelations creates a Redis-backed correlation store.
func NewRedisCorrelations(client redis.Cmdable, opts ...RedisOption) *RedisCorrelations {
	r := &RedisCorrelations{client: client, keyPrefix: "stratus:corr"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRedisCorrelationsFromURL connects to the Redis server at url.
func NewRedisCorrelationsFromURL(url string, opts ...RedisOption) (*RedisCorrelations, *redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	return NewRedisCorrelations(client, opts...), client, nil
}

func (r *RedisCorrelations) orderKey(orderID string) string {
	return r.keyPrefix + ":order:" + orderID
}

func (r *RedisCorrelations) tokenKey(token string) string {
	return r.keyPrefix + ":token:" + token
}

// Reserve records entry unless the order already holds a token.
func (r *RedisCorrelations) Reserve(ctx context.Context, entry *engine.Correlation) (*engine.Correlation, bool, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode correlation: %w", err)
	}
	res, err := r.client.Eval(ctx, reserveScript,
		[]string{r.orderKey(entry.OrderID), r.tokenKey(entry.Token)},
		string(raw), r.ttl.Milliseconds()).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve correlation: %w", err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("unexpected reserve reply %v", res)
	}
	created, _ := res[0].(int64)
	if created < 0 {
		return nil, false, fmt.Errorf("token %s: %w", entry.Token, engine.ErrAlreadyExists)
	}
	stored, _ := res[1].(string)
	owner, err := decodeCorrelation(stored)
	if err != nil {
		return nil, false, err
	}
	return owner, created == 1, nil
}

// Lookup returns the entry for a token.
func (r *RedisCorrelations) Lookup(ctx context.Context, token string) (*engine.Correlation, error) {
	return r.get(ctx, r.tokenKey(token), "token "+token)
}

// LookupOrder returns the entry held by an order.
func (r *RedisCorrelations) LookupOrder(ctx context.Context, orderID string) (*engine.Correlation, error) {
	return r.get(ctx, r.orderKey(orderID), "order "+orderID)
}

// Release removes a token and its order key.
func (r *RedisCorrelations) Release(ctx context.Context, token string) error {
	entry, err := r.Lookup(ctx, token)
	if err != nil {
		if engine.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := r.client.Del(ctx, r.tokenKey(token), r.orderKey(entry.OrderID)).Err(); err != nil {
		return fmt.Errorf("failed to release correlation: %w", err)
	}
	return nil
}

func (r *RedisCorrelations) get(ctx context.Context, key, what string) (*engine.Correlation, error) {
	raw, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", what, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up correlation: %w", err)
	}
	return decodeCorrelation(raw)
}

func decodeCorrelation(raw string) (*engine.Correlation, error) {
	var c engine.Correlation
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("failed to decode correlation: %w", err)
	}
	return &c, nil
}

var _ CorrelationStore = (*RedisCorrelations)(nil)
