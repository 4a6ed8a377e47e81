package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wippyai/wasm-supervisor/errors"
)

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key. Defaults to "supervisor:history:".
	KeyPrefix string
	// Capacity bounds the list of recent entries.
	Capacity int
	// TTL expires per-request entries. Zero keeps them until trimmed by hand.
	TTL time.Duration
}

// Redis keeps history in redis so several supervisors, or a restarted one,
// can share it.
//
// Keys:
//
//	<prefix>recent        list of entries, newest first, trimmed to Capacity
//	<prefix>req:<id>      list of one request's entries, oldest first
type Redis struct {
	client    *redis.Client
	keyPrefix string
	capacity  int
	ttl       time.Duration
}

// NewRedis connects to redis and checks the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisWithClient(client, cfg), nil
}

// NewRedisWithClient wraps an existing client. The store owns it afterwards.
func NewRedisWithClient(client *redis.Client, cfg RedisConfig) *Redis {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "supervisor:history:"
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Redis{client: client, keyPrefix: prefix, capacity: capacity, ttl: cfg.TTL}
}

func (r *Redis) recentKey() string           { return r.keyPrefix + "recent" }
func (r *Redis) requestKey(id string) string { return r.keyPrefix + "req:" + id }

func (r *Redis) Record(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.recentKey(), data)
	pipe.LTrim(ctx, r.recentKey(), 0, int64(r.capacity-1))
	pipe.RPush(ctx, r.requestKey(e.RequestID), data)
	if r.ttl > 0 {
		pipe.Expire(ctx, r.requestKey(e.RequestID), r.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) Get(ctx context.Context, requestID string) ([]Entry, error) {
	raw, err := r.client.LRange(ctx, r.requestKey(requestID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.NotFound(errors.PhaseRegistry, "request", requestID)
	}
	return decodeEntries(raw)
}

func (r *Redis) List(ctx context.Context, limit int) ([]Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := r.client.LRange(ctx, r.recentKey(), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	return decodeEntries(raw)
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func decodeEntries(raw []string) ([]Entry, error) {
	out := make([]Entry, len(raw))
	for i, s := range raw {
		if err := json.Unmarshal([]byte(s), &out[i]); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
	}
	return out, nil
}
