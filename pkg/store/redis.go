package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guido-cesarano/txqueue/pkg/logger"
	"github.com/guido-cesarano/txqueue/pkg/qerrors"
)

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MaxRetries   int
	PingTimeout  time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Redis implements Store on top of a go-redis client.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to the server at cfg.Addr and verifies it with a PING.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingTimeout := cfg.PingTimeout
	if pingTimeout == 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, &qerrors.StoreError{Operation: "Ping", Err: err}
	}
	return &Redis{rdb: rdb}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Client exposes the underlying client for callers that need raw access.
func (r *Redis) Client() *redis.Client {
	return r.rdb
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &qerrors.StoreError{Operation: op, Err: err}
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func (r *Redis) LPush(ctx context.Context, key string, values ...string) error {
	return wrap("LPush", r.rdb.LPush(ctx, key, toArgs(values)...).Err())
}

func (r *Redis) RPush(ctx context.Context, key string, values ...string) error {
	return wrap("RPush", r.rdb.RPush(ctx, key, toArgs(values)...).Err())
}

func (r *Redis) LPop(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("LPop", err)
	}
	return v, true, nil
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := r.rdb.LRange(ctx, key, start, stop).Result()
	return v, wrap("LRange", err)
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	v, err := r.rdb.LLen(ctx, key).Result()
	return v, wrap("LLen", err)
}

func (r *Redis) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	v, err := r.rdb.LRem(ctx, key, count, value).Result()
	return v, wrap("LRem", err)
}

func (r *Redis) LTrim(ctx context.Context, key string, start, stop int64) error {
	return wrap("LTrim", r.rdb.LTrim(ctx, key, start, stop).Err())
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap("Del", r.rdb.Del(ctx, keys...).Err())
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("Get", err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap("Set", r.rdb.Set(ctx, key, value, ttl).Err())
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, value, ttl).Result()
	return ok, wrap("SetNX", err)
}

// delIfEqual deletes the key only when it still holds the caller's token.
var delIfEqual = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

func (r *Redis) DelIfEqual(ctx context.Context, key, value string) (bool, error) {
	n, err := delIfEqual.Run(ctx, r.rdb, []string{key}, value).Int64()
	if err != nil {
		return false, wrap("DelIfEqual", err)
	}
	return n == 1, nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := r.rdb.HGetAll(ctx, key).Result()
	return v, wrap("HGetAll", err)
}

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return wrap("HSet", r.rdb.HSet(ctx, key, fields).Err())
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	return wrap("HDel", r.rdb.HDel(ctx, key, fields...).Err())
}

func (r *Redis) HIncrBy(ctx context.Context, key, field string, delta int64) error {
	return wrap("HIncrBy", r.rdb.HIncrBy(ctx, key, field, delta).Err())
}

func (r *Redis) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return fn(&redisTx{ctx: ctx, pipe: pipe})
	})
	return wrap("Atomic", err)
}

func (r *Redis) Publish(ctx context.Context, channel, message string) error {
	return wrap("Publish", r.rdb.Publish(ctx, channel, message).Err())
}

func (r *Redis) Subscribe(ctx context.Context, channel string, fn func(message string)) (Subscription, error) {
	ps := r.rdb.Subscribe(ctx, channel)
	// Wait for the confirmation so messages published after we return are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, wrap("Subscribe", err)
	}

	sub := &redisSubscription{ps: ps}
	go func() {
		for msg := range ps.Channel() {
			fn(msg.Payload)
		}
	}()
	return sub, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

type redisTx struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (t *redisTx) LPush(key string, values ...string) {
	t.pipe.LPush(t.ctx, key, toArgs(values)...)
}

func (t *redisTx) RPush(key string, values ...string) {
	t.pipe.RPush(t.ctx, key, toArgs(values)...)
}

func (t *redisTx) LRem(key string, count int64, value string) {
	t.pipe.LRem(t.ctx, key, count, value)
}

func (t *redisTx) LTrim(key string, start, stop int64) {
	t.pipe.LTrim(t.ctx, key, start, stop)
}

func (t *redisTx) Del(keys ...string) {
	t.pipe.Del(t.ctx, keys...)
}

func (t *redisTx) HSet(key string, fields map[string]string) {
	t.pipe.HSet(t.ctx, key, fields)
}

func (t *redisTx) HIncrBy(key, field string, delta int64) {
	t.pipe.HIncrBy(t.ctx, key, field, delta)
}

func (t *redisTx) Expire(key string, ttl time.Duration) {
	if ttl > 0 {
		t.pipe.Expire(t.ctx, key, ttl)
	}
}

// redisSubscription may be closed from inside its own callback, so Close never
// waits for the delivery goroutine.
type redisSubscription struct {
	ps   *redis.PubSub
	once sync.Once
	err  error
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
	})
	if s.err != nil {
		return fmt.Errorf("close subscription: %w", s.err)
	}
	return nil
}

var _ Store = (*Redis)(nil)

func init() {
	redis.SetLogger(redisLogger{})
}

// redisLogger routes go-redis internal logs through zerolog.
type redisLogger struct{}

func (redisLogger) Printf(ctx context.Context, format string, v ...interface{}) {
	log := logger.Component("redis")
	log.Debug().Msgf(format, v...)
}
