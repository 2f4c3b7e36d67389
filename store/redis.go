package store

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jedisct1/dlog"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the connection settings of the shared store.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Redis is the Store backed by a Redis server.
type Redis struct {
	client  *redis.Client
	latency *LatencyEstimator
}

func NewRedis(config RedisConfig) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})
	latency := NewLatencyEstimator()
	client.AddHook(latencyHook{latency: latency})
	dlog.Debugf("Redis store configured for [%s] db %d", config.Address, config.DB)
	return &Redis{client: client, latency: latency}
}

// Latency exposes the round-trip estimator fed by every command.
func (r *Redis) Latency() *LatencyEstimator {
	return r.latency
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", key, err)
	}
	return value, nil
}

func (r *Redis) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("mget", keys[0], err)
	}
	result := make([][]byte, len(values))
	for i, value := range values {
		if s, ok := value.(string); ok {
			result[i] = []byte(s)
		}
	}
	return result, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return unavailable("set", key, r.client.Set(ctx, key, value, ttl).Err())
}

func (r *Redis) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	written, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", key, err)
	}
	return written, nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return unavailable("del", keys[0], r.client.Del(ctx, keys...).Err())
}

func (r *Redis) SortedSetAdd(ctx context.Context, key, member string, score float64) error {
	return unavailable("zadd", key, r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (r *Redis) SortedSetUpdate(ctx context.Context, key, member string, score float64) error {
	return unavailable("zadd xx", key, r.client.ZAddXX(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (r *Redis) SortedSetScore(ctx context.Context, key, member string) (float64, error) {
	score, err := r.client.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, unavailable("zscore", key, err)
	}
	return score, nil
}

func (r *Redis) SortedSetRangeByRankAsc(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := r.client.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, unavailable("zrange", key, err)
	}
	return members, nil
}

func (r *Redis) SortedSetRangeByRankAscWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	entries, err := r.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, unavailable("zrange withscores", key, err)
	}
	result := make([]ScoredMember, 0, len(entries))
	for _, entry := range entries {
		member, _ := entry.Member.(string)
		result = append(result, ScoredMember{Member: member, Score: entry.Score})
	}
	return result, nil
}

func (r *Redis) SortedSetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return unavailable("zrem", key, r.client.ZRem(ctx, key, stringArgs(members)...).Err())
}

func (r *Redis) SortedSetRemoveRangeByRank(ctx context.Context, key string, start, stop int64) error {
	return unavailable("zremrangebyrank", key, r.client.ZRemRangeByRank(ctx, key, start, stop).Err())
}

func (r *Redis) SortedSetCardinality(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, unavailable("zcard", key, err)
	}
	return n, nil
}

func (r *Redis) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return unavailable("sadd", key, r.client.SAdd(ctx, key, stringArgs(members)...).Err())
}

func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, unavailable("smembers", key, err)
	}
	return members, nil
}

func (r *Redis) Pipeline() Batch {
	return &redisBatch{client: r.client}
}

func (r *Redis) Ping(ctx context.Context) error {
	return unavailable("ping", "", r.client.Ping(ctx).Err())
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, value := range values {
		args[i] = value
	}
	return args
}

// redisBatch records commands and replays them inside MULTI/EXEC.
type redisBatch struct {
	client *redis.Client
	ops    []func(ctx context.Context, pipe redis.Pipeliner)
	first  string
}

func (b *redisBatch) queue(key string, op func(ctx context.Context, pipe redis.Pipeliner)) {
	if len(b.first) == 0 {
		b.first = key
	}
	b.ops = append(b.ops, op)
}

func (b *redisBatch) Set(key string, value []byte, ttl time.Duration) {
	b.queue(key, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Set(ctx, key, value, ttl)
	})
}

func (b *redisBatch) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	b.queue(keys[0], func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Del(ctx, keys...)
	})
}

func (b *redisBatch) SetAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	b.queue(key, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.SAdd(ctx, key, stringArgs(members)...)
	})
}

func (b *redisBatch) Expire(key string, ttl time.Duration) {
	b.queue(key, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Expire(ctx, key, ttl)
	})
}

func (b *redisBatch) Len() int {
	return len(b.ops)
}

func (b *redisBatch) Exec(ctx context.Context) error {
	if len(b.ops) == 0 {
		return nil
	}
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range b.ops {
			op(ctx, pipe)
		}
		return nil
	})
	return unavailable("exec", b.first, err)
}

type latencyHook struct {
	latency *LatencyEstimator
}

func (hook latencyHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (hook latencyHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		hook.latency.Observe(time.Since(start), err != nil && !errors.Is(err, redis.Nil))
		return err
	}
}

func (hook latencyHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		hook.latency.Observe(time.Since(start), err != nil && !errors.Is(err, redis.Nil))
		return err
	}
}
