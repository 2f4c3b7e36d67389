// Package store is the key-value layer the comment cache runs on: plain keys with a TTL,
// sorted sets and plain sets, plus atomic write batches. It never holds business logic.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound reports an absent key or sorted-set member.
	ErrNotFound = errors.New("store: not found")

	// ErrUnavailable is matched by every backend failure (connection, timeout, protocol).
	ErrUnavailable = errors.New("store: unavailable")
)

// Error wraps a backend failure with the operation and key that caused it.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if len(e.Key) == 0 {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s [%s]: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrUnavailable
}

func unavailable(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Key: key, Err: err}
}

// ScoredMember is one sorted-set entry.
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the contract the thread cache consumes.
//
// Ranks are zero-based and inclusive; negative ranks count from the highest rank
// (-1 is the last member), as in Redis.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfAbsent writes value only when key does not exist and reports whether it did.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error

	SortedSetAdd(ctx context.Context, key, member string, score float64) error
	// SortedSetUpdate refreshes the score of an existing member and never inserts one.
	SortedSetUpdate(ctx context.Context, key, member string, score float64) error
	SortedSetScore(ctx context.Context, key, member string) (float64, error)
	SortedSetRangeByRankAsc(ctx context.Context, key string, start, stop int64) ([]string, error)
	SortedSetRangeByRankAscWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)
	SortedSetRemove(ctx context.Context, key string, members ...string) error
	SortedSetRemoveRangeByRank(ctx context.Context, key string, start, stop int64) error
	SortedSetCardinality(ctx context.Context, key string) (int64, error)

	SetAdd(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	Pipeline() Batch
	Ping(ctx context.Context) error
	Close() error
}

// Batch queues writes that are applied together by Exec. Either every queued
// command is applied or, on error, the batch may be retried as a whole.
type Batch interface {
	Set(key string, value []byte, ttl time.Duration)
	Delete(keys ...string)
	SetAdd(key string, members ...string)
	Expire(key string, ttl time.Duration)
	Len() int
	Exec(ctx context.Context) error
}
