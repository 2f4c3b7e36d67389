// Package storetest provides an in-memory store.Store with a controllable clock and
// failure injection, for tests of the packages built on top of the store.
package storetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/happyheadlines/commentcache/store"
)

// ErrInjected is the cause reported by operations failed through Fail.
var ErrInjected = errors.New("injected failure")

type entry struct {
	value  []byte
	set    map[string]struct{}
	zset   map[string]float64
	expiry time.Time
}

// MemoryStore keeps every key in process memory. Expiry is evaluated lazily against
// the store clock, which only moves through Advance.
type MemoryStore struct {
	mu      sync.Mutex
	now     time.Time
	entries map[string]*entry
	failErr error
	failOps map[string]bool
	calls   map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Unix(1700000000, 0),
		entries: make(map[string]*entry),
		calls:   make(map[string]int),
	}
}

// Advance moves the store clock forward, expiring keys whose TTL elapsed.
func (s *MemoryStore) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

// Fail makes the listed operations (all of them when none is listed) return a
// store.ErrUnavailable error wrapping err until Recover is called.
func (s *MemoryStore) Fail(err error, ops ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	s.failErr = err
	s.failOps = nil
	if len(ops) > 0 {
		s.failOps = make(map[string]bool, len(ops))
		for _, op := range ops {
			s.failOps[op] = true
		}
	}
}

func (s *MemoryStore) Recover() {
	s.mu.Lock()
	s.failErr, s.failOps = nil, nil
	s.mu.Unlock()
}

// Calls returns how many times an operation was invoked, failed or not.
func (s *MemoryStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Exists reports whether a live key is present.
func (s *MemoryStore) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(key) != nil
}

// TTL returns the remaining lifetime of a key, zero for keys without expiry.
func (s *MemoryStore) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(key)
	if e == nil || e.expiry.IsZero() {
		return 0
	}
	return e.expiry.Sub(s.now)
}

// Keys returns every live key, sorted.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		if s.lookupLocked(key) != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// SortedMembers returns the members of a sorted set in ascending score order.
func (s *MemoryStore) SortedMembers(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := []string{}
	for _, scored := range s.rangeLocked(key) {
		members = append(members, scored.Member)
	}
	return members
}

func (s *MemoryStore) begin(op, key string) error {
	s.calls[op]++
	if s.failErr == nil {
		return nil
	}
	if s.failOps != nil && !s.failOps[op] {
		return nil
	}
	return &store.Error{Op: op, Key: key, Err: s.failErr}
}

func (s *MemoryStore) lookupLocked(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiry.IsZero() && !s.now.Before(e.expiry) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStore) rangeLocked(key string) []store.ScoredMember {
	e := s.lookupLocked(key)
	if e == nil || e.zset == nil {
		return nil
	}
	scored := make([]store.ScoredMember, 0, len(e.zset))
	for member, score := range e.zset {
		scored = append(scored, store.ScoredMember{Member: member, Score: score})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score < scored[j].Score
		}
		return scored[i].Member < scored[j].Member
	})
	return scored
}

// rankBounds converts inclusive, possibly negative ranks into slice bounds.
func rankBounds(n int, start, stop int64) (int, int, bool) {
	size := int64(n)
	if start < 0 {
		start += size
	}
	if stop < 0 {
		stop += size
	}
	if start < 0 {
		start = 0
	}
	if stop >= size {
		stop = size - 1
	}
	if size == 0 || start > stop {
		return 0, 0, false
	}
	return int(start), int(stop) + 1, true
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("get", key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &store.Error{Op: "get", Key: key, Err: err}
	}
	e := s.lookupLocked(key)
	if e == nil || e.value == nil {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *MemoryStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(keys) == 0 {
		return nil, nil
	}
	if err := s.begin("mget", keys[0]); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &store.Error{Op: "mget", Key: keys[0], Err: err}
	}
	values := make([][]byte, len(keys))
	for i, key := range keys {
		if e := s.lookupLocked(key); e != nil && e.value != nil {
			values[i] = append([]byte(nil), e.value...)
		}
	}
	return values, nil
}

func (s *MemoryStore) setLocked(key string, value []byte, ttl time.Duration) {
	e := &entry{value: append([]byte{}, value...)}
	if ttl > 0 {
		e.expiry = s.now.Add(ttl)
	}
	s.entries[key] = e
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("set", key); err != nil {
		return err
	}
	s.setLocked(key, value, ttl)
	return nil
}

func (s *MemoryStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("setnx", key); err != nil {
		return false, err
	}
	if s.lookupLocked(key) != nil {
		return false, nil
	}
	s.setLocked(key, value, ttl)
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(keys) == 0 {
		return nil
	}
	if err := s.begin("del", keys[0]); err != nil {
		return err
	}
	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) zsetLocked(key string, create bool) map[string]float64 {
	e := s.lookupLocked(key)
	if e == nil {
		if !create {
			return nil
		}
		e = &entry{zset: make(map[string]float64)}
		s.entries[key] = e
	}
	return e.zset
}

func (s *MemoryStore) SortedSetAdd(ctx context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("zadd", key); err != nil {
		return err
	}
	s.zsetLocked(key, true)[member] = score
	return nil
}

func (s *MemoryStore) SortedSetUpdate(ctx context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("zadd xx", key); err != nil {
		return err
	}
	zset := s.zsetLocked(key, false)
	if _, ok := zset[member]; ok {
		zset[member] = score
	}
	return nil
}

func (s *MemoryStore) SortedSetScore(ctx context.Context, key, member string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("zscore", key); err != nil {
		return 0, err
	}
	score, ok := s.zsetLocked(key, false)[member]
	if !ok {
		return 0, store.ErrNotFound
	}
	return score, nil
}

func (s *MemoryStore) SortedSetRangeByRankAsc(ctx context.Context, key string, start, stop int64) ([]string, error) {
	scored, err := s.SortedSetRangeByRankAscWithScores(ctx, key, start, stop)
	if err != nil {
		return nil, err
	}
	members := make([]string, len(scored))
	for i, entry := range scored {
		members[i] = entry.Member
	}
	return members, nil
}

func (s *MemoryStore) SortedSetRangeByRankAscWithScores(ctx context.Context, key string, start, stop int64) ([]store.ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("zrange", key); err != nil {
		return nil, err
	}
	scored := s.rangeLocked(key)
	from, to, ok := rankBounds(len(scored), start, stop)
	if !ok {
		return []store.ScoredMember{}, nil
	}
	return scored[from:to], nil
}

func (s *MemoryStore) SortedSetRemove(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("zrem", key); err != nil {
		return err
	}
	zset := s.zsetLocked(key, false)
	for _, member := range members {
		delete(zset, member)
	}
	if zset != nil && len(zset) == 0 {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) SortedSetRemoveRangeByRank(ctx context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("zremrangebyrank", key); err != nil {
		return err
	}
	scored := s.rangeLocked(key)
	from, to, ok := rankBounds(len(scored), start, stop)
	if !ok {
		return nil
	}
	zset := s.zsetLocked(key, false)
	for _, entry := range scored[from:to] {
		delete(zset, entry.Member)
	}
	if len(zset) == 0 {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) SortedSetCardinality(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("zcard", key); err != nil {
		return 0, err
	}
	return int64(len(s.zsetLocked(key, false))), nil
}

func (s *MemoryStore) setAddLocked(key string, members []string) {
	e := s.lookupLocked(key)
	if e == nil {
		e = &entry{set: make(map[string]struct{})}
		s.entries[key] = e
	}
	for _, member := range members {
		e.set[member] = struct{}{}
	}
}

func (s *MemoryStore) SetAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(members) == 0 {
		return nil
	}
	if err := s.begin("sadd", key); err != nil {
		return err
	}
	s.setAddLocked(key, members)
	return nil
}

func (s *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("smembers", key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &store.Error{Op: "smembers", Key: key, Err: err}
	}
	members := []string{}
	if e := s.lookupLocked(key); e != nil {
		for member := range e.set {
			members = append(members, member)
		}
	}
	sort.Strings(members)
	return members, nil
}

func (s *MemoryStore) Pipeline() store.Batch {
	return &memoryBatch{store: s}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begin("ping", "")
}

func (s *MemoryStore) Close() error {
	return nil
}

type memoryBatch struct {
	store *MemoryStore
	ops   []func()
	first string
}

func (b *memoryBatch) queue(key string, op func()) {
	if len(b.first) == 0 {
		b.first = key
	}
	b.ops = append(b.ops, op)
}

func (b *memoryBatch) Set(key string, value []byte, ttl time.Duration) {
	b.queue(key, func() { b.store.setLocked(key, value, ttl) })
}

func (b *memoryBatch) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	b.queue(keys[0], func() {
		for _, key := range keys {
			delete(b.store.entries, key)
		}
	})
}

func (b *memoryBatch) SetAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	b.queue(key, func() { b.store.setAddLocked(key, members) })
}

func (b *memoryBatch) Expire(key string, ttl time.Duration) {
	b.queue(key, func() {
		if e := b.store.lookupLocked(key); e != nil {
			e.expiry = b.store.now.Add(ttl)
		}
	})
}

func (b *memoryBatch) Len() int {
	return len(b.ops)
}

func (b *memoryBatch) Exec(ctx context.Context) error {
	if len(b.ops) == 0 {
		return nil
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("exec", b.first); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &store.Error{Op: "exec", Key: b.first, Err: err}
	}
	for _, op := range b.ops {
		op()
	}
	return nil
}
