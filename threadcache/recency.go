package threadcache

import (
	"context"
	"sync"
	"time"

	"github.com/happyheadlines/commentcache/store"
)

// scoreClock issues recency scores: wall-clock microseconds, never repeating or going
// backwards within one process.
type scoreClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last float64
}

func (clock *scoreClock) next() float64 {
	score := float64(clock.now().UnixMicro())
	clock.mu.Lock()
	if score <= clock.last {
		score = clock.last + 1
	}
	clock.last = score
	clock.mu.Unlock()
	return score
}

// ScoreTime converts a recency score back to the instant it was issued.
func ScoreTime(score float64) time.Time {
	return time.UnixMicro(int64(score))
}

// recencyIndex is the shared sorted set of article ids.
type recencyIndex struct {
	store store.Store
	key   string
}

func (index recencyIndex) add(ctx context.Context, member string, score float64) error {
	return index.store.SortedSetAdd(ctx, index.key, member, score)
}

func (index recencyIndex) refresh(ctx context.Context, member string, score float64) error {
	return index.store.SortedSetUpdate(ctx, index.key, member, score)
}

func (index recencyIndex) score(ctx context.Context, member string) (float64, error) {
	return index.store.SortedSetScore(ctx, index.key, member)
}

func (index recencyIndex) remove(ctx context.Context, members ...string) error {
	return index.store.SortedSetRemove(ctx, index.key, members...)
}

func (index recencyIndex) size(ctx context.Context) (int64, error) {
	return index.store.SortedSetCardinality(ctx, index.key)
}

// oldest returns the n stalest members.
func (index recencyIndex) oldest(ctx context.Context, n int64) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	return index.store.SortedSetRangeByRankAsc(ctx, index.key, 0, n-1)
}

func (index recencyIndex) all(ctx context.Context) ([]store.ScoredMember, error) {
	return index.store.SortedSetRangeByRankAscWithScores(ctx, index.key, 0, -1)
}

func (index recencyIndex) clear(ctx context.Context) error {
	return index.store.SortedSetRemoveRangeByRank(ctx, index.key, 0, -1)
}
