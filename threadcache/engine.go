package threadcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jedisct1/dlog"

	"github.com/happyheadlines/commentcache/store"
)

var (
	// ErrCorruptEntry reports a cached payload that cannot be decoded.
	ErrCorruptEntry = errors.New("threadcache: corrupt cache entry")

	// ErrCapacityExceeded reports a recency index still above MaxThreads after a sweep.
	ErrCapacityExceeded = errors.New("threadcache: capacity exceeded after sweep")

	// ErrInvalidRecord rejects records that cannot be cached under the given article.
	ErrInvalidRecord = errors.New("threadcache: invalid record")
)

// Option mutates engine construction.
type Option func(*Engine)

// WithMetrics sets the sink receiving hit, miss, eviction and size events.
func WithMetrics(metrics Metrics) Option {
	return func(engine *Engine) {
		if metrics != nil {
			engine.metrics = guardedMetrics{sink: metrics}
		}
	}
}

// WithClock replaces the wall clock used for recency scores.
func WithClock(now func() time.Time) Option {
	return func(engine *Engine) {
		if now != nil {
			engine.clock.now = now
		}
	}
}

// Engine caches whole comment threads per article and keeps at most MaxThreads of
// them, evicting the least recently touched ones.
//
// Correctness across instances relies on the store: each thread population is one
// atomic batch and the recency index is a single shared sorted set. The engine holds
// no lock around shared state apart from the one-slot sweep guard.
type Engine struct {
	store     store.Store
	index     recencyIndex
	limits    atomic.Pointer[Limits]
	opTimeout time.Duration
	metrics   Metrics
	clock     *scoreClock
	pending   *pendingTouches
	sweepSlot chan struct{}
}

type threadState int

const (
	threadAbsent threadState = iota
	threadEmpty
	threadPartial
	threadCached
)

func New(st store.Store, config Config, options ...Option) (*Engine, error) {
	if st == nil {
		return nil, errors.New("threadcache: nil store")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("threadcache: %w", err)
	}
	pending, err := newPendingTouches(config.FallbackSize)
	if err != nil {
		return nil, fmt.Errorf("threadcache: fallback tracker: %w", err)
	}
	engine := &Engine{
		store:     st,
		index:     recencyIndex{store: st, key: RecencyKey},
		opTimeout: config.OpTimeout,
		metrics:   NopMetrics{},
		clock:     &scoreClock{now: time.Now},
		pending:   pending,
		sweepSlot: make(chan struct{}, 1),
	}
	limits := config.Limits
	engine.limits.Store(&limits)
	for _, option := range options {
		option(engine)
	}
	return engine, nil
}

// Limits returns the tunables currently in effect.
func (e *Engine) Limits() Limits {
	return *e.limits.Load()
}

// SetLimits swaps the tunables; the next population or sweep uses them.
func (e *Engine) SetLimits(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	previous := e.limits.Swap(&limits)
	if *previous != limits {
		dlog.Noticef("Thread cache limits: max_threads=%d item_ttl=%v empty_marker_ttl=%v",
			limits.MaxThreads, limits.ItemTTL, limits.EmptyMarkerTTL)
	}
	return nil
}

func (e *Engine) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.opTimeout)
}

// GetComment returns one cached comment and refreshes the recency of its thread.
func (e *Engine) GetComment(ctx context.Context, commentID int64) (CommentRecord, bool) {
	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	key := ItemKey(commentID)
	data, err := e.store.Get(opCtx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			dlog.Warnf("Comment cache read failed for comment %d: %v", commentID, err)
		}
		e.metrics.Miss(MetricComment)
		return CommentRecord{}, false
	}
	item, err := decodeItem(data)
	if err == nil && item.Comment.ID != commentID {
		err = fmt.Errorf("%w: item %s holds comment %d", ErrCorruptEntry, key, item.Comment.ID)
	}
	if err != nil {
		dlog.Warnf("Dropping cached comment %d: %v", commentID, err)
		if err := e.store.Delete(opCtx, key); err != nil {
			dlog.Warnf("Unable to drop corrupt key [%s]: %v", key, err)
		}
		e.metrics.Miss(MetricComment)
		return CommentRecord{}, false
	}
	e.touch(opCtx, item.Comment.ArticleID)
	e.metrics.Hit(MetricComment)
	return item.Comment, true
}

// PutComment caches one comment on its own. It does not join its article's thread
// and does not enter the recency index. A comment already cached as part of a
// thread is left untouched so its position in that thread survives.
func (e *Engine) PutComment(ctx context.Context, record CommentRecord) error {
	if record.ID <= 0 || record.ArticleID <= 0 {
		return fmt.Errorf("%w: comment %d of article %d", ErrInvalidRecord, record.ID, record.ArticleID)
	}
	payload, err := encodeItem(0, record)
	if err != nil {
		return err
	}
	opCtx, cancel := e.opContext(ctx)
	defer cancel()
	written, err := e.store.SetIfAbsent(opCtx, ItemKey(record.ID), payload, e.Limits().ItemTTL)
	if err != nil {
		dlog.Warnf("Comment cache write failed for comment %d: %v", record.ID, err)
	} else if !written {
		dlog.Debugf("Comment %d is already cached", record.ID)
	}
	return nil
}

// RemoveComment drops one cached comment.
func (e *Engine) RemoveComment(ctx context.Context, commentID int64) error {
	opCtx, cancel := e.opContext(ctx)
	defer cancel()
	return e.store.Delete(opCtx, ItemKey(commentID))
}

// GetThread returns the cached thread of an article in stored order. An article
// known to have no comments is reported as found with no records.
func (e *Engine) GetThread(ctx context.Context, articleID int64) ([]CommentRecord, bool) {
	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	records, state, err := e.lookupThread(opCtx, articleID)
	switch {
	case err != nil:
		dlog.Warnf("Thread cache read failed for article %d: %v", articleID, err)
		if errors.Is(err, ErrCorruptEntry) {
			e.dropThread(opCtx, articleID)
		}
	case state == threadPartial:
		dlog.Debugf("Thread of article %d partially expired, dropping it", articleID)
		e.dropThread(opCtx, articleID)
	case state == threadEmpty:
		e.metrics.Hit(MetricThread)
		return []CommentRecord{}, true
	case state == threadCached:
		e.bump(opCtx, articleID)
		e.metrics.Hit(MetricThread)
		return records, true
	}
	e.metrics.Miss(MetricThread)
	return nil, false
}

// PeekThread looks a thread up without recording metrics or refreshing recency.
func (e *Engine) PeekThread(ctx context.Context, articleID int64) ([]CommentRecord, bool, error) {
	opCtx, cancel := e.opContext(ctx)
	defer cancel()
	records, state, err := e.lookupThread(opCtx, articleID)
	if err != nil {
		return nil, false, err
	}
	switch state {
	case threadCached:
		return records, true, nil
	case threadEmpty:
		return []CommentRecord{}, true, nil
	}
	return nil, false, nil
}

func (e *Engine) lookupThread(ctx context.Context, articleID int64) ([]CommentRecord, threadState, error) {
	members, err := e.store.SetMembers(ctx, MembersKey(articleID))
	if err != nil {
		return nil, threadAbsent, err
	}
	if len(members) == 0 {
		_, err := e.store.Get(ctx, EmptyMarkerKey(articleID))
		switch {
		case err == nil:
			return nil, threadEmpty, nil
		case errors.Is(err, store.ErrNotFound):
			return nil, threadAbsent, nil
		default:
			return nil, threadAbsent, err
		}
	}

	keys := itemKeysFor(members)
	values, err := e.store.MGet(ctx, keys...)
	if err != nil {
		return nil, threadAbsent, err
	}
	items := make([]cachedItem, 0, len(values))
	for i, value := range values {
		if value == nil {
			return nil, threadPartial, nil
		}
		item, err := decodeItem(value)
		if err == nil && item.Comment.ArticleID != articleID {
			err = fmt.Errorf("%w: item %s belongs to article %d", ErrCorruptEntry, keys[i], item.Comment.ArticleID)
		}
		if err != nil {
			if delErr := e.store.Delete(ctx, keys[i]); delErr != nil {
				dlog.Warnf("Unable to drop corrupt key [%s]: %v", keys[i], delErr)
			}
			return nil, threadAbsent, err
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Position < items[j].Position
	})
	records := make([]CommentRecord, len(items))
	for i, item := range items {
		records[i] = item.Comment
	}
	return records, threadCached, nil
}

// PutThread replaces the cached thread of an article with records, in the given
// order, marks it most recently used and enforces the capacity limit. Replaying
// the same records leaves the same state. An empty thread is stored as an empty
// marker that never counts against the capacity.
//
// Store failures are logged and swallowed; only invalid records are reported.
func (e *Engine) PutThread(ctx context.Context, articleID int64, records []CommentRecord) error {
	if articleID <= 0 {
		return fmt.Errorf("%w: article id %d", ErrInvalidRecord, articleID)
	}
	for _, record := range records {
		if record.ArticleID != articleID || record.ID <= 0 {
			return fmt.Errorf("%w: comment %d of article %d cached under article %d",
				ErrInvalidRecord, record.ID, record.ArticleID, articleID)
		}
	}
	if len(records) == 0 {
		if err := e.Invalidate(ctx, articleID); err != nil {
			dlog.Warnf("Thread cache invalidation failed for article %d: %v", articleID, err)
			return nil
		}
		e.MarkEmpty(ctx, articleID)
		return nil
	}

	limits := e.Limits()
	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	membersKey := MembersKey(articleID)
	previous, err := e.store.SetMembers(opCtx, membersKey)
	if err != nil {
		dlog.Warnf("Thread cache write for article %d cannot read previous members: %v", articleID, err)
		previous = nil
	}

	ids := make([]string, len(records))
	current := make(map[string]struct{}, len(records))
	for i, record := range records {
		ids[i] = strconv.FormatInt(record.ID, 10)
		current[ids[i]] = struct{}{}
	}
	var stale []string
	for _, member := range previous {
		if _, ok := current[member]; !ok {
			stale = append(stale, member)
		}
	}

	batch := e.store.Pipeline()
	batch.Delete(append(itemKeysFor(stale), membersKey, EmptyMarkerKey(articleID))...)
	for i, record := range records {
		payload, err := encodeItem(i, record)
		if err != nil {
			return err
		}
		batch.Set(ItemKey(record.ID), payload, limits.ItemTTL)
	}
	batch.SetAdd(membersKey, ids...)
	batch.Expire(membersKey, limits.ItemTTL)
	if err := batch.Exec(opCtx); err != nil {
		dlog.Warnf("Thread cache write failed for article %d: %v", articleID, err)
		return nil
	}
	dlog.Debugf("Cached %d comment(s) for article %d", len(records), articleID)

	if e.bump(opCtx, articleID) && e.pending.Len() > 0 {
		e.ReplayPending(opCtx)
	}
	e.sweepAfterPopulation(ctx)
	return nil
}

// MarkEmpty remembers for a short while that an article has no comments.
func (e *Engine) MarkEmpty(ctx context.Context, articleID int64) {
	opCtx, cancel := e.opContext(ctx)
	defer cancel()
	if err := e.store.Set(opCtx, EmptyMarkerKey(articleID), []byte("[]"), e.Limits().EmptyMarkerTTL); err != nil {
		dlog.Warnf("Empty marker write failed for article %d: %v", articleID, err)
	}
}

// Invalidate removes the cached thread of an article: its items, its membership
// set, its empty marker and finally its recency entry.
func (e *Engine) Invalidate(ctx context.Context, articleID int64) error {
	opCtx, cancel := e.opContext(ctx)
	defer cancel()
	if err := e.evict(opCtx, articleMember(articleID)); err != nil {
		return fmt.Errorf("invalidate article %d: %w", articleID, err)
	}
	e.pending.forget(articleID)
	return nil
}

// Touch refreshes the recency of an article already in the index.
func (e *Engine) Touch(ctx context.Context, articleID int64) {
	opCtx, cancel := e.opContext(ctx)
	defer cancel()
	e.touch(opCtx, articleID)
}

func (e *Engine) touch(ctx context.Context, articleID int64) {
	score := e.clock.next()
	if err := e.index.refresh(ctx, articleMember(articleID), score); err != nil {
		dlog.Warnf("Recency refresh failed for article %d: %v", articleID, err)
		e.pending.remember(articleID, score)
	}
}

// bump records an article whose thread is known to be cached as most recently used.
func (e *Engine) bump(ctx context.Context, articleID int64) bool {
	score := e.clock.next()
	if err := e.index.add(ctx, articleMember(articleID), score); err != nil {
		dlog.Warnf("Recency bump failed for article %d: %v", articleID, err)
		e.pending.remember(articleID, score)
		return false
	}
	return true
}

// dropThread is Invalidate for read paths, where failures are only logged.
func (e *Engine) dropThread(ctx context.Context, articleID int64) {
	if err := e.evict(ctx, articleMember(articleID)); err != nil {
		dlog.Warnf("Unable to drop thread of article %d: %v", articleID, err)
	}
}

// evict deletes one article thread, items and membership set first, then its
// recency entry, so the index never points at a thread that was kept.
func (e *Engine) evict(ctx context.Context, member string) error {
	membersKey := membersKeyFor(member)
	members, err := e.store.SetMembers(ctx, membersKey)
	if err != nil {
		return err
	}
	batch := e.store.Pipeline()
	batch.Delete(append(itemKeysFor(members), membersKey, emptyKeyFor(member))...)
	if err := batch.Exec(ctx); err != nil {
		return err
	}
	return e.index.remove(ctx, member)
}

// ReplayPending pushes recency bumps that failed earlier to the shared index, for
// articles whose thread is still cached. It stops at the first store failure.
func (e *Engine) ReplayPending(ctx context.Context) int {
	replayed := 0
	for _, touch := range e.pending.snapshot() {
		member := articleMember(touch.articleID)
		members, err := e.store.SetMembers(ctx, membersKeyFor(member))
		if err != nil {
			dlog.Debugf("Recency replay postponed: %v", err)
			return replayed
		}
		if len(members) == 0 {
			e.pending.forget(touch.articleID)
			continue
		}
		current, err := e.index.score(ctx, member)
		if err == nil && current >= touch.score {
			e.pending.forget(touch.articleID)
			continue
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			dlog.Debugf("Recency replay postponed: %v", err)
			return replayed
		}
		if err := e.index.add(ctx, member, touch.score); err != nil {
			dlog.Debugf("Recency replay postponed: %v", err)
			return replayed
		}
		e.pending.forget(touch.articleID)
		replayed++
	}
	if replayed > 0 {
		dlog.Infof("Replayed %d pending recency bump(s)", replayed)
	}
	return replayed
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Threads    int64
	MaxThreads int
	Pending    int
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	opCtx, cancel := e.opContext(ctx)
	defer cancel()
	n, err := e.index.size(opCtx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Threads: n, MaxThreads: e.Limits().MaxThreads, Pending: e.pending.Len()}, nil
}

// ThreadInfo describes one entry of the recency index.
type ThreadInfo struct {
	ArticleID int64
	LastTouch time.Time
	Comments  int
}

// Threads lists the indexed threads, least recently used first.
func (e *Engine) Threads(ctx context.Context) ([]ThreadInfo, error) {
	opCtx, cancel := e.opContext(ctx)
	defer cancel()
	entries, err := e.index.all(opCtx)
	if err != nil {
		return nil, err
	}
	threads := make([]ThreadInfo, 0, len(entries))
	for _, entry := range entries {
		articleID, err := strconv.ParseInt(entry.Member, 10, 64)
		if err != nil {
			dlog.Warnf("Ignoring unexpected recency member [%s]", entry.Member)
			continue
		}
		members, err := e.store.SetMembers(opCtx, membersKeyFor(entry.Member))
		if err != nil {
			return nil, err
		}
		threads = append(threads, ThreadInfo{
			ArticleID: articleID,
			LastTouch: ScoreTime(entry.Score),
			Comments:  len(members),
		})
	}
	return threads, nil
}
