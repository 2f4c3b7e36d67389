package threadcache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jedisct1/dlog"
	"github.com/powerman/check"
	"go.uber.org/goleak"

	"github.com/happyheadlines/commentcache/store"
	"github.com/happyheadlines/commentcache/store/storetest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingMetrics struct {
	mu     sync.Mutex
	hits   map[string]int
	misses map[string]int
	evicts map[string]int
	sizes  map[string]int64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		hits:   make(map[string]int),
		misses: make(map[string]int),
		evicts: make(map[string]int),
		sizes:  make(map[string]int64),
	}
}

func (m *recordingMetrics) Hit(name string) {
	m.mu.Lock()
	m.hits[name]++
	m.mu.Unlock()
}

func (m *recordingMetrics) Miss(name string) {
	m.mu.Lock()
	m.misses[name]++
	m.mu.Unlock()
}

func (m *recordingMetrics) Evict(name string) {
	m.mu.Lock()
	m.evicts[name]++
	m.mu.Unlock()
}

func (m *recordingMetrics) SetSize(name string, n int64) {
	m.mu.Lock()
	m.sizes[name] = n
	m.mu.Unlock()
}

func (m *recordingMetrics) counts(name string) (hits, misses, evicts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[name], m.misses[name], m.evicts[name]
}

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(tt *testing.T, maxThreads int) (*Engine, *storetest.MemoryStore, *recordingMetrics) {
	tt.Helper()
	if testing.Verbose() {
		dlog.SetLogLevel(dlog.SeverityDebug)
	}
	st := storetest.NewMemoryStore()
	metrics := newRecordingMetrics()
	config := DefaultConfig()
	config.MaxThreads = maxThreads
	engine, err := New(st, config, WithMetrics(metrics), WithClock(func() time.Time { return testEpoch }))
	if err != nil {
		tt.Fatal(err)
	}
	return engine, st, metrics
}

// thread builds n comments for an article, newest first.
func thread(articleID int64, n int) []CommentRecord {
	records := make([]CommentRecord, n)
	for i := range records {
		id := articleID*1000 + int64(n-i)
		records[i] = CommentRecord{
			ID:          id,
			ArticleID:   articleID,
			AuthorID:    7,
			Content:     "comment " + strconv.FormatInt(id, 10),
			PublishedAt: testEpoch.Add(time.Duration(n-i) * time.Minute),
		}
	}
	return records
}

func indexed(st *storetest.MemoryStore) []string {
	return st.SortedMembers(RecencyKey)
}

// checkMembersHaveItems verifies that every comment id listed in a membership set
// has its item key.
func checkMembersHaveItems(t *check.C, st *storetest.MemoryStore) {
	ctx := context.Background()
	for _, key := range st.Keys() {
		if len(key) < len(membersKeySuffix) || key[len(key)-len(membersKeySuffix):] != membersKeySuffix {
			continue
		}
		members, err := st.SetMembers(ctx, key)
		t.Nil(err)
		for _, itemKey := range itemKeysFor(members) {
			t.True(st.Exists(itemKey), fmt.Sprintf("%s lists %s which is missing", key, itemKey))
		}
	}
}

func TestPutThreadThenGetThreadKeepsOrder(tt *testing.T) {
	t := check.T(tt)
	engine, st, metrics := newTestEngine(tt, 30)
	ctx := context.Background()

	records := thread(1, 3)
	records[0], records[2] = records[2], records[0]
	t.Nil(engine.PutThread(ctx, 1, records))

	got, found := engine.GetThread(ctx, 1)
	t.True(found)
	t.DeepEqual(got, records)
	hits, misses, _ := metrics.counts(MetricThread)
	t.Equal(hits, 1)
	t.Equal(misses, 0)

	for _, record := range records {
		t.Equal(st.TTL(ItemKey(record.ID)), DefaultItemTTL)
	}
	t.Equal(st.TTL(MembersKey(1)), DefaultItemTTL)
	t.DeepEqual(indexed(st), []string{"1"})
	checkMembersHaveItems(t, st)
}

func TestGetThreadMiss(tt *testing.T) {
	t := check.T(tt)
	engine, _, metrics := newTestEngine(tt, 30)

	got, found := engine.GetThread(context.Background(), 42)
	t.False(found)
	t.Nil(got)
	_, misses, _ := metrics.counts(MetricThread)
	t.Equal(misses, 1)
}

func TestPutThreadIsIdempotent(tt *testing.T) {
	t := check.T(tt)
	engine, st, _ := newTestEngine(tt, 30)
	ctx := context.Background()

	records := thread(5, 4)
	t.Nil(engine.PutThread(ctx, 5, records))
	keys := st.Keys()
	t.Nil(engine.PutThread(ctx, 5, records))

	t.DeepEqual(st.Keys(), keys)
	t.DeepEqual(indexed(st), []string{"5"})
	members, err := st.SetMembers(ctx, MembersKey(5))
	t.Nil(err)
	t.Len(members, 4)
	got, found := engine.GetThread(ctx, 5)
	t.True(found)
	t.DeepEqual(got, records)
}

func TestPutThreadDropsCommentsNoLongerPresent(tt *testing.T) {
	t := check.T(tt)
	engine, st, _ := newTestEngine(tt, 30)
	ctx := context.Background()

	records := thread(2, 3)
	t.Nil(engine.PutThread(ctx, 2, records))
	t.Nil(engine.PutThread(ctx, 2, records[:2]))

	t.False(st.Exists(ItemKey(records[2].ID)))
	got, found := engine.GetThread(ctx, 2)
	t.True(found)
	t.DeepEqual(got, records[:2])
}

func TestLeastRecentlyTouchedThreadIsEvicted(tt *testing.T) {
	t := check.T(tt)
	engine, st, metrics := newTestEngine(tt, 2)
	ctx := context.Background()

	t.Nil(engine.PutThread(ctx, 1, thread(1, 2)))
	t.Nil(engine.PutThread(ctx, 2, thread(2, 2)))
	engine.Touch(ctx, 1)
	t.Nil(engine.PutThread(ctx, 3, thread(3, 2)))

	t.DeepEqual(indexed(st), []string{"1", "3"})
	_, found := engine.GetThread(ctx, 2)
	t.False(found)
	t.False(st.Exists(MembersKey(2)))
	t.False(st.Exists(ItemKey(2001)))
	_, found = engine.GetThread(ctx, 1)
	t.True(found)
	_, _, evicts := metrics.counts(MetricThread)
	t.Equal(evicts, 1)
	checkMembersHaveItems(t, st)
}

func TestTouchNeverIndexesUnknownArticles(tt *testing.T) {
	t := check.T(tt)
	engine, st, _ := newTestEngine(tt, 2)

	engine.Touch(context.Background(), 77)
	t.Len(indexed(st), 0)
	t.Equal(st.Calls("set"), 0)
}

func TestCapacityHoldsAcrossRandomOperations(tt *testing.T) {
	t := check.T(tt)
	engine, st, _ := newTestEngine(tt, 5)
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(1))

	for i := 0; i < 300; i++ {
		articleID := int64(rnd.Intn(20) + 1)
		switch rnd.Intn(4) {
		case 0, 1:
			t.Nil(engine.PutThread(ctx, articleID, thread(articleID, rnd.Intn(4)+1)))
		case 2:
			t.Nil(engine.Invalidate(ctx, articleID))
		default:
			_, err := engine.Sweep(ctx)
			t.Nil(err)
		}
		t.True(len(indexed(st)) <= 5)
	}
	checkMembersHaveItems(t, st)
}

func TestThirtyOneThreadsKeepThirty(tt *testing.T) {
	t := check.T(tt)
	engine, st, metrics := newTestEngine(tt, 30)
	ctx := context.Background()

	for articleID := int64(1); articleID <= 31; articleID++ {
		t.Nil(engine.PutThread(ctx, articleID, thread(articleID, 2)))
	}
	t.Len(indexed(st), 30)
	t.NotContains(indexed(st), "1")
	_, found := engine.GetThread(ctx, 1)
	t.False(found)
	for articleID := int64(2); articleID <= 31; articleID++ {
		_, found := engine.GetThread(ctx, articleID)
		t.True(found)
	}
	_, _, evicts := metrics.counts(MetricThread)
	t.Equal(evicts, 1)
	stats, err := engine.Stats(ctx)
	t.Nil(err)
	t.Equal(stats.Threads, int64(30))
}

func TestEmptyMarkersNeverCountAgainstCapacity(tt *testing.T) {
	t := check.T(tt)
	engine, st, metrics := newTestEngine(tt, 30)
	ctx := context.Background()

	for articleID := int64(100); articleID < 130; articleID++ {
		t.Nil(engine.PutThread(ctx, articleID, nil))
	}
	t.Nil(engine.PutThread(ctx, 1, thread(1, 3)))

	t.DeepEqual(indexed(st), []string{"1"})
	_, _, evicts := metrics.counts(MetricThread)
	t.Equal(evicts, 0)
	for articleID := int64(100); articleID < 130; articleID++ {
		t.Equal(st.TTL(EmptyMarkerKey(articleID)), DefaultEmptyMarkerTTL)
	}
	records, found := engine.GetThread(ctx, 100)
	t.True(found)
	t.Len(records, 0)
	stats, err := engine.Stats(ctx)
	t.Nil(err)
	t.True(stats.Threads < int64(stats.MaxThreads))

	st.Advance(DefaultEmptyMarkerTTL)
	_, found = engine.GetThread(ctx, 100)
	t.False(found)
}

func TestPutThreadClearsEmptyMarker(tt *testing.T) {
	t := check.T(tt)
	engine, st, _ := newTestEngine(tt, 30)
	ctx := context.Background()

	engine.MarkEmpty(ctx, 4)
	t.True(st.Exists(EmptyMarkerKey(4)))
	t.Nil(engine.PutThread(ctx, 4, thread(4, 1)))
	t.False(st.Exists(EmptyMarkerKey(4)))
}

func TestInvalidateLeavesOtherArticlesAlone(tt *testing.T) {
	t := check.T(tt)
	engine, st, _ := newTestEngine(tt, 30)
	ctx := context.Background()

	t.Nil(engine.PutThread(ctx, 1, thread(1, 2)))
	t.Nil(engine.PutThread(ctx, 2, thread(2, 2)))
	before, err := st.SortedSetScore(ctx, RecencyKey, "2")
	t.Nil(err)

	t.Nil(engine.Invalidate(ctx, 1))

	t.DeepEqual(indexed(st), []string{"2"})
	after, err := st.SortedSetScore(ctx, RecencyKey, "2")
	t.Nil(err)
	t.Equal(after, before)
	t.False(st.Exists(MembersKey(1)))
	t.False(st.Exists(ItemKey(1001)))
	t.False(st.Exists(ItemKey(1002)))
	t.True(st.Exists(ItemKey(2001)))
}

func TestGetCommentRefreshesOwningThread(tt *testing.T) {
	t := check.T(tt)
	engine, st, metrics := newTestEngine(tt, 30)
	ctx := context.Background()

	records := thread(1, 2)
	t.Nil(engine.PutThread(ctx, 1, records))
	t.Nil(engine.PutThread(ctx, 2, thread(2, 2)))
	t.DeepEqual(indexed(st), []string{"1", "2"})

	got, found := engine.GetComment(ctx, records[1].ID)
	t.True(found)
	t.DeepEqual(got, records[1])
	t.DeepEqual(indexed(st), []string{"2", "1"})

	_, found = engine.GetComment(ctx, 999999)
	t.False(found)
	hits, misses, _ := metrics.counts(MetricComment)
	t.Equal(hits, 1)
	t.Equal(misses, 1)
}

func TestStandaloneCommentStaysOutOfIndex(tt *testing.T) {
	t := check.T(tt)
	engine, st, _ := newTestEngine(tt, 30)
	ctx := context.Background()

	record := thread(9, 1)[0]
	t.Nil(engine.PutComment(ctx, record))
	got, found := engine.GetComment(ctx, record.ID)
	t.True(found)
	t.DeepEqual(got, record)
	t.Len(indexed(st), 0)
	t.False(st.Exists(MembersKey(9)))

	t.Nil(engine.RemoveComment(ctx, record.ID))
	_, found = engine.GetComment(ctx, record.ID)
	t.False(found)

	t.True(errors.Is(engine.PutComment(ctx, CommentRecord{ArticleID: 9}), ErrInvalidRecord))
}

func TestPutCommentKeepsThreadPosition(tt *testing.T) {
	t := check.T(tt)
	engine, st, _ := newTestEngine(tt, 30)
	ctx := context.Background()

	records := thread(4, 3)
	t.Nil(engine.PutThread(ctx, 4, records))
	before, err := st.Get(ctx, ItemKey(records[2].ID))
	t.Nil(err)

	t.Nil(engine.PutComment(ctx, records[2]))
	after, err := st.Get(ctx, ItemKey(records[2].ID))
	t.Nil(err)
	t.Equal(string(after), string(before))
	got, found := engine.GetThread(ctx, 4)
	t.True(found)
	t.DeepEqual(got, records)
	t.Equal(st.Calls("setnx"), 1)
}

func TestCorruptPayloadsAreDropped(tt *testing.T) {
	t := check.T(tt)
	engine, st, _ := newTestEngine(tt, 30)
	ctx := context.Background()

	records := thread(3, 2)
	t.Nil(engine.PutThread(ctx, 3, records))
	t.Nil(st.Set(ctx, ItemKey(records[0].ID), []byte("{not json"), time.Minute))

	_, found := engine.GetThread(ctx, 3)
	t.False(found)
	t.False(st.Exists(ItemKey(records[0].ID)))
	t.False(st.Exists(MembersKey(3)))
	t.Len(indexed(st), 0)

	t.Nil(st.Set(ctx, ItemKey(55), []byte("garbage"), time.Minute))
	_, found = engine.GetComment(ctx, 55)
	t.False(found)
	t.False(st.Exists(ItemKey(55)))
}

func TestPartiallyExpiredThreadIsAMiss(tt *testing.T) {
	t := check.T(tt)
	engine, st, _ := newTestEngine(tt, 30)
	ctx := context.Background()

	records := thread(6, 3)
	t.Nil(engine.PutThread(ctx, 6, records))
	t.Nil(st.Delete(ctx, ItemKey(records[1].ID)))

	_, found := engine.GetThread(ctx, 6)
	t.False(found)
	t.False(st.Exists(MembersKey(6)))
	t.Len(indexed(st), 0)
	checkMembersHaveItems(t, st)
}

func TestExpiredThreadIsAMiss(tt *testing.T) {
	t := check.T(tt)
	engine, st, _ := newTestEngine(tt, 30)
	ctx := context.Background()

	t.Nil(engine.PutThread(ctx, 8, thread(8, 2)))
	st.Advance(DefaultItemTTL + time.Second)

	_, found := engine.GetThread(ctx, 8)
	t.False(found)
	t.Len(st.Keys(), 1)
}

func TestStoreFailuresDegradeToMisses(tt *testing.T) {
	t := check.T(tt)
	engine, st, metrics := newTestEngine(tt, 30)
	ctx := context.Background()

	t.Nil(engine.PutThread(ctx, 1, thread(1, 2)))
	st.Fail(nil)

	_, found := engine.GetThread(ctx, 1)
	t.False(found)
	_, found = engine.GetComment(ctx, 1001)
	t.False(found)
	t.Nil(engine.PutThread(ctx, 2, thread(2, 2)))
	engine.Touch(ctx, 1)
	err := engine.Invalidate(ctx, 1)
	t.True(errors.Is(err, store.ErrUnavailable))
	_, err = engine.Sweep(ctx)
	t.True(errors.Is(err, store.ErrUnavailable))

	_, misses, _ := metrics.counts(MetricThread)
	t.Equal(misses, 1)

	st.Recover()
	_, found = engine.GetThread(ctx, 1)
	t.True(found)
	_, found = engine.GetThread(ctx, 2)
	t.False(found)
}

func TestFailedBumpIsReplayed(tt *testing.T) {
	t := check.T(tt)
	engine, st, _ := newTestEngine(tt, 30)
	ctx := context.Background()

	st.Fail(nil, "zadd")
	t.Nil(engine.PutThread(ctx, 1, thread(1, 2)))
	t.Len(indexed(st), 0)
	t.True(st.Exists(MembersKey(1)))
	stats, err := engine.Stats(ctx)
	t.Nil(err)
	t.Equal(stats.Pending, 1)

	st.Recover()
	t.Equal(engine.ReplayPending(ctx), 1)
	t.DeepEqual(indexed(st), []string{"1"})
	stats, err = engine.Stats(ctx)
	t.Nil(err)
	t.Equal(stats.Pending, 0)
}

func TestReplaySkipsThreadsNoLongerCached(tt *testing.T) {
	t := check.T(tt)
	engine, st, _ := newTestEngine(tt, 30)
	ctx := context.Background()

	st.Fail(nil, "zadd")
	t.Nil(engine.PutThread(ctx, 1, thread(1, 1)))
	st.Recover()
	t.Nil(st.Delete(ctx, MembersKey(1)))

	t.Equal(engine.ReplayPending(ctx), 0)
	t.Len(indexed(st), 0)
}

func TestSweepReportsCapacityExceeded(tt *testing.T) {
	t := check.T(tt)
	engine, st, _ := newTestEngine(tt, 5)
	ctx := context.Background()

	for articleID := int64(1); articleID <= 3; articleID++ {
		t.Nil(engine.PutThread(ctx, articleID, thread(articleID, 1)))
	}
	limits := engine.Limits()
	limits.MaxThreads = 2
	t.Nil(engine.SetLimits(limits))

	st.Fail(nil, "exec")
	evicted, err := engine.Sweep(ctx)
	t.Equal(evicted, 0)
	t.True(errors.Is(err, ErrCapacityExceeded))
	t.Len(indexed(st), 3)

	st.Recover()
	evicted, err = engine.Sweep(ctx)
	t.Nil(err)
	t.Equal(evicted, 1)
	t.DeepEqual(indexed(st), []string{"2", "3"})
}

func TestConcurrentSweepsEvictOnce(tt *testing.T) {
	t := check.T(tt)
	engine, st, metrics := newTestEngine(tt, 20)
	ctx := context.Background()

	for articleID := int64(1); articleID <= 15; articleID++ {
		t.Nil(engine.PutThread(ctx, articleID, thread(articleID, 2)))
	}
	limits := engine.Limits()
	limits.MaxThreads = 10
	t.Nil(engine.SetLimits(limits))

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			evicted, err := engine.Sweep(ctx)
			t.Nil(err)
			mu.Lock()
			total += evicted
			mu.Unlock()
		}()
	}
	wg.Wait()

	t.Equal(total, 5)
	t.Len(indexed(st), 10)
	_, _, evicts := metrics.counts(MetricThread)
	t.Equal(evicts, 5)
	goleak.VerifyNone(tt)
}

func TestSweepHonoursCancellation(tt *testing.T) {
	t := check.T(tt)
	engine, _, _ := newTestEngine(tt, 5)

	engine.sweepSlot <- struct{}{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.Sweep(ctx)
	t.True(errors.Is(err, context.Canceled))
	<-engine.sweepSlot
}

func TestFlushEmptiesTheCache(tt *testing.T) {
	t := check.T(tt)
	engine, st, _ := newTestEngine(tt, 30)
	ctx := context.Background()

	for articleID := int64(1); articleID <= 4; articleID++ {
		t.Nil(engine.PutThread(ctx, articleID, thread(articleID, 2)))
	}
	flushed, err := engine.Flush(ctx)
	t.Nil(err)
	t.Equal(flushed, 4)
	t.Len(st.Keys(), 0)
}

func TestThreadsListsOldestFirst(tt *testing.T) {
	t := check.T(tt)
	engine, _, _ := newTestEngine(tt, 30)
	ctx := context.Background()

	t.Nil(engine.PutThread(ctx, 2, thread(2, 3)))
	t.Nil(engine.PutThread(ctx, 1, thread(1, 1)))

	threads, err := engine.Threads(ctx)
	t.Nil(err)
	t.Len(threads, 2)
	t.Equal(threads[0].ArticleID, int64(2))
	t.Equal(threads[0].Comments, 3)
	t.Equal(threads[1].ArticleID, int64(1))
	t.True(threads[0].LastTouch.Before(threads[1].LastTouch))
}

func TestPutThreadRejectsForeignRecords(tt *testing.T) {
	t := check.T(tt)
	engine, st, _ := newTestEngine(tt, 30)

	err := engine.PutThread(context.Background(), 1, thread(2, 1))
	t.True(errors.Is(err, ErrInvalidRecord))
	t.Len(st.Keys(), 0)
}

type panickingMetrics struct{ NopMetrics }

func (panickingMetrics) Hit(string) { panic("sink down") }

func TestMetricsSinkCannotFailTheCache(tt *testing.T) {
	t := check.T(tt)
	st := storetest.NewMemoryStore()
	engine, err := New(st, DefaultConfig(), WithMetrics(panickingMetrics{}))
	t.Nil(err)
	ctx := context.Background()

	t.Nil(engine.PutThread(ctx, 1, thread(1, 1)))
	t.NotPanic(func() {
		_, found := engine.GetThread(ctx, 1)
		t.True(found)
	})
}

func TestSetLimitsValidates(tt *testing.T) {
	t := check.T(tt)
	engine, _, _ := newTestEngine(tt, 30)

	t.NotNil(engine.SetLimits(Limits{}))
	t.Equal(engine.Limits().MaxThreads, 30)

	_, err := New(nil, DefaultConfig())
	t.NotNil(err)
	config := DefaultConfig()
	config.OpTimeout = 0
	_, err = New(storetest.NewMemoryStore(), config)
	t.NotNil(err)
}
