package cacheaside

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/powerman/check"
	"go.uber.org/goleak"

	"github.com/happyheadlines/commentcache/store/storetest"
	"github.com/happyheadlines/commentcache/threadcache"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errDatabase = errors.New("database is down")

// fakePersistence keeps comments in memory and counts reads.
type fakePersistence struct {
	mu          sync.Mutex
	comments    map[int64]threadcache.CommentRecord
	nextID      int64
	threadReads map[int64]int
	byIDReads   int
	err         error
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{
		comments:    make(map[int64]threadcache.CommentRecord),
		nextID:      1,
		threadReads: make(map[int64]int),
	}
}

func (p *fakePersistence) seed(articleID int64, n int) []threadcache.CommentRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		id := p.nextID
		p.nextID++
		p.comments[id] = threadcache.CommentRecord{
			ID:          id,
			ArticleID:   articleID,
			AuthorID:    3,
			Content:     "seeded",
			PublishedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Minute),
		}
	}
	return p.threadLocked(articleID)
}

func (p *fakePersistence) threadLocked(articleID int64) []threadcache.CommentRecord {
	records := []threadcache.CommentRecord{}
	for _, record := range p.comments {
		if record.ArticleID == articleID {
			records = append(records, record)
		}
	}
	threadcache.SortNewestFirst(records)
	return records
}

func (p *fakePersistence) reads(articleID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threadReads[articleID]
}

func (p *fakePersistence) GetThreadByArticleID(_ context.Context, articleID int64) ([]threadcache.CommentRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threadReads[articleID]++
	if p.err != nil {
		return nil, p.err
	}
	return p.threadLocked(articleID), nil
}

func (p *fakePersistence) GetCommentByID(_ context.Context, commentID int64) (threadcache.CommentRecord, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byIDReads++
	if p.err != nil {
		return threadcache.CommentRecord{}, false, p.err
	}
	record, ok := p.comments[commentID]
	return record, ok, nil
}

func (p *fakePersistence) CreateComment(_ context.Context, record threadcache.CommentRecord) (threadcache.CommentRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return threadcache.CommentRecord{}, p.err
	}
	record.ID = p.nextID
	p.nextID++
	if record.PublishedAt.IsZero() {
		record.PublishedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	p.comments[record.ID] = record
	return record, nil
}

func (p *fakePersistence) UpdateComment(_ context.Context, commentID int64, patch CommentPatch) (threadcache.CommentRecord, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return threadcache.CommentRecord{}, false, p.err
	}
	record, ok := p.comments[commentID]
	if !ok {
		return threadcache.CommentRecord{}, false, nil
	}
	record.AuthorID = patch.AuthorID
	record.Content = patch.Content
	p.comments[commentID] = record
	return record, true, nil
}

func (p *fakePersistence) DeleteComment(_ context.Context, commentID int64) (threadcache.CommentRecord, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return threadcache.CommentRecord{}, false, p.err
	}
	record, ok := p.comments[commentID]
	delete(p.comments, commentID)
	return record, ok, nil
}

type filterFunc func(ctx context.Context, content string) (string, error)

func (f filterFunc) Filter(ctx context.Context, content string) (string, error) {
	return f(ctx, content)
}

func newTestService(tt *testing.T, maxThreads int, options ...Option) (*Service, *fakePersistence, *storetest.MemoryStore) {
	tt.Helper()
	st := storetest.NewMemoryStore()
	config := threadcache.DefaultConfig()
	config.MaxThreads = maxThreads
	engine, err := threadcache.New(st, config)
	if err != nil {
		tt.Fatal(err)
	}
	persistence := newFakePersistence()
	return New(engine, persistence, options...), persistence, st
}

func TestGetThreadFillsCacheOnMiss(tt *testing.T) {
	t := check.T(tt)
	service, persistence, st := newTestService(tt, 30)
	ctx := context.Background()
	want := persistence.seed(1, 3)

	got, err := service.GetThread(ctx, 1)
	t.Nil(err)
	t.DeepEqual(got, want)
	got, err = service.GetThread(ctx, 1)
	t.Nil(err)
	t.DeepEqual(got, want)

	t.Equal(persistence.reads(1), 1)
	t.DeepEqual(st.SortedMembers(threadcache.RecencyKey), []string{"1"})
}

func TestEmptyThreadIsRememberedButNotIndexed(tt *testing.T) {
	t := check.T(tt)
	service, persistence, st := newTestService(tt, 30)
	ctx := context.Background()

	for range 2 {
		got, err := service.GetThread(ctx, 9)
		t.Nil(err)
		t.NotNil(got)
		t.Len(got, 0)
	}
	t.Equal(persistence.reads(9), 1)
	t.True(st.Exists(threadcache.EmptyMarkerKey(9)))
	t.Len(st.SortedMembers(threadcache.RecencyKey), 0)
}

func TestThirtyFirstThreadSendsOldestBackToPersistence(tt *testing.T) {
	t := check.T(tt)
	service, persistence, st := newTestService(tt, 30)
	ctx := context.Background()

	for articleID := int64(1); articleID <= 31; articleID++ {
		persistence.seed(articleID, 2)
	}
	for articleID := int64(1); articleID <= 31; articleID++ {
		_, err := service.GetThread(ctx, articleID)
		t.Nil(err)
	}
	t.Len(st.SortedMembers(threadcache.RecencyKey), 30)

	_, err := service.GetThread(ctx, 31)
	t.Nil(err)
	t.Equal(persistence.reads(31), 1)

	_, err = service.GetThread(ctx, 1)
	t.Nil(err)
	t.Equal(persistence.reads(1), 2)
	t.Len(st.SortedMembers(threadcache.RecencyKey), 30)
}

func TestPersistenceErrorsPropagate(tt *testing.T) {
	t := check.T(tt)
	service, persistence, _ := newTestService(tt, 30)
	ctx := context.Background()
	persistence.err = errDatabase

	_, err := service.GetThread(ctx, 1)
	t.Err(err, errDatabase)
	_, _, err = service.GetComment(ctx, 1)
	t.Err(err, errDatabase)
	_, err = service.CreateComment(ctx, threadcache.CommentRecord{ArticleID: 1, Content: "x"})
	t.Err(err, errDatabase)
	_, _, err = service.UpdateComment(ctx, 1, CommentPatch{Content: "x"})
	t.Err(err, errDatabase)
	_, err = service.DeleteComment(ctx, 1)
	t.Err(err, errDatabase)
}

func TestCacheOutageFallsBackToPersistence(tt *testing.T) {
	t := check.T(tt)
	service, persistence, st := newTestService(tt, 30)
	ctx := context.Background()
	want := persistence.seed(1, 2)
	st.Fail(nil)

	for range 2 {
		got, err := service.GetThread(ctx, 1)
		t.Nil(err)
		t.DeepEqual(got, want)
	}
	t.Equal(persistence.reads(1), 2)

	created, err := service.CreateComment(ctx, threadcache.CommentRecord{ArticleID: 1, AuthorID: 4, Content: "hello"})
	t.Nil(err)
	t.NotZero(created.ID)
	deleted, err := service.DeleteComment(ctx, created.ID)
	t.Nil(err)
	t.True(deleted)
}

func TestGetCommentCachesStandaloneItem(tt *testing.T) {
	t := check.T(tt)
	service, persistence, st := newTestService(tt, 30)
	ctx := context.Background()
	want := persistence.seed(2, 1)[0]

	for range 2 {
		got, found, err := service.GetComment(ctx, want.ID)
		t.Nil(err)
		t.True(found)
		t.DeepEqual(got, want)
	}
	t.Equal(persistence.byIDReads, 1)
	t.Len(st.SortedMembers(threadcache.RecencyKey), 0)

	_, found, err := service.GetComment(ctx, 404)
	t.Nil(err)
	t.False(found)
}

func TestCreateCommentUpdatesCachedThread(tt *testing.T) {
	t := check.T(tt)
	service, persistence, _ := newTestService(tt, 30)
	ctx := context.Background()
	persistence.seed(1, 2)
	_, err := service.GetThread(ctx, 1)
	t.Nil(err)

	created, err := service.CreateComment(ctx, threadcache.CommentRecord{ArticleID: 1, AuthorID: 5, Content: "first!"})
	t.Nil(err)

	got, err := service.GetThread(ctx, 1)
	t.Nil(err)
	t.Len(got, 3)
	t.DeepEqual(got[0], created)
	t.True(sort.SliceIsSorted(got, func(i, j int) bool { return got[i].PublishedAt.After(got[j].PublishedAt) }))
	t.Equal(persistence.reads(1), 1)
}

func TestCreateCommentLeavesUncachedThreadAlone(tt *testing.T) {
	t := check.T(tt)
	service, persistence, st := newTestService(tt, 30)
	ctx := context.Background()

	_, err := service.CreateComment(ctx, threadcache.CommentRecord{ArticleID: 7, Content: "hi"})
	t.Nil(err)
	t.False(st.Exists(threadcache.MembersKey(7)))
	t.Len(st.SortedMembers(threadcache.RecencyKey), 0)

	got, err := service.GetThread(ctx, 7)
	t.Nil(err)
	t.Len(got, 1)
	t.Equal(persistence.reads(7), 1)
}

func TestCreateCommentReplacesEmptyMarker(tt *testing.T) {
	t := check.T(tt)
	service, persistence, st := newTestService(tt, 30)
	ctx := context.Background()

	_, err := service.GetThread(ctx, 8)
	t.Nil(err)
	created, err := service.CreateComment(ctx, threadcache.CommentRecord{ArticleID: 8, Content: "hi"})
	t.Nil(err)

	t.False(st.Exists(threadcache.EmptyMarkerKey(8)))
	got, err := service.GetThread(ctx, 8)
	t.Nil(err)
	t.DeepEqual(got, []threadcache.CommentRecord{created})
	t.Equal(persistence.reads(8), 1)
}

func TestContentFilter(tt *testing.T) {
	t := check.T(tt)
	ctx := context.Background()

	clean := filterFunc(func(_ context.Context, content string) (string, error) {
		return content + " (filtered)", nil
	})
	service, _, _ := newTestService(tt, 30, WithContentFilter(clean))
	created, err := service.CreateComment(ctx, threadcache.CommentRecord{ArticleID: 1, Content: "darn"})
	t.Nil(err)
	t.Equal(created.Content, "darn (filtered)")

	down := filterFunc(func(context.Context, string) (string, error) {
		return "", errors.New("connection refused")
	})
	service, persistence, _ := newTestService(tt, 30, WithContentFilter(down))
	_, err = service.CreateComment(ctx, threadcache.CommentRecord{ArticleID: 1, Content: "darn"})
	t.Err(err, ErrDependencyUnavailable)
	t.Len(persistence.comments, 0)
}

func TestUpdateAndDeleteInvalidate(tt *testing.T) {
	t := check.T(tt)
	service, persistence, st := newTestService(tt, 30)
	ctx := context.Background()
	records := persistence.seed(1, 2)
	persistence.seed(2, 1)
	_, err := service.GetThread(ctx, 1)
	t.Nil(err)
	_, err = service.GetThread(ctx, 2)
	t.Nil(err)
	_, _, err = service.GetComment(ctx, records[0].ID)
	t.Nil(err)

	updated, found, err := service.UpdateComment(ctx, records[0].ID, CommentPatch{AuthorID: 9, Content: "edited"})
	t.Nil(err)
	t.True(found)
	t.Equal(updated.Content, "edited")
	t.False(st.Exists(threadcache.MembersKey(1)))
	t.False(st.Exists(threadcache.ItemKey(records[0].ID)))
	t.DeepEqual(st.SortedMembers(threadcache.RecencyKey), []string{"2"})

	got, err := service.GetThread(ctx, 1)
	t.Nil(err)
	t.Equal(got[0].Content, "edited")
	t.Equal(persistence.reads(1), 2)

	deleted, err := service.DeleteComment(ctx, records[1].ID)
	t.Nil(err)
	t.True(deleted)
	got, err = service.GetThread(ctx, 1)
	t.Nil(err)
	t.Len(got, 1)
	t.Equal(persistence.reads(1), 3)

	_, found, err = service.UpdateComment(ctx, 404, CommentPatch{})
	t.Nil(err)
	t.False(found)
	deleted, err = service.DeleteComment(ctx, 404)
	t.Nil(err)
	t.False(deleted)
}
