// Package cacheaside puts the thread cache in front of the comment persistence: reads
// are served from the cache and filled on a miss, writes go to persistence first and
// then patch or invalidate what is cached.
package cacheaside

import (
	"context"
	"errors"
	"fmt"

	"github.com/jedisct1/dlog"

	"github.com/happyheadlines/commentcache/threadcache"
)

// ErrDependencyUnavailable reports that a collaborator required to accept a write,
// such as the content filter, could not be reached.
var ErrDependencyUnavailable = errors.New("cacheaside: dependency unavailable")

// Persistence is the source of truth for comments.
type Persistence interface {
	GetThreadByArticleID(ctx context.Context, articleID int64) ([]threadcache.CommentRecord, error)
	GetCommentByID(ctx context.Context, commentID int64) (threadcache.CommentRecord, bool, error)
	CreateComment(ctx context.Context, record threadcache.CommentRecord) (threadcache.CommentRecord, error)
	UpdateComment(ctx context.Context, commentID int64, patch CommentPatch) (threadcache.CommentRecord, bool, error)
	DeleteComment(ctx context.Context, commentID int64) (threadcache.CommentRecord, bool, error)
}

// CommentPatch holds the fields of a comment that can be edited.
type CommentPatch struct {
	AuthorID int64  `json:"authorId"`
	Content  string `json:"content"`
}

// ContentFilter rewrites comment content before it is stored.
type ContentFilter interface {
	Filter(ctx context.Context, content string) (string, error)
}

// Cache is the part of threadcache.Engine the service relies on.
type Cache interface {
	GetThread(ctx context.Context, articleID int64) ([]threadcache.CommentRecord, bool)
	PeekThread(ctx context.Context, articleID int64) ([]threadcache.CommentRecord, bool, error)
	PutThread(ctx context.Context, articleID int64, records []threadcache.CommentRecord) error
	MarkEmpty(ctx context.Context, articleID int64)
	Invalidate(ctx context.Context, articleID int64) error
	GetComment(ctx context.Context, commentID int64) (threadcache.CommentRecord, bool)
	PutComment(ctx context.Context, record threadcache.CommentRecord) error
	RemoveComment(ctx context.Context, commentID int64) error
}

type Option func(*Service)

// WithContentFilter runs every new comment through filter before it is persisted.
func WithContentFilter(filter ContentFilter) Option {
	return func(s *Service) {
		s.filter = filter
	}
}

type Service struct {
	cache       Cache
	persistence Persistence
	filter      ContentFilter
}

func New(cache Cache, persistence Persistence, options ...Option) *Service {
	s := &Service{cache: cache, persistence: persistence}
	for _, option := range options {
		option(s)
	}
	return s
}

// GetThread returns the comments of an article, newest first as persistence orders
// them. Persistence errors are returned unchanged.
func (s *Service) GetThread(ctx context.Context, articleID int64) ([]threadcache.CommentRecord, error) {
	if records, ok := s.cache.GetThread(ctx, articleID); ok {
		return records, nil
	}
	records, err := s.persistence.GetThreadByArticleID(ctx, articleID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		s.cache.MarkEmpty(ctx, articleID)
		return []threadcache.CommentRecord{}, nil
	}
	if err := s.cache.PutThread(ctx, articleID, records); err != nil {
		dlog.Warnf("Not caching thread of article %d: %v", articleID, err)
	}
	return records, nil
}

// GetComment returns one comment, caching it on its own after a miss.
func (s *Service) GetComment(ctx context.Context, commentID int64) (threadcache.CommentRecord, bool, error) {
	if record, ok := s.cache.GetComment(ctx, commentID); ok {
		return record, true, nil
	}
	record, found, err := s.persistence.GetCommentByID(ctx, commentID)
	if err != nil || !found {
		return threadcache.CommentRecord{}, false, err
	}
	if err := s.cache.PutComment(ctx, record); err != nil {
		dlog.Warnf("Not caching comment %d: %v", commentID, err)
	}
	return record, true, nil
}

// CreateComment filters and persists a comment, then adds it to the cached thread of
// its article when that thread is cached.
func (s *Service) CreateComment(ctx context.Context, record threadcache.CommentRecord) (threadcache.CommentRecord, error) {
	if s.filter != nil {
		cleaned, err := s.filter.Filter(ctx, record.Content)
		if err != nil {
			if !errors.Is(err, ErrDependencyUnavailable) {
				err = fmt.Errorf("%w: content filter: %v", ErrDependencyUnavailable, err)
			}
			return threadcache.CommentRecord{}, err
		}
		record.Content = cleaned
	}
	created, err := s.persistence.CreateComment(ctx, record)
	if err != nil {
		return threadcache.CommentRecord{}, err
	}
	s.addToThread(ctx, created)
	return created, nil
}

func (s *Service) addToThread(ctx context.Context, created threadcache.CommentRecord) {
	articleID := created.ArticleID
	cached, found, err := s.cache.PeekThread(ctx, articleID)
	if err != nil {
		dlog.Warnf("Thread of article %d not refreshed after create: %v", articleID, err)
		s.forgetThread(ctx, articleID)
		return
	}
	if !found {
		dlog.Debugf("Thread of article %d not cached, left for the next read", articleID)
		return
	}
	thread := make([]threadcache.CommentRecord, 0, len(cached)+1)
	thread = append(thread, created)
	for _, record := range cached {
		if record.ID != created.ID {
			thread = append(thread, record)
		}
	}
	threadcache.SortNewestFirst(thread)
	if err := s.cache.PutThread(ctx, articleID, thread); err != nil {
		dlog.Warnf("Thread of article %d not refreshed after create: %v", articleID, err)
		s.forgetThread(ctx, articleID)
	}
}

// UpdateComment edits a persisted comment and drops what the cache holds for it.
func (s *Service) UpdateComment(ctx context.Context, commentID int64, patch CommentPatch) (threadcache.CommentRecord, bool, error) {
	updated, found, err := s.persistence.UpdateComment(ctx, commentID, patch)
	if err != nil || !found {
		return threadcache.CommentRecord{}, false, err
	}
	s.forget(ctx, updated)
	return updated, true, nil
}

// DeleteComment removes a persisted comment and drops what the cache holds for it.
func (s *Service) DeleteComment(ctx context.Context, commentID int64) (bool, error) {
	deleted, found, err := s.persistence.DeleteComment(ctx, commentID)
	if err != nil || !found {
		return false, err
	}
	s.forget(ctx, deleted)
	return true, nil
}

func (s *Service) forget(ctx context.Context, record threadcache.CommentRecord) {
	s.forgetThread(ctx, record.ArticleID)
	if err := s.cache.RemoveComment(ctx, record.ID); err != nil {
		dlog.Warnf("Unable to drop cached comment %d: %v", record.ID, err)
	}
}

func (s *Service) forgetThread(ctx context.Context, articleID int64) {
	if err := s.cache.Invalidate(ctx, articleID); err != nil {
		dlog.Warnf("Unable to drop cached thread of article %d: %v", articleID, err)
	}
}
