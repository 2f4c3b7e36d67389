package threadcache

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// CommentRecord is one comment as read from persistence. The cache only ever holds
// serialized copies of it.
type CommentRecord struct {
	ID          int64     `json:"id"`
	ArticleID   int64     `json:"articleId"`
	AuthorID    int64     `json:"authorId"`
	Content     string    `json:"content"`
	PublishedAt time.Time `json:"publishedAt"`
}

// cachedItem is the payload stored under an item key. Position is the index of the
// comment inside its thread as it was stored.
type cachedItem struct {
	Position int           `json:"pos"`
	Comment  CommentRecord `json:"comment"`
}

func encodeItem(position int, record CommentRecord) ([]byte, error) {
	return json.Marshal(cachedItem{Position: position, Comment: record})
}

func decodeItem(data []byte) (cachedItem, error) {
	var item cachedItem
	if err := json.Unmarshal(data, &item); err != nil {
		return cachedItem{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	if item.Comment.ID <= 0 {
		return cachedItem{}, fmt.Errorf("%w: missing comment id", ErrCorruptEntry)
	}
	return item, nil
}

// EncodeThread serializes a thread, keeping the order of records.
func EncodeThread(records []CommentRecord) ([]byte, error) {
	if records == nil {
		records = []CommentRecord{}
	}
	return json.Marshal(records)
}

// DecodeThread is the inverse of EncodeThread.
func DecodeThread(data []byte) ([]CommentRecord, error) {
	records := []CommentRecord{}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return records, nil
}

// SortNewestFirst orders a thread by publication time, newest first, breaking ties
// by descending id.
func SortNewestFirst(records []CommentRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].PublishedAt.Equal(records[j].PublishedAt) {
			return records[i].PublishedAt.After(records[j].PublishedAt)
		}
		return records[i].ID > records[j].ID
	})
}
