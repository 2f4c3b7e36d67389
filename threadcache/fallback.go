package threadcache

import (
	lru "github.com/hashicorp/golang-lru"
)

// pendingTouches remembers recency bumps that could not reach the shared index, so
// they can be replayed once the store answers again. It is local to the process and
// never used to pick eviction victims.
type pendingTouches struct {
	cache *lru.Cache
}

type pendingTouch struct {
	articleID int64
	score     float64
}

func newPendingTouches(size int) (*pendingTouches, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &pendingTouches{cache: cache}, nil
}

func (pending *pendingTouches) remember(articleID int64, score float64) {
	if previous, ok := pending.cache.Peek(articleID); ok && previous.(float64) >= score {
		return
	}
	pending.cache.Add(articleID, score)
}

func (pending *pendingTouches) forget(articleID int64) {
	pending.cache.Remove(articleID)
}

func (pending *pendingTouches) Len() int {
	return pending.cache.Len()
}

// snapshot lists pending touches, oldest first.
func (pending *pendingTouches) snapshot() []pendingTouch {
	keys := pending.cache.Keys()
	touches := make([]pendingTouch, 0, len(keys))
	for _, key := range keys {
		value, ok := pending.cache.Peek(key)
		if !ok {
			continue
		}
		touches = append(touches, pendingTouch{articleID: key.(int64), score: value.(float64)})
	}
	return touches
}
