package threadcache

import "github.com/jedisct1/dlog"

// Names reported to the metrics sink.
const (
	MetricThread  = "thread"
	MetricComment = "comment"
	MetricThreads = "threads"
)

// Metrics receives cache events. Implementations must not block.
type Metrics interface {
	Hit(name string)
	Miss(name string)
	Evict(name string)
	SetSize(name string, n int64)
}

// NopMetrics discards every event.
type NopMetrics struct{}

func (NopMetrics) Hit(string)            {}
func (NopMetrics) Miss(string)           {}
func (NopMetrics) Evict(string)          {}
func (NopMetrics) SetSize(string, int64) {}

// guardedMetrics keeps a misbehaving sink from failing a cache operation.
type guardedMetrics struct {
	sink Metrics
}

func recoverSink(event string) {
	if r := recover(); r != nil {
		dlog.Warnf("Metrics sink panicked on [%s]: %v", event, r)
	}
}

func (g guardedMetrics) Hit(name string) {
	defer recoverSink("hit")
	g.sink.Hit(name)
}

func (g guardedMetrics) Miss(name string) {
	defer recoverSink("miss")
	g.sink.Miss(name)
}

func (g guardedMetrics) Evict(name string) {
	defer recoverSink("evict")
	g.sink.Evict(name)
}

func (g guardedMetrics) SetSize(name string, n int64) {
	defer recoverSink("size")
	g.sink.SetSize(name, n)
}
