package store

import (
	"sync"
	"time"

	"github.com/VividCortex/ewma"
)

// LatencyEwmaDecay is the age, in samples, of the round-trip moving average.
const LatencyEwmaDecay = 10.0

// LatencyEstimator tracks a moving average of store round trips.
type LatencyEstimator struct {
	sync.RWMutex
	rtt      ewma.MovingAverage
	samples  uint64
	failures uint64
}

func NewLatencyEstimator() *LatencyEstimator {
	return &LatencyEstimator{rtt: ewma.NewMovingAverage(LatencyEwmaDecay)}
}

func (estimator *LatencyEstimator) Observe(rtt time.Duration, failed bool) {
	estimator.Lock()
	estimator.rtt.Add(float64(rtt.Microseconds()))
	estimator.samples++
	if failed {
		estimator.failures++
	}
	estimator.Unlock()
}

// Value returns the smoothed round-trip time; zero until enough samples were observed.
func (estimator *LatencyEstimator) Value() time.Duration {
	estimator.RLock()
	value := estimator.rtt.Value()
	estimator.RUnlock()
	return time.Duration(value) * time.Microsecond
}

// Counts returns how many round trips were observed and how many of them failed.
func (estimator *LatencyEstimator) Counts() (samples uint64, failures uint64) {
	estimator.RLock()
	samples, failures = estimator.samples, estimator.failures
	estimator.RUnlock()
	return samples, failures
}
