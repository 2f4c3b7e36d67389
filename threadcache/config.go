package threadcache

import (
	"fmt"
	"time"
)

const (
	DefaultMaxThreads     = 30
	DefaultItemTTL        = 10 * time.Minute
	DefaultEmptyMarkerTTL = 45 * time.Second
	DefaultOpTimeout      = 250 * time.Millisecond
	DefaultFallbackSize   = 256
)

// Limits are the tunables that can change while the engine is running.
type Limits struct {
	MaxThreads     int
	ItemTTL        time.Duration
	EmptyMarkerTTL time.Duration
}

func (limits Limits) Validate() error {
	if limits.MaxThreads <= 0 {
		return fmt.Errorf("max threads must be positive, got %d", limits.MaxThreads)
	}
	if limits.ItemTTL <= 0 {
		return fmt.Errorf("item TTL must be positive, got %v", limits.ItemTTL)
	}
	if limits.EmptyMarkerTTL <= 0 {
		return fmt.Errorf("empty marker TTL must be positive, got %v", limits.EmptyMarkerTTL)
	}
	return nil
}

// Config is the engine configuration.
type Config struct {
	Limits
	// OpTimeout bounds every store round trip started by the engine.
	OpTimeout time.Duration
	// FallbackSize is how many failed recency bumps are remembered for replay.
	FallbackSize int
}

func DefaultConfig() Config {
	return Config{
		Limits: Limits{
			MaxThreads:     DefaultMaxThreads,
			ItemTTL:        DefaultItemTTL,
			EmptyMarkerTTL: DefaultEmptyMarkerTTL,
		},
		OpTimeout:    DefaultOpTimeout,
		FallbackSize: DefaultFallbackSize,
	}
}

func (config Config) Validate() error {
	if err := config.Limits.Validate(); err != nil {
		return err
	}
	if config.OpTimeout <= 0 {
		return fmt.Errorf("operation timeout must be positive, got %v", config.OpTimeout)
	}
	if config.FallbackSize <= 0 {
		return fmt.Errorf("fallback size must be positive, got %d", config.FallbackSize)
	}
	return nil
}
