package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jedisct1/dlog"
	"github.com/sony/gobreaker"

	"github.com/happyheadlines/commentcache/cacheaside"
)

const (
	profanityFilterPath   = "/api/Profanity/filter"
	profanityInitialDelay = 200 * time.Millisecond
	maxProfanityResponse  = 1 << 20
)

type ProfanityClientConfig struct {
	URL           string
	Timeout       time.Duration
	Retries       int
	BreakAfter    int
	BreakDuration time.Duration
}

type profanityRequest struct {
	Text string `json:"text"`
}

type profanityResult struct {
	CleanedText  string `json:"cleanedText"`
	HadProfanity bool   `json:"hadProfanity"`
}

// ProfanityClient cleans comment content through the profanity service. Failed
// calls are retried with an exponential backoff; after BreakAfter consecutive
// failures the breaker opens and calls fail fast for BreakDuration.
type ProfanityClient struct {
	config  ProfanityClientConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	backoff time.Duration
}

var _ cacheaside.ContentFilter = (*ProfanityClient)(nil)

func NewProfanityClient(config ProfanityClientConfig) *ProfanityClient {
	breakAfter := config.BreakAfter
	return &ProfanityClient{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "profanity",
			Timeout: config.BreakDuration,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return breakAfter > 0 && counts.ConsecutiveFailures >= uint32(breakAfter)
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				switch to {
				case gobreaker.StateOpen:
					dlog.Warnf("Profanity service unavailable, not calling it for %v", config.BreakDuration)
				case gobreaker.StateClosed:
					dlog.Noticef("Profanity service is back")
				}
			},
		}),
		backoff: profanityInitialDelay,
	}
}

func (p *ProfanityClient) Filter(ctx context.Context, content string) (string, error) {
	cleaned, err := p.breaker.Execute(func() (interface{}, error) {
		return p.filterWithRetries(ctx, content)
	})
	if err != nil {
		return "", fmt.Errorf("%w: profanity service: %w", cacheaside.ErrDependencyUnavailable, err)
	}
	return cleaned.(string), nil
}

func (p *ProfanityClient) filterWithRetries(ctx context.Context, content string) (string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.backoff
	policy.Multiplier = 2
	policy.MaxElapsedTime = 0
	retries := uint64(0)
	if p.config.Retries > 0 {
		retries = uint64(p.config.Retries)
	}
	var cleaned string
	err := backoff.RetryNotify(func() error {
		var err error
		cleaned, err = p.filterOnce(ctx, content)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx), func(err error, delay time.Duration) {
		dlog.Debugf("Profanity service retry after %v: %v", delay, err)
	})
	return cleaned, err
}

// filterOnce wraps the errors a retry cannot fix in backoff.Permanent.
func (p *ProfanityClient) filterOnce(ctx context.Context, content string) (string, error) {
	body, err := json.Marshal(profanityRequest{Text: content})
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(p.config.URL, "/")+profanityFilterPath, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "commentcache-proxy")
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %s", resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout ||
			resp.StatusCode == http.StatusTooManyRequests {
			return "", err
		}
		return "", backoff.Permanent(err)
	}
	var result profanityResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProfanityResponse)).Decode(&result); err != nil {
		return "", backoff.Permanent(err)
	}
	if result.HadProfanity {
		dlog.Debug("Profanity removed from a new comment")
	}
	return result.CleanedText, nil
}
