// Package ratelimit bounds token throughput and concurrency per provider.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"appforge/pkg/agent/llm"
	"appforge/pkg/config"
	"appforge/pkg/logx"
	"appforge/pkg/utils"
)

// capacityBuffer leaves headroom for token-estimation error.
const capacityBuffer = 0.9

// Limiter hands out token budget and concurrency slots.
type Limiter interface {
	// Acquire blocks until tokens and a slot are available. The returned
	// release func must be called to return the slot.
	Acquire(ctx context.Context, tokens int) (release func(), err error)
	Stats() Stats
}

// Stats is a snapshot of limiter state.
type Stats struct {
	Provider        string `json:"provider"`
	AvailableTokens int    `json:"available_tokens"`
	MaxCapacity     int    `json:"max_capacity"`
	ActiveRequests  int    `json:"active_requests"`
	MaxConcurrency  int    `json:"max_concurrency"`
	TokenLimitHits  int64  `json:"token_limit_hits"`
	ConcurrencyHits int64  `json:"concurrency_hits"`
}

// EstimatePrompt counts the tokens of every message in req.
func EstimatePrompt(req llm.CompletionRequest) int {
	total := 0
	for i := range req.Messages {
		total += utils.CountTokens(req.Messages[i].Content) + 4
	}
	return total
}

// TokenBucketLimiter refills continuously at TokensPerMinute.
//
//nolint:govet // grouped by purpose
type TokenBucketLimiter struct {
	mu  sync.Mutex
	now func() time.Time

	provider        string
	available       float64
	maxCapacity     float64
	perSecond       float64
	lastRefill      time.Time
	active          int
	maxConcurrency  int
	pollInterval    time.Duration
	tokenLimitHits  int64
	concurrencyHits int64
}

// NewTokenBucketLimiter creates a limiter that starts full.
func NewTokenBucketLimiter(provider string, cfg config.RateLimitConfig) *TokenBucketLimiter {
	capacity := float64(cfg.TokensPerMinute) * capacityBuffer
	maxConc := cfg.MaxConcurrency
	if maxConc < 1 {
		maxConc = 1
	}
	return &TokenBucketLimiter{
		now:            time.Now,
		provider:       provider,
		available:      capacity,
		maxCapacity:    capacity,
		perSecond:      float64(cfg.TokensPerMinute) / 60,
		lastRefill:     time.Now(),
		maxConcurrency: maxConc,
		pollInterval:   100 * time.Millisecond,
	}
}

func (l *TokenBucketLimiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.lastRefill = now
	l.available += elapsed * l.perSecond
	if l.available > l.maxCapacity {
		l.available = l.maxCapacity
	}
}

func (l *TokenBucketLimiter) Acquire(ctx context.Context, tokens int) (func(), error) {
	need := float64(tokens)
	if need > l.maxCapacity {
		// A single oversized request would wait forever; clamp to a full bucket.
		need = l.maxCapacity
	}

	firstAttempt := true
	for {
		l.mu.Lock()
		l.refill()
		hasTokens := l.available >= need
		hasSlot := l.active < l.maxConcurrency
		if hasTokens && hasSlot {
			l.available -= need
			l.active++
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					l.active--
					l.mu.Unlock()
				})
			}, nil
		}
		if firstAttempt {
			if !hasTokens {
				l.tokenLimitHits++
				logx.Infof("RATELIMIT: %s token limit hit (need %d, have %.0f)", l.provider, tokens, l.available)
			}
			if !hasSlot {
				l.concurrencyHits++
				logx.Infof("RATELIMIT: %s concurrency limit hit (%d/%d active)", l.provider, l.active, l.maxConcurrency)
			}
			firstAttempt = false
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rate limit wait for %s: %w", l.provider, ctx.Err())
		case <-time.After(l.pollInterval):
		}
	}
}

func (l *TokenBucketLimiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return Stats{
		Provider:        l.provider,
		AvailableTokens: int(l.available),
		MaxCapacity:     int(l.maxCapacity),
		ActiveRequests:  l.active,
		MaxConcurrency:  l.maxConcurrency,
		TokenLimitHits:  l.tokenLimitHits,
		ConcurrencyHits: l.concurrencyHits,
	}
}
