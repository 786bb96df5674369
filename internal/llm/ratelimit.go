package llm

import (
	"context"
	"sync"
	"time"

	"kodex/internal/errs"
)

// ErrRateLimited 在拒绝模式下超出每分钟配额时返回
// ErrRateLimited is returned in reject mode when the per-minute quota
// is exhausted. It is never retried by the facade.
var ErrRateLimited = errs.E(errs.KindTransient, "rate limit exceeded")

const rateWindow = time.Minute

type rateEvent struct {
	at     time.Time
	tokens int64
}

// RateLimiter 基于滑动窗口的每分钟请求数与 token 数限流
// RateLimiter enforces per-minute request and token caps over a
// sliding window. A zero cap disables that dimension.
type RateLimiter struct {
	mu         sync.Mutex
	reqLimit   int
	tokenLimit int64
	queue      bool
	events     []rateEvent

	now func() time.Time
}

// RateStats is the live window usage, surfaced next to metrics
// aggregates.
type RateStats struct {
	RequestsInWindow int   `json:"requestsInWindow"`
	TokensInWindow   int64 `json:"tokensInWindow"`
	RequestLimit     int   `json:"requestLimit"`
	TokenLimit       int64 `json:"tokenLimit"`
}

func NewRateLimiter(requestsPerMinute int, tokensPerMinute int64, queueOnLimit bool) *RateLimiter {
	return &RateLimiter{
		reqLimit:   requestsPerMinute,
		tokenLimit: tokensPerMinute,
		queue:      queueOnLimit,
		now:        time.Now,
	}
}

// Acquire 占用一个请求名额；排队模式下阻塞至窗口腾出容量
// Acquire claims one request slot. In queue mode it blocks until the
// window frees capacity; in reject mode it fails with ErrRateLimited.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	for {
		l.mu.Lock()
		l.pruneLocked()
		wait := l.waitLocked()
		if wait <= 0 {
			l.events = append(l.events, rateEvent{at: l.now()})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		if !l.queue {
			return ErrRateLimited
		}
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindCancelled, "rate limit wait", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// Consume 记录一次响应实际消耗的 token 数
// Consume records the tokens actually spent by a completed request.
func (l *RateLimiter) Consume(tokens int64) {
	if l == nil || tokens <= 0 {
		return
	}
	l.mu.Lock()
	l.events = append(l.events, rateEvent{at: l.now(), tokens: tokens})
	l.mu.Unlock()
}

func (l *RateLimiter) Stats() RateStats {
	if l == nil {
		return RateStats{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()
	stats := RateStats{RequestLimit: l.reqLimit, TokenLimit: l.tokenLimit}
	for _, ev := range l.events {
		if ev.tokens > 0 {
			stats.TokensInWindow += ev.tokens
		} else {
			stats.RequestsInWindow++
		}
	}
	return stats
}

func (l *RateLimiter) pruneLocked() {
	cutoff := l.now().Add(-rateWindow)
	keep := l.events[:0]
	for _, ev := range l.events {
		if ev.at.After(cutoff) {
			keep = append(keep, ev)
		}
	}
	l.events = keep
}

// waitLocked returns how long until the window has capacity, or zero
// when a request may proceed now.
func (l *RateLimiter) waitLocked() time.Duration {
	var requests int
	var tokens int64
	oldest := time.Time{}
	for _, ev := range l.events {
		if oldest.IsZero() || ev.at.Before(oldest) {
			oldest = ev.at
		}
		if ev.tokens > 0 {
			tokens += ev.tokens
		} else {
			requests++
		}
	}
	overRequests := l.reqLimit > 0 && requests >= l.reqLimit
	overTokens := l.tokenLimit > 0 && tokens >= l.tokenLimit
	if !overRequests && !overTokens {
		return 0
	}
	if oldest.IsZero() {
		return 0
	}
	wait := oldest.Add(rateWindow).Sub(l.now())
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}
