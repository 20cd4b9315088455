// Package ratelimit is the single serialization point for outbound calls
// to the remote store. Requests sharing an endpoint key are admitted in
// FIFO order with one in flight at a time, share a quota window, and are
// retried with exponential backoff on transient failures. When a response
// reports an exhausted rate-limit quota the limiter signals credential
// rotation.
package ratelimit

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/eventcall/relay/internal/observability"
)

const (
	headerRateRemaining = "x-ratelimit-remaining"
	headerRateReset     = "x-ratelimit-reset"

	defaultEndpointKey = "default"
)

// Request is the descriptor the limiter executes. The body is held as a
// byte slice so the request can be replayed safely across retries.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Options selects the rate-limit bucket and the retry policy for one call.
type Options struct {
	EndpointKey string
	Retry       RetryPolicy
}

// LimiterOptions configures a Limiter.
type LimiterOptions struct {
	Client      *http.Client
	MaxRequests int
	Interval    time.Duration
	// OnQuotaExhausted is invoked when a response reports zero remaining
	// quota. It reports whether a fresh credential is available; when it
	// is not, admission to the bucket is delayed until the quota window
	// resets.
	OnQuotaExhausted func() bool
	Logger           *slog.Logger
}

type Limiter struct {
	client      *http.Client
	maxRequests int
	interval    time.Duration
	onExhausted func() bool
	log         *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

func New(opts LimiterOptions) *Limiter {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	maxRequests := opts.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 30
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{
		client:      client,
		maxRequests: maxRequests,
		interval:    interval,
		onExhausted: opts.OnQuotaExhausted,
		log:         log,
		buckets:     make(map[string]*bucket),
	}
}

// Do executes the request under the bucket named by opts.EndpointKey.
// Transient failures (network errors, 429, 5xx) are retried per the retry
// policy; the last failing response or error is surfaced once the budget
// is spent. The caller owns the returned response body.
func (l *Limiter) Do(ctx context.Context, req Request, opts Options) (*http.Response, error) {
	ctx, span := observability.StartUpstreamSpan(ctx, opts.EndpointKey, req.Method)
	defer span.End()

	resp, err := l.do(ctx, req, opts)
	if err != nil {
		span.RecordError(err)
	}
	return resp, err
}

func (l *Limiter) do(ctx context.Context, req Request, opts Options) (*http.Response, error) {
	policy := opts.Retry.normalized()
	b := l.bucket(opts.EndpointKey)

	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.release()

	var lastResp *http.Response
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := l.admit(ctx, b); err != nil {
			return nil, err
		}

		resp, err := l.send(ctx, req)
		if err == nil {
			l.inspectQuota(b, resp)
			if !retryableStatus(resp.StatusCode) {
				return resp, nil
			}
			lastResp, lastErr = resp, nil
		} else {
			lastResp, lastErr = nil, err
		}

		if attempt == policy.MaxAttempts {
			break
		}
		if lastResp != nil {
			drain(lastResp)
		}
		delay := policy.delay(attempt)
		l.log.Debug("retrying request",
			"url", req.URL, "attempt", attempt, "delay", delay, "error", lastErr)
		if err := sleepContext(ctx, delay); err != nil {
			return nil, err
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("request failed after %d attempts: %w", policy.MaxAttempts, lastErr)
	}
	return lastResp, nil
}

func (l *Limiter) send(ctx context.Context, req Request) (*http.Response, error) {
	var body *bytes.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	} else {
		body = bytes.NewReader(nil)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	return l.client.Do(httpReq)
}

// inspectQuota reads the remaining-quota header and triggers credential
// rotation when it hits zero. Without a fresh credential the bucket is
// blocked until the reported reset time, capped at one quota interval.
func (l *Limiter) inspectQuota(b *bucket, resp *http.Response) {
	remaining := resp.Header.Get(headerRateRemaining)
	if remaining == "" {
		return
	}
	value, err := strconv.Atoi(remaining)
	if err != nil || value > 0 {
		return
	}

	rotated := false
	if l.onExhausted != nil {
		rotated = l.onExhausted()
	}
	if rotated {
		l.log.Info("rate limit exhausted, rotated credential")
		return
	}

	delay := l.interval
	if resetStr := resp.Header.Get(headerRateReset); resetStr != "" {
		if reset, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
			if until := time.Until(time.Unix(reset, 0)); until > 0 && until < delay {
				delay = until
			}
		}
	}
	b.block(time.Now().Add(delay))
	l.log.Warn("rate limit exhausted, delaying bucket", "delay", delay)
}

// admit waits until the bucket's quota window has room, holding the
// in-flight slot so FIFO order is preserved.
func (l *Limiter) admit(ctx context.Context, b *bucket) error {
	for {
		b.mu.Lock()
		now := time.Now()
		if wait := b.blockedUntil.Sub(now); wait > 0 {
			b.mu.Unlock()
			if err := sleepContext(ctx, wait); err != nil {
				return err
			}
			continue
		}
		if b.windowStart.IsZero() || now.Sub(b.windowStart) >= l.interval {
			b.windowStart = now
			b.count = 0
		}
		if b.count < l.maxRequests {
			b.count++
			b.mu.Unlock()
			return nil
		}
		wait := b.windowStart.Add(l.interval).Sub(now)
		b.mu.Unlock()
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *Limiter) bucket(key string) *bucket {
	if key == "" {
		key = defaultEndpointKey
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	return b
}

// bucket serializes in-flight requests per endpoint key. Waiters are kept
// in an explicit queue so admission follows submission order.
type bucket struct {
	mu           sync.Mutex
	busy         bool
	waiters      []chan struct{}
	windowStart  time.Time
	count        int
	blockedUntil time.Time
}

func (b *bucket) acquire(ctx context.Context) error {
	b.mu.Lock()
	if !b.busy {
		b.busy = true
		b.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	b.waiters = append(b.waiters, ready)
	b.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		for i, waiter := range b.waiters {
			if waiter == ready {
				b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
				b.mu.Unlock()
				return ctx.Err()
			}
		}
		b.mu.Unlock()
		// Already signalled: hand the slot to the next waiter.
		b.release()
		return ctx.Err()
	}
}

func (b *bucket) release() {
	b.mu.Lock()
	if len(b.waiters) > 0 {
		ready := b.waiters[0]
		b.waiters = b.waiters[1:]
		b.mu.Unlock()
		close(ready)
		return
	}
	b.busy = false
	b.mu.Unlock()
}

func (b *bucket) block(until time.Time) {
	b.mu.Lock()
	if until.After(b.blockedUntil) {
		b.blockedUntil = until
	}
	b.mu.Unlock()
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_ = resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
