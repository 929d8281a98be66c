// Package middleware provides reusable provider.Client wrappers such as
// adaptive rate limiting.
package middleware

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"github.com/simcore-ai/orchestra/runtime/provider"
)

type (
	// AdaptiveLimiter applies an AIMD-style adaptive token bucket in front of
	// a provider.Client. It estimates the token cost of each request, blocks
	// callers until capacity is available, and adjusts its effective
	// tokens-per-minute budget when the backend signals throttling.
	//
	// Construct one limiter per process and per provider account, then wrap
	// the client with Wrap before registering it with the application.
	AdaptiveLimiter struct {
		mu sync.Mutex

		bucket *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		probeStep float64

		onBackoff func(newTPM float64)
		onProbe   func(newTPM float64)
	}

	rateLimitedClient struct {
		next    provider.Client
		limiter *AdaptiveLimiter
	}

	// budgetMap is the subset of rmap.Map used for cross-process budget
	// coordination.
	budgetMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	rmapBudget struct {
		m *rmap.Map
	}
)

// NewAdaptiveLimiter constructs an AdaptiveLimiter with a tokens-per-minute
// budget. When m and key are set, the budget is shared across processes via
// a Pulse replicated map; otherwise the limiter is process-local.
func NewAdaptiveLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *AdaptiveLimiter {
	var budget budgetMap
	if m != nil {
		budget = &rmapBudget{m: m}
	}
	return newClusterLimiter(ctx, budget, key, initialTPM, maxTPM)
}

// newLocalLimiter builds a process-local AIMD limiter. initialTPM and maxTPM
// are tokens per minute; maxTPM is clamped up to initialTPM when smaller.
func newLocalLimiter(initialTPM, maxTPM float64) *AdaptiveLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	probeStep := initialTPM * 0.05
	if probeStep < 1 {
		probeStep = 1
	}
	return &AdaptiveLimiter{
		bucket:     rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM: initialTPM,
		minTPM:     minTPM,
		maxTPM:     maxTPM,
		probeStep:  probeStep,
	}
}

// Wrap returns a provider.Client that enforces the limiter on both Call and
// Stream. A nil client is returned unchanged.
func (l *AdaptiveLimiter) Wrap(next provider.Client) provider.Client {
	if next == nil {
		return nil
	}
	return &rateLimitedClient{next: next, limiter: l}
}

// Call blocks until the estimated token cost fits the budget, then
// delegates.
func (c *rateLimitedClient) Call(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.next.Call(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

// Stream blocks until the estimated token cost fits the budget, then
// delegates.
func (c *rateLimitedClient) Stream(ctx context.Context, req *provider.Request) (provider.Streamer, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	stream, err := c.next.Stream(ctx, req)
	c.limiter.observe(err)
	return stream, err
}

func (l *AdaptiveLimiter) wait(ctx context.Context, req *provider.Request) error {
	return l.bucket.WaitN(ctx, estimateTokens(req))
}

func (l *AdaptiveLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if pe, ok := provider.AsError(err); ok && pe.Kind() == provider.ErrorKindRateLimited {
		l.backoff()
	}
}

func (l *AdaptiveLimiter) backoff() {
	l.mu.Lock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.setBudgetLocked(newTPM)
	cb := l.onBackoff
	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveLimiter) probe() {
	l.mu.Lock()
	newTPM := l.currentTPM + l.probeStep
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.setBudgetLocked(newTPM)
	cb := l.onProbe
	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

// replaceTPM sets the budget to the given value, clamped to the configured
// [minTPM, maxTPM] range. Used when the shared cluster budget changes.
func (l *AdaptiveLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	if tpm != l.currentTPM {
		l.setBudgetLocked(tpm)
	}
	l.mu.Unlock()
}

func (l *AdaptiveLimiter) setBudgetLocked(tpm float64) {
	l.currentTPM = tpm
	l.bucket.SetLimit(rate.Limit(tpm / 60.0))
	l.bucket.SetBurst(int(tpm))
}

func (l *AdaptiveLimiter) setClusterCallbacks(onBackoff, onProbe func(newTPM float64)) {
	l.mu.Lock()
	l.onBackoff = onBackoff
	l.onProbe = onProbe
	l.mu.Unlock()
}

// estimateTokens computes a cheap heuristic for the token cost of a request.
// Characters convert to tokens at a fixed ratio, with a flat buffer for
// system prompts and provider framing.
func estimateTokens(req *provider.Request) int {
	charCount := 0
	for _, m := range req.Input {
		if m == nil {
			continue
		}
		for _, p := range m.Parts {
			if v, ok := p.(provider.TextPart); ok {
				charCount += len(v.Text)
			}
		}
	}
	if charCount <= 0 {
		// Minimal non-zero estimate so tiny requests still consume budget.
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

func (m *rmapBudget) Get(key string) (string, bool) { return m.m.Get(key) }

func (m *rmapBudget) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapBudget) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapBudget) Subscribe() <-chan rmap.EventKind { return m.m.Subscribe() }

func newClusterLimiter(ctx context.Context, m budgetMap, key string, initialTPM, maxTPM float64) *AdaptiveLimiter {
	if key == "" || m == nil {
		return newLocalLimiter(initialTPM, maxTPM)
	}

	// Seed the shared budget when missing. A concurrent writer may win; the
	// refresh below picks up whichever value stuck.
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			// Fall back to a process-local limiter so callers still make
			// progress when the map is unreachable.
			return newLocalLimiter(initialTPM, maxTPM)
		}
	}

	sharedTPM := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}

	l := newLocalLimiter(sharedTPM, maxTPM)

	floor := l.minTPM
	ceiling := l.maxTPM
	step := l.probeStep

	l.setClusterCallbacks(
		func(_ float64) {
			go shrinkSharedBudget(context.Background(), m, key, floor)
		},
		func(_ float64) {
			go growSharedBudget(context.Background(), m, key, step, ceiling)
		},
	)

	// Reconcile the local limiter when another process changes the shared
	// budget.
	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			l.replaceTPM(v)
		}
	}()

	return l
}

func shrinkSharedBudget(ctx context.Context, m budgetMap, key string, floor float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}

func growSharedBudget(ctx context.Context, m budgetMap, key string, step, ceiling float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		if cur >= ceiling {
			return
		}
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}
