// Package ratelimit guards outbound provider API quotas with per-provider
// fixed windows. State is process-local: several processes sharing one
// provider quota each see their own windows.
package ratelimit

import (
	"sync"
	"time"

	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
)

// Limiter decides whether a provider may be called right now
type Limiter interface {
	CheckAndConsume(provider model.Provider) bool
}

// Rule is a request ceiling per fixed window
type Rule struct {
	Ceiling int
	Window  time.Duration
}

// DefaultWindow is the window used when a rule does not specify one
const DefaultWindow = 60 * time.Second

// FallbackRule applies to providers with no configured rule
var FallbackRule = Rule{Ceiling: 100, Window: DefaultWindow}

// DefaultRules returns the published quotas of each provider
func DefaultRules() map[model.Provider]Rule {
	return map[model.Provider]Rule{
		model.ProviderOura:   {Ceiling: 150, Window: DefaultWindow},
		model.ProviderGoogle: {Ceiling: 100, Window: DefaultWindow},
		model.ProviderWhoop:  {Ceiling: 200, Window: DefaultWindow},
		model.ProviderStrava: {Ceiling: 600, Window: 15 * time.Minute},
		model.ProviderFitbit: {Ceiling: 150, Window: DefaultWindow},
		// Apple is a local file parse, so its ceiling only bounds upload churn
		model.ProviderApple: {Ceiling: 1000, Window: DefaultWindow},
	}
}

// Window is the state of one provider's current counting period
type Window struct {
	StartMillis int64
	Count       int
}

// FixedWindowLimiter implements Limiter with one fixed window per provider
type FixedWindowLimiter struct {
	mu      sync.Mutex
	rules   map[model.Provider]Rule
	windows map[model.Provider]*Window
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a FixedWindowLimiter
type Option func(*FixedWindowLimiter)

// WithClock replaces the wall clock, used by tests to step through windows
func WithClock(now func() time.Time) Option {
	return func(l *FixedWindowLimiter) {
		l.now = now
	}
}

// NewFixedWindowLimiter creates a limiter; rules missing from the map fall back to FallbackRule
func NewFixedWindowLimiter(rules map[model.Provider]Rule, logger *zap.Logger, opts ...Option) *FixedWindowLimiter {
	l := &FixedWindowLimiter{
		rules:   make(map[model.Provider]Rule, len(rules)),
		windows: make(map[model.Provider]*Window),
		now:     time.Now,
		logger:  logger,
	}
	for p, r := range rules {
		if r.Window <= 0 {
			r.Window = DefaultWindow
		}
		l.rules[p] = r
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RuleFor returns the rule applied to p
func (l *FixedWindowLimiter) RuleFor(p model.Provider) Rule {
	if r, ok := l.rules[p]; ok {
		return r
	}
	return FallbackRule
}

// CheckAndConsume admits one request for p if its window has room.
// A denied call does not consume budget.
func (l *FixedWindowLimiter) CheckAndConsume(p model.Provider) bool {
	rule := l.RuleFor(p)
	nowMillis := l.now().UnixMilli()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[p]
	if !ok || nowMillis-w.StartMillis >= rule.Window.Milliseconds() {
		l.windows[p] = &Window{StartMillis: nowMillis, Count: 1}
		return true
	}

	if w.Count >= rule.Ceiling {
		l.logger.Warn("rate limit ceiling reached",
			zap.String("provider", string(p)),
			zap.Int("ceiling", rule.Ceiling),
			zap.Duration("window", rule.Window),
		)
		return false
	}

	w.Count++
	return true
}

// Snapshot returns a copy of p's current window
func (l *FixedWindowLimiter) Snapshot(p model.Provider) (Window, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[p]
	if !ok {
		return Window{}, false
	}
	return *w, true
}
