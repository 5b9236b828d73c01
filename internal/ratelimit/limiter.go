// Package ratelimit bounds request cost per (route, caller) with fixed
// windows kept in a shared Counter. The limiter fails open: when the counter
// backend errors the request is allowed.
package ratelimit

import (
	"context"
	"time"

	"towerintel/internal/breaker"
	"towerintel/internal/logging"
	"towerintel/internal/metrics"
)

// Decision is the outcome of one Check.
type Decision struct {
	Allowed    bool
	Matched    bool // false when no rule covers the route
	Rule       string
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

type Limiter struct {
	rules   []Rule
	counter Counter
	breaker *breaker.Breaker
	prefix  string
	timeout time.Duration
}

// Options for New. Zero values pick defaults.
type Options struct {
	Prefix  string        // key prefix, "rate:" by default
	Timeout time.Duration // bound on each counter call
	Breaker breaker.Settings
}

func New(counter Counter, rules []Rule, opts Options) (*Limiter, error) {
	compiled, err := Compile(rules)
	if err != nil {
		return nil, err
	}
	if opts.Prefix == "" {
		opts.Prefix = "rate:"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	return &Limiter{
		rules:   compiled,
		counter: counter,
		breaker: breaker.New("ratelimit", opts.Breaker),
		prefix:  opts.Prefix,
		timeout: opts.Timeout,
	}, nil
}

// Allow reports whether identity may call route now.
func (l *Limiter) Allow(ctx context.Context, route, identity string) bool {
	return l.Check(ctx, route, identity).Allowed
}

// Check counts one request against the first rule matching route.
func (l *Limiter) Check(ctx context.Context, route, identity string) Decision {
	rule, ok := Match(l.rules, route)
	if !ok {
		return Decision{Allowed: true}
	}
	if identity == "" {
		identity = "anonymous"
	}
	d := Decision{Matched: true, Rule: rule.Pattern, Limit: rule.Limit}

	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var (
		count int64
		reset time.Duration
	)
	err := l.breaker.Do(func() error {
		var err error
		count, reset, err = l.counter.Incr(cctx, l.key(rule, identity), rule.Window)
		return err
	})
	if err != nil {
		if !breaker.IsOpen(err) {
			logging.Ctx(ctx).Warn().Err(err).Str("rule", rule.Pattern).Msg("rate limit backend unavailable, allowing request")
		}
		metrics.RateLimitDecisions.WithLabelValues(rule.Pattern, "fail_open").Inc()
		d.Allowed = true
		d.Remaining = rule.Limit
		d.ResetAfter = rule.Window
		return d
	}

	d.Allowed = count <= int64(rule.Limit)
	d.Remaining = rule.Limit - int(count)
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	d.ResetAfter = reset
	if d.Allowed {
		metrics.RateLimitDecisions.WithLabelValues(rule.Pattern, "allowed").Inc()
	} else {
		metrics.RateLimitDecisions.WithLabelValues(rule.Pattern, "rejected").Inc()
	}
	return d
}

// Rules returns the compiled rule set.
func (l *Limiter) Rules() []Rule { return l.rules }

func (l *Limiter) key(r Rule, identity string) string {
	return l.prefix + r.Pattern + ":" + identity
}
