// Package ratelimit implements the per-service rate governor: a
// golang.org/x/time/rate token-bucket limiter for the request-rate
// dimension, hand-rolled rolling counters for the token dimension (primary
// AI service only), and exponential backoff on depletion.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ccswarm/engine/pkg/config"
	"github.com/ccswarm/engine/pkg/errors"
	"github.com/ccswarm/engine/pkg/events"
)

// AcquireResult is the outcome of an Acquire call.
type AcquireResult struct {
	Granted  bool
	WaitHint time.Duration
}

// Quota is the per-service state tracked by the governor.
type Quota struct {
	Service          string
	RequestsInWindow int
	RequestLimit     int
	WindowLength     time.Duration
	TokensUsed       int
	TokenLimit       int
	BackoffUntil     time.Time
	BackoffAttempts  int
}

type serviceState struct {
	mu sync.Mutex

	cfg     config.ServiceRateLimit
	limiter *rate.Limiter

	windowStart      time.Time
	requestsInWindow int

	minuteWindowStart time.Time
	tokensThisMinute  int

	dayWindowStart time.Time
	tokensToday    int

	backoffUntil    time.Time
	backoffAttempts int

	lastWarnedQuota bool
}

func newServiceState(cfg config.ServiceRateLimit) *serviceState {
	now := time.Now()
	burst := int(math.Ceil(float64(cfg.RequestsPerWindow) * cfg.BurstAllowance))
	if burst < 1 {
		burst = 1
	}

	var limit rate.Limit
	if cfg.RequestsPerWindow > 0 && cfg.WindowMs > 0 {
		spacing := time.Duration(cfg.WindowMs) * time.Millisecond / time.Duration(cfg.RequestsPerWindow)
		limit = rate.Every(spacing)
	} else {
		limit = rate.Inf
	}

	return &serviceState{
		cfg:               cfg,
		limiter:           rate.NewLimiter(limit, burst),
		windowStart:       now,
		minuteWindowStart: now,
		dayWindowStart:    now,
	}
}

// Governor gates acquisitions across all configured services.
type Governor struct {
	mu       sync.Mutex
	services map[string]*serviceState
	bus      *events.Bus
	stopped  bool
}

// New constructs a Governor from the rate-limit configuration surface.
func New(limits map[string]config.ServiceRateLimit, bus *events.Bus) *Governor {
	services := make(map[string]*serviceState, len(limits))
	for name, cfg := range limits {
		services[name] = newServiceState(cfg)
	}
	return &Governor{services: services, bus: bus}
}

// Acquire requests permission to make one call against service, checking
// estimatedTokens against the service's per-minute and per-day token budgets
// when those are configured. It does not count the tokens; Record does.
func (g *Governor) Acquire(service string, estimatedTokens int) (AcquireResult, error) {
	if service == "" {
		return AcquireResult{}, errors.New(errors.ErrCodeInvalidService, "service name must not be empty")
	}

	g.mu.Lock()
	stopped := g.stopped
	st, ok := g.services[service]
	g.mu.Unlock()

	if !ok {
		return AcquireResult{}, errors.New(errors.ErrCodeInvalidService, fmt.Sprintf("unknown service %q", service))
	}
	if stopped {
		return AcquireResult{Granted: false, WaitHint: time.Second}, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()

	if now.Before(st.backoffUntil) {
		return AcquireResult{Granted: false, WaitHint: st.backoffUntil.Sub(now)}, nil
	}

	st.rollWindowsLocked(now)

	if st.cfg.TokensPerWindow > 0 {
		reserve := st.cfg.ReserveFraction
		if reserve <= 0 {
			reserve = 0.10
		}
		budget := float64(st.cfg.TokensPerWindow) * (1 - reserve)
		projected := st.tokensThisMinute + estimatedTokens

		if float64(projected) > budget {
			return AcquireResult{}, errors.New(errors.ErrCodeQuotaExceeded, fmt.Sprintf("service %q per-minute token budget exhausted", service)).
				WithContext("service", service).
				WithContext("tokens_this_minute", st.tokensThisMinute)
		}
	}

	if st.cfg.TokensPerDay > 0 {
		reserve := st.cfg.ReserveFraction
		if reserve <= 0 {
			reserve = 0.10
		}
		budget := float64(st.cfg.TokensPerDay) * (1 - reserve)
		projected := st.tokensToday + estimatedTokens

		ratio := float64(st.tokensToday) / float64(st.cfg.TokensPerDay)
		if ratio >= 0.80 && !st.lastWarnedQuota {
			st.lastWarnedQuota = true
			g.publish(events.KindQuotaWarning, service, map[string]any{"ratio": ratio})
		}

		if float64(projected) > budget {
			return AcquireResult{}, errors.New(errors.ErrCodeQuotaExceeded, fmt.Sprintf("service %q daily token budget exhausted", service)).
				WithContext("service", service).
				WithContext("tokens_today", st.tokensToday)
		}
	}

	if !st.limiter.Allow() {
		st.armBackoffLocked(now)
		g.publish(events.KindQuotaBackoffSet, service, map[string]any{"attempts": st.backoffAttempts})
		return AcquireResult{Granted: false, WaitHint: st.backoffUntil.Sub(now)}, nil
	}

	st.requestsInWindow++
	if st.backoffAttempts > 0 {
		st.backoffAttempts = 0
		g.publish(events.KindQuotaBackoffClear, service, nil)
	}

	return AcquireResult{Granted: true}, nil
}

// Record accounts tokensUsed against service's rolling counters after a call
// completes.
func (g *Governor) Record(service string, tokensUsed int) {
	g.mu.Lock()
	st, ok := g.services[service]
	g.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now()
	st.rollWindowsLocked(now)
	st.tokensThisMinute += tokensUsed
	st.tokensToday += tokensUsed
}

// Status returns a snapshot of service's current quota state.
func (g *Governor) Status(service string) (Quota, error) {
	g.mu.Lock()
	st, ok := g.services[service]
	g.mu.Unlock()
	if !ok {
		return Quota{}, errors.New(errors.ErrCodeInvalidService, fmt.Sprintf("unknown service %q", service))
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return Quota{
		Service:          service,
		RequestsInWindow: st.requestsInWindow,
		RequestLimit:     st.cfg.RequestsPerWindow,
		WindowLength:     time.Duration(st.cfg.WindowMs) * time.Millisecond,
		TokensUsed:       st.tokensToday,
		TokenLimit:       st.cfg.TokensPerDay,
		BackoffUntil:     st.backoffUntil,
		BackoffAttempts:  st.backoffAttempts,
	}, nil
}

// EmergencyStop halts all service acquisitions until Resume is called.
func (g *Governor) EmergencyStop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
}

// Resume lifts an EmergencyStop.
func (g *Governor) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = false
}

func (st *serviceState) rollWindowsLocked(now time.Time) {
	windowLen := time.Duration(st.cfg.WindowMs) * time.Millisecond
	if windowLen > 0 && now.Sub(st.windowStart) >= windowLen {
		st.windowStart = now
		st.requestsInWindow = 0
	}
	if now.Sub(st.minuteWindowStart) >= time.Minute {
		st.minuteWindowStart = now
		st.tokensThisMinute = 0
	}
	if now.Sub(st.dayWindowStart) >= 24*time.Hour {
		st.dayWindowStart = now
		st.tokensToday = 0
		st.lastWarnedQuota = false
	}
}

func (st *serviceState) armBackoffLocked(now time.Time) {
	multiplier := st.cfg.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	capMs := st.cfg.BackoffCapMs
	if capMs <= 0 {
		capMs = 60_000
	}

	st.backoffAttempts++
	ms := math.Min(float64(capMs), 1000*math.Pow(multiplier, float64(st.backoffAttempts)))
	st.backoffUntil = now.Add(time.Duration(ms) * time.Millisecond)
}

func (g *Governor) publish(kind events.Kind, service string, details map[string]any) {
	if g.bus == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["service"] = service
	g.bus.Publish(context.Background(), events.Event{Kind: kind, Details: details})
}
