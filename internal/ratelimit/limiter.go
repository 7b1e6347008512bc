package ratelimit

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Send-volume ceilings and pacing bounds, process-wide.
const (
	HourlyLimit = 300
	DailyLimit  = 2000

	MinDelay = 2 * time.Second
	MaxDelay = 5 * time.Second
)

// Scope distinguishes which ceiling a rejection hit.
type Scope string

const (
	ScopeHourly Scope = "hourly"
	ScopeDaily  Scope = "daily"
)

// RateLimitError reports a send rejected by a volume ceiling.
type RateLimitError struct {
	Scope Scope
	Limit int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s limit of %d messages reached", e.Scope, e.Limit)
}

// Stats is a read-only counter snapshot for one account.
type Stats struct {
	Hourly      int `json:"hourly"`
	Daily       int `json:"daily"`
	HourlyLimit int `json:"hourlyLimit"`
	DailyLimit  int `json:"dailyLimit"`
}

type counter struct {
	mu            sync.Mutex
	hourlyBuckets [24]int
	daily         int
	lastResetDate string // time.Time.Format("2006-01-02")
}

// Limiter tracks per-account hourly buckets and a daily counter. Counters
// always increment, even past the ceiling, so repeated rejected attempts stay
// visible in stats; callers must treat a false result as "do not send".
type Limiter struct {
	mu       sync.RWMutex
	counters map[string]*counter
	now      func() time.Time
}

func New() *Limiter {
	return &Limiter{
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Limiter) counterFor(key string) (*counter, func() time.Time) {
	l.mu.RLock()
	c, ok := l.counters[key]
	now := l.now
	l.mu.RUnlock()
	if ok {
		return c, now
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok = l.counters[key]; !ok {
		c = &counter{}
		l.counters[key] = c
	}
	return c, l.now
}

// Track counts one attempted send for the account and reports whether each
// ceiling still holds after the increment. The first call of a new calendar
// day resets both counters and counts as that day's first message.
func (l *Limiter) Track(key string) (hourlyOk, dailyOk bool) {
	c, now := l.counterFor(key)
	t := now()
	date := t.Format("2006-01-02")
	hour := t.Hour()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastResetDate != date {
		c.hourlyBuckets = [24]int{}
		c.hourlyBuckets[hour] = 1
		c.daily = 1
		c.lastResetDate = date
		return true, true
	}

	c.hourlyBuckets[hour]++
	c.daily++
	return c.hourlyBuckets[hour] <= HourlyLimit, c.daily <= DailyLimit
}

// Stats returns the current counters for the account. Unknown keys report
// zeros rather than failing.
func (l *Limiter) Stats(key string) Stats {
	s := Stats{HourlyLimit: HourlyLimit, DailyLimit: DailyLimit}

	l.mu.RLock()
	c, ok := l.counters[key]
	now := l.now
	l.mu.RUnlock()
	if !ok {
		return s
	}

	t := now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastResetDate != t.Format("2006-01-02") {
		// Stale counters from a previous day read as zero.
		return s
	}
	s.Hourly = c.hourlyBuckets[t.Hour()]
	s.Daily = c.daily
	return s
}

// Forget drops the account's counters. Invoked by session teardown.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counters, key)
}

// ForgetAll drops every counter. Invoked by the full maintenance reset.
func (l *Limiter) ForgetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters = make(map[string]*counter)
}

// Delay returns the per-message pacing delay, drawn uniformly from
// [MinDelay, MaxDelay]. Applied before every send, including the first of a
// batch, to keep outbound traffic from looking machine-timed.
func (l *Limiter) Delay() time.Duration {
	span := int64(MaxDelay-MinDelay) + 1
	return MinDelay + time.Duration(rand.Int63n(span))
}
