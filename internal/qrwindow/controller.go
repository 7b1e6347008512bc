package qrwindow

import (
	"log"
	"sync"
	"time"
)

// Bounds for the operator-configurable authentication window.
const (
	DefaultTimeout = 2 * time.Minute
	MinTimeout     = 1 * time.Minute
	MaxTimeout     = 60 * time.Minute
)

type armed struct {
	timer *time.Timer
	gen   uint64
}

// Controller owns the per-account authentication deadline. An account whose
// QR code is not scanned within the window is handed to the expire callback
// for teardown, so abandoned pairing attempts do not pile up.
type Controller struct {
	mu       sync.Mutex
	timeout  time.Duration
	gen      uint64
	pending  map[string]*armed
	onExpire func(accountKey string)
}

// New builds a controller firing onExpire when an armed window elapses.
// The callback runs on the timer goroutine and must not call back into Arm or
// Disarm for the same key while holding its own per-key lock beyond teardown.
func New(timeout time.Duration, onExpire func(accountKey string)) *Controller {
	return &Controller{
		timeout:  Clamp(timeout),
		pending:  make(map[string]*armed),
		onExpire: onExpire,
	}
}

// Clamp bounds a requested window to [MinTimeout, MaxTimeout]. A zero or
// negative duration falls back to the default.
func Clamp(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// SetTimeout reconfigures the window for deadlines armed after the call.
// Already-armed deadlines keep their original firing time.
func (c *Controller) SetTimeout(d time.Duration) time.Duration {
	d = Clamp(d)
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
	return d
}

// Timeout reports the currently configured window.
func (c *Controller) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

// Arm schedules the account's deadline, replacing any pending one. Each QR
// emission re-arms, so the window measures time since the freshest code.
func (c *Controller) Arm(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.pending[key]; ok {
		prev.timer.Stop()
	}
	c.gen++
	entry := &armed{gen: c.gen}
	entry.timer = time.AfterFunc(c.timeout, func() {
		c.fire(key, entry.gen)
	})
	c.pending[key] = entry
}

// fire runs on the timer goroutine. The generation check makes firing
// race-free against a concurrent Disarm or re-Arm: a stale timer that already
// left AfterFunc's queue becomes a no-op here.
func (c *Controller) fire(key string, gen uint64) {
	c.mu.Lock()
	entry, ok := c.pending[key]
	if !ok || entry.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	c.mu.Unlock()

	log.Printf("qrwindow: authentication window elapsed for %s", key)
	if c.onExpire != nil {
		c.onExpire(key)
	}
}

// Disarm cancels the pending deadline, if any. Called on ready and as part of
// teardown so a stale timer cannot fire after the session moved on.
func (c *Controller) Disarm(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.pending[key]; ok {
		entry.timer.Stop()
		delete(c.pending, key)
	}
}

// DisarmAll cancels every pending deadline. Part of the full reset.
func (c *Controller) DisarmAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.pending {
		entry.timer.Stop()
		delete(c.pending, key)
	}
}

// Armed reports whether a deadline is pending for the key.
func (c *Controller) Armed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[key]
	return ok
}
