package dispatch

import (
	"context"
	"sync"
	"time"

	"streamstate/internal/metrics"
)

// DefaultHeartbeatTimeout is the silence after which a connection is stale
const DefaultHeartbeatTimeout = 5 * time.Second

// Watchdog signals when no heartbeat has been observed within the timeout.
// It starts disarmed; the session arms it once subscribed and after every
// reconnect. Each expiry fires once and disarms until the next Rearm.
type Watchdog struct {
	timeout time.Duration
	now     func() time.Time

	mu    sync.Mutex
	last  time.Time
	armed bool

	stale chan struct{}
}

// WatchdogOption configures a Watchdog
type WatchdogOption func(*Watchdog)

// WithClock replaces time.Now
func WithClock(now func() time.Time) WatchdogOption {
	return func(w *Watchdog) { w.now = now }
}

// NewWatchdog creates a disarmed watchdog. A non-positive timeout uses
// DefaultHeartbeatTimeout.
func NewWatchdog(timeout time.Duration, opts ...WatchdogOption) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	w := &Watchdog{
		timeout: timeout,
		now:     time.Now,
		stale:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Observe records a heartbeat
func (w *Watchdog) Observe() {
	w.mu.Lock()
	w.last = w.now()
	w.mu.Unlock()
}

// Rearm restarts the timeout from now and clears a pending signal
func (w *Watchdog) Rearm() {
	w.mu.Lock()
	w.last = w.now()
	w.armed = true
	w.mu.Unlock()
	select {
	case <-w.stale:
	default:
	}
}

// Disarm stops expiry checks until the next Rearm
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	w.armed = false
	w.mu.Unlock()
}

// Stale delivers one signal per expiry
func (w *Watchdog) Stale() <-chan struct{} {
	return w.stale
}

// Check fires the stale signal if the timeout has elapsed and reports
// whether it did.
func (w *Watchdog) Check() bool {
	w.mu.Lock()
	expired := w.armed && w.now().Sub(w.last) > w.timeout
	if expired {
		w.armed = false
	}
	w.mu.Unlock()
	if !expired {
		return false
	}
	metrics.HeartbeatTimeoutsTotal.Inc()
	select {
	case w.stale <- struct{}{}:
	default:
	}
	return true
}

// Run checks for expiry several times per timeout until ctx is done
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(max(w.timeout/4, time.Nanosecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check()
		}
	}
}

// Timeout returns the configured heartbeat timeout
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}
