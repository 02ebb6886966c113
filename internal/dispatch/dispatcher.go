package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"streamstate/internal/exchange"
	"streamstate/internal/metrics"
)

// Handler owns the state behind one lane. Apply and Reset are only ever
// called from that lane, one at a time.
type Handler interface {
	Apply(ev exchange.Event) error
	Reset()
}

const (
	laneBook   = "book"
	laneLedger = "ledger"
)

type item struct {
	ev    exchange.Event
	reset bool
}

// lane is the FIFO of one routing key. running marks the single
// in-flight drain allowed per key.
type lane struct {
	key     string
	kind    string
	handler Handler

	mu      sync.Mutex
	queue   []item
	running bool
}

func (l *lane) push(it item) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(l.queue, it)
	return len(l.queue)
}

// claim takes up to limit queued items and marks the lane running.
// It returns nil when the lane is idle or already being drained.
func (l *lane) claim(limit int) []item {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running || len(l.queue) == 0 {
		return nil
	}
	n := len(l.queue)
	if limit > 0 && n > limit {
		n = limit
	}
	batch := make([]item, n)
	copy(batch, l.queue)
	l.queue = l.queue[n:]
	if len(l.queue) == 0 {
		l.queue = nil
	}
	l.running = true
	return batch
}

// release clears running and reports whether items are left
func (l *lane) release() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
	return len(l.queue) > 0
}

func (l *lane) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Dispatcher routes decoded events to per-key lanes: one lane per product
// for market data and one lane for the session's order events. Lanes are
// drained in FIFO order with at most one drain in flight per key; distinct
// keys drain concurrently up to the worker limit.
type Dispatcher struct {
	logger     zerolog.Logger
	workers    int
	batchSize  int
	watchdog   *Watchdog
	accepted   map[exchange.Type]struct{}
	sessionKey string

	mu    sync.RWMutex
	lanes map[string]*lane
	order []*lane

	notify chan struct{}
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithWorkers caps the number of lanes drained concurrently
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithBatchSize caps the events taken from one lane per drain pass.
// Zero takes everything queued at claim time.
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) { d.batchSize = n }
}

// WithWatchdog feeds heartbeats to w
func WithWatchdog(w *Watchdog) Option {
	return func(d *Dispatcher) { d.watchdog = w }
}

// WithAcceptedTypes drops market and order events outside types
func WithAcceptedTypes(types ...exchange.Type) Option {
	return func(d *Dispatcher) {
		d.accepted = make(map[exchange.Type]struct{}, len(types))
		for _, t := range types {
			d.accepted[t] = struct{}{}
		}
	}
}

// New creates a dispatcher with no lanes
func New(logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:  logger.With().Str("component", "dispatcher").Logger(),
		workers: 1,
		lanes:   make(map[string]*lane),
		notify:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterProduct adds the lane for a product's market data
func (d *Dispatcher) RegisterProduct(product string, h Handler) {
	d.register(&lane{key: product, kind: laneBook, handler: h})
}

// RegisterSession adds the lane for the session's order events
func (d *Dispatcher) RegisterSession(key string, h Handler) {
	d.register(&lane{key: key, kind: laneLedger, handler: h})
	d.mu.Lock()
	d.sessionKey = key
	d.mu.Unlock()
}

func (d *Dispatcher) register(l *lane) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.lanes[l.key]; ok {
		for i, o := range d.order {
			if o == old {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
	}
	d.lanes[l.key] = l
	d.order = append(d.order, l)
}

func (d *Dispatcher) route(ev exchange.Event) (string, bool) {
	switch ev := ev.(type) {
	case exchange.Ticker, exchange.Snapshot, exchange.L2Update:
		return ev.(exchange.ProductEvent).Product(), true
	case exchange.OrderEvent:
		d.mu.RLock()
		defer d.mu.RUnlock()
		return d.sessionKey, d.sessionKey != ""
	default:
		return "", false
	}
}

// Enqueue routes ev to its lane and reports whether it was queued.
// Heartbeats refresh the watchdog; control and unrecognized messages are
// never queued.
func (d *Dispatcher) Enqueue(ev exchange.Event) bool {
	switch ev := ev.(type) {
	case exchange.Heartbeat:
		if d.watchdog != nil {
			d.watchdog.Observe()
		}
		return false
	case exchange.SubscriptionAck:
		d.logger.Debug().Int("channels", len(ev.Channels)).Msg("subscription acknowledged")
		return false
	case exchange.ErrorMsg:
		d.logger.Warn().Str("message", ev.Message).Str("reason", ev.Reason).Msg("feed error message")
		return false
	case exchange.Unrecognized:
		metrics.EventsDroppedTotal.WithLabelValues("unrecognized").Inc()
		d.logger.Debug().Str("type", ev.RawType).Msg("dropping unrecognized message")
		return false
	}

	if d.accepted != nil {
		if _, ok := d.accepted[ev.Type()]; !ok {
			metrics.EventsDroppedTotal.WithLabelValues("unsubscribed").Inc()
			return false
		}
	}

	key, ok := d.route(ev)
	if !ok {
		metrics.EventsDroppedTotal.WithLabelValues("unrouted").Inc()
		return false
	}
	d.mu.RLock()
	l, ok := d.lanes[key]
	d.mu.RUnlock()
	if !ok {
		metrics.EventsDroppedTotal.WithLabelValues("unrouted").Inc()
		d.logger.Debug().Str("key", key).Str("type", string(ev.Type())).Msg("no lane for event")
		return false
	}

	depth := l.push(item{ev: ev})
	metrics.LaneQueueDepth.WithLabelValues(l.key).Set(float64(depth))
	d.wake()
	return true
}

// ResetLanes queues a reset behind the events already queued on every
// product lane. The session lane is never reset.
func (d *Dispatcher) ResetLanes() {
	for _, l := range d.snapshot() {
		if l.kind != laneBook {
			continue
		}
		l.push(item{reset: true})
	}
	d.wake()
}

func (d *Dispatcher) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) snapshot() []*lane {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*lane, len(d.order))
	copy(out, d.order)
	return out
}

// Drain processes the events queued at claim time on every idle lane.
// Lanes already being drained are skipped. Per-event errors are logged and
// counted; they never stop the drain. Once ctx is done each worker finishes
// its current event and drops the rest of its batch.
func (d *Dispatcher) Drain(ctx context.Context) error {
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	for _, l := range d.snapshot() {
		if ctx.Err() != nil {
			break
		}
		batch := l.claim(d.batchSize)
		if batch == nil {
			continue
		}
		g.Go(func() error {
			d.process(ctx, l, batch)
			return nil
		})
	}
	err := g.Wait()
	metrics.DrainDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000)
	return err
}

func (d *Dispatcher) process(ctx context.Context, l *lane, batch []item) {
	for i, it := range batch {
		if ctx.Err() != nil {
			d.logger.Debug().Str("key", l.key).Int("dropped", len(batch)-i).Msg("drain canceled")
			break
		}
		if it.reset {
			l.handler.Reset()
			d.logger.Debug().Str("key", l.key).Msg("lane reset")
			continue
		}
		if err := l.handler.Apply(it.ev); err != nil {
			d.skipped(l, it.ev, err)
			continue
		}
		metrics.EventsAppliedTotal.WithLabelValues(l.kind).Inc()
	}
	metrics.LaneQueueDepth.WithLabelValues(l.key).Set(float64(l.pending()))
	if l.release() {
		d.wake()
	}
}

func (d *Dispatcher) skipped(l *lane, ev exchange.Event, err error) {
	reason := "other"
	level := zerolog.DebugLevel
	switch {
	case errors.Is(err, exchange.ErrProtocolAnomaly):
		reason, level = "anomaly", zerolog.WarnLevel
	case errors.Is(err, exchange.ErrUnresolvableReference):
		reason = "unresolvable"
	case errors.Is(err, exchange.ErrMalformedEvent):
		reason, level = "malformed", zerolog.WarnLevel
	}
	metrics.EventsSkippedTotal.WithLabelValues(l.kind, reason).Inc()
	d.logger.WithLevel(level).Err(err).Str("key", l.key).Str("type", string(ev.Type())).Msg("event skipped")
}

// Run drains whenever events arrive until ctx is done
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.notify:
			if err := d.Drain(ctx); err != nil && ctx.Err() == nil {
				return err
			}
		}
	}
}

// Pending returns the number of queued items on key's lane
func (d *Dispatcher) Pending(key string) int {
	d.mu.RLock()
	l, ok := d.lanes[key]
	d.mu.RUnlock()
	if !ok {
		return 0
	}
	return l.pending()
}

// SessionKey returns the key of the session lane, if registered
func (d *Dispatcher) SessionKey() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessionKey
}
