package orderbook

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tidwall/btree"

	"streamstate/internal/exchange"
	"streamstate/internal/types"
)

// DefaultDepth is the number of levels per side kept from a snapshot
const DefaultDepth = 250

// ErrDuplicateSnapshot is returned when a second snapshot arrives for a
// product that already has one in the current connection.
var ErrDuplicateSnapshot = fmt.Errorf("duplicate snapshot: %w", exchange.ErrProtocolAnomaly)

// Mirror maintains the level2 book of one product.
//
// A Mirror is owned by a single dispatcher lane and is not safe for
// concurrent mutation. Readers use Book, which returns an immutable view
// published after every mutation.
type Mirror struct {
	productID        string
	depth            int
	snapshotReceived bool
	bids             *btree.BTreeG[types.PriceLevel]
	asks             *btree.BTreeG[types.PriceLevel]
	backlog          []exchange.Change
	eventsProcessed  int64
	lastEventTime    time.Time
	snapshotTime     time.Time
	now              func() time.Time
	view             atomic.Pointer[Book]
}

// Option configures a Mirror
type Option func(*Mirror)

// WithDepth bounds each snapshot side to depth levels
func WithDepth(depth int) Option {
	return func(m *Mirror) {
		if depth > 0 {
			m.depth = depth
		}
	}
}

// WithClock overrides the clock used for event timestamps
func WithClock(now func() time.Time) Option {
	return func(m *Mirror) { m.now = now }
}

// New creates an empty mirror for productID
func New(productID string, opts ...Option) *Mirror {
	m := &Mirror{
		productID: productID,
		depth:     DefaultDepth,
		bids:      newSide(),
		asks:      newSide(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.publish()
	return m
}

func byPrice(a, b types.PriceLevel) bool {
	return a.Price.LessThan(b.Price)
}

func newSide() *btree.BTreeG[types.PriceLevel] {
	return btree.NewBTreeG(byPrice)
}

// ProductID returns the product this mirror tracks
func (m *Mirror) ProductID() string {
	return m.productID
}

// SnapshotReceived reports whether deltas are currently applied directly
func (m *Mirror) SnapshotReceived() bool {
	return m.snapshotReceived
}

// ApplySnapshot replaces the book with snap and replays the backlog.
// Only the first snapshot after construction or Reset is honored.
func (m *Mirror) ApplySnapshot(snap exchange.Snapshot) error {
	if m.snapshotReceived {
		return ErrDuplicateSnapshot
	}

	bids := newSide()
	for i, level := range snap.Bids {
		if i >= m.depth {
			break
		}
		bids.Set(types.PriceLevel{Price: level.Price, Size: level.Size, Side: types.Bid})
	}
	asks := newSide()
	for i, level := range snap.Asks {
		if i >= m.depth {
			break
		}
		asks.Set(types.PriceLevel{Price: level.Price, Size: level.Size, Side: types.Ask})
	}

	m.bids = bids
	m.asks = asks
	m.snapshotReceived = true
	m.snapshotTime = m.now()

	for _, change := range m.backlog {
		m.upsert(change)
	}
	m.backlog = nil

	m.eventsProcessed++
	m.publish()
	return nil
}

// ApplyDelta applies one level change. Before the first snapshot the
// change is buffered and reported as such.
func (m *Mirror) ApplyDelta(change exchange.Change) (buffered bool) {
	buffered = m.applyDelta(change)
	m.eventsProcessed++
	m.lastEventTime = m.now()
	m.publish()
	return buffered
}

// ApplyUpdate applies every change of an l2update and publishes once.
// buffered reports whether any change went to the backlog.
func (m *Mirror) ApplyUpdate(update exchange.L2Update) (buffered bool) {
	for _, change := range update.Changes {
		if m.applyDelta(change) {
			buffered = true
		}
	}
	m.eventsProcessed++
	if !update.Time.IsZero() {
		m.lastEventTime = update.Time
	} else {
		m.lastEventTime = m.now()
	}
	m.publish()
	return buffered
}

// Reset requires a fresh snapshot before deltas apply again. Current levels
// stay visible until that snapshot replaces them.
func (m *Mirror) Reset() {
	m.snapshotReceived = false
	m.backlog = nil
	m.publish()
}

// BacklogLen returns the number of buffered changes
func (m *Mirror) BacklogLen() int {
	return len(m.backlog)
}

// Book returns the latest immutable view
func (m *Mirror) Book() *Book {
	return m.view.Load()
}

func (m *Mirror) applyDelta(change exchange.Change) bool {
	if !m.snapshotReceived {
		m.backlog = append(m.backlog, change)
		return true
	}
	m.upsert(change)
	return false
}

// upsert stores the level; zero size is kept and filtered at query time
func (m *Mirror) upsert(change exchange.Change) {
	level := types.PriceLevel{Price: change.Price, Size: change.Size, Side: change.Side}
	switch change.Side {
	case types.Bid:
		m.bids.Set(level)
	case types.Ask:
		m.asks.Set(level)
	}
}

// publish swaps in a copy-on-write view of the current state
func (m *Mirror) publish() {
	m.view.Store(&Book{
		ProductID:        m.productID,
		SnapshotReceived: m.snapshotReceived,
		Backlog:          len(m.backlog),
		EventsProcessed:  m.eventsProcessed,
		LastEventTime:    m.lastEventTime,
		SnapshotTime:     m.snapshotTime,
		bids:             m.bids.Copy(),
		asks:             m.asks.Copy(),
	})
}
