package ledger

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"streamstate/internal/exchange"
)

var (
	// ErrStaleEvent marks a re-delivered event that is not newer than the entry
	ErrStaleEvent = errors.New("stale event")

	// ErrNotOrderEvent is returned for events outside the user channel
	ErrNotOrderEvent = errors.New("not an order event")
)

// All selects every order in OrdersByIDs
const All = "*"

// Identity is the authenticated account, used to tell maker from taker
type Identity struct {
	UserID    string
	ProfileID string
}

func (i Identity) owns(userID, profileID string) bool {
	return (i.UserID != "" && userID == i.UserID) ||
		(i.ProfileID != "" && profileID == i.ProfileID)
}

// Ledger reconstructs the account's orders and holds from user-channel
// events.
//
// Apply must only be called from the session's dispatcher lane. Queries
// read an immutable copy-on-write version and are safe from any goroutine.
type Ledger struct {
	identity Identity
	fees     FeeSchedule
	known    map[string]struct{}
	trades   map[string]struct{}
	entries  *btree.Map[string, Entry]
	nextSeq  uint64
	view     atomic.Pointer[btree.Map[string, Entry]]
}

// Option configures a Ledger
type Option func(*Ledger)

// WithIdentity sets the account identity used to resolve matches
func WithIdentity(id Identity) Option {
	return func(l *Ledger) { l.identity = id }
}

// WithFees sets the taker fee schedule
func WithFees(fees FeeSchedule) Option {
	return func(l *Ledger) { l.fees = fees }
}

// New creates an empty ledger
func New(opts ...Option) *Ledger {
	l := &Ledger{
		fees:    DefaultFeeSchedule(),
		known:   make(map[string]struct{}),
		trades:  make(map[string]struct{}),
		entries: btree.NewMap[string, Entry](32),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.publish()
	return l
}

// Apply folds one event into the ledger. A nil error means the event was
// applied; any error means it was skipped and the ledger is unchanged.
func (l *Ledger) Apply(ev exchange.Event) error {
	var err error
	switch ev := ev.(type) {
	case exchange.Received:
		err = l.applyReceived(ev)
	case exchange.Open:
		err = l.applyOpen(ev)
	case exchange.Activated:
		err = l.applyActivated(ev)
	case exchange.Changed:
		err = l.applyChanged(ev)
	case exchange.Matched:
		err = l.applyMatched(ev)
	case exchange.Done:
		err = l.applyDone(ev)
	default:
		return fmt.Errorf("%s: %w", ev.Type(), ErrNotOrderEvent)
	}
	if err != nil {
		return err
	}
	l.publish()
	return nil
}

// Known reports whether orderID has been received or activated
func (l *Ledger) Known(orderID string) bool {
	_, ok := l.known[orderID]
	return ok
}

func (l *Ledger) newEntry(h exchange.OrderHeader) Entry {
	l.nextSeq++
	return Entry{
		OrderID:       h.OrderID,
		Sequence:      l.nextSeq,
		EventSequence: h.Sequence,
		CreateTime:    h.Time,
		UpdateTime:    h.Time,
		ProductID:     h.ProductID,
		Side:          h.Side,
		HoldCurrency:  holdCurrency(h.ProductID, h.Side),
		Balances:      make(map[string]decimal.Decimal),
	}
}

// resolve returns a writable copy of a known entry
func (l *Ledger) resolve(t exchange.Type, orderID string) (Entry, error) {
	if _, ok := l.known[orderID]; !ok {
		return Entry{}, fmt.Errorf("%s for order %s: %w", t, orderID, exchange.ErrUnresolvableReference)
	}
	e, ok := l.entries.Get(orderID)
	if !ok {
		return Entry{}, fmt.Errorf("%s for order %s: %w", t, orderID, exchange.ErrUnresolvableReference)
	}
	return e.clone(), nil
}

// lookup is resolve for events deduplicated by time
func (l *Ledger) lookup(t exchange.Type, h exchange.OrderHeader, orderID string) (Entry, error) {
	e, err := l.resolve(t, orderID)
	if err != nil {
		return Entry{}, err
	}
	if e.stale(h.Time, h.Sequence) {
		return Entry{}, fmt.Errorf("%s for order %s at %s: %w", t, orderID, h.Time, ErrStaleEvent)
	}
	return e, nil
}

func (l *Ledger) applyReceived(ev exchange.Received) error {
	l.known[ev.OrderID] = struct{}{}

	e, ok := l.entries.Get(ev.OrderID)
	if !ok {
		e = l.newEntry(ev.OrderHeader)
		e.Status = StatusReceived
	} else {
		if e.stale(ev.Time, ev.Sequence) {
			return fmt.Errorf("received for order %s at %s: %w", ev.OrderID, ev.Time, ErrStaleEvent)
		}
		e = e.clone()
		if ev.Time.Before(e.CreateTime) {
			e.CreateTime = ev.Time
		}
		e.touch(ev.Time, ev.Sequence)
		e.Side = ev.Side
		e.HoldCurrency = holdCurrency(e.ProductID, ev.Side)
	}

	e.OrderType = ev.OrderType
	if !ev.Price.IsZero() {
		e.Price = ev.Price
	}
	if !ev.Size.IsZero() {
		e.Size = ev.Size
	}
	if !ev.Funds.IsZero() {
		e.Funds = ev.Funds
	}
	l.entries.Set(e.OrderID, e)
	return nil
}

func (l *Ledger) applyOpen(ev exchange.Open) error {
	e, err := l.lookup(ev.Type(), ev.OrderHeader, ev.OrderID)
	if err != nil {
		return err
	}

	if !ev.Price.IsZero() {
		e.Price = ev.Price
	}
	e.Size = ev.RemainingSize
	e.FilledSize = decimal.Zero
	if !e.Status.Terminal() {
		e.Status = StatusOpen
		e.HoldCurrency = holdCurrency(e.ProductID, e.Side)
		e.OnHold = holdFor(e.Side, e.Price, e.Size)
	}
	e.touch(ev.Time, ev.Sequence)
	l.entries.Set(e.OrderID, e)
	return nil
}

// applyActivated records a triggered stop order. The feed's stop_price is
// the trigger and becomes Price; limit_price is kept as StopPrice.
func (l *Ledger) applyActivated(ev exchange.Activated) error {
	l.known[ev.OrderID] = struct{}{}

	e, ok := l.entries.Get(ev.OrderID)
	if !ok {
		e = l.newEntry(ev.OrderHeader)
	} else {
		if e.stale(ev.Time, ev.Sequence) {
			return fmt.Errorf("activate for order %s at %s: %w", ev.OrderID, ev.Time, ErrStaleEvent)
		}
		e = e.clone()
		e.touch(ev.Time, ev.Sequence)
	}

	e.OrderType = exchange.OrderTypeStop
	e.StopType = ev.StopType
	e.Price = ev.StopPrice
	e.StopPrice = ev.LimitPrice
	e.Side = ev.Side
	e.Size = ev.Size
	e.Funds = ev.Funds
	e.FeesRate = ev.TakerFeeRate
	if !e.Status.Terminal() {
		e.Status = StatusActivated
		e.HoldCurrency = holdCurrency(e.ProductID, e.Side)
		if e.Side == exchange.Buy {
			e.OnHold = nonNegative(ev.Funds)
		} else {
			e.OnHold = nonNegative(ev.Size)
		}
	}
	l.entries.Set(e.OrderID, e)
	return nil
}

// applyChanged resizes an order; new_funds stands in for size when the
// order was placed by funds.
func (l *Ledger) applyChanged(ev exchange.Changed) error {
	if !ev.HasSize && !ev.NewFunds.IsPositive() {
		return fmt.Errorf("change for order %s has no new size or funds: %w", ev.OrderID, exchange.ErrMalformedEvent)
	}
	e, err := l.lookup(ev.Type(), ev.OrderHeader, ev.OrderID)
	if err != nil {
		return err
	}

	if ev.HasSize {
		e.Size = ev.NewSize
		e.FilledSize = decimal.Zero
		if e.Status == StatusOpen {
			e.OnHold = holdFor(e.Side, e.Price, e.Size)
		}
	} else {
		e.Size = ev.NewFunds
		e.Funds = ev.NewFunds
		if e.Status == StatusOpen && e.Side == exchange.Buy {
			e.OnHold = nonNegative(ev.NewFunds)
		}
	}
	e.touch(ev.Time, ev.Sequence)
	l.entries.Set(e.OrderID, e)
	return nil
}

// resolveMatch picks the account's order in a trade. The configured
// identity decides first; without a match on identity the known order
// ids decide, maker first.
func (l *Ledger) resolveMatch(ev exchange.Matched) (orderID string, taker bool) {
	switch {
	case l.identity.owns(ev.MakerUserID, ev.MakerProfileID):
		return ev.MakerOrderID, false
	case l.identity.owns(ev.TakerUserID, ev.TakerProfileID):
		return ev.TakerOrderID, true
	}
	if l.Known(ev.MakerOrderID) {
		return ev.MakerOrderID, false
	}
	return ev.TakerOrderID, true
}

// applyMatched dedupes by trade id when the feed sends one, so a fill
// delivered after the order's done still lands. Without a trade id the
// match is deduplicated by time like every other event.
func (l *Ledger) applyMatched(ev exchange.Matched) error {
	orderID, taker := l.resolveMatch(ev)

	var (
		e        Entry
		err      error
		tradeKey string
	)
	if ev.TradeID != 0 {
		tradeKey = orderID + "/" + ev.ProductID + "/" + strconv.FormatInt(ev.TradeID, 10)
		if _, seen := l.trades[tradeKey]; seen {
			return fmt.Errorf("match trade %d for order %s: %w", ev.TradeID, orderID, ErrStaleEvent)
		}
		e, err = l.resolve(ev.Type(), orderID)
	} else {
		e, err = l.lookup(ev.Type(), ev.Header(), orderID)
	}
	if err != nil {
		return err
	}

	fee := decimal.Zero
	if taker {
		fee = ev.TakerFeeRate
		if fee.IsZero() {
			fee = l.fees.Rate(e.ProductID)
		}
		e.FeesRate = fee
	}

	// m is -1 when the account buys base and pays quote, +1 when it sells
	m := decimal.NewFromInt(1)
	if e.Side == exchange.Buy {
		m = m.Neg()
	}
	notional := ev.Price.Mul(ev.Size)
	base, quote := SplitProduct(e.ProductID)
	e.Balances[base] = e.Balances[base].Sub(m.Mul(ev.Size))
	e.Balances[quote] = e.Balances[quote].Add(m.Mul(notional.Sub(m.Mul(notional).Mul(fee))))

	// holds were reserved at the order's own price
	holdPrice := e.Price
	if holdPrice.IsZero() {
		holdPrice = ev.Price
	}
	e.OnHold = nonNegative(e.OnHold.Sub(holdFor(e.Side, holdPrice, ev.Size)))
	e.FilledSize = e.FilledSize.Add(ev.Size)

	if !e.Status.Terminal() && e.Size.IsPositive() && e.FilledSize.GreaterThanOrEqual(e.Size) {
		e.Status = StatusFilled
	}
	if e.Status.Terminal() {
		e.OnHold = decimal.Zero
	}
	// a late fill never moves the update time back
	if !e.stale(ev.Time, ev.Sequence) {
		e.touch(ev.Time, ev.Sequence)
	}
	if tradeKey != "" {
		l.trades[tradeKey] = struct{}{}
	}
	l.entries.Set(e.OrderID, e)
	return nil
}

func (l *Ledger) applyDone(ev exchange.Done) error {
	e, err := l.lookup(ev.Type(), ev.OrderHeader, ev.OrderID)
	if err != nil {
		return err
	}

	if ev.Reason == exchange.ReasonFilled {
		e.Status = StatusFilled
	} else {
		e.Status = StatusCanceled
	}
	e.OnHold = decimal.Zero
	e.touch(ev.Time, ev.Sequence)
	l.entries.Set(e.OrderID, e)
	return nil
}

func (l *Ledger) publish() {
	l.view.Store(l.entries.Copy())
}

// Order returns the entry for orderID from the latest version
func (l *Ledger) Order(orderID string) (Entry, bool) {
	e, ok := l.view.Load().Get(orderID)
	if !ok {
		return Entry{}, false
	}
	e.Balances = maps.Clone(e.Balances)
	return e, true
}

// OrdersByIDs returns the requested entries ordered by Sequence. No ids,
// or an id equal to All, selects every entry. Unknown ids are ignored.
func (l *Ledger) OrdersByIDs(ids ...string) []Entry {
	view := l.view.Load()
	var out []Entry

	if len(ids) == 0 || slices.Contains(ids, All) {
		out = make([]Entry, 0, view.Len())
		view.Scan(func(_ string, e Entry) bool {
			out = append(out, e)
			return true
		})
	} else {
		out = make([]Entry, 0, len(ids))
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if e, ok := view.Get(id); ok {
				out = append(out, e)
			}
		}
	}

	for i := range out {
		out[i].Balances = maps.Clone(out[i].Balances)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of entries in the latest version
func (l *Ledger) Len() int {
	return l.view.Load().Len()
}
