package ledger

import (
	"maps"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"streamstate/internal/exchange"
)

// Status is the lifecycle state of an order
type Status string

const (
	StatusReceived  Status = "received"
	StatusOpen      Status = "open"
	StatusActivated Status = "activated"
	StatusFilled    Status = "filled"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further holds can exist for the status
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled
}

// Entry is the reconstructed state of one order.
//
// Sequence is assigned locally when the entry is created and never changes;
// it is the ordering key for queries. EventSequence is the feed sequence of
// the last event applied and only breaks ties between equal timestamps.
type Entry struct {
	OrderID       string
	Sequence      uint64
	EventSequence int64
	CreateTime    time.Time
	UpdateTime    time.Time
	ProductID     string
	OrderType     exchange.OrderType
	StopType      string
	Side          exchange.OrderSide
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Size          decimal.Decimal
	Funds         decimal.Decimal
	FilledSize    decimal.Decimal
	Status        Status
	OnHold        decimal.Decimal
	HoldCurrency  string
	FeesRate      decimal.Decimal
	Balances      map[string]decimal.Decimal
}

// Balance returns the net balance change in currency caused by this order
func (e Entry) Balance(currency string) decimal.Decimal {
	return e.Balances[currency]
}

func (e Entry) clone() Entry {
	e.Balances = maps.Clone(e.Balances)
	if e.Balances == nil {
		e.Balances = make(map[string]decimal.Decimal)
	}
	return e
}

// stale reports whether an event at (ts, seq) is not newer than the entry
func (e Entry) stale(ts time.Time, seq int64) bool {
	if ts.Before(e.UpdateTime) {
		return true
	}
	if ts.Equal(e.UpdateTime) {
		return seq == 0 || seq <= e.EventSequence
	}
	return false
}

func (e *Entry) touch(ts time.Time, seq int64) {
	e.UpdateTime = ts
	if seq != 0 {
		e.EventSequence = seq
	}
}

// SplitProduct splits "BASE-QUOTE" into its currencies
func SplitProduct(productID string) (base, quote string) {
	base, quote, _ = strings.Cut(productID, "-")
	return base, quote
}

func holdCurrency(productID string, side exchange.OrderSide) string {
	base, quote := SplitProduct(productID)
	if side == exchange.Buy {
		return quote
	}
	return base
}

// holdFor is the amount reserved by a resting order: quote notional for
// buys, base size for sells.
func holdFor(side exchange.OrderSide, price, size decimal.Decimal) decimal.Decimal {
	if side == exchange.Buy {
		return nonNegative(price.Mul(size))
	}
	return nonNegative(size)
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
