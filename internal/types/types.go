package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// TickLevel represents available tick size options for price aggregation
type TickLevel float64

const (
	Tick001 TickLevel = 0.01
	Tick01  TickLevel = 0.1
	Tick1   TickLevel = 1.0
	Tick10  TickLevel = 10.0
	Tick50  TickLevel = 50.0
	Tick100 TickLevel = 100.0
)

// AvailableTickLevels defines the available tick levels in order of precision
var AvailableTickLevels = []TickLevel{
	Tick001,
	Tick01,
	Tick1,
	Tick10,
	Tick50,
	Tick100,
}

// Side identifies which side of the book a level rests on
type Side string

const (
	Bid Side = "bid"
	Ask Side = "ask"
)

// SideFromOrder maps an order side ("buy"/"sell") to a book side
func SideFromOrder(side string) (Side, bool) {
	switch side {
	case "buy":
		return Bid, true
	case "sell":
		return Ask, true
	default:
		return "", false
	}
}

// PriceLevel represents a single price level in the order book.
// A zero Size means the level carries no resting liquidity.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
	Side  Side
}

// Stats holds statistical information about one product's order book
type Stats struct {
	EventsProcessed int64
	LastEventTime   time.Time
	SnapshotTime    time.Time
	BufferedEvents  int
	BidLevels       int
	AskLevels       int
	BestBid         decimal.Decimal
	BestAsk         decimal.Decimal
	Spread          decimal.Decimal

	// Liquidity depth metrics (in base asset units)
	BidLiquidity05Pct decimal.Decimal // Total bid size within 0.5% of mid
	AskLiquidity05Pct decimal.Decimal // Total ask size within 0.5% of mid
	BidLiquidity2Pct  decimal.Decimal // Total bid size within 2% of mid
	AskLiquidity2Pct  decimal.Decimal // Total ask size within 2% of mid
	BidLiquidity10Pct decimal.Decimal // Total bid size within 10% of mid
	AskLiquidity10Pct decimal.Decimal // Total ask size within 10% of mid

	// Liquidity imbalance (positive = more bids, negative = more asks)
	DeltaLiquidity05Pct decimal.Decimal
	DeltaLiquidity2Pct  decimal.Decimal
	DeltaLiquidity10Pct decimal.Decimal

	TotalBidsQty decimal.Decimal
	TotalAsksQty decimal.Decimal
	TotalDelta   decimal.Decimal
}

// MidPrice returns the midpoint of the best bid and ask, or zero when either side is empty
func (s Stats) MidPrice() decimal.Decimal {
	if s.BestBid.IsZero() || s.BestAsk.IsZero() {
		return decimal.Zero
	}
	return s.BestBid.Add(s.BestAsk).Div(decimal.NewFromInt(2))
}

// ValidTickLevel reports whether tick is one of AvailableTickLevels
func ValidTickLevel(tick TickLevel) bool {
	for _, available := range AvailableTickLevels {
		if available == tick {
			return true
		}
	}
	return false
}

// GetNextTickLevel returns the next tick level in the sequence
func GetNextTickLevel(current TickLevel) TickLevel {
	for i, tick := range AvailableTickLevels {
		if tick == current {
			if i+1 < len(AvailableTickLevels) {
				return AvailableTickLevels[i+1]
			}
			return AvailableTickLevels[0]
		}
	}
	return AvailableTickLevels[0]
}
