package types

import (
	"iter"

	"github.com/shopspring/decimal"
)

// PriceAggregator defines the interface for price aggregation
type PriceAggregator interface {
	// SetTickLevel updates the tick level for aggregation
	SetTickLevel(tick TickLevel)

	// GetTickLevel returns the current tick level
	GetTickLevel() TickLevel

	// AggregateBids buckets bids, best first, into at most limit levels
	AggregateBids(levels iter.Seq2[decimal.Decimal, decimal.Decimal], limit int) []PriceLevel

	// AggregateAsks buckets asks, best first, into at most limit levels
	AggregateAsks(levels iter.Seq2[decimal.Decimal, decimal.Decimal], limit int) []PriceLevel
}
