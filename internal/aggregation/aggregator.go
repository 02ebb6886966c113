package aggregation

import (
	"iter"
	"sync"

	"github.com/shopspring/decimal"

	"streamstate/internal/types"
)

// Aggregator handles price aggregation based on tick levels.
// It is safe for concurrent use; the tick can change while books are read.
type Aggregator struct {
	mu          sync.RWMutex
	currentTick types.TickLevel
	tickSize    decimal.Decimal
}

var _ types.PriceAggregator = (*Aggregator)(nil)

// New creates a new Aggregator instance
func New(tick types.TickLevel) *Aggregator {
	a := &Aggregator{}
	a.SetTickLevel(tick)
	return a
}

// SetTickLevel updates the tick level for aggregation
func (a *Aggregator) SetTickLevel(tick types.TickLevel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentTick = tick
	a.tickSize = decimal.NewFromFloat(float64(tick))
}

// GetTickLevel returns the current tick level
func (a *Aggregator) GetTickLevel() types.TickLevel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.currentTick
}

func (a *Aggregator) tick() decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tickSize
}

// AggregateBids floors bid prices to the tick. Input must be ordered best
// first (descending), so equal buckets are adjacent and the output keeps
// that order. limit <= 0 means no limit.
func (a *Aggregator) AggregateBids(levels iter.Seq2[decimal.Decimal, decimal.Decimal], limit int) []types.PriceLevel {
	tick := a.tick()
	return bucket(levels, limit, types.Bid, func(price decimal.Decimal) decimal.Decimal {
		return roundToTickBid(price, tick)
	})
}

// AggregateAsks ceils ask prices to the tick. Input must be ordered best
// first (ascending).
func (a *Aggregator) AggregateAsks(levels iter.Seq2[decimal.Decimal, decimal.Decimal], limit int) []types.PriceLevel {
	tick := a.tick()
	return bucket(levels, limit, types.Ask, func(price decimal.Decimal) decimal.Decimal {
		return roundToTickAsk(price, tick)
	})
}

func bucket(levels iter.Seq2[decimal.Decimal, decimal.Decimal], limit int, side types.Side, round func(decimal.Decimal) decimal.Decimal) []types.PriceLevel {
	var out []types.PriceLevel
	for price, size := range levels {
		rounded := round(price)
		if n := len(out); n > 0 && out[n-1].Price.Equal(rounded) {
			out[n-1].Size = out[n-1].Size.Add(size)
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, types.PriceLevel{Price: rounded, Size: size, Side: side})
	}
	return out
}

// roundToTickBid rounds a bid price DOWN to maintain proper spread
func roundToTickBid(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Floor().Mul(tickSize)
}

// roundToTickAsk rounds an ask price UP to maintain proper spread
func roundToTickAsk(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Ceil().Mul(tickSize)
}
