package orderbook

import (
	"iter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"streamstate/internal/types"
)

// Book is a point-in-time view of a Mirror. It never changes after it is
// published, so it can be read from any goroutine.
type Book struct {
	ProductID        string
	SnapshotReceived bool
	Backlog          int
	EventsProcessed  int64
	LastEventTime    time.Time
	SnapshotTime     time.Time

	bids *btree.BTreeG[types.PriceLevel]
	asks *btree.BTreeG[types.PriceLevel]
}

// Bids yields (price, size) from the best (highest) bid down.
// The sequence can be ranged over any number of times.
func (b *Book) Bids(excludeZero bool) iter.Seq2[decimal.Decimal, decimal.Decimal] {
	return func(yield func(decimal.Decimal, decimal.Decimal) bool) {
		b.bids.Reverse(func(level types.PriceLevel) bool {
			if excludeZero && level.Size.IsZero() {
				return true
			}
			return yield(level.Price, level.Size)
		})
	}
}

// Asks yields (price, size) from the best (lowest) ask up
func (b *Book) Asks(excludeZero bool) iter.Seq2[decimal.Decimal, decimal.Decimal] {
	return func(yield func(decimal.Decimal, decimal.Decimal) bool) {
		b.asks.Scan(func(level types.PriceLevel) bool {
			if excludeZero && level.Size.IsZero() {
				return true
			}
			return yield(level.Price, level.Size)
		})
	}
}

// Levels collects up to limit levels of one side, best first.
// A limit <= 0 returns every level.
func (b *Book) Levels(side types.Side, limit int, excludeZero bool) []types.PriceLevel {
	seq := b.Asks(excludeZero)
	if side == types.Bid {
		seq = b.Bids(excludeZero)
	}
	levels := make([]types.PriceLevel, 0)
	for price, size := range seq {
		if limit > 0 && len(levels) >= limit {
			break
		}
		levels = append(levels, types.PriceLevel{Price: price, Size: size, Side: side})
	}
	return levels
}

// BestBid returns the highest bid with liquidity
func (b *Book) BestBid() (types.PriceLevel, bool) {
	for price, size := range b.Bids(true) {
		return types.PriceLevel{Price: price, Size: size, Side: types.Bid}, true
	}
	return types.PriceLevel{}, false
}

// BestAsk returns the lowest ask with liquidity
func (b *Book) BestAsk() (types.PriceLevel, bool) {
	for price, size := range b.Asks(true) {
		return types.PriceLevel{Price: price, Size: size, Side: types.Ask}, true
	}
	return types.PriceLevel{}, false
}

// Stats computes spread and liquidity depth around the mid price
func (b *Book) Stats() types.Stats {
	stats := types.Stats{
		EventsProcessed: b.EventsProcessed,
		LastEventTime:   b.LastEventTime,
		SnapshotTime:    b.SnapshotTime,
		BufferedEvents:  b.Backlog,
	}

	for _, size := range b.Bids(true) {
		stats.BidLevels++
		stats.TotalBidsQty = stats.TotalBidsQty.Add(size)
	}
	for _, size := range b.Asks(true) {
		stats.AskLevels++
		stats.TotalAsksQty = stats.TotalAsksQty.Add(size)
	}
	stats.TotalDelta = stats.TotalBidsQty.Sub(stats.TotalAsksQty)

	bestBid, okBid := b.BestBid()
	bestAsk, okAsk := b.BestAsk()
	if okBid {
		stats.BestBid = bestBid.Price
	}
	if okAsk {
		stats.BestAsk = bestAsk.Price
	}
	if !okBid || !okAsk {
		return stats
	}
	if stats.BestAsk.GreaterThan(stats.BestBid) {
		stats.Spread = stats.BestAsk.Sub(stats.BestBid)
	}

	midPrice := stats.MidPrice()
	threshold05Pct := midPrice.Mul(decimal.NewFromFloat(0.005))
	threshold2Pct := midPrice.Mul(decimal.NewFromFloat(0.02))
	threshold10Pct := midPrice.Mul(decimal.NewFromFloat(0.10))

	minBid05Pct := midPrice.Sub(threshold05Pct)
	minBid2Pct := midPrice.Sub(threshold2Pct)
	minBid10Pct := midPrice.Sub(threshold10Pct)

	// bids come best first, so stop at the widest band
	for price, size := range b.Bids(true) {
		if price.LessThan(minBid10Pct) {
			break
		}
		stats.BidLiquidity10Pct = stats.BidLiquidity10Pct.Add(size)
		if price.GreaterThanOrEqual(minBid2Pct) {
			stats.BidLiquidity2Pct = stats.BidLiquidity2Pct.Add(size)
		}
		if price.GreaterThanOrEqual(minBid05Pct) {
			stats.BidLiquidity05Pct = stats.BidLiquidity05Pct.Add(size)
		}
	}

	maxAsk05Pct := midPrice.Add(threshold05Pct)
	maxAsk2Pct := midPrice.Add(threshold2Pct)
	maxAsk10Pct := midPrice.Add(threshold10Pct)

	for price, size := range b.Asks(true) {
		if price.GreaterThan(maxAsk10Pct) {
			break
		}
		stats.AskLiquidity10Pct = stats.AskLiquidity10Pct.Add(size)
		if price.LessThanOrEqual(maxAsk2Pct) {
			stats.AskLiquidity2Pct = stats.AskLiquidity2Pct.Add(size)
		}
		if price.LessThanOrEqual(maxAsk05Pct) {
			stats.AskLiquidity05Pct = stats.AskLiquidity05Pct.Add(size)
		}
	}

	stats.DeltaLiquidity05Pct = stats.BidLiquidity05Pct.Sub(stats.AskLiquidity05Pct)
	stats.DeltaLiquidity2Pct = stats.BidLiquidity2Pct.Sub(stats.AskLiquidity2Pct)
	stats.DeltaLiquidity10Pct = stats.BidLiquidity10Pct.Sub(stats.AskLiquidity10Pct)
	return stats
}
