package orderbook

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamstate/internal/exchange"
	"streamstate/internal/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func lvl(price, size string) exchange.Level {
	return exchange.Level{Price: d(price), Size: d(size)}
}

func chg(side types.Side, price, size string) exchange.Change {
	return exchange.Change{Side: side, Price: d(price), Size: d(size)}
}

type pair struct{ price, size string }

func collect(seq func(func(decimal.Decimal, decimal.Decimal) bool)) []pair {
	var out []pair
	for price, size := range seq {
		out = append(out, pair{price.String(), size.String()})
	}
	return out
}

func TestSnapshotThenDelta(t *testing.T) {
	m := New("BTC-USD")
	require.NoError(t, m.ApplySnapshot(exchange.Snapshot{
		ProductID: "BTC-USD",
		Bids:      []exchange.Level{lvl("100", "2")},
		Asks:      []exchange.Level{lvl("101", "3")},
	}))

	book := m.Book()
	assert.Equal(t, []pair{{"100", "2"}}, collect(book.Bids(true)))
	assert.Equal(t, []pair{{"101", "3"}}, collect(book.Asks(true)))

	m.ApplyUpdate(exchange.L2Update{ProductID: "BTC-USD", Changes: []exchange.Change{chg(types.Bid, "100", "0")}})

	assert.Empty(t, collect(m.Book().Bids(true)))
	assert.Equal(t, []pair{{"100", "0"}}, collect(m.Book().Bids(false)))
	// the earlier view is unaffected
	assert.Equal(t, []pair{{"100", "2"}}, collect(book.Bids(true)))
}

func TestDuplicateSnapshotIsAnomaly(t *testing.T) {
	m := New("ETH-USD")
	snap := exchange.Snapshot{
		ProductID: "ETH-USD",
		Bids:      []exchange.Level{lvl("10", "1")},
		Asks:      []exchange.Level{lvl("11", "1")},
	}
	require.NoError(t, m.ApplySnapshot(snap))
	m.ApplyDelta(chg(types.Ask, "12", "4"))
	before := collect(m.Book().Asks(false))

	err := m.ApplySnapshot(exchange.Snapshot{ProductID: "ETH-USD", Asks: []exchange.Level{lvl("50", "1")}})
	require.ErrorIs(t, err, ErrDuplicateSnapshot)
	assert.True(t, errors.Is(err, exchange.ErrProtocolAnomaly))
	assert.Equal(t, before, collect(m.Book().Asks(false)))
}

func TestBacklogReplayMatchesInOrderApplication(t *testing.T) {
	snap := exchange.Snapshot{
		ProductID: "BTC-USD",
		Bids:      []exchange.Level{lvl("100", "1"), lvl("99", "2"), lvl("98", "3")},
		Asks:      []exchange.Level{lvl("101", "1"), lvl("102", "2")},
	}
	deltas := []exchange.Change{
		chg(types.Bid, "99", "5"),
		chg(types.Ask, "101", "0"),
		chg(types.Bid, "99", "0"),
		chg(types.Bid, "97.5", "1.25"),
		chg(types.Ask, "103", "7"),
		chg(types.Bid, "99", "6"),
	}

	buffered := New("BTC-USD")
	for _, c := range deltas {
		assert.True(t, buffered.ApplyDelta(c))
	}
	assert.Equal(t, len(deltas), buffered.BacklogLen())
	assert.Empty(t, collect(buffered.Book().Bids(false)))
	require.NoError(t, buffered.ApplySnapshot(snap))
	assert.Zero(t, buffered.BacklogLen())

	direct := New("BTC-USD")
	require.NoError(t, direct.ApplySnapshot(snap))
	for _, c := range deltas {
		assert.False(t, direct.ApplyDelta(c))
	}

	assert.Equal(t, collect(direct.Book().Bids(false)), collect(buffered.Book().Bids(false)))
	assert.Equal(t, collect(direct.Book().Asks(false)), collect(buffered.Book().Asks(false)))
	assert.Equal(t, []pair{{"100", "1"}, {"99", "6"}, {"98", "3"}, {"97.5", "1.25"}}, collect(buffered.Book().Bids(true)))
}

func TestSnapshotDepthBound(t *testing.T) {
	m := New("BTC-USD", WithDepth(3))
	var bids []exchange.Level
	for i := 0; i < 10; i++ {
		bids = append(bids, exchange.Level{Price: decimal.NewFromInt(int64(100 - i)), Size: decimal.NewFromInt(1)})
	}
	require.NoError(t, m.ApplySnapshot(exchange.Snapshot{ProductID: "BTC-USD", Bids: bids}))

	assert.Equal(t, []pair{{"100", "1"}, {"99", "1"}, {"98", "1"}}, collect(m.Book().Bids(true)))
}

func TestQueryOrdering(t *testing.T) {
	m := New("BTC-USD")
	require.NoError(t, m.ApplySnapshot(exchange.Snapshot{
		ProductID: "BTC-USD",
		Bids:      []exchange.Level{lvl("9.5", "1"), lvl("10", "0"), lvl("100", "2"), lvl("20", "3")},
		Asks:      []exchange.Level{lvl("300", "1"), lvl("101", "0"), lvl("150", "2")},
	}))

	book := m.Book()
	var prev decimal.Decimal
	first := true
	for price, size := range book.Bids(true) {
		assert.False(t, size.IsZero())
		if !first {
			assert.True(t, price.LessThan(prev), "bids must be strictly descending")
		}
		prev, first = price, false
	}
	first = true
	for price, size := range book.Asks(true) {
		assert.False(t, size.IsZero())
		if !first {
			assert.True(t, price.GreaterThan(prev), "asks must be strictly ascending")
		}
		prev, first = price, false
	}

	// restartable
	assert.Equal(t, collect(book.Asks(true)), collect(book.Asks(true)))
	assert.Len(t, book.Levels(types.Bid, 2, true), 2)
	assert.Len(t, book.Levels(types.Ask, 0, false), 3)
}

func TestResetRequiresNewSnapshot(t *testing.T) {
	m := New("BTC-USD")
	require.NoError(t, m.ApplySnapshot(exchange.Snapshot{ProductID: "BTC-USD", Bids: []exchange.Level{lvl("100", "1")}}))

	m.Reset()
	assert.False(t, m.SnapshotReceived())
	assert.True(t, m.ApplyDelta(chg(types.Bid, "100", "9")))
	assert.Equal(t, []pair{{"100", "1"}}, collect(m.Book().Bids(true)))

	require.NoError(t, m.ApplySnapshot(exchange.Snapshot{ProductID: "BTC-USD", Bids: []exchange.Level{lvl("105", "1")}}))
	assert.Equal(t, []pair{{"105", "1"}, {"100", "9"}}, collect(m.Book().Bids(true)))
}

func TestBookStats(t *testing.T) {
	m := New("BTC-USD")
	require.NoError(t, m.ApplySnapshot(exchange.Snapshot{
		ProductID: "BTC-USD",
		Bids:      []exchange.Level{lvl("99", "1"), lvl("95", "2"), lvl("50", "4")},
		Asks:      []exchange.Level{lvl("101", "1"), lvl("104", "3"), lvl("200", "5")},
	}))

	stats := m.Book().Stats()
	assert.True(t, stats.BestBid.Equal(d("99")))
	assert.True(t, stats.BestAsk.Equal(d("101")))
	assert.True(t, stats.Spread.Equal(d("2")))
	assert.True(t, stats.MidPrice().Equal(d("100")))
	assert.True(t, stats.BidLiquidity05Pct.IsZero())
	assert.True(t, stats.BidLiquidity2Pct.Equal(d("1")))
	assert.True(t, stats.BidLiquidity10Pct.Equal(d("3")))
	assert.True(t, stats.AskLiquidity2Pct.Equal(d("1")))
	assert.True(t, stats.AskLiquidity10Pct.Equal(d("4")))
	assert.True(t, stats.TotalBidsQty.Equal(d("7")))
	assert.True(t, stats.TotalDelta.Equal(d("-2")))
	assert.Equal(t, 3, stats.BidLevels)
}

func TestApplyUpdateReportsAnyBufferedChange(t *testing.T) {
	m := New("BTC-USD")
	buffered := m.ApplyUpdate(exchange.L2Update{ProductID: "BTC-USD", Changes: []exchange.Change{
		chg(types.Bid, "100", "1"),
		chg(types.Ask, "101", "1"),
	}})
	assert.True(t, buffered)
	assert.Equal(t, 2, m.BacklogLen())

	require.NoError(t, m.ApplySnapshot(exchange.Snapshot{ProductID: "BTC-USD"}))
	assert.False(t, m.ApplyUpdate(exchange.L2Update{ProductID: "BTC-USD", Changes: []exchange.Change{chg(types.Bid, "99", "1")}}))
}

func TestClockStampsEventTimes(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := New("BTC-USD", WithClock(func() time.Time { return fixed }))

	require.NoError(t, m.ApplySnapshot(exchange.Snapshot{ProductID: "BTC-USD", Bids: []exchange.Level{lvl("100", "1")}}))
	assert.Equal(t, fixed, m.Book().SnapshotTime)

	m.ApplyDelta(chg(types.Ask, "101", "1"))
	assert.Equal(t, fixed, m.Book().LastEventTime)

	// the update's own time wins over the clock
	later := fixed.Add(time.Minute)
	m.ApplyUpdate(exchange.L2Update{ProductID: "BTC-USD", Time: later, Changes: []exchange.Change{chg(types.Bid, "99", "1")}})
	assert.Equal(t, later, m.Book().LastEventTime)
}
