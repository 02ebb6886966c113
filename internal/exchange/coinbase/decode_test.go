package coinbase

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

func TestDecodeSnapshot(t *testing.T) {
	raw := `{"type":"snapshot","product_id":"BTC-USD","bids":[["100.5","1.25"],["100","2"]],"asks":[["101","0.5"]]}`
	ev, err := Decode([]byte(raw))
	require.NoError(t, err)

	snap, ok := ev.(exchange.Snapshot)
	require.True(t, ok)
	assert.Equal(t, "BTC-USD", snap.ProductID)
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 1)
	assert.True(t, decimal.RequireFromString("100.5").Equal(snap.Bids[0].Price))
	assert.True(t, decimal.RequireFromString("1.25").Equal(snap.Bids[0].Size))
}

func TestDecodeL2Update(t *testing.T) {
	raw := `{"type":"l2update","product_id":"BTC-USD","time":"2024-03-01T12:00:00.123456Z","changes":[["buy","100","0"],["sell","101.5","3"]]}`
	ev, err := Decode([]byte(raw))
	require.NoError(t, err)

	upd := ev.(exchange.L2Update)
	require.Len(t, upd.Changes, 2)
	assert.Equal(t, types.Bid, upd.Changes[0].Side)
	assert.True(t, upd.Changes[0].Size.IsZero())
	assert.Equal(t, types.Ask, upd.Changes[1].Side)
	assert.Equal(t, 123456000, upd.Time.Nanosecond())
}

func TestDecodeTickerLenientNumerics(t *testing.T) {
	raw := `{"type":"ticker","product_id":"ETH-USD","sequence":42,"trade_id":7,"price":"3000.1","best_bid":"oops","volume_24h":null}`
	ev, err := Decode([]byte(raw))
	require.NoError(t, err)

	tick := ev.(exchange.Ticker)
	assert.Equal(t, int64(42), tick.Sequence)
	assert.Equal(t, int64(7), tick.TradeID)
	assert.True(t, decimal.RequireFromString("3000.1").Equal(tick.Price))
	assert.True(t, tick.BestBid.IsZero())
	assert.True(t, tick.Volume24h.IsZero())
	assert.True(t, tick.Time.IsZero())
}

func TestDecodeOrderEvents(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, ev exchange.Event)
	}{
		{
			name: "received defaults to limit",
			raw:  `{"type":"received","product_id":"BTC-USD","order_id":"A","sequence":"10","time":"2024-03-01T12:00:00Z","side":"buy","price":"100","size":"1"}`,
			check: func(t *testing.T, ev exchange.Event) {
				r := ev.(exchange.Received)
				assert.Equal(t, exchange.OrderTypeLimit, r.OrderType)
				assert.Equal(t, int64(10), r.Sequence)
				assert.Equal(t, ts, r.Time)
				assert.Equal(t, exchange.Buy, r.Side)
			},
		},
		{
			name: "open without side",
			raw:  `{"type":"open","product_id":"BTC-USD","order_id":"A","time":"2024-03-01T12:00:00Z","remaining_size":"0.4","price":"100"}`,
			check: func(t *testing.T, ev exchange.Event) {
				o := ev.(exchange.Open)
				assert.True(t, decimal.RequireFromString("0.4").Equal(o.RemainingSize))
			},
		},
		{
			name: "activate",
			raw:  `{"type":"activate","product_id":"BTC-USD","order_id":"S","time":"2024-03-01T12:00:00Z","side":"sell","stop_type":"loss","stop_price":"90","limit_price":"89","size":"1","taker_fee_rate":"0.0025"}`,
			check: func(t *testing.T, ev exchange.Event) {
				a := ev.(exchange.Activated)
				assert.Equal(t, "loss", a.StopType)
				assert.True(t, decimal.RequireFromString("90").Equal(a.StopPrice))
				assert.True(t, decimal.RequireFromString("0.0025").Equal(a.TakerFeeRate))
			},
		},
		{
			name: "match",
			raw:  `{"type":"match","product_id":"BTC-USD","trade_id":5,"maker_order_id":"M","taker_order_id":"T","time":"2024-03-01T12:00:00Z","side":"sell","price":"100","size":"1","taker_user_id":"u1"}`,
			check: func(t *testing.T, ev exchange.Event) {
				m := ev.(exchange.Matched)
				assert.Equal(t, "M", m.MakerOrderID)
				assert.Equal(t, "T", m.TakerOrderID)
				assert.Equal(t, "u1", m.TakerUserID)
				assert.Equal(t, int64(5), m.TradeID)
				assert.Empty(t, m.Header().OrderID)
			},
		},
		{
			name: "done",
			raw:  `{"type":"done","product_id":"BTC-USD","order_id":"A","time":"2024-03-01T12:00:00Z","reason":"canceled","remaining_size":"1"}`,
			check: func(t *testing.T, ev exchange.Event) {
				assert.Equal(t, exchange.ReasonCanceled, ev.(exchange.Done).Reason)
			},
		},
		{
			name: "change by funds",
			raw:  `{"type":"change","product_id":"BTC-USD","order_id":"A","time":"2024-03-01T12:00:00Z","side":"buy","new_funds":"5","old_funds":"10"}`,
			check: func(t *testing.T, ev exchange.Event) {
				c := ev.(exchange.Changed)
				assert.False(t, c.HasSize)
				assert.True(t, decimal.RequireFromString("5").Equal(c.NewFunds))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			assert.True(t, exchange.IsOrderType(ev.Type()))
			tt.check(t, ev)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"invalid json", `{"type":`, "payload"},
		{"missing type", `{"product_id":"BTC-USD"}`, "type"},
		{"ticker without product", `{"type":"ticker","price":"1"}`, "product_id"},
		{"non-integer sequence", `{"type":"ticker","product_id":"BTC-USD","sequence":"abc"}`, "sequence"},
		{"snapshot bad price", `{"type":"snapshot","product_id":"BTC-USD","bids":[["x","1"]],"asks":[]}`, "bids[0].price"},
		{"snapshot short level", `{"type":"snapshot","product_id":"BTC-USD","bids":[],"asks":[["1"]]}`, "asks[0]"},
		{"l2update bad side", `{"type":"l2update","product_id":"BTC-USD","changes":[["up","1","1"]]}`, "changes[0].side"},
		{"received without order id", `{"type":"received","product_id":"BTC-USD","time":"2024-03-01T12:00:00Z","side":"buy"}`, "order_id"},
		{"received without side", `{"type":"received","product_id":"BTC-USD","order_id":"A","time":"2024-03-01T12:00:00Z"}`, "side"},
		{"open without time", `{"type":"open","product_id":"BTC-USD","order_id":"A"}`, "time"},
		{"open bad time", `{"type":"open","product_id":"BTC-USD","order_id":"A","time":"yesterday"}`, "time"},
		{"match without maker", `{"type":"match","product_id":"BTC-USD","taker_order_id":"T","time":"2024-03-01T12:00:00Z","side":"buy"}`, "maker_order_id"},
		{"change without size or funds", `{"type":"change","product_id":"BTC-USD","order_id":"A","time":"2024-03-01T12:00:00Z","side":"buy","price":"100"}`, "new_size"},
		{"change bad new size", `{"type":"change","product_id":"BTC-USD","order_id":"A","time":"2024-03-01T12:00:00Z","new_size":"lots"}`, "new_size"},
		{"change bad new funds", `{"type":"change","product_id":"BTC-USD","order_id":"A","time":"2024-03-01T12:00:00Z","new_funds":"lots"}`, "new_funds"},
		{"done unknown reason", `{"type":"done","product_id":"BTC-USD","order_id":"A","time":"2024-03-01T12:00:00Z","reason":"expired"}`, "reason"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.raw))
			require.Error(t, err)
			assert.Nil(t, ev)
			assert.ErrorIs(t, err, exchange.ErrMalformedEvent)

			var me *exchange.MalformedEventError
			require.True(t, errors.As(err, &me))
			assert.Equal(t, tt.field, me.Field)
		})
	}
}

func TestDecodeControlMessages(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"heartbeat","sequence":90,"last_trade_id":20,"product_id":"BTC-USD","time":"2024-03-01T12:00:00Z"}`))
	require.NoError(t, err)
	hb := ev.(exchange.Heartbeat)
	assert.Equal(t, int64(20), hb.LastTradeID)

	ev, err = Decode([]byte(`{"type":"subscriptions","channels":[{"name":"level2","product_ids":["BTC-USD"]},{"name":"heartbeat","product_ids":["BTC-USD"]}]}`))
	require.NoError(t, err)
	ack := ev.(exchange.SubscriptionAck)
	require.Len(t, ack.Channels, 2)
	assert.Equal(t, "level2", ack.Channels[0].Name)

	ev, err = Decode([]byte(`{"type":"error","message":"Failed to subscribe","reason":"bad product"}`))
	require.NoError(t, err)
	assert.Equal(t, "bad product", ev.(exchange.ErrorMsg).Reason)

	ev, err = Decode([]byte(`{"type":"status","products":[]}`))
	require.NoError(t, err)
	assert.Equal(t, exchange.Type("status"), ev.Type())
	assert.IsType(t, exchange.Unrecognized{}, ev)
}
