package coinbase

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	ProductionURL = "wss://ws-feed.pro.coinbase.com"
	SandboxURL    = "wss://ws-feed-public.sandbox.pro.coinbase.com"

	// verifyPath is the request path signed for websocket authentication
	verifyPath = "/users/self/verify"
)

// SubscribeRequest represents a subscription request to the Coinbase feed
type SubscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`

	Signature  string `json:"signature,omitempty"`
	Key        string `json:"key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// field holds a JSON scalar as text; the feed sends most numerics quoted
// but sequence and trade ids bare.
type field string

func (f *field) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = field(s)
		return nil
	}
	*f = field(b)
	return nil
}

func (f field) present() bool { return f != "" }

// decimal parses leniently: an unparsable value becomes zero
func (f field) decimal() decimal.Decimal {
	s := strings.TrimSpace(string(f))
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (f field) strictDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(string(f)))
}

func (f field) int64() (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(string(f)), 10, 64)
}

type wireChannel struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

// wireMessage is the union of every field the core reads from the feed
type wireMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Sequence  field  `json:"sequence"`
	Time      field  `json:"time"`
	Side      string `json:"side"`

	// level2
	Bids    [][]field `json:"bids"`
	Asks    [][]field `json:"asks"`
	Changes [][]field `json:"changes"`

	// ticker
	Price     field `json:"price"`
	LastSize  field `json:"last_size"`
	BestBid   field `json:"best_bid"`
	BestAsk   field `json:"best_ask"`
	Open24h   field `json:"open_24h"`
	High24h   field `json:"high_24h"`
	Low24h    field `json:"low_24h"`
	Volume24h field `json:"volume_24h"`
	Volume30d field `json:"volume_30d"`
	TradeID   field `json:"trade_id"`

	// user channel
	OrderID        string `json:"order_id"`
	OrderType      string `json:"order_type"`
	UserID         string `json:"user_id"`
	ProfileID      string `json:"profile_id"`
	Size           field  `json:"size"`
	Funds          field  `json:"funds"`
	RemainingSize  field  `json:"remaining_size"`
	Reason         string `json:"reason"`
	NewSize        field  `json:"new_size"`
	OldSize        field  `json:"old_size"`
	NewFunds       field  `json:"new_funds"`
	OldFunds       field  `json:"old_funds"`
	StopType       string `json:"stop_type"`
	StopPrice      field  `json:"stop_price"`
	LimitPrice     field  `json:"limit_price"`
	TakerFeeRate   field  `json:"taker_fee_rate"`
	MakerOrderID   string `json:"maker_order_id"`
	TakerOrderID   string `json:"taker_order_id"`
	MakerUserID    string `json:"maker_user_id"`
	TakerUserID    string `json:"taker_user_id"`
	MakerProfileID string `json:"maker_profile_id"`
	TakerProfileID string `json:"taker_profile_id"`

	// heartbeat
	LastTradeID field `json:"last_trade_id"`

	// error / subscriptions
	Message  string        `json:"message"`
	Channels []wireChannel `json:"channels"`
}
