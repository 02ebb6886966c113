package exchange

import (
	"time"

	"github.com/shopspring/decimal"

	"streamstate/internal/types"
)

// Type is the message type carried in the feed's "type" field
type Type string

const (
	TypeTicker        Type = "ticker"
	TypeSnapshot      Type = "snapshot"
	TypeL2Update      Type = "l2update"
	TypeReceived      Type = "received"
	TypeOpen          Type = "open"
	TypeActivate      Type = "activate"
	TypeMatch         Type = "match"
	TypeDone          Type = "done"
	TypeChange        Type = "change"
	TypeHeartbeat     Type = "heartbeat"
	TypeSubscriptions Type = "subscriptions"
	TypeError         Type = "error"
)

// Event is a decoded feed message. The set of implementations is closed:
// only the types in this file satisfy it.
type Event interface {
	Type() Type
	sealed()
}

// ProductEvent is implemented by events that belong to a single product
type ProductEvent interface {
	Event
	Product() string
}

// OrderEvent is implemented by order-lifecycle events from the user channel
type OrderEvent interface {
	ProductEvent
	Header() OrderHeader
}

// OrderType is the exchange order type
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
	OrderTypeStop   OrderType = "stop"
)

// OrderSide is the side of an order ("buy"/"sell")
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// DoneReason is the reason carried by a done message
type DoneReason string

const (
	ReasonFilled   DoneReason = "filled"
	ReasonCanceled DoneReason = "canceled"
)

// Level is a [price, size] pair as delivered in a snapshot
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Change is a single [side, price, size] entry of an l2update
type Change struct {
	Side  types.Side
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Ticker is the latest trade/quote summary for a product
type Ticker struct {
	ProductID string
	Sequence  int64
	TradeID   int64
	Side      OrderSide
	Time      time.Time
	Price     decimal.Decimal
	LastSize  decimal.Decimal
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Open24h   decimal.Decimal
	High24h   decimal.Decimal
	Low24h    decimal.Decimal
	Volume24h decimal.Decimal
	Volume30d decimal.Decimal
}

// Snapshot is the full level2 book for a product, best levels first
type Snapshot struct {
	ProductID string
	Bids      []Level
	Asks      []Level
}

// L2Update is an incremental level2 change set
type L2Update struct {
	ProductID string
	Time      time.Time
	Changes   []Change
}

// OrderHeader holds the fields shared by every order-lifecycle message
type OrderHeader struct {
	OrderID   string
	ProductID string
	Sequence  int64
	Time      time.Time
	Side      OrderSide
	UserID    string
	ProfileID string
}

// Received is sent when the matching engine accepts an order
type Received struct {
	OrderHeader
	OrderType OrderType
	Price     decimal.Decimal
	Size      decimal.Decimal
	Funds     decimal.Decimal
}

// Open is sent when the remainder of an order rests on the book
type Open struct {
	OrderHeader
	Price         decimal.Decimal
	RemainingSize decimal.Decimal
}

// Activated is sent when a stop order triggers
type Activated struct {
	OrderHeader
	StopType     string
	StopPrice    decimal.Decimal
	LimitPrice   decimal.Decimal
	Size         decimal.Decimal
	Funds        decimal.Decimal
	TakerFeeRate decimal.Decimal
}

// Matched is a trade between a maker and a taker order
type Matched struct {
	ProductID      string
	Sequence       int64
	Time           time.Time
	TradeID        int64
	Side           OrderSide // side of the maker order
	MakerOrderID   string
	TakerOrderID   string
	MakerUserID    string
	TakerUserID    string
	MakerProfileID string
	TakerProfileID string
	Price          decimal.Decimal
	Size           decimal.Decimal
	TakerFeeRate   decimal.Decimal
}

// Done is sent when an order leaves the book
type Done struct {
	OrderHeader
	Reason        DoneReason
	Price         decimal.Decimal
	RemainingSize decimal.Decimal
}

// Changed is sent when an order is resized
type Changed struct {
	OrderHeader
	Price    decimal.Decimal
	NewSize  decimal.Decimal
	OldSize  decimal.Decimal
	NewFunds decimal.Decimal
	OldFunds decimal.Decimal
	HasSize  bool // new_size was present; otherwise new_funds applies
}

// Heartbeat keeps the connection alive
type Heartbeat struct {
	ProductID   string
	Sequence    int64
	LastTradeID int64
	Time        time.Time
}

// Channel is a subscribed channel as echoed by the subscriptions message
type Channel struct {
	Name       string
	ProductIDs []string
}

// SubscriptionAck confirms the active subscription set
type SubscriptionAck struct {
	Channels []Channel
}

// ErrorMsg is an error reported by the feed
type ErrorMsg struct {
	Message string
	Reason  string
}

// Unrecognized wraps a message whose type is not handled
type Unrecognized struct {
	RawType string
}

func (Ticker) Type() Type          { return TypeTicker }
func (Snapshot) Type() Type        { return TypeSnapshot }
func (L2Update) Type() Type        { return TypeL2Update }
func (Received) Type() Type        { return TypeReceived }
func (Open) Type() Type            { return TypeOpen }
func (Activated) Type() Type       { return TypeActivate }
func (Matched) Type() Type         { return TypeMatch }
func (Done) Type() Type            { return TypeDone }
func (Changed) Type() Type         { return TypeChange }
func (Heartbeat) Type() Type       { return TypeHeartbeat }
func (SubscriptionAck) Type() Type { return TypeSubscriptions }
func (ErrorMsg) Type() Type        { return TypeError }
func (u Unrecognized) Type() Type  { return Type(u.RawType) }

func (Ticker) sealed()          {}
func (Snapshot) sealed()        {}
func (L2Update) sealed()        {}
func (Received) sealed()        {}
func (Open) sealed()            {}
func (Activated) sealed()       {}
func (Matched) sealed()         {}
func (Done) sealed()            {}
func (Changed) sealed()         {}
func (Heartbeat) sealed()       {}
func (SubscriptionAck) sealed() {}
func (ErrorMsg) sealed()        {}
func (Unrecognized) sealed()    {}

func (t Ticker) Product() string   { return t.ProductID }
func (s Snapshot) Product() string { return s.ProductID }
func (u L2Update) Product() string { return u.ProductID }
func (m Matched) Product() string  { return m.ProductID }

// Product returns the product of an order-lifecycle message
func (h OrderHeader) Product() string { return h.ProductID }

// Header returns the shared order fields
func (h OrderHeader) Header() OrderHeader { return h }

// Header returns a synthetic header for a match; OrderID is left empty
// because the affected order depends on which side the account is on.
func (m Matched) Header() OrderHeader {
	return OrderHeader{
		ProductID: m.ProductID,
		Sequence:  m.Sequence,
		Time:      m.Time,
		Side:      m.Side,
	}
}

// IsOrderType reports whether t belongs to the user channel
func IsOrderType(t Type) bool {
	switch t {
	case TypeReceived, TypeOpen, TypeActivate, TypeMatch, TypeDone, TypeChange:
		return true
	default:
		return false
	}
}

// HealthStatus represents connection health information
type HealthStatus struct {
	Connected     bool
	LastMessage   time.Time
	MessageCount  int64
	ErrorCount    int64
	Reconnects    int64
	ReconnectTime *time.Time
}

// Signer produces the signature for an authenticated subscription.
// The timestamp must be fresh for every call; signatures are single use.
type Signer interface {
	Sign(timestamp, method, path string) (string, error)
}
