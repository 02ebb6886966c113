package websocket

// MessageType represents the type of message sent to clients
type MessageType string

const (
	MessageTypeOrderbook MessageType = "orderbook"
	MessageTypeStats     MessageType = "stats"
	MessageTypeTicker    MessageType = "ticker"
)

// ClientMessage represents messages received from clients
type ClientMessage struct {
	Type    string  `json:"type"`
	Tick    float64 `json:"tick,omitempty"`
	Product string  `json:"product,omitempty"`
}

// OrderbookMessage represents orderbook data sent to clients
type OrderbookMessage struct {
	Type      MessageType  `json:"type"`
	Product   string       `json:"product"`
	Tick      float64      `json:"tick,omitempty"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Snapshot  bool         `json:"snapshot"`
	Timestamp int64        `json:"timestamp"`
}

// StatsMessage represents statistics data sent to clients
type StatsMessage struct {
	Type                MessageType `json:"type"`
	Product             string      `json:"product"`
	BestBid             string      `json:"bestBid"`
	BestAsk             string      `json:"bestAsk"`
	MidPrice            string      `json:"midPrice"`
	Spread              string      `json:"spread"`
	BidLiquidity05Pct   string      `json:"bidLiquidity05Pct"`
	AskLiquidity05Pct   string      `json:"askLiquidity05Pct"`
	DeltaLiquidity05Pct string      `json:"deltaLiquidity05Pct"`
	BidLiquidity2Pct    string      `json:"bidLiquidity2Pct"`
	AskLiquidity2Pct    string      `json:"askLiquidity2Pct"`
	DeltaLiquidity2Pct  string      `json:"deltaLiquidity2Pct"`
	BidLiquidity10Pct   string      `json:"bidLiquidity10Pct"`
	AskLiquidity10Pct   string      `json:"askLiquidity10Pct"`
	DeltaLiquidity10Pct string      `json:"deltaLiquidity10Pct"`
	TotalBidsQty        string      `json:"totalBidsQty"`
	TotalAsksQty        string      `json:"totalAsksQty"`
	TotalDelta          string      `json:"totalDelta"`
	BufferedEvents      int         `json:"bufferedEvents"`
	EventsProcessed     int64       `json:"eventsProcessed"`
	Timestamp           int64       `json:"timestamp"`
}

// TickerMessage is the latest ticker of a product
type TickerMessage struct {
	Type      MessageType `json:"type"`
	Product   string      `json:"product"`
	Sequence  int64       `json:"sequence"`
	TradeID   int64       `json:"tradeId"`
	Side      string      `json:"side,omitempty"`
	Time      string      `json:"time,omitempty"`
	Price     string      `json:"price"`
	LastSize  string      `json:"lastSize"`
	BestBid   string      `json:"bestBid"`
	BestAsk   string      `json:"bestAsk"`
	Open24h   string      `json:"open24h"`
	High24h   string      `json:"high24h"`
	Low24h    string      `json:"low24h"`
	Volume24h string      `json:"volume24h"`
	Volume30d string      `json:"volume30d"`
}

// OrderMessage is one ledger entry
type OrderMessage struct {
	OrderID      string            `json:"orderId"`
	Sequence     uint64            `json:"sequence"`
	ProductID    string            `json:"productId"`
	OrderType    string            `json:"orderType"`
	StopType     string            `json:"stopType,omitempty"`
	Side         string            `json:"side"`
	Status       string            `json:"status"`
	Price        string            `json:"price"`
	StopPrice    string            `json:"stopPrice"`
	Size         string            `json:"size"`
	Funds        string            `json:"funds"`
	FilledSize   string            `json:"filledSize"`
	OnHold       string            `json:"onHold"`
	HoldCurrency string            `json:"holdCurrency"`
	FeesRate     string            `json:"feesRate"`
	Balances     map[string]string `json:"balances"`
	CreateTime   string            `json:"createTime"`
	UpdateTime   string            `json:"updateTime"`
}

// HealthMessage is the feed connection health
type HealthMessage struct {
	Connected     bool   `json:"connected"`
	LastMessage   string `json:"lastMessage,omitempty"`
	MessageCount  int64  `json:"messageCount"`
	ErrorCount    int64  `json:"errorCount"`
	Reconnects    int64  `json:"reconnects"`
	ReconnectTime string `json:"reconnectTime,omitempty"`
}

// PriceLevel represents a price level with cumulative quantity
type PriceLevel struct {
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	Cumulative string `json:"cumulative"`
}
