package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"streamstate/internal/aggregation"
	"streamstate/internal/exchange"
	"streamstate/internal/ledger"
	"streamstate/internal/metrics"
	"streamstate/internal/orderbook"
	"streamstate/internal/types"
)

// StateReader is the read-only state the server exposes
type StateReader interface {
	Products() []string
	Book(product string) (*orderbook.Book, bool)
	Ticker(product string) (exchange.Ticker, bool)
	Orders(ids ...string) []ledger.Entry
	Health() exchange.HealthStatus
}

type client struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	product string
}

func (c *client) currentProduct() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.product
}

func (c *client) setProduct(product string) {
	c.mu.Lock()
	c.product = product
	c.mu.Unlock()
}

// Config holds the server configuration
type Config struct {
	Addr         string
	PushInterval time.Duration
	Top          int
	Tick         types.TickLevel
}

type Server struct {
	state      StateReader
	cfg        Config
	registry   *prometheus.Registry
	logger     zerolog.Logger
	upgrader   websocket.Upgrader
	aggregator *aggregation.Aggregator
	router     *mux.Router
	clients    map[*client]struct{}
	clientsMux sync.RWMutex
}

func NewServer(state StateReader, cfg Config, registry *prometheus.Registry, logger zerolog.Logger) *Server {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = time.Second
	}
	if cfg.Top <= 0 {
		cfg.Top = 10
	}
	if !types.ValidTickLevel(cfg.Tick) {
		cfg.Tick = types.Tick1
	}
	s := &Server{
		state:      state,
		cfg:        cfg,
		registry:   registry,
		logger:     logger.With().Str("component", "server").Logger(),
		aggregator: aggregation.New(cfg.Tick),
		clients:    make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/books/{product}", s.handleBook).Methods(http.MethodGet)
	r.HandleFunc("/tickers/{product}", s.handleTicker).Methods(http.MethodGet)
	r.HandleFunc("/orders", s.handleOrders).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)
	if s.registry != nil {
		r.Handle("/metrics", metrics.Handler(s.registry)).Methods(http.MethodGet)
	}
	return r
}

// Handler returns the HTTP handler with every route
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.startDataPush(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("query server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeClients()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	product := strings.ToUpper(mux.Vars(r)["product"])
	book, ok := s.state.Book(product)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown product "+product)
		return
	}
	depth := queryInt(r, "depth", s.cfg.Top)

	var msg OrderbookMessage
	if v := r.URL.Query().Get("tick"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || !types.ValidTickLevel(types.TickLevel(f)) {
			writeError(w, http.StatusBadRequest, "unsupported tick "+v)
			return
		}
		msg = buildOrderbookMessage(product, book, aggregation.New(types.TickLevel(f)), depth, time.Now().UnixMilli())
	} else {
		msg = buildRawOrderbookMessage(product, book, depth, time.Now().UnixMilli())
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	product := strings.ToUpper(mux.Vars(r)["product"])
	ticker, ok := s.state.Ticker(product)
	if !ok {
		writeError(w, http.StatusNotFound, "no ticker for "+product)
		return
	}
	writeJSON(w, http.StatusOK, buildTickerMessage(ticker))
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if v := r.URL.Query().Get("ids"); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	entries := s.state.Orders(ids...)
	out := make([]OrderMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, buildOrderMessage(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.state.Health()
	status := http.StatusOK
	if !health.Connected {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, buildHealthMessage(health))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade error")
		return
	}

	c := &client{conn: conn}
	if products := s.state.Products(); len(products) > 0 {
		c.product = products[0]
	}
	if p := strings.ToUpper(r.URL.Query().Get("product")); p != "" {
		c.product = p
	}

	s.clientsMux.Lock()
	s.clients[c] = struct{}{}
	s.clientsMux.Unlock()

	s.logger.Info().Str("remote", r.RemoteAddr).Str("product", c.product).Msg("websocket client connected")

	defer func() {
		s.removeClient(c)
		s.logger.Info().Str("remote", r.RemoteAddr).Msg("websocket client disconnected")
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			s.logger.Debug().Err(err).Msg("error parsing client message")
			continue
		}

		s.handleClientMessage(c, clientMsg)
	}
}

func (s *Server) handleClientMessage(c *client, msg ClientMessage) {
	switch msg.Type {
	case "set_tick":
		s.setTickLevel(msg.Tick)
	case "change_product":
		product := strings.ToUpper(msg.Product)
		if _, ok := s.state.Book(product); !ok {
			s.logger.Debug().Str("product", msg.Product).Msg("unknown product requested")
			return
		}
		c.setProduct(product)
	default:
		s.logger.Debug().Str("type", msg.Type).Msg("unknown client message type")
	}
}

func (s *Server) setTickLevel(tick float64) {
	tickLevel := types.TickLevel(tick)
	if !types.ValidTickLevel(tickLevel) {
		s.logger.Debug().Float64("tick", tick).Msg("invalid tick level")
		return
	}
	s.aggregator.SetTickLevel(tickLevel)
	s.logger.Info().Float64("tick", tick).Msg("tick level changed")
}

func (s *Server) removeClient(c *client) {
	s.clientsMux.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.clientsMux.Unlock()
	if ok {
		_ = c.conn.Close()
	}
}

func (s *Server) closeClients() {
	s.clientsMux.Lock()
	clients := s.clients
	s.clients = make(map[*client]struct{})
	s.clientsMux.Unlock()
	for c := range clients {
		_ = c.conn.Close()
	}
}

func (s *Server) snapshotClients() []*client {
	s.clientsMux.RLock()
	defer s.clientsMux.RUnlock()
	out := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

// startDataPush sends each client its product's book and stats every
// push interval. Messages are built once per product per tick.
func (s *Server) startDataPush(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.push()
	}
}

func (s *Server) push() {
	clients := s.snapshotClients()
	if len(clients) == 0 {
		return
	}

	timestamp := time.Now().UnixMilli()
	built := make(map[string][]any)
	for _, c := range clients {
		product := c.currentProduct()
		msgs, ok := built[product]
		if !ok {
			book, found := s.state.Book(product)
			if found && book.SnapshotReceived {
				msgs = []any{
					buildOrderbookMessage(product, book, s.aggregator, s.cfg.Top, timestamp),
					buildStatsMessage(product, book.Stats(), timestamp),
				}
			}
			built[product] = msgs
		}
		for _, msg := range msgs {
			if err := c.conn.WriteJSON(msg); err != nil {
				s.logger.Debug().Err(err).Msg("error writing to client")
				s.removeClient(c)
				break
			}
		}
	}
}

func cumulative(levels []types.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels))
	total := decimal.Zero
	for _, level := range levels {
		total = total.Add(level.Size)
		out = append(out, PriceLevel{
			Price:      level.Price.String(),
			Quantity:   level.Size.String(),
			Cumulative: total.String(),
		})
	}
	return out
}

func buildOrderbookMessage(product string, book *orderbook.Book, agg types.PriceAggregator, top int, timestamp int64) OrderbookMessage {
	return OrderbookMessage{
		Type:      MessageTypeOrderbook,
		Product:   product,
		Tick:      float64(agg.GetTickLevel()),
		Bids:      cumulative(agg.AggregateBids(book.Bids(true), top)),
		Asks:      cumulative(agg.AggregateAsks(book.Asks(true), top)),
		Snapshot:  book.SnapshotReceived,
		Timestamp: timestamp,
	}
}

func buildRawOrderbookMessage(product string, book *orderbook.Book, top int, timestamp int64) OrderbookMessage {
	return OrderbookMessage{
		Type:      MessageTypeOrderbook,
		Product:   product,
		Bids:      cumulative(book.Levels(types.Bid, top, true)),
		Asks:      cumulative(book.Levels(types.Ask, top, true)),
		Snapshot:  book.SnapshotReceived,
		Timestamp: timestamp,
	}
}

func buildStatsMessage(product string, stats types.Stats, timestamp int64) StatsMessage {
	return StatsMessage{
		Type:                MessageTypeStats,
		Product:             product,
		BestBid:             stats.BestBid.String(),
		BestAsk:             stats.BestAsk.String(),
		MidPrice:            stats.MidPrice().String(),
		Spread:              stats.Spread.String(),
		BidLiquidity05Pct:   stats.BidLiquidity05Pct.String(),
		AskLiquidity05Pct:   stats.AskLiquidity05Pct.String(),
		DeltaLiquidity05Pct: stats.DeltaLiquidity05Pct.String(),
		BidLiquidity2Pct:    stats.BidLiquidity2Pct.String(),
		AskLiquidity2Pct:    stats.AskLiquidity2Pct.String(),
		DeltaLiquidity2Pct:  stats.DeltaLiquidity2Pct.String(),
		BidLiquidity10Pct:   stats.BidLiquidity10Pct.String(),
		AskLiquidity10Pct:   stats.AskLiquidity10Pct.String(),
		DeltaLiquidity10Pct: stats.DeltaLiquidity10Pct.String(),
		TotalBidsQty:        stats.TotalBidsQty.String(),
		TotalAsksQty:        stats.TotalAsksQty.String(),
		TotalDelta:          stats.TotalDelta.String(),
		BufferedEvents:      stats.BufferedEvents,
		EventsProcessed:     stats.EventsProcessed,
		Timestamp:           timestamp,
	}
}

func buildTickerMessage(t exchange.Ticker) TickerMessage {
	msg := TickerMessage{
		Type:      MessageTypeTicker,
		Product:   t.ProductID,
		Sequence:  t.Sequence,
		TradeID:   t.TradeID,
		Side:      string(t.Side),
		Price:     t.Price.String(),
		LastSize:  t.LastSize.String(),
		BestBid:   t.BestBid.String(),
		BestAsk:   t.BestAsk.String(),
		Open24h:   t.Open24h.String(),
		High24h:   t.High24h.String(),
		Low24h:    t.Low24h.String(),
		Volume24h: t.Volume24h.String(),
		Volume30d: t.Volume30d.String(),
	}
	if !t.Time.IsZero() {
		msg.Time = t.Time.UTC().Format(time.RFC3339Nano)
	}
	return msg
}

func buildOrderMessage(e ledger.Entry) OrderMessage {
	balances := make(map[string]string, len(e.Balances))
	for currency, amount := range e.Balances {
		balances[currency] = amount.String()
	}
	return OrderMessage{
		OrderID:      e.OrderID,
		Sequence:     e.Sequence,
		ProductID:    e.ProductID,
		OrderType:    string(e.OrderType),
		StopType:     e.StopType,
		Side:         string(e.Side),
		Status:       string(e.Status),
		Price:        e.Price.String(),
		StopPrice:    e.StopPrice.String(),
		Size:         e.Size.String(),
		Funds:        e.Funds.String(),
		FilledSize:   e.FilledSize.String(),
		OnHold:       e.OnHold.String(),
		HoldCurrency: e.HoldCurrency,
		FeesRate:     e.FeesRate.String(),
		Balances:     balances,
		CreateTime:   e.CreateTime.UTC().Format(time.RFC3339Nano),
		UpdateTime:   e.UpdateTime.UTC().Format(time.RFC3339Nano),
	}
}

func buildHealthMessage(h exchange.HealthStatus) HealthMessage {
	msg := HealthMessage{
		Connected:    h.Connected,
		MessageCount: h.MessageCount,
		ErrorCount:   h.ErrorCount,
		Reconnects:   h.Reconnects,
	}
	if !h.LastMessage.IsZero() {
		msg.LastMessage = h.LastMessage.UTC().Format(time.RFC3339Nano)
	}
	if h.ReconnectTime != nil {
		msg.ReconnectTime = h.ReconnectTime.UTC().Format(time.RFC3339Nano)
	}
	return msg
}
