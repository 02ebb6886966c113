package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"streamstate/internal/config"
	"streamstate/internal/dispatch"
	"streamstate/internal/exchange"
	"streamstate/internal/exchange/coinbase"
	"streamstate/internal/ledger"
	"streamstate/internal/orderbook"
	"streamstate/internal/types"
)

// Engine wires the feed session, the dispatcher and the per-product and
// per-session state, and exposes read-only queries over that state.
type Engine struct {
	logger     zerolog.Logger
	products   []string
	lanes      map[string]*productLane
	ledger     *ledger.Ledger
	sessionKey string

	dispatcher *dispatch.Dispatcher
	watchdog   *dispatch.Watchdog
	session    *coinbase.Session
	signer     *coinbase.HMACSigner
}

// New builds an engine from a validated configuration
func New(cfg config.Config, logger zerolog.Logger) (*Engine, error) {
	fees, err := cfg.FeeSchedule()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		logger:     logger.With().Str("component", "engine").Logger(),
		products:   slices.Clone(cfg.Feed.Products),
		lanes:      make(map[string]*productLane, len(cfg.Feed.Products)),
		sessionKey: "session:" + uuid.NewString(),
		ledger: ledger.New(
			ledger.WithFees(fees),
			ledger.WithIdentity(ledger.Identity{UserID: cfg.Account.UserID, ProfileID: cfg.Account.ProfileID}),
		),
	}

	workers := min(len(e.products)+1, cfg.Dispatch.MaxWorkers)
	e.watchdog = dispatch.NewWatchdog(cfg.Feed.HeartbeatTimeout)
	e.dispatcher = dispatch.New(logger,
		dispatch.WithWorkers(workers),
		dispatch.WithBatchSize(cfg.Dispatch.BatchSize),
		dispatch.WithWatchdog(e.watchdog),
		dispatch.WithAcceptedTypes(cfg.AcceptedTypes()...),
	)
	for _, product := range e.products {
		lane := newProductLane(product, cfg.Book.Depth, logger)
		e.lanes[product] = lane
		e.dispatcher.RegisterProduct(product, lane)
	}
	e.dispatcher.RegisterSession(e.sessionKey, &ledgerLane{ledger: e.ledger})

	var creds *coinbase.Credentials
	if cfg.HasCredentials() {
		e.signer, err = coinbase.NewHMACSigner(cfg.Account.APISecret)
		if err != nil {
			return nil, err
		}
		creds = &coinbase.Credentials{
			Key:        cfg.Account.APIKey,
			Passphrase: cfg.Account.Passphrase,
			Signer:     e.signer,
		}
	}

	e.session = coinbase.NewSession(coinbase.Config{
		URL:              cfg.FeedURL(),
		Products:         e.products,
		Channels:         cfg.Feed.Channels,
		Credentials:      creds,
		MaxReconnects:    cfg.Feed.MaxReconnects,
		MaxErrorMessages: cfg.Feed.MaxErrorMessages,
		HandshakeTimeout: cfg.Feed.HandshakeTimeout,
		InitialBackoff:   cfg.Feed.InitialBackoff,
		MaxBackoff:       cfg.Feed.MaxBackoff,
	}, e.dispatcher, e.watchdog, logger)

	e.logger.Info().
		Strs("products", e.products).
		Int("workers", workers).
		Str("session", e.sessionKey).
		Bool("authenticated", creds != nil).
		Msg("engine initialized")
	return e, nil
}

// Run streams until ctx is done, Close is called, or reconnects are
// exhausted. Only exhaustion is returned as an error.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer e.signer.Wipe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.dispatcher.Run(ctx) })
	g.Go(func() error { return e.watchdog.Run(ctx) })
	g.Go(func() error {
		defer cancel()
		if err := e.session.Run(ctx); err != nil {
			return fmt.Errorf("coinbase session: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close stops the session; Run returns once everything has stopped
func (e *Engine) Close() error {
	return e.session.Close()
}

// Products returns the subscribed products
func (e *Engine) Products() []string {
	return slices.Clone(e.products)
}

// Book returns the latest book of product
func (e *Engine) Book(product string) (*orderbook.Book, bool) {
	lane, ok := e.lanes[product]
	if !ok {
		return nil, false
	}
	return lane.mirror.Book(), true
}

// Stats returns book statistics for product
func (e *Engine) Stats(product string) (types.Stats, bool) {
	book, ok := e.Book(product)
	if !ok {
		return types.Stats{}, false
	}
	return book.Stats(), true
}

// Ticker returns the latest ticker of product
func (e *Engine) Ticker(product string) (exchange.Ticker, bool) {
	lane, ok := e.lanes[product]
	if !ok {
		return exchange.Ticker{}, false
	}
	return lane.latestTicker()
}

// Orders returns ledger entries by id ordered by creation; ledger.All or
// no ids selects every order.
func (e *Engine) Orders(ids ...string) []ledger.Entry {
	return e.ledger.OrdersByIDs(ids...)
}

// Order returns one ledger entry
func (e *Engine) Order(id string) (ledger.Entry, bool) {
	return e.ledger.Order(id)
}

// Health returns the feed connection health
func (e *Engine) Health() exchange.HealthStatus {
	return e.session.Health()
}

// SessionKey identifies the ledger lane of this engine's session
func (e *Engine) SessionKey() string {
	return e.sessionKey
}
