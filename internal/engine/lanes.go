package engine

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"streamstate/internal/exchange"
	"streamstate/internal/ledger"
	"streamstate/internal/metrics"
	"streamstate/internal/orderbook"
)

var errUnexpectedEvent = errors.New("unexpected event for lane")

// productLane owns the market data state of one product: its book mirror
// and the latest ticker.
type productLane struct {
	mirror *orderbook.Mirror
	ticker atomic.Pointer[exchange.Ticker]
	logger zerolog.Logger
}

func newProductLane(product string, depth int, logger zerolog.Logger) *productLane {
	return &productLane{
		mirror: orderbook.New(product, orderbook.WithDepth(depth)),
		logger: logger.With().Str("product", product).Logger(),
	}
}

func (p *productLane) Apply(ev exchange.Event) error {
	product := p.mirror.ProductID()
	switch ev := ev.(type) {
	case exchange.Snapshot:
		if err := p.mirror.ApplySnapshot(ev); err != nil {
			return fmt.Errorf("%s: %w", product, err)
		}
		metrics.BookRebuildsTotal.WithLabelValues(product).Inc()
		p.logger.Info().Int("bids", len(ev.Bids)).Int("asks", len(ev.Asks)).Msg("snapshot applied")
	case exchange.L2Update:
		p.mirror.ApplyUpdate(ev)
	case exchange.Ticker:
		p.ticker.Store(&ev)
		return nil
	default:
		return fmt.Errorf("%s on %s: %w", ev.Type(), product, errUnexpectedEvent)
	}

	metrics.BookBacklog.WithLabelValues(product).Set(float64(p.mirror.BacklogLen()))
	book := p.mirror.Book()
	bid, okBid := book.BestBid()
	ask, okAsk := book.BestAsk()
	if okBid && okAsk {
		spread, _ := ask.Price.Sub(bid.Price).Float64()
		metrics.BookSpread.WithLabelValues(product).Set(spread)
	}
	return nil
}

// Reset drops the book's snapshot state; the ticker is kept
func (p *productLane) Reset() {
	p.mirror.Reset()
	metrics.BookBacklog.WithLabelValues(p.mirror.ProductID()).Set(0)
}

func (p *productLane) latestTicker() (exchange.Ticker, bool) {
	t := p.ticker.Load()
	if t == nil {
		return exchange.Ticker{}, false
	}
	return *t, true
}

// ledgerLane owns the session's order ledger
type ledgerLane struct {
	ledger *ledger.Ledger
}

func (l *ledgerLane) Apply(ev exchange.Event) error {
	if err := l.ledger.Apply(ev); err != nil {
		return err
	}
	metrics.LedgerOrders.Set(float64(l.ledger.Len()))
	return nil
}

// Reset is a no-op: order history survives reconnects
func (l *ledgerLane) Reset() {}
