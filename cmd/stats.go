package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"streamstate/internal/exchange"
	"streamstate/internal/ledger"
	"streamstate/internal/types"
)

var (
	boldStyle    = lipgloss.NewStyle().Bold(true)
	yellowStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	greenStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	redStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	magentaStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
	faintStyle   = lipgloss.NewStyle().Faint(true)
)

// statsSource is what the printer reads from the engine
type statsSource interface {
	Products() []string
	Stats(product string) (types.Stats, bool)
	Orders(ids ...string) []ledger.Entry
	Health() exchange.HealthStatus
}

func printStatsLoop(ctx context.Context, src statsSource, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printCombinedStats(os.Stdout, src)
		}
	}
}

func printCombinedStats(w io.Writer, src statsSource) {
	var b strings.Builder
	b.WriteString("\n")

	for _, product := range src.Products() {
		stats, ok := src.Stats(product)
		if !ok || stats.SnapshotTime.IsZero() {
			fmt.Fprintf(&b, "%s  %s\n", boldStyle.Render(product), faintStyle.Render("waiting for snapshot"))
			continue
		}

		fmt.Fprintf(&b, "%s  Mid: %s │ Spread: %s | BB: %s │ BA: %s\n",
			boldStyle.Render(product),
			yellowStyle.Render(fmt.Sprintf("%10s", stats.MidPrice().StringFixed(2))),
			magentaStyle.Render(fmt.Sprintf("%8s", stats.Spread.StringFixed(4))),
			greenStyle.Render(fmt.Sprintf("%10s", stats.BestBid.StringFixed(2))),
			redStyle.Render(fmt.Sprintf("%10s", stats.BestAsk.StringFixed(2))))

		depthLine(&b, "DEPTH 0.5%", stats.BidLiquidity05Pct, stats.AskLiquidity05Pct, stats.DeltaLiquidity05Pct)
		depthLine(&b, "DEPTH 2%  ", stats.BidLiquidity2Pct, stats.AskLiquidity2Pct, stats.DeltaLiquidity2Pct)
		depthLine(&b, "DEPTH 10% ", stats.BidLiquidity10Pct, stats.AskLiquidity10Pct, stats.DeltaLiquidity10Pct)
		fmt.Fprintf(&b, "  TOTAL QTY  Bids: %s │ Asks: %s │ Buffered: %d\n",
			greenStyle.Render(fmt.Sprintf("%9s", stats.TotalBidsQty.StringFixed(2))),
			redStyle.Render(fmt.Sprintf("%9s", stats.TotalAsksQty.StringFixed(2))),
			stats.BufferedEvents)
	}

	orders := src.Orders()
	open := 0
	for _, e := range orders {
		if !e.Status.Terminal() {
			open++
		}
	}
	health := src.Health()
	conn := redStyle.Render("disconnected")
	if health.Connected {
		conn = greenStyle.Render("connected")
	}
	fmt.Fprintf(&b, "%s  %s │ msgs: %d │ errors: %d │ reconnects: %d │ orders: %d (%d open)\n",
		boldStyle.Render("[coinbase]"), conn, health.MessageCount, health.ErrorCount, health.Reconnects, len(orders), open)

	_, _ = io.WriteString(w, b.String())
}

func depthLine(b *strings.Builder, label string, bids, asks, delta decimal.Decimal) {
	fmt.Fprintf(b, "  %s Bids: %s │ Asks: %s │ Δ: %s\n",
		label,
		greenStyle.Render(fmt.Sprintf("%9s", bids.StringFixed(2))),
		redStyle.Render(fmt.Sprintf("%9s", asks.StringFixed(2))),
		deltaStyle(delta).Render(fmt.Sprintf("%10s", delta.StringFixed(2))))
}

func deltaStyle(delta decimal.Decimal) lipgloss.Style {
	if delta.GreaterThan(decimal.Zero) {
		return greenStyle
	} else if delta.LessThan(decimal.Zero) {
		return redStyle
	}
	return yellowStyle
}
