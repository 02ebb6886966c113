package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"streamstate/internal/config"
	"streamstate/internal/engine"
	"streamstate/internal/exchange"
	"streamstate/internal/infra/log"
	"streamstate/internal/metrics"
	"streamstate/internal/types"
	"streamstate/internal/websocket"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to a YAML configuration file")
		products    = flag.String("products", "", "Comma separated products to mirror, e.g. BTC-USD,ETH-USD")
		sandbox     = flag.Bool("sandbox", false, "Use the sandbox feed")
		tick        = flag.Float64("tick", 0, "Tick level for aggregated book output")
		logInterval = flag.Duration("log-interval", 0, "Interval for printing book stats (0 uses the config)")
		top         = flag.Int("top", 0, "Levels per side served by the book views (0 uses the config)")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath, *products, *sandbox, *tick, *logInterval, *top)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	os.Exit(run(cfg))
}

func run(cfg config.Config) int {
	logger := log.NewLogger(cfg.Logging)
	registry := metrics.Init(logger)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build engine")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Strs("products", cfg.Feed.Products).
		Strs("channels", cfg.Feed.Channels).
		Str("feed", cfg.FeedURL()).
		Str("addr", cfg.Server.Addr).
		Dur("log_interval", cfg.Display.UpdateInterval).
		Msg("starting coinbase stream mirror")

	server := websocket.NewServer(eng, websocket.Config{
		Addr:         cfg.Server.Addr,
		PushInterval: cfg.Server.PushInterval,
		Top:          cfg.Display.Top,
		Tick:         cfg.Display.TickLevel,
	}, registry, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return eng.Run(gctx)
	})
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		printStatsLoop(gctx, eng, cfg.Display.UpdateInterval)
		return nil
	})

	err = g.Wait()
	switch {
	case err == nil:
		logger.Info().Msg("all streams closed, goodbye")
		return 0
	case errors.Is(err, exchange.ErrReconnectExhausted):
		logger.Error().Err(err).Msg("feed unavailable")
	default:
		logger.Error().Err(err).Msg("stopped with error")
	}
	return 1
}

// loadConfig reads the file and environment, then applies flag overrides
func loadConfig(path, products string, sandbox bool, tick float64, logInterval time.Duration, top int) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if products != "" {
		cfg.Feed.Products = strings.Split(products, ",")
	}
	if sandbox {
		cfg.SetSandbox(true)
	}
	if tick > 0 {
		cfg.SetTickLevel(types.TickLevel(tick))
	}
	if logInterval > 0 {
		cfg.SetUpdateInterval(logInterval)
	}
	if top > 0 {
		cfg.SetDisplayTop(top)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("apply flags: %w", err)
	}
	return cfg, nil
}
