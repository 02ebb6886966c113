package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	EventsDecodedTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_events_decoded_total", Help: "Decoded feed events by type"}, []string{"type"})
	EventsMalformedTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "feed_events_malformed_total", Help: "Payloads that failed to decode"})
	EventsDroppedTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_events_dropped_total", Help: "Events dropped before routing by reason"}, []string{"reason"})
	EventsAppliedTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "lane_events_applied_total", Help: "Events applied by lane kind"}, []string{"lane"})
	EventsSkippedTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "lane_events_skipped_total", Help: "Events skipped by lane kind and reason"}, []string{"lane", "reason"})
	LaneQueueDepth       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "lane_queue_depth", Help: "Pending events per lane"}, []string{"key"})
	DrainDurationMs      = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "drain_duration_ms", Help: "Duration of one drain pass", Buckets: prometheus.ExponentialBuckets(0.05, 2, 16)})

	FeedErrorsTotal        = prometheus.NewCounter(prometheus.CounterOpts{Name: "feed_error_messages_total", Help: "Error messages sent by the feed"})
	WSReconnectsTotal      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ws_reconnects_total", Help: "WS reconnects by reason"}, []string{"reason"})
	WSConnected            = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ws_connected", Help: "1 while the feed connection is subscribed"})
	HeartbeatTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "heartbeat_timeouts_total", Help: "Heartbeat watchdog expirations"})

	BookRebuildsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "book_rebuilds_total", Help: "Orderbook snapshot rebuilds by product"}, []string{"product"})
	BookBacklog       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "book_backlog", Help: "Buffered deltas awaiting a snapshot by product"}, []string{"product"})
	BookSpread        = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "book_spread", Help: "Best ask minus best bid by product"}, []string{"product"})
	LedgerOrders      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ledger_orders", Help: "Orders tracked by the ledger"})
)

// Init registers every collector on a fresh registry
func Init(logger zerolog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		EventsDecodedTotal, EventsMalformedTotal, EventsDroppedTotal,
		EventsAppliedTotal, EventsSkippedTotal, LaneQueueDepth, DrainDurationMs,
		FeedErrorsTotal, WSReconnectsTotal, WSConnected, HeartbeatTimeoutsTotal,
		BookRebuildsTotal, BookBacklog, BookSpread, LedgerOrders,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		_ = reg.Register(c)
	}
	logger.Info().Msg("Prometheus metrics initialized")
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
