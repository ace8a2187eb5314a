// Package metrics exposes the engine's prometheus collectors. Everything is
// registered on the default registry and served from the debug listener.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BookSpread = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "goquant",
		Name:      "book_spread",
		Help:      "Best ask minus best bid per symbol.",
	}, []string{"symbol"})

	BookBestBid = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "goquant",
		Name:      "book_best_bid",
		Help:      "Best bid price per symbol.",
	}, []string{"symbol"})

	BookBestAsk = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "goquant",
		Name:      "book_best_ask",
		Help:      "Best ask price per symbol.",
	}, []string{"symbol"})

	BookLevels = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "goquant",
		Name:      "book_levels",
		Help:      "Number of price levels per symbol and side.",
	}, []string{"symbol", "side"})

	Inventory = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "goquant",
		Name:      "inventory",
		Help:      "Net inventory per symbol.",
	}, []string{"symbol"})

	InventoryUtilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "goquant",
		Name:      "inventory_utilization",
		Help:      "Absolute inventory over max inventory per symbol.",
	}, []string{"symbol"})

	OrdersSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goquant",
		Name:      "orders_submitted_total",
		Help:      "Orders acknowledged by the venue.",
	}, []string{"symbol", "side"})

	OrdersRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goquant",
		Name:      "orders_rejected_total",
		Help:      "Orders rejected locally or by the venue.",
	}, []string{"symbol", "reason"})

	OrdersCancelled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goquant",
		Name:      "orders_cancelled_total",
		Help:      "Orders cancelled on request.",
	}, []string{"symbol"})

	Fills = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goquant",
		Name:      "fills_total",
		Help:      "Confirmed fills per symbol and side.",
	}, []string{"symbol", "side"})

	FillVolume = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goquant",
		Name:      "fill_volume_total",
		Help:      "Cumulative filled quantity per symbol and side.",
	}, []string{"symbol", "side"})

	EngineEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goquant",
		Name:      "engine_events_total",
		Help:      "Events processed by the engine loop, by type.",
	}, []string{"type"})

	WSReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goquant",
		Name:      "ws_reconnects_total",
		Help:      "WebSocket reconnect attempts per worker.",
	}, []string{"worker"})
)

func init() {
	prometheus.MustRegister(
		BookSpread, BookBestBid, BookBestAsk, BookLevels,
		Inventory, InventoryUtilization,
		OrdersSubmitted, OrdersRejected, OrdersCancelled,
		Fills, FillVolume,
		EngineEvents, WSReconnects,
	)
}
