package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "market_events_total", Help: "Market data events admitted into buffers"},
		[]string{"symbol", "kind"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders placed"},
		[]string{"symbol", "side"},
	)
	CancelsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cancels_total", Help: "Orders cancelled"},
		[]string{"symbol", "side"},
	)
	PlacementErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "placement_errors_total", Help: "Rejected or failed placements"},
		[]string{"symbol", "reason"},
	)
	RegimeState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "regime_state", Help: "Classified regime per timeframe (0 unknown, 1 sideways, 2 uptrend, 3 downtrend)"},
		[]string{"symbol", "timeframe"},
	)
	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_tick_seconds",
			Help:    "Wall time of one coordinator tick",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(TicksTotal, OrdersTotal, CancelsTotal, PlacementErrors, RegimeState, TickDuration)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
