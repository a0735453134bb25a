package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vantutran2k1/env-logger/pkg/auth"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var RecordsReceivedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "envlogger_records_received_total",
		Help: "Total number of records decoded by a receiver",
	},
	[]string{"transport"},
)

var DecodeErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "envlogger_decode_errors_total",
		Help: "Total number of payloads dropped because they could not be decoded",
	},
	[]string{"transport"},
)

var TransportErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "envlogger_transport_errors_total",
		Help: "Total number of accept, read and timeout failures",
	},
	[]string{"transport", "kind"},
)

var RejectedUnitsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "envlogger_rejected_units_total",
		Help: "Connections or datagrams refused because the in-flight limit was reached",
	},
	[]string{"transport"},
)

var InflightUnits = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "envlogger_inflight_units",
		Help: "Connections or datagrams currently being decoded and forwarded",
	},
	[]string{"transport"},
)

var RelayForwardedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "envlogger_relay_forwarded_total",
		Help: "Total number of records handed to the persistence stage",
	},
)

var RelayDroppedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "envlogger_relay_dropped_total",
		Help: "Total number of records dropped because the persistence stage was gone",
	},
)

var RecordsPersistedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "envlogger_records_persisted_total",
		Help: "Total number of records written to storage",
	},
)

var InsertErrorsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "envlogger_insert_errors_total",
		Help: "Total number of records lost to insert failures",
	},
)

var InsertDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "envlogger_insert_duration_seconds",
		Help:    "Histogram of single record insert latencies",
		Buckets: prometheus.DefBuckets,
	},
)

// NewServer builds the ops HTTP server exposing /metrics, /healthz and the
// pprof handlers under /debug. /healthz is never guarded by keys.
func NewServer(addr string, keys *auth.Keyring) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.With(keys.Guard(auth.ScopeMetrics)).Handle("/metrics", promhttp.Handler())
	r.Route("/debug", func(r chi.Router) {
		r.Use(keys.Guard(auth.ScopeDebug))
		r.Mount("/", middleware.Profiler())
	})

	return &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(r, "env-logger-ops"),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
