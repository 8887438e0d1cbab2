package observability

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SamplesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_samples_total",
		Help: "Position samples emitted by the source, by kind",
	}, []string{"kind"})
	SamplesGated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_samples_gated_total",
		Help: "Live samples dropped by the minimum-distance gate",
	})
	PositionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_position_errors_total",
		Help: "Errors reported by the position provider, by kind",
	}, []string{"kind"})
	RecordsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_records_enqueued_total",
		Help: "Records appended to the telemetry queue",
	})
	RecordsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_records_evicted_total",
		Help: "Oldest records dropped because the queue was at capacity",
	})
	PersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_persist_errors_total",
		Help: "Failed writes of the queue snapshot to the durable store",
	})
	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_queue_length",
		Help: "Records currently queued in this process",
	})
	RecordsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_records_delivered_total",
		Help: "Records confirmed by the sink",
	})
	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_delivery_failures_total",
		Help: "Failed delivery attempts",
	})
	SinkRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_sink_rejections_total",
		Help: "Delivery attempts the sink refused with a non-retryable status, by code",
	}, []string{"code"})
	Drains = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_drains_total",
		Help: "Completed drains, by stop reason",
	}, []string{"reason"})
	DeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetry_delivery_latency_seconds",
		Help:    "Latency of a single sink delivery call",
		Buckets: prometheus.DefBuckets,
	})
	Online = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_online",
		Help: "1 while the network monitor reports online",
	})
	BackgroundSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_background_sync_total",
		Help: "Background sync registrations and runs, by event",
	}, []string{"event"})
)

func ObserveDeliveryLatency(start time.Time) {
	DeliveryLatency.Observe(time.Since(start).Seconds())
}

// NewMux serves /metrics, /healthz and, when status is non-nil, /status as JSON.
func NewMux(status func() any) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if status != nil {
		mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(status())
		})
	}
	return mux
}

// StartMetricsServer serves NewMux on port until ctx is done.
func StartMetricsServer(ctx context.Context, port string, status func() any, lg *slog.Logger) {
	lg = OrDefault(lg)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           NewMux(status),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lg.Error("metrics server failed", "port", port, "err", err)
	}
}
