// Package metrics exposes synchronization counters to Prometheus.
//
// A nil *Metrics is valid and records nothing, so components take it as an
// optional dependency.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scoresync"

// Batch outcomes.
const (
	OutcomeSuccess          = "success"
	OutcomePartial          = "partial"
	OutcomeThrottled        = "throttled"
	OutcomeIndexUnavailable = "index_unavailable"
	OutcomeAbandoned        = "abandoned"
	OutcomeRequestFailed    = "request_failed"
)

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	batches          *prometheus.CounterVec
	documents        *prometheus.CounterVec
	bulkLatency      prometheus.Histogram
	bufferDepth      prometheus.Gauge
	checkpointCursor *prometheus.GaugeVec
	schemaEvents     *prometheus.CounterVec
	readRetries      prometheus.Counter
	queueItems       *prometheus.CounterVec
}

// New creates collectors registered on a private registry, together with
// the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_batches_total",
			Help:      "Bulk requests by outcome. Throttled requests are counted once per attempt.",
		}, []string{"outcome"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_total",
			Help:      "Documents written by operation and result.",
		}, []string{"op", "result"}),
		bulkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bulk_latency_seconds",
			Help:      "Bulk request latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		bufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_buffer_depth",
			Help:      "Batches waiting in the dispatch buffer.",
		}),
		checkpointCursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_cursor",
			Help:      "Last checkpointed cursor per physical index.",
		}, []string{"index"}),
		schemaEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_events_total",
			Help:      "Schema lifecycle events (registered, claimed, switchover, evicted).",
		}, []string{"event"}),
		readRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_retries_total",
			Help:      "Relational reads retried after a data-access failure.",
		}),
		queueItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_items_total",
			Help:      "Queue items processed by classification.",
		}, []string{"class"}),
	}
	m.registry.MustRegister(
		m.batches,
		m.documents,
		m.bulkLatency,
		m.bufferDepth,
		m.checkpointCursor,
		m.schemaEvents,
		m.readRetries,
		m.queueItems,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) BatchOutcome(outcome string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Documents(op, result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.documents.WithLabelValues(op, result).Add(float64(n))
}

func (m *Metrics) BulkLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.bulkLatency.Observe(d.Seconds())
}

func (m *Metrics) BufferDepth(n int) {
	if m == nil {
		return
	}
	m.bufferDepth.Set(float64(n))
}

func (m *Metrics) Checkpoint(index string, cursor int64) {
	if m == nil {
		return
	}
	m.checkpointCursor.WithLabelValues(index).Set(float64(cursor))
}

func (m *Metrics) SchemaEvent(event string) {
	if m == nil {
		return
	}
	m.schemaEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ReadRetry() {
	if m == nil {
		return
	}
	m.readRetries.Inc()
}

func (m *Metrics) QueueItems(class string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.queueItems.WithLabelValues(class).Add(float64(n))
}

// Handler serves /metrics and /healthz.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve runs the metrics endpoint on addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics_listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
