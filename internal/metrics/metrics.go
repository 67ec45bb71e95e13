package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes Prometheus metrics for the capture pipeline, the sync
// queue and the control API.
type Collector struct {
	registry *prometheus.Registry

	PipelineRuns    *prometheus.CounterVec
	StageFailures   *prometheus.CounterVec
	TicksSkipped    prometheus.Counter
	OCRDuration     prometheus.Histogram
	QueueDepth      prometheus.Gauge
	DeliveryTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
}

// NewCollector constructs a collector with default histograms/counters.
func NewCollector() (*Collector, error) {
	registry := prometheus.NewRegistry()

	pipelineRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackerd",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Pipeline runs by terminal outcome.",
	}, []string{"outcome"})

	stageFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackerd",
		Subsystem: "pipeline",
		Name:      "stage_failures_total",
		Help:      "Stage-local failures by stage and kind.",
	}, []string{"stage", "kind"})

	ticksSkipped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trackerd",
		Subsystem: "scheduler",
		Name:      "ticks_skipped_total",
		Help:      "Capture ticks skipped because a run was still in flight.",
	})

	ocrDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trackerd",
		Subsystem: "ocr",
		Name:      "recognize_duration_seconds",
		Help:      "Latency distribution for OCR recognition.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20},
	})

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trackerd",
		Subsystem: "sync",
		Name:      "queue_depth",
		Help:      "Undelivered items in the sync queue.",
	})

	deliveryTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackerd",
		Subsystem: "sync",
		Name:      "deliveries_total",
		Help:      "Delivery attempts against the remote task service.",
	}, []string{"result"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trackerd",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for inbound control API requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackerd",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of inbound control API requests.",
	}, []string{"method", "path", "status"})

	collectors := []prometheus.Collector{
		pipelineRuns, stageFailures, ticksSkipped, ocrDuration,
		queueDepth, deliveryTotal, requestDuration, requestTotal,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return &Collector{
		registry:        registry,
		PipelineRuns:    pipelineRuns,
		StageFailures:   stageFailures,
		TicksSkipped:    ticksSkipped,
		OCRDuration:     ocrDuration,
		QueueDepth:      queueDepth,
		DeliveryTotal:   deliveryTotal,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
	}, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler to record HTTP metrics.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.status)
		path := r.URL.Path

		c.requestTotal.WithLabelValues(r.Method, path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer so http.ResponseController can reach
// Flusher and deadline support through the wrapper. Streaming handlers break
// without it.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
