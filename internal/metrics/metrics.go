// Package metrics holds the Prometheus collectors for schemhost.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the service collectors. Create one per registry.
type Metrics struct {
	Uploads         *prometheus.CounterVec
	Downloads       prometheus.Counter
	Deletions       prometheus.Counter
	SweptRecords    prometheus.Counter
	SlowedRequests  prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	uploadSizeBytes prometheus.Histogram
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		Uploads: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schemhost_uploads_total",
				Help: "Schematic uploads by result",
			},
			[]string{"result"},
		),
		Downloads: f.NewCounter(prometheus.CounterOpts{
			Name: "schemhost_downloads_total",
			Help: "Schematics served for download",
		}),
		Deletions: f.NewCounter(prometheus.CounterOpts{
			Name: "schemhost_deletions_total",
			Help: "Schematics expired by their delete key",
		}),
		SweptRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "schemhost_swept_records_total",
			Help: "Schematics expired by the prune sweep",
		}),
		SlowedRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "schemhost_slowed_requests_total",
			Help: "Requests delayed by the slow-down limiter",
		}),
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schemhost_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "schemhost_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		uploadSizeBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "schemhost_upload_size_bytes",
			Help:    "Size of accepted schematic uploads",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}),
	}
}

// ObserveUpload records an upload outcome. size is only observed on success.
func (m *Metrics) ObserveUpload(result string, size int64) {
	m.Uploads.WithLabelValues(result).Inc()
	if result == "ok" {
		m.uploadSizeBytes.Observe(float64(size))
	}
}

// Middleware records request count and latency labelled by chi route pattern,
// which keeps capability keys out of label values.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
