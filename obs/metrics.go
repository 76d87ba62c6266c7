package obs

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	appInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dc",
			Subsystem: "app",
			Name:      "info",
			Help:      "Static app info for deployment verification.",
		},
		[]string{"service", "version"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dc",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"method", "route", "code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dc",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	workerQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dc",
			Subsystem: "worker",
			Name:      "queries_total",
			Help:      "Total anomaly queries processed.",
		},
		[]string{"worker", "result"},
	)
	workerQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dc",
			Subsystem: "worker",
			Name:      "query_duration_seconds",
			Help:      "Anomaly query duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"worker"},
	)

	chunksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dc",
			Subsystem: "worker",
			Name:      "chunks_total",
			Help:      "Total geographic chunks processed.",
		},
		[]string{"worker", "result"},
	)
)

func init() {
	prometheus.MustRegister(appInfo, httpRequestsTotal, httpRequestDuration, workerQueriesTotal, workerQueryDuration, chunksProcessedTotal)
}

func SetAppInfo(service string) {
	svc := strings.TrimSpace(service)
	if svc == "" {
		svc = "cubebackend"
	}
	ver := strings.TrimSpace(os.Getenv("APP_VERSION"))
	if ver == "" {
		ver = "dev"
	}
	appInfo.WithLabelValues(svc, ver).Set(1)
}

// MetricsMiddleware records request count/latency.
// NOTE: route label is best-effort (path without query). It's fine for internal use;
// if you want strict low-cardinality metrics, replace with a router that provides a pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	if next == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		route := normalizeRouteLabel(r.URL.Path)
		code := strconv.Itoa(rec.code)
		httpRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.code = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func RecordWorkerQuery(worker string, start time.Time, err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	workerQueriesTotal.WithLabelValues(worker, res).Inc()
	workerQueryDuration.WithLabelValues(worker).Observe(time.Since(start).Seconds())
}

func RecordChunk(worker string, err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	chunksProcessedTotal.WithLabelValues(worker, res).Inc()
}

func normalizeRouteLabel(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return "/"
	}
	// Reduce cardinality for queryKey routes.
	// /anomaly/queries/{queryKey}
	// /anomaly/queries/{queryKey}/download
	// /anomaly/queries/{queryKey}/cancel
	if strings.HasPrefix(p, "/anomaly/queries/") {
		rest := strings.TrimPrefix(p, "/anomaly/queries/")
		parts := strings.Split(rest, "/")
		if len(parts) == 1 {
			return "/anomaly/queries/:queryKey"
		}
		if len(parts) >= 2 {
			switch parts[1] {
			case "download":
				return "/anomaly/queries/:queryKey/download"
			case "cancel":
				return "/anomaly/queries/:queryKey/cancel"
			default:
				return "/anomaly/queries/:queryKey/" + parts[1]
			}
		}
	}
	return p
}
