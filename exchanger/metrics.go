package exchanger

import (
	"time"

	"github.com/go-kit/kit/metrics"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/unixpickle/dist-train/model"
)

var _ Exchanger = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	ex      Exchanger
}

// Metrics wraps an Exchanger to count exchanges and
// observe their latency in seconds.
func Metrics(counter metrics.Counter, latency metrics.Histogram, ex Exchanger) Exchanger {
	return &metricsMiddleware{
		counter: counter,
		latency: latency,
		ex:      ex,
	}
}

func (mm *metricsMiddleware) Exchange(rec model.Recorder) (err error) {
	defer func(begin time.Time) {
		status := "ok"
		if err != nil {
			status = "error"
		}
		mm.counter.With("method", "exchange", "status", status).Add(1)
		mm.latency.With("method", "exchange", "status", status).Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.ex.Exchange(rec)
}

// NewPrometheusMetrics registers an exchange counter and
// latency summary with the default Prometheus registry.
//
// It panics if called twice with the same namespace.
func NewPrometheusMetrics(namespace string) (metrics.Counter, metrics.Histogram) {
	counter := kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "exchanger",
		Name:      "request_count",
		Help:      "Number of exchanges.",
	}, []string{"method", "status"})
	latency := kitprometheus.NewSummaryFrom(stdprometheus.SummaryOpts{
		Namespace: namespace,
		Subsystem: "exchanger",
		Name:      "request_latency_seconds",
		Help:      "Duration of exchanges in seconds.",
	}, []string{"method", "status"})
	return counter, latency
}
