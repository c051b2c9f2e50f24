package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	PrometheusNamespace = "bridgedist"
)

// Metrics holds the Prometheus instruments the catalogue and its fronts
// update as they serve requests.
type Metrics struct {
	Bridges     *prometheus.GaugeVec // bridges assigned per distributor
	Requests    *prometheus.CounterVec
	RateLimited *prometheus.CounterVec
}

// InitMetrics initialises our Prometheus metrics.
func InitMetrics() *Metrics {

	metrics := &Metrics{}

	metrics.Bridges = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: PrometheusNamespace,
			Name:      "bridges",
			Help:      "The number of bridges assigned to a distributor",
		},
		[]string{"distributor"},
	)

	metrics.Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: PrometheusNamespace,
			Name:      "requests_total",
			Help:      "The number of bridge requests handled, by distributor and outcome",
		},
		[]string{"distributor", "outcome"},
	)

	metrics.RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: PrometheusNamespace,
			Name:      "email_rate_limited_total",
			Help:      "The number of email requests rejected by the rate limiter",
		},
		[]string{"outcome"},
	)

	return metrics
}

// MetricsHandler returns the HTTP handler that exposes every metric
// registered via promauto at the configured scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
