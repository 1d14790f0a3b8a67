// Package metrics exposes the Prometheus instrumentation of the proxy
// data plane.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kleis",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Proxied requests by provider, endpoint and status class.",
	}, []string{"provider", "endpoint", "status_class"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kleis",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Proxied request duration, upstream round-trip included.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"provider", "endpoint"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kleis",
		Subsystem: "proxy",
		Name:      "tokens_total",
		Help:      "Token usage by provider and token type.",
	}, []string{"provider", "type"})
)

// ObserveRequest records one finished proxy request.
func ObserveRequest(provider, endpoint string, status int, duration time.Duration) {
	requestsTotal.WithLabelValues(provider, endpoint, statusClass(status)).Inc()
	requestDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

// AddTokens records extracted token usage.
func AddTokens(provider string, input, output, cacheRead, cacheWrite int64) {
	add := func(kind string, v int64) {
		if v > 0 {
			tokensTotal.WithLabelValues(provider, kind).Add(float64(v))
		}
	}
	add("input", input)
	add("output", output)
	add("cache_read", cacheRead)
	add("cache_write", cacheWrite)
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler { return promhttp.Handler() }

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
