package source

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

type clientMetrics struct {
	requests *prometheus.CounterVec
	duration prometheus.Histogram
}

func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	m := &clientMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starcrawler_github_requests_total",
				Help: "GitHub search requests by outcome.",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "starcrawler_github_request_duration_seconds",
				Help:    "GitHub search request latency.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration)
	}
	return m
}

func (m *clientMetrics) observe(err error, elapsed time.Duration) {
	m.duration.Observe(elapsed.Seconds())
	m.requests.WithLabelValues(outcome(err)).Inc()
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "breaker_open"
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Type != "" {
			return "graphql_" + apiErr.Type
		}
		return strconv.Itoa(apiErr.StatusCode)
	}
	return "transport"
}
