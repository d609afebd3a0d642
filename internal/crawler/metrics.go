package crawler

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the crawl counters. Build with NewMetrics; a nil Registerer leaves them unregistered.
type Metrics struct {
	partitions      *prometheus.CounterVec
	pages           prometheus.Counter
	retries         prometheus.Counter
	items           prometheus.Counter
	duplicates      prometheus.Counter
	runs            *prometheus.CounterVec
	budgetRemaining prometheus.Gauge
	budgetWait      prometheus.Counter
}

// NewMetrics creates and registers the crawl metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		partitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starcrawler_partitions_total",
				Help: "Windows processed by outcome.",
			},
			[]string{"outcome"},
		),
		pages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "starcrawler_pages_fetched_total",
			Help: "Search result pages fetched.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "starcrawler_page_retries_total",
			Help: "Page requests retried after a transient failure.",
		}),
		items: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "starcrawler_repositories_persisted_total",
			Help: "Distinct repositories written per run, summed over runs.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "starcrawler_duplicate_repositories_total",
			Help: "Repositories observed by more than one window in a run.",
		}),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starcrawler_runs_total",
				Help: "Finished crawl runs by status.",
			},
			[]string{"status"},
		),
		budgetRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "starcrawler_rate_budget_remaining",
			Help: "Last reported remaining API quota.",
		}),
		budgetWait: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "starcrawler_rate_budget_wait_seconds_total",
			Help: "Time spent suspended waiting for quota reset.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.partitions, m.pages, m.retries, m.items,
			m.duplicates, m.runs, m.budgetRemaining, m.budgetWait,
		)
	}
	return m
}

// ObserveBudgetWait is suitable as a limiter.Budget OnWait hook.
func (m *Metrics) ObserveBudgetWait(seconds float64) {
	m.budgetWait.Add(seconds)
}
