package swarm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the store's aggregate state as Prometheus collectors.
// Gauges are computed on collection, so scrapes always see the current
// queue without the store pushing updates anywhere.
type Metrics struct {
	store *Store

	queuedRequests   *prometheus.Desc
	queuedTokens     *prometheus.Desc
	activeWorkers    *prometheus.Desc
	registeredUsers  *prometheus.Desc
	kilotokensPerMin *prometheus.Desc
	kudosCirculating *prometheus.Desc
	totalFulfilments *prometheus.Desc
}

// NewMetrics creates the collector set for a store
func NewMetrics(s *Store) *Metrics {
	return &Metrics{
		store: s,
		queuedRequests: prometheus.NewDesc(
			"horde_queued_requests",
			"Generations waiting for dispatch across all prompts",
			nil, nil),
		queuedTokens: prometheus.NewDesc(
			"horde_queued_tokens",
			"Token footprint of the outstanding queue",
			nil, nil),
		activeWorkers: prometheus.NewDesc(
			"horde_active_workers",
			"Workers inside their check-in window",
			nil, nil),
		registeredUsers: prometheus.NewDesc(
			"horde_registered_users",
			"Users known to the store, including anon",
			nil, nil),
		kilotokensPerMin: prometheus.NewDesc(
			"horde_kilotokens_per_minute",
			"Tokens delivered in the last minute, in thousands",
			nil, nil),
		kudosCirculating: prometheus.NewDesc(
			"horde_kudos_circulating",
			"Sum of all user kudos balances",
			nil, nil),
		totalFulfilments: prometheus.NewDesc(
			"horde_fulfilments_total",
			"Lifetime delivered generations across all workers",
			nil, nil),
	}
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.queuedRequests
	ch <- m.queuedTokens
	ch <- m.activeWorkers
	ch <- m.registeredUsers
	ch <- m.kilotokensPerMin
	ch <- m.kudosCirculating
	ch <- m.totalFulfilments
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	s := m.store
	s.mu.Lock()

	totals := s.prompts.countTotals()
	active := s.countActiveWorkers()
	users := len(s.users)
	ktpm := s.stats.kilotokensPerMin()

	kudos := 0.0
	for _, u := range s.users {
		kudos += u.Kudos
	}
	fulfilments := 0
	for _, w := range s.workers {
		fulfilments += w.Fulfilments
	}

	s.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(m.queuedRequests, prometheus.GaugeValue, float64(totals.QueuedRequests))
	ch <- prometheus.MustNewConstMetric(m.queuedTokens, prometheus.GaugeValue, float64(totals.QueuedTokens))
	ch <- prometheus.MustNewConstMetric(m.activeWorkers, prometheus.GaugeValue, float64(active))
	ch <- prometheus.MustNewConstMetric(m.registeredUsers, prometheus.GaugeValue, float64(users))
	ch <- prometheus.MustNewConstMetric(m.kilotokensPerMin, prometheus.GaugeValue, ktpm)
	ch <- prometheus.MustNewConstMetric(m.kudosCirculating, prometheus.GaugeValue, round2(kudos))
	ch <- prometheus.MustNewConstMetric(m.totalFulfilments, prometheus.CounterValue, float64(fulfilments))
}
