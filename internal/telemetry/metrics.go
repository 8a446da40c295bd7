package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the game engine's prometheus collectors. A nil
// *Metrics is valid and records nothing, so services can run without
// a registry in tests.
type Metrics struct {
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter
	fetchRetries   prometheus.Counter

	roundsStarted   prometheus.Counter
	roundsClosed    *prometheus.CounterVec
	answersAccepted prometheus.Counter
	answersRejected *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtaquiz_metadata_cache_hits_total",
			Help: "Metadata cache lookups served from memory.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtaquiz_metadata_cache_misses_total",
			Help: "Metadata cache lookups that required an outbound fetch.",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtaquiz_metadata_cache_evictions_total",
			Help: "Entries evicted from the metadata cache.",
		}),
		fetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtaquiz_metadata_fetch_retries_total",
			Help: "Transient fetch failures that were retried.",
		}),
		roundsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtaquiz_rounds_started_total",
			Help: "Quiz rounds opened.",
		}),
		roundsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gtaquiz_rounds_closed_total",
			Help: "Quiz rounds closed, by close reason.",
		}, []string{"reason"}),
		answersAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtaquiz_answers_accepted_total",
			Help: "Answer submissions accepted into a round window.",
		}),
		answersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gtaquiz_answers_rejected_total",
			Help: "Answer submissions rejected, by rejection reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.cacheHits, m.cacheMisses, m.cacheEvictions, m.fetchRetries,
		m.roundsStarted, m.roundsClosed, m.answersAccepted, m.answersRejected,
	)

	return m
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) CacheEviction() {
	if m != nil {
		m.cacheEvictions.Inc()
	}
}

func (m *Metrics) FetchRetry() {
	if m != nil {
		m.fetchRetries.Inc()
	}
}

func (m *Metrics) RoundStarted() {
	if m != nil {
		m.roundsStarted.Inc()
	}
}

func (m *Metrics) RoundClosed(reason string) {
	if m != nil {
		m.roundsClosed.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) AnswerAccepted() {
	if m != nil {
		m.answersAccepted.Inc()
	}
}

func (m *Metrics) AnswerRejected(reason string) {
	if m != nil {
		m.answersRejected.WithLabelValues(reason).Inc()
	}
}
