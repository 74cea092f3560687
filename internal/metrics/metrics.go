package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	ticksTotal     *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	ruleOutcomes   *prometheus.CounterVec
	actionOutcomes *prometheus.CounterVec
	rateLimitDrops *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ticksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automator",
			Name:      "ticks_total",
			Help:      "Scheduler ticks by result (ok, error).",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "automator",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one scheduler tick.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		ruleOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automator",
			Name:      "rule_outcomes_total",
			Help:      "Per-rule evaluation outcomes by source and status.",
		}, []string{"source", "status"}),
		actionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automator",
			Name:      "action_outcomes_total",
			Help:      "Action executions by type and status.",
		}, []string{"type", "status"}),
		rateLimitDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automator",
			Name:      "rate_limit_drops_total",
			Help:      "Requests rejected with HTTP 429, by route prefix.",
		}, []string{"prefix"}),
	}
	for _, c := range []prometheus.Collector{m.ticksTotal, m.tickDuration, m.ruleOutcomes, m.actionOutcomes, m.rateLimitDrops} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// ObserveTick records one finished tick.
func (m *Metrics) ObserveTick(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ticksTotal.WithLabelValues(result).Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) IncRuleOutcome(source, status string) {
	if m == nil {
		return
	}
	m.ruleOutcomes.WithLabelValues(source, status).Inc()
}

func (m *Metrics) IncActionOutcome(actionType, status string) {
	if m == nil {
		return
	}
	m.actionOutcomes.WithLabelValues(actionType, status).Inc()
}

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func (m *Metrics) IncRateLimitDrop(prefix string) {
	if m == nil {
		return
	}
	if prefix == "" {
		prefix = "global"
	}
	m.rateLimitDrops.WithLabelValues(prefix).Inc()
}
