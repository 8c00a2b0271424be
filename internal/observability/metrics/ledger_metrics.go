package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	CacheResultHit   = "hit"
	CacheResultMiss  = "miss"
	CacheResultStale = "stale"
)

// LedgerMetrics holds the prometheus collectors scraped from /metrics.
type LedgerMetrics struct {
	cacheRequests     *prometheus.CounterVec
	cacheEvictions    *prometheus.CounterVec
	storeDuration     *prometheus.HistogramVec
	reconcileRuns     *prometheus.CounterVec
	reconcileAdjusted *prometheus.CounterVec
	expiredSwept      prometheus.Counter
}

var (
	ledgerMetricsOnce sync.Once
	ledgerMetrics     *LedgerMetrics
)

// Ledger returns the singleton ledger metrics registry.
func Ledger() *LedgerMetrics {
	return LedgerWithConfig(Config{})
}

// LedgerWithConfig returns the singleton ledger metrics registry using config labels.
func LedgerWithConfig(cfg Config) *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerMetrics = NewLedgerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return ledgerMetrics
}

// ResetLedgerMetricsForTest resets the ledger metrics singleton for tests.
func ResetLedgerMetricsForTest() {
	ledgerMetricsOnce = sync.Once{}
	ledgerMetrics = nil
}

func NewLedgerMetrics(registerer prometheus.Registerer, cfg Config) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	constLabels := constLabelsFor(cfg)

	m := &LedgerMetrics{
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "chatledger_cache_requests_total",
			Help:        "Session cache lookups by result.",
			ConstLabels: constLabels,
		}, []string{"cache", "result"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "chatledger_cache_evictions_total",
			Help:        "Session cache entries removed by invalidation or expiry.",
			ConstLabels: constLabels,
		}, []string{"cache", "reason"}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "chatledger_store_operation_duration_seconds",
			Help:        "Key-value store operation latency.",
			Buckets:     []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			ConstLabels: constLabels,
		}, []string{"backend", "operation"}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "chatledger_quota_reconcile_runs_total",
			Help:        "Active-session reconciliation runs by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		reconcileAdjusted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "chatledger_quota_reconcile_adjustments_total",
			Help:        "Active-session counters corrected by reconciliation.",
			ConstLabels: constLabels,
		}, []string{"tier"}),
		expiredSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "chatledger_store_expired_items_swept_total",
			Help:        "Expired ledger items purged by the sweeper.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.cacheRequests,
		m.cacheEvictions,
		m.storeDuration,
		m.reconcileRuns,
		m.reconcileAdjusted,
		m.expiredSwept,
	)
	return m
}

func (m *LedgerMetrics) IncCacheRequest(cache, result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(normalizeLabel(cache), normalizeLabel(result)).Inc()
}

func (m *LedgerMetrics) IncCacheEviction(cache, reason string) {
	if m == nil {
		return
	}
	m.cacheEvictions.WithLabelValues(normalizeLabel(cache), normalizeLabel(reason)).Inc()
}

func (m *LedgerMetrics) ObserveStoreOperation(backend, operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.storeDuration.WithLabelValues(normalizeLabel(backend), normalizeLabel(operation)).Observe(duration.Seconds())
}

func (m *LedgerMetrics) IncReconcileRun(outcome string) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *LedgerMetrics) IncReconcileAdjustment(tier string) {
	if m == nil {
		return
	}
	m.reconcileAdjusted.WithLabelValues(normalizeLabel(tier)).Inc()
}

func (m *LedgerMetrics) AddExpiredSwept(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.expiredSwept.Add(float64(count))
}

func constLabelsFor(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "chatledger"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

func normalizeLabel(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "unknown"
	}
	return value
}
