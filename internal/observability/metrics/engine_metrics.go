package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	PoolOpCreated = "created"
	PoolOpUpdated = "updated"
	PoolOpDeleted = "deleted"

	EntitlementOpCreated = "created"
	EntitlementOpRevoked = "revoked"

	AutobindOutcomeBound   = "bound"
	AutobindOutcomeEmpty   = "empty"
	AutobindOutcomeRefused = "refused"
	AutobindOutcomeRetried = "retried"

	RefreshOutcomeSuccess = "success"
	RefreshOutcomeFailure = "failure"
)

// EngineMetrics tracks pool and entitlement churn.
type EngineMetrics struct {
	pools           *prometheus.CounterVec
	entitlements    *prometheus.CounterVec
	autobind        *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
)

func Engine() *EngineMetrics {
	return EngineWithConfig(Config{})
}

func EngineWithConfig(cfg Config) *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetrics = newEngineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return engineMetrics
}

func ResetEngineMetricsForTest() {
	engineMetricsOnce = sync.Once{}
	engineMetrics = nil
}

func newEngineMetrics(registerer prometheus.Registerer, cfg Config) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := cfg.constLabels()

	pools := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "allotment_pools_total",
		Help:        "Pool mutations by operation.",
		ConstLabels: constLabels,
	}, []string{"op"})
	entitlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "allotment_entitlements_total",
		Help:        "Entitlement mutations by operation.",
		ConstLabels: constLabels,
	}, []string{"op"})
	autobind := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "allotment_autobind_total",
		Help:        "Autobind attempts by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	refreshDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "allotment_refresh_duration_seconds",
		Help:        "Owner pool refresh latency.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"outcome"})

	registerer.MustRegister(pools, entitlements, autobind, refreshDuration)

	return &EngineMetrics{
		pools:           pools,
		entitlements:    entitlements,
		autobind:        autobind,
		refreshDuration: refreshDuration,
	}
}

func (m *EngineMetrics) AddPools(op string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.pools.WithLabelValues(op).Add(float64(count))
}

func (m *EngineMetrics) AddEntitlements(op string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.entitlements.WithLabelValues(op).Add(float64(count))
}

func (m *EngineMetrics) IncAutobind(outcome string) {
	if m == nil {
		return
	}
	m.autobind.WithLabelValues(outcome).Inc()
}

func (m *EngineMetrics) ObserveRefresh(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.refreshDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
