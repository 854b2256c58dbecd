package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, want: SchedulerJobReasonDeadlock},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{ServiceName: "allotment", Environment: "test"})

	metrics.AddBatchProcessed("expire_pools", "pools", 3)
	metrics.AddBatchProcessed("expire_pools", "pools", 0)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("expire_pools", "pools"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestEngineMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newEngineMetrics(registry, Config{})

	m.AddPools(PoolOpCreated, 2)
	m.AddEntitlements(EntitlementOpRevoked, 1)
	m.IncAutobind(AutobindOutcomeRetried)

	if got := testutil.ToFloat64(m.pools.WithLabelValues(PoolOpCreated)); got != 2 {
		t.Fatalf("expected 2 created pools, got %v", got)
	}
	if got := testutil.ToFloat64(m.entitlements.WithLabelValues(EntitlementOpRevoked)); got != 1 {
		t.Fatalf("expected 1 revoked entitlement, got %v", got)
	}
	if got := testutil.ToFloat64(m.autobind.WithLabelValues(AutobindOutcomeRetried)); got != 1 {
		t.Fatalf("expected 1 retried autobind, got %v", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var s *SchedulerMetrics
	s.IncJobRun("x")
	s.IncJobError("x", errors.New("boom"))
	var e *EngineMetrics
	e.AddPools(PoolOpDeleted, 1)
	e.IncAutobind(AutobindOutcomeBound)
}
