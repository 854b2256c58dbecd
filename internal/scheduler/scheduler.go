package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	certdomain "github.com/smallbiznis/allotment/internal/certificate/domain"
	"github.com/smallbiznis/allotment/internal/clock"
	eventservice "github.com/smallbiznis/allotment/internal/event/service"
	obsmetrics "github.com/smallbiznis/allotment/internal/observability/metrics"
	poolmanagerdomain "github.com/smallbiznis/allotment/internal/poolmanager/domain"
	"github.com/smallbiznis/allotment/internal/refresh"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobRefreshOwners     = "refresh_owners"
	JobExpirePools       = "expire_pools"
	JobOrphanProducts    = "orphan_products"
	JobDirtyCertificates = "dirty_certificates"
	JobPublishEvents     = "publish_events"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	PoolManager  poolmanagerdomain.Service
	Refresher    *refresh.Refresher
	Certificates certdomain.Generator
	Relay        *eventservice.Relay
	Config       Config `optional:"true"`
}

type poolMaintainer interface {
	RefreshStaleOwners(ctx context.Context, limit int) (int, error)
	DeleteExpiredPools(ctx context.Context) (int, error)
}

type orphanCleaner interface {
	CleanupOrphans(ctx context.Context) (int, error)
}

type dirtyRegenerator interface {
	RegenerateDirty(ctx context.Context, limit int) (int, error)
}

type eventPublisher interface {
	PublishPending(ctx context.Context, limit int) (int, error)
}

type Scheduler struct {
	log          *zap.Logger
	cfg          Config
	genID        *snowflake.Node
	clock        clock.Clock
	pools        poolMaintainer
	orphans      orphanCleaner
	certificates dirtyRegenerator
	events       eventPublisher
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.PoolManager == nil || p.Refresher == nil || p.Certificates == nil || p.Relay == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		genID:        p.GenID,
		clock:        p.Clock,
		pools:        p.PoolManager,
		orphans:      p.Refresher,
		certificates: p.Certificates,
		events:       p.Relay,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout; the next tick resumes the work.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

type job struct {
	name      string
	batchSize int
	run       func(context.Context) error
}

func (s *Scheduler) jobs() []job {
	return []job{
		{JobRefreshOwners, s.cfg.RefreshBatchSize, s.RefreshOwnersJob},
		{JobExpirePools, 0, s.ExpirePoolsJob},
		{JobOrphanProducts, 0, s.OrphanProductsJob},
		{JobDirtyCertificates, s.cfg.CertificateBatchSize, s.DirtyCertificatesJob},
		{JobPublishEvents, s.cfg.EventBatchSize, s.PublishEventsJob},
	}
}

// RunOnce runs every enabled job once. A failing job does not stop the others.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, j.name, j.batchSize, s.cfg.JobTimeout, j.run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// RefreshOwnersJob refreshes owners whose last refresh is older than the refresh interval.
func (s *Scheduler) RefreshOwnersJob(ctx context.Context) error {
	return s.countJob(ctx, JobRefreshOwners, "owners", func(ctx context.Context) (int, error) {
		return s.pools.RefreshStaleOwners(ctx, s.cfg.RefreshBatchSize)
	})
}

func (s *Scheduler) ExpirePoolsJob(ctx context.Context) error {
	return s.countJob(ctx, JobExpirePools, "pools", s.pools.DeleteExpiredPools)
}

// OrphanProductsJob purges product versions orphaned longer than the grace period.
func (s *Scheduler) OrphanProductsJob(ctx context.Context) error {
	return s.countJob(ctx, JobOrphanProducts, "products", s.orphans.CleanupOrphans)
}

// DirtyCertificatesJob drains lazily regenerated certificates batch by batch.
func (s *Scheduler) DirtyCertificatesJob(ctx context.Context) error {
	return s.drainJob(ctx, JobDirtyCertificates, "certificates", s.cfg.CertificateBatchSize, s.certificates.RegenerateDirty)
}

func (s *Scheduler) PublishEventsJob(ctx context.Context) error {
	return s.drainJob(ctx, JobPublishEvents, "events", s.cfg.EventBatchSize, s.events.PublishPending)
}

func (s *Scheduler) countJob(ctx context.Context, name, resource string, fn func(context.Context) (int, error)) error {
	run := jobRunFromContext(ctx)
	n, err := fn(ctx)
	run.AddProcessed(n)
	obsmetrics.Scheduler().AddBatchProcessed(name, resource, n)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.job.failed", name, err)
	}
	return err
}

// drainJob repeats fn until a batch comes back short.
func (s *Scheduler) drainJob(ctx context.Context, name, resource string, batchSize int, fn func(context.Context, int) (int, error)) error {
	run := jobRunFromContext(ctx)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := fn(ctx, batchSize)
		run.AddProcessed(n)
		obsmetrics.Scheduler().AddBatchProcessed(name, resource, n)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.job.failed", name, err)
			return err
		}
		if n < batchSize {
			return nil
		}
	}
}
