package service

import (
	"context"

	"github.com/goccy/go-json"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/allotment/internal/clock"
	"github.com/smallbiznis/allotment/internal/event/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	StreamName       = "allotment:pool-events"
	defaultRelaySize = 200
)

type RelayParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  domain.Repository
	Redis *redis.Client `optional:"true"`
}

// Relay moves unpublished outbox rows onto a redis stream. Without redis the
// events are logged and marked published.
type Relay struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
	redis *redis.Client
}

func NewRelay(p RelayParams) *Relay {
	return &Relay{
		db:    p.DB,
		log:   p.Log.Named("event.relay"),
		clock: p.Clock,
		repo:  p.Repo,
		redis: p.Redis,
	}
}

// PublishPending delivers up to limit events in id order and returns the number delivered.
// Delivery stops at the first failure so ordering is kept.
func (r *Relay) PublishPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultRelaySize
	}
	events, err := r.repo.ListUnpublished(ctx, r.db, limit)
	if err != nil {
		return 0, err
	}
	delivered := make([]string, 0, len(events))
	var pubErr error
	for _, ev := range events {
		if pubErr = r.publish(ctx, ev); pubErr != nil {
			r.log.Warn("event publish failed", zap.String("event_id", ev.ID), zap.Error(pubErr))
			break
		}
		delivered = append(delivered, ev.ID)
	}
	if err := r.repo.MarkPublished(ctx, r.db, delivered, r.clock.Now()); err != nil {
		return 0, err
	}
	return len(delivered), pubErr
}

func (r *Relay) publish(ctx context.Context, ev *domain.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if r.redis == nil {
		r.log.Info("event",
			zap.String("event_id", ev.ID),
			zap.String("type", string(ev.Type)),
			zap.String("target_id", ev.TargetID),
		)
		return nil
	}
	return r.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName,
		Values: map[string]any{
			"id":       ev.ID,
			"type":     string(ev.Type),
			"owner_id": ev.OwnerID.String(),
			"body":     string(body),
		},
	}).Err()
}
