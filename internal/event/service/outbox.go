package service

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/allotment/internal/clock"
	"github.com/smallbiznis/allotment/internal/event/domain"
	"github.com/smallbiznis/allotment/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	Clock clock.Clock
	Repo  domain.Repository
}

// Outbox persists events in the caller's transaction. Delivery is handled by Relay.
type Outbox struct {
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
}

func NewOutbox(p Params) *Outbox {
	return &Outbox{
		log:   p.Log.Named("event.outbox"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (o *Outbox) Queue(ctx context.Context, db *gorm.DB, events ...*domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	now := o.clock.Now()
	meta := correlation.Metadata(ctx)
	batch := make([]*domain.Event, 0, len(events))
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if ev.ID == "" {
			ev.ID = ulid.Make().String()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		if len(meta) > 0 && ev.Metadata == nil {
			ev.Metadata = make(map[string]any, len(meta))
			for k, v := range meta {
				ev.Metadata[k] = v
			}
		}
		batch = append(batch, ev)
	}
	if err := o.repo.Insert(ctx, db, batch); err != nil {
		o.log.Error("failed to queue events", zap.Int("count", len(batch)), zap.Error(err))
		return err
	}
	o.log.Debug("events queued", zap.Int("count", len(batch)))
	return nil
}
