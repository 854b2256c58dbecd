package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allotment/internal/catalog"
	"github.com/smallbiznis/allotment/internal/clock"
	"github.com/smallbiznis/allotment/internal/config"
	consumerdomain "github.com/smallbiznis/allotment/internal/consumer/domain"
	entdomain "github.com/smallbiznis/allotment/internal/entitlement/domain"
	eventdomain "github.com/smallbiznis/allotment/internal/event/domain"
	ownerdomain "github.com/smallbiznis/allotment/internal/owner/domain"
	"github.com/smallbiznis/allotment/internal/rules/compliance"
	"github.com/smallbiznis/allotment/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Config       config.Config
	Clock        clock.Clock
	Rules        *config.RulesHolder
	Consumers    consumerdomain.Repository
	Owners       ownerdomain.Repository
	Entitlements entdomain.Repository
	Resolver     *catalog.Resolver
	Events       eventdomain.Sink
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	rules     *config.RulesHolder
	consumers consumerdomain.Repository
	owners    ownerdomain.Repository
	ents      entdomain.Repository
	resolver  *catalog.Resolver
	events    eventdomain.Sink
	bulkSize  int
}

func New(p Params) *Service {
	bulk := p.Config.EntitlerBulkSize
	if bulk <= 0 {
		bulk = 1000
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("compliance.service"),
		clock:     p.Clock,
		rules:     p.Rules,
		consumers: p.Consumers,
		owners:    p.Owners,
		ents:      p.Entitlements,
		resolver:  p.Resolver,
		events:    p.Events,
		bulkSize:  bulk,
	}
}

// GetStatus evaluates consumer at the given instant, or now when at is zero. With update set
// the stored status snapshot is rewritten and a change event queued when it moved.
func (s *Service) GetStatus(ctx context.Context, tx *gorm.DB, consumer *consumerdomain.Consumer, at time.Time, update bool) (*compliance.Status, error) {
	if consumer == nil {
		return nil, consumerdomain.ErrNotFound
	}
	if at.IsZero() {
		at = s.clock.Now()
	}

	ents, err := s.ents.ListByConsumer(ctx, tx, consumer.ID)
	if err != nil {
		return nil, err
	}
	if err := s.resolver.ResolveEntitlements(ctx, tx, ents); err != nil {
		return nil, err
	}

	ownerSLA := ""
	owner, err := s.owners.FindByID(ctx, tx, consumer.OwnerID)
	if err != nil {
		return nil, err
	}
	if owner != nil {
		ownerSLA = owner.DefaultServiceLevel
	}

	status := compliance.Calculate(compliance.Input{
		Consumer:            consumer,
		Entitlements:        ents,
		At:                  at,
		ExemptServiceLevels: s.rules.Get().ExemptServiceLevels,
		OwnerDefaultSLA:     ownerSLA,
	})
	if !update {
		return status, nil
	}

	if consumer.EntitlementStatus == status.Status && consumer.SystemPurposeStatus == status.SystemPurposeStatus {
		return status, nil
	}
	previous := consumer.EntitlementStatus
	if err := s.consumers.UpdateStatus(ctx, tx, consumer.ID, status.Status, status.SystemPurposeStatus); err != nil {
		return nil, err
	}
	consumer.EntitlementStatus = status.Status
	consumer.SystemPurposeStatus = status.SystemPurposeStatus

	if previous != status.Status {
		if err := s.events.Queue(ctx, tx, eventdomain.ComplianceChanged(consumer.OwnerID, consumer.ID, consumer.UUID, previous, status.Status)); err != nil {
			return nil, err
		}
		s.log.Debug("compliance changed",
			zap.String("consumer_uuid", consumer.UUID),
			zap.String("from", previous),
			zap.String("to", status.Status),
		)
	}
	return status, nil
}

// StatusByUUID computes the current status without persisting it.
func (s *Service) StatusByUUID(ctx context.Context, consumerUUID string) (*compliance.Status, error) {
	consumer, err := s.consumers.FindByUUID(ctx, s.db, consumerUUID)
	if err != nil {
		return nil, err
	}
	if consumer == nil {
		return nil, consumerdomain.ErrNotFound
	}
	return s.GetStatus(ctx, s.db, consumer, time.Time{}, false)
}

// Recompute refreshes the stored status of each consumer. Consumers are handled in
// blocks of the entitler bulk size, each block in its own transaction unless db is
// already one.
func (s *Service) Recompute(ctx context.Context, conn *gorm.DB, consumerIDs []snowflake.ID) error {
	if len(consumerIDs) == 0 {
		return nil
	}
	if conn == nil {
		conn = s.db
	}
	ids := dedupeIDs(consumerIDs)
	for _, block := range db.Chunk(ids, s.bulkSize) {
		err := db.WithinTx(ctx, conn, func(tx *gorm.DB) error {
			consumers, err := s.consumers.FindByIDs(ctx, tx, block)
			if err != nil {
				return err
			}
			for _, c := range consumers {
				if _, err := s.GetStatus(ctx, tx, c, time.Time{}, true); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			s.log.Error("compliance recompute failed", zap.Int("block", len(block)), zap.Error(err))
			return err
		}
	}
	s.log.Debug("compliance recomputed", zap.Int("consumers", len(ids)))
	return nil
}

func dedupeIDs(ids []snowflake.ID) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(ids))
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
