package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allotment/internal/certificate/domain"
	"github.com/smallbiznis/allotment/internal/clock"
	entdomain "github.com/smallbiznis/allotment/internal/entitlement/domain"
	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         domain.Repository
	Entitlements entdomain.Repository
	Pools        pooldomain.Repository
}

type Generator struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
	ents  entdomain.Repository
	pools pooldomain.Repository
}

func New(p Params) domain.Generator {
	return &Generator{
		db:    p.DB,
		log:   p.Log.Named("certificate.generator"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		ents:  p.Entitlements,
		pools: p.Pools,
	}
}

func (g *Generator) Regenerate(ctx context.Context, db *gorm.DB, ents []*entdomain.Entitlement, lazy bool) error {
	if len(ents) == 0 {
		return nil
	}
	ids := entdomain.IDs(ents)
	if lazy {
		if err := g.ents.MarkDirty(ctx, db, ids); err != nil {
			return err
		}
		for _, e := range ents {
			e.Dirty = true
		}
		return nil
	}

	poolIDs := make([]snowflake.ID, 0, len(ents))
	seen := make(map[snowflake.ID]struct{}, len(ents))
	for _, e := range ents {
		if _, ok := seen[e.PoolID]; ok {
			continue
		}
		seen[e.PoolID] = struct{}{}
		poolIDs = append(poolIDs, e.PoolID)
	}
	pools, err := g.pools.FindByIDs(ctx, db, poolIDs)
	if err != nil {
		return err
	}
	endDates := make(map[snowflake.ID]time.Time, len(pools))
	for _, p := range pools {
		endDates[p.ID] = p.EndDate
	}

	now := g.clock.Now()
	certs := make([]*domain.EntitlementCertificate, 0, len(ents))
	for _, e := range ents {
		expires := now
		if end, ok := endDates[e.PoolID]; ok {
			expires = end
		}
		certs = append(certs, &domain.EntitlementCertificate{
			ID:            g.genID.Generate(),
			OwnerID:       e.OwnerID,
			ConsumerID:    e.ConsumerID,
			EntitlementID: e.ID,
			Serial:        g.genID.Generate().Int64(),
			IssuedAt:      now,
			ExpiresAt:     expires,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	if err := g.repo.Upsert(ctx, db, certs); err != nil {
		return err
	}
	if err := g.ents.ClearDirty(ctx, db, ids); err != nil {
		return err
	}
	for _, e := range ents {
		e.Dirty = false
	}
	return nil
}

func (g *Generator) RegenerateForConsumer(ctx context.Context, db *gorm.DB, consumerID snowflake.ID, lazy bool) error {
	ents, err := g.ents.ListByConsumer(ctx, db, consumerID)
	if err != nil {
		return err
	}
	return g.Regenerate(ctx, db, ents, lazy)
}

func (g *Generator) Delete(ctx context.Context, db *gorm.DB, entitlementIDs []snowflake.ID) error {
	return g.repo.DeleteByEntitlementIDs(ctx, db, entitlementIDs)
}

// RegenerateDirty issues certificates for up to limit dirty entitlements.
func (g *Generator) RegenerateDirty(ctx context.Context, limit int) (int, error) {
	var count int
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ents, err := g.ents.ListDirty(ctx, tx, limit)
		if err != nil {
			return err
		}
		if err := g.Regenerate(ctx, tx, ents, false); err != nil {
			return err
		}
		count = len(ents)
		return nil
	})
	if err != nil {
		g.log.Error("dirty certificate regeneration failed", zap.Error(err))
		return 0, err
	}
	if count > 0 {
		g.log.Info("regenerated dirty certificates", zap.Int("count", count))
	}
	return count, nil
}
