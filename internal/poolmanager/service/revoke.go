package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	entdomain "github.com/smallbiznis/allotment/internal/entitlement/domain"
	eventdomain "github.com/smallbiznis/allotment/internal/event/domain"
	"github.com/smallbiznis/allotment/internal/rules/bindrules"
	"github.com/smallbiznis/allotment/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdjustEntitlementQuantity changes the quantity held by an entitlement, consuming or
// releasing the difference on its pool.
func (m *Manager) AdjustEntitlementQuantity(ctx context.Context, entitlementID snowflake.ID, quantity int64) (*entdomain.Entitlement, error) {
	if quantity < 1 {
		return nil, entdomain.ErrInvalidQuantity
	}
	var ent *entdomain.Entitlement
	cs := newChangeSet()
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := m.ents.FindByID(ctx, tx, entitlementID)
		if err != nil {
			return err
		}
		if found == nil {
			return entdomain.ErrNotFound
		}
		ent = found
		delta := quantity - ent.Quantity
		if delta == 0 {
			return nil
		}

		locked, err := m.pools.LockByIDs(ctx, tx, []snowflake.ID{ent.PoolID})
		if err != nil {
			return err
		}
		if len(locked) == 0 {
			return entdomain.ErrNotFound
		}
		pool := locked[0]
		if err := m.resolver.ResolvePools(ctx, tx, locked); err != nil {
			return err
		}
		if delta > 0 {
			refusal := bindrules.NewRefusalError()
			if quantity > 1 && !pool.Product.IsMultiEntitlement() {
				refusal.Add(pool.ID, bindrules.Reason{Code: bindrules.ReasonQuantityMismatch})
			}
			if pool.Available() < delta {
				refusal.Add(pool.ID, bindrules.Reason{Code: bindrules.ReasonNoEntitlementsAvailable})
			}
			if !refusal.Empty() {
				return refusal
			}
		}

		consumer, err := m.consumers.FindByID(ctx, tx, ent.ConsumerID)
		if err != nil {
			return err
		}
		var exported int64
		if consumer != nil && consumer.IsDistributor() {
			exported = delta
		}
		if err := m.pools.AdjustCounters(ctx, tx, pool.ID, delta, exported); err != nil {
			return err
		}
		pool.Consumed += delta

		ent.Quantity = quantity
		ent.UpdatedAt = m.clock.Now()
		ent.Pool = pool
		if err := m.ents.Save(ctx, tx, ent); err != nil {
			return err
		}
		if err := m.certificates.Regenerate(ctx, tx, []*entdomain.Entitlement{ent}, false); err != nil {
			return err
		}
		if err := m.events.Queue(ctx, tx, eventdomain.EntitlementModified(ent)); err != nil {
			return err
		}
		cs.touch(ent.ConsumerID)

		if pool.StackingID() != "" {
			if _, err := m.updateStackDerivedPools(ctx, tx, []snowflake.ID{ent.ConsumerID}, cs, deleteEmptiedNow); err != nil {
				return err
			}
		}
		return m.compliance.Recompute(ctx, tx, cs.consumerIDs())
	})
	if err != nil {
		return nil, err
	}
	m.recordPoolMetrics(cs)
	return ent, nil
}

// RevokeEntitlements removes the entitlements by id. Unknown ids are ignored.
func (m *Manager) RevokeEntitlements(ctx context.Context, ids []snowflake.ID) (int, error) {
	cs := newChangeSet()
	for _, block := range db.Chunk(uniqueSorted(ids), m.bulkSize) {
		err := db.WithinTx(ctx, m.db, func(tx *gorm.DB) error {
			ents, err := m.ents.FindByIDs(ctx, tx, block)
			if err != nil {
				return err
			}
			return m.revoke(ctx, tx, ents, cs)
		})
		if err != nil {
			return cs.revoked, err
		}
	}
	if err := m.compliance.Recompute(ctx, m.db, cs.consumerIDs()); err != nil {
		return cs.revoked, err
	}
	m.recordPoolMetrics(cs)
	return cs.revoked, nil
}

// RevokeAllEntitlements strips every entitlement from the consumer.
func (m *Manager) RevokeAllEntitlements(ctx context.Context, consumerUUID string) (int, error) {
	consumer, err := m.findConsumer(ctx, m.db, consumerUUID)
	if err != nil {
		return 0, err
	}
	ents, err := m.ents.ListByConsumer(ctx, m.db, consumer.ID)
	if err != nil {
		return 0, err
	}
	revoked, err := m.RevokeEntitlements(ctx, entdomain.IDs(ents))
	if err != nil {
		return revoked, err
	}
	m.log.Info("revoked all entitlements",
		zap.String("consumer_uuid", consumer.UUID),
		zap.Int("count", revoked),
	)
	return revoked, nil
}
