package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	consumerdomain "github.com/smallbiznis/allotment/internal/consumer/domain"
	entdomain "github.com/smallbiznis/allotment/internal/entitlement/domain"
	eventdomain "github.com/smallbiznis/allotment/internal/event/domain"
	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
	"github.com/smallbiznis/allotment/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// deletePools removes pools together with everything hanging off them: their
// entitlements, the bonus pools of deleted master pools, pools derived from the
// revoked entitlements, and stack pools left without entitlements. The work queue
// runs until no new pool is discovered.
func (m *Manager) deletePools(ctx context.Context, tx *gorm.DB, pools []*pooldomain.Pool, cs *changeSet) error {
	queue := pools
	for len(queue) > 0 {
		var ids []snowflake.ID
		masters := map[snowflake.ID][]string{}
		for _, p := range queue {
			if _, done := cs.deleted[p.ID]; done {
				continue
			}
			ids = append(ids, p.ID)
			if p.SubscriptionID != "" && !p.IsBonus() {
				masters[p.OwnerID] = append(masters[p.OwnerID], p.SubscriptionID)
			}
		}
		queue = nil
		ids = uniqueSorted(ids)
		if len(ids) == 0 {
			break
		}

		locked, err := m.pools.LockByIDs(ctx, tx, ids)
		if err != nil {
			return err
		}
		for ownerID, subIDs := range masters {
			siblings, err := m.pools.ListBySubscriptions(ctx, tx, ownerID, subIDs)
			if err != nil {
				return err
			}
			for _, s := range siblings {
				if s.IsBonus() {
					queue = append(queue, s)
				}
			}
		}
		if len(locked) == 0 {
			continue
		}
		lockedIDs := poolIDs(locked)

		ents, err := m.ents.ListByPools(ctx, tx, lockedIDs)
		if err != nil {
			return err
		}
		entIDs := entdomain.IDs(ents)
		derived, err := m.pools.ListBySourceEntitlements(ctx, tx, entIDs)
		if err != nil {
			return err
		}
		queue = append(queue, derived...)

		if err := m.removeEntitlements(ctx, tx, ents, cs); err != nil {
			return err
		}
		if err := m.pools.DeleteByIDs(ctx, tx, lockedIDs); err != nil {
			return err
		}
		events := make([]*eventdomain.Event, 0, len(locked))
		for _, p := range locked {
			cs.deleted[p.ID] = struct{}{}
			events = append(events, eventdomain.PoolDeleted(p))
		}
		if err := m.events.Queue(ctx, tx, events...); err != nil {
			return err
		}
		cs.poolsDeleted += len(locked)

		emptied, err := m.updateStackDerivedPools(ctx, tx, consumerIDsOf(ents), cs, deferEmptied)
		if err != nil {
			return err
		}
		queue = append(queue, emptied...)
	}
	return nil
}

// removeEntitlements deletes entitlement rows, their certificates, and queues events.
// Pool counters are left to the caller.
func (m *Manager) removeEntitlements(ctx context.Context, tx *gorm.DB, ents []*entdomain.Entitlement, cs *changeSet) error {
	if len(ents) == 0 {
		return nil
	}
	ids := entdomain.IDs(ents)
	if err := m.certificates.Delete(ctx, tx, ids); err != nil {
		return err
	}
	if err := m.ents.DeleteByIDs(ctx, tx, ids); err != nil {
		return err
	}
	events := make([]*eventdomain.Event, 0, len(ents))
	for _, e := range ents {
		if cs.expired {
			events = append(events, eventdomain.EntitlementExpired(e))
		} else {
			events = append(events, eventdomain.EntitlementDeleted(e))
		}
		cs.touch(e.ConsumerID)
	}
	cs.revoked += len(ents)
	return m.events.Queue(ctx, tx, events...)
}

// revoke returns the entitlements' quantity to their pools and removes them along with
// any pools derived from them.
func (m *Manager) revoke(ctx context.Context, tx *gorm.DB, ents []*entdomain.Entitlement, cs *changeSet) error {
	if len(ents) == 0 {
		return nil
	}
	ents = append([]*entdomain.Entitlement(nil), ents...)
	entdomain.SortOldestFirst(ents)

	poolSet := make([]snowflake.ID, 0, len(ents))
	consumerSet := make([]snowflake.ID, 0, len(ents))
	for _, e := range ents {
		poolSet = append(poolSet, e.PoolID)
		consumerSet = append(consumerSet, e.ConsumerID)
	}
	if _, err := m.pools.LockByIDs(ctx, tx, uniqueSorted(poolSet)); err != nil {
		return err
	}
	consumers, err := m.consumerIndex(ctx, tx, uniqueSorted(consumerSet))
	if err != nil {
		return err
	}

	for _, e := range ents {
		if _, gone := cs.deleted[e.PoolID]; gone {
			continue
		}
		var exported int64
		if c := consumers[e.ConsumerID]; c != nil && c.IsDistributor() {
			exported = -e.Quantity
		}
		if err := m.pools.AdjustCounters(ctx, tx, e.PoolID, -e.Quantity, exported); err != nil {
			return err
		}
	}

	ids := entdomain.IDs(ents)
	derived, err := m.pools.ListBySourceEntitlements(ctx, tx, ids)
	if err != nil {
		return err
	}
	if err := m.removeEntitlements(ctx, tx, ents, cs); err != nil {
		return err
	}

	emptied, err := m.updateStackDerivedPools(ctx, tx, uniqueSorted(consumerSet), cs, deferEmptied)
	if err != nil {
		return err
	}
	return m.deletePools(ctx, tx, append(derived, emptied...), cs)
}

// revokeOverflow revokes the oldest entitlements of pool until it is back within its quantity.
func (m *Manager) revokeOverflow(ctx context.Context, tx *gorm.DB, pool *pooldomain.Pool, cs *changeSet) error {
	ents, err := m.ents.ListByPools(ctx, tx, []snowflake.ID{pool.ID})
	if err != nil {
		return err
	}
	overflow := pool.Consumed - pool.Quantity
	var doomed []*entdomain.Entitlement
	for _, e := range ents {
		if overflow <= 0 {
			break
		}
		doomed = append(doomed, e)
		overflow -= e.Quantity
	}
	if len(doomed) == 0 {
		return nil
	}
	m.log.Info("revoking overflowing entitlements",
		zap.String("pool_id", pool.ID.String()),
		zap.Int64("quantity", pool.Quantity),
		zap.Int64("consumed", pool.Consumed),
		zap.Int("entitlements", len(doomed)),
	)
	return m.revoke(ctx, tx, doomed, cs)
}

// emptiedStackPools says what updateStackDerivedPools does with stack pools left
// without entitlements.
type emptiedStackPools int

const (
	// deferEmptied returns the pools so the caller can delete them with its own batch.
	deferEmptied emptiedStackPools = iota
	// deleteEmptiedNow deletes them before returning.
	deleteEmptiedNow
)

// updateStackDerivedPools recomputes the stack pools of consumers from the entitlements
// they still hold. Pools are row-locked before they are recomputed.
func (m *Manager) updateStackDerivedPools(ctx context.Context, tx *gorm.DB, consumerIDs []snowflake.ID, cs *changeSet, mode emptiedStackPools) ([]*pooldomain.Pool, error) {
	if len(consumerIDs) == 0 {
		return nil, nil
	}
	listed, err := m.pools.ListStackDerived(ctx, tx, consumerIDs)
	if err != nil {
		return nil, err
	}
	ids := make([]snowflake.ID, 0, len(listed))
	for _, p := range listed {
		if _, gone := cs.deleted[p.ID]; gone {
			continue
		}
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pools, err := m.pools.LockByIDs(ctx, tx, uniqueSorted(ids))
	if err != nil {
		return nil, err
	}
	holders := make([]snowflake.ID, 0, len(pools))
	for _, p := range pools {
		if p.SourceConsumerID != nil {
			holders = append(holders, *p.SourceConsumerID)
		}
	}
	if len(holders) == 0 {
		return nil, nil
	}
	holders = uniqueSorted(holders)

	consumers, err := m.consumerIndex(ctx, tx, holders)
	if err != nil {
		return nil, err
	}
	entsByStack := map[entdomain.StackKey][]*entdomain.Entitlement{}
	for _, id := range holders {
		ents, err := m.ents.ListByConsumer(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if err := m.resolver.ResolveEntitlements(ctx, tx, ents); err != nil {
			return nil, err
		}
		for _, e := range ents {
			if e.Pool == nil {
				continue
			}
			if stackID := e.Pool.StackingID(); stackID != "" {
				key := entdomain.StackKey{ConsumerID: id, StackID: stackID}
				entsByStack[key] = append(entsByStack[key], e)
			}
		}
	}

	res := m.engine.BulkUpdatePoolsFromStack(pools, consumers, entsByStack)
	for _, u := range res.Updated {
		if err := m.savePool(ctx, tx, u, cs); err != nil {
			return nil, err
		}
		if u.QuantityChanged && u.Pool.IsOverflowing() {
			if err := m.revokeOverflow(ctx, tx, u.Pool, cs); err != nil {
				return nil, err
			}
		}
	}
	if mode == deleteEmptiedNow {
		return nil, m.deletePools(ctx, tx, res.Emptied, cs)
	}
	return res.Emptied, nil
}

func (m *Manager) consumerIndex(ctx context.Context, tx *gorm.DB, ids []snowflake.ID) (map[snowflake.ID]*consumerdomain.Consumer, error) {
	consumers, err := m.consumers.FindByIDs(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[snowflake.ID]*consumerdomain.Consumer, len(consumers))
	for _, c := range consumers {
		out[c.ID] = c
	}
	return out, nil
}

func consumerIDsOf(ents []*entdomain.Entitlement) []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(ents))
	for _, e := range ents {
		ids = append(ids, e.ConsumerID)
	}
	return uniqueSorted(ids)
}

// DeletePools deletes the pools and their dependants in blocks of the entitler bulk
// size, each block in its own transaction.
func (m *Manager) DeletePools(ctx context.Context, ids []snowflake.ID) (int, error) {
	ctx, span := m.tracer.Start(ctx, "poolmanager.DeletePools",
		trace.WithAttributes(attribute.Int("pools.requested", len(ids))))
	defer span.End()

	cs := newChangeSet()
	for _, block := range db.Chunk(uniqueSorted(ids), m.bulkSize) {
		err := db.WithinTx(ctx, m.db, func(tx *gorm.DB) error {
			pools, err := m.pools.FindByIDs(ctx, tx, block)
			if err != nil {
				return err
			}
			return m.deletePools(ctx, tx, pools, cs)
		})
		if err != nil {
			span.RecordError(err)
			return cs.poolsDeleted, err
		}
	}
	if err := m.compliance.Recompute(ctx, m.db, cs.consumerIDs()); err != nil {
		return cs.poolsDeleted, err
	}
	m.recordPoolMetrics(cs)
	if cs.poolsDeleted > 0 {
		m.log.Info("pools deleted", zap.Int("pools", cs.poolsDeleted), zap.Int("entitlements", cs.revoked))
	}
	return cs.poolsDeleted, nil
}

// DeleteExpiredPools removes every pool whose end date has passed.
func (m *Manager) DeleteExpiredPools(ctx context.Context) (int, error) {
	ctx, span := m.tracer.Start(ctx, "poolmanager.DeleteExpiredPools")
	defer span.End()

	cs := newChangeSet()
	cs.expired = true
	now := m.clock.Now()
	for {
		ids, err := m.pools.ListExpired(ctx, m.db, now, m.bulkSize)
		if err != nil {
			return cs.poolsDeleted, err
		}
		if len(ids) == 0 {
			break
		}
		err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			pools, err := m.pools.FindByIDs(ctx, tx, ids)
			if err != nil {
				return err
			}
			return m.deletePools(ctx, tx, pools, cs)
		})
		if err != nil {
			span.RecordError(err)
			return cs.poolsDeleted, err
		}
		if len(ids) < m.bulkSize {
			break
		}
	}
	if err := m.compliance.Recompute(ctx, m.db, cs.consumerIDs()); err != nil {
		return cs.poolsDeleted, err
	}
	m.recordPoolMetrics(cs)
	if cs.poolsDeleted > 0 {
		m.log.Info("expired pools deleted", zap.Int("pools", cs.poolsDeleted))
	}
	return cs.poolsDeleted, nil
}
