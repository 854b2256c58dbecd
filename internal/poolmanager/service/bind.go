package service

import (
	"context"
	"errors"
	"sort"

	"github.com/bwmarrin/snowflake"
	consumerdomain "github.com/smallbiznis/allotment/internal/consumer/domain"
	entdomain "github.com/smallbiznis/allotment/internal/entitlement/domain"
	eventdomain "github.com/smallbiznis/allotment/internal/event/domain"
	"github.com/smallbiznis/allotment/internal/observability/metrics"
	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
	"github.com/smallbiznis/allotment/internal/poolmanager/domain"
	"github.com/smallbiznis/allotment/internal/rules/autobind"
	"github.com/smallbiznis/allotment/internal/rules/bindrules"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EntitleByPools binds the consumer to explicit pools.
func (m *Manager) EntitleByPools(ctx context.Context, consumerUUID string, items []domain.BindItem) ([]*entdomain.Entitlement, error) {
	merged := map[snowflake.ID]int64{}
	for _, item := range items {
		if item.Quantity < 1 {
			return nil, entdomain.ErrInvalidQuantity
		}
		merged[item.PoolID] += item.Quantity
	}
	if len(merged) == 0 {
		return nil, domain.ErrEmptyBind
	}

	consumer, err := m.findConsumer(ctx, m.db, consumerUUID)
	if err != nil {
		return nil, err
	}

	var out []*entdomain.Entitlement
	cs := newChangeSet()
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := m.consumers.LockByID(ctx, tx, consumer.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return consumerdomain.ErrNotFound
		}
		pools, err := m.pools.FindByIDs(ctx, tx, sortedPoolKeys(merged))
		if err != nil {
			return err
		}
		if len(pools) != len(merged) {
			return pooldomain.ErrNotFound
		}
		request := make([]pooldomain.PoolQuantity, 0, len(pools))
		for _, p := range pools {
			if p.OwnerID != locked.OwnerID {
				return pooldomain.ErrNotFound
			}
			request = append(request, pooldomain.PoolQuantity{Pool: p, Quantity: merged[p.ID]})
		}
		out, err = m.createEntitlements(ctx, tx, locked, request, cs)
		if err != nil {
			return err
		}
		return m.compliance.Recompute(ctx, tx, cs.consumerIDs())
	})
	if err != nil {
		return nil, err
	}
	m.recordPoolMetrics(cs)
	return out, nil
}

// createEntitlements locks the pools in id order, validates every request against the
// bind rules and then consumes the quantities. Any refusal aborts the whole request.
func (m *Manager) createEntitlements(
	ctx context.Context,
	tx *gorm.DB,
	consumer *consumerdomain.Consumer,
	items []pooldomain.PoolQuantity,
	cs *changeSet,
) ([]*entdomain.Entitlement, error) {
	items = append([]pooldomain.PoolQuantity(nil), items...)
	pooldomain.SortPoolQuantities(items)
	ids := make([]snowflake.ID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.Pool.ID)
	}

	// Re-read under lock: availability seen by the caller may be stale.
	locked, err := m.pools.LockByIDs(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	if err := m.resolver.ResolvePools(ctx, tx, locked); err != nil {
		return nil, err
	}
	byID := make(map[snowflake.ID]*pooldomain.Pool, len(locked))
	for _, p := range locked {
		byID[p.ID] = p
	}

	held, err := m.ents.ListByConsumer(ctx, tx, consumer.ID)
	if err != nil {
		return nil, err
	}
	host, err := m.hostOf(ctx, tx, consumer)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	bindCtx := bindrules.Context{
		Consumer:            consumer,
		Host:                host,
		Now:                 now,
		HeldPoolIDs:         heldPools(held),
		UnmappedGuestWindow: m.rules.Get().UnmappedGuestWindow,
	}

	refusal := bindrules.NewRefusalError()
	for _, item := range items {
		pool := byID[item.Pool.ID]
		if pool == nil {
			refusal.Add(item.Pool.ID, bindrules.Reason{Code: bindrules.ReasonNoEntitlementsAvailable})
			continue
		}
		if reasons := bindrules.Validate(bindCtx, pool, item.Quantity); len(reasons) > 0 {
			refusal.Add(pool.ID, reasons...)
		}
	}
	if !refusal.Empty() {
		return nil, refusal
	}

	ents := make([]*entdomain.Entitlement, 0, len(items))
	for _, item := range items {
		pool := byID[item.Pool.ID]
		ents = append(ents, &entdomain.Entitlement{
			ID:         m.genID.Generate(),
			OwnerID:    consumer.OwnerID,
			ConsumerID: consumer.ID,
			PoolID:     pool.ID,
			Quantity:   item.Quantity,
			CreatedAt:  now,
			UpdatedAt:  now,
			Pool:       pool,
		})
	}
	if err := m.ents.Insert(ctx, tx, ents); err != nil {
		return nil, err
	}

	events := make([]*eventdomain.Event, 0, len(ents))
	for _, e := range ents {
		var exported int64
		if consumer.IsDistributor() {
			exported = e.Quantity
		}
		if err := m.pools.AdjustCounters(ctx, tx, e.PoolID, e.Quantity, exported); err != nil {
			return nil, err
		}
		e.Pool.Consumed += e.Quantity
		e.Pool.Exported += exported
		events = append(events, eventdomain.EntitlementCreated(e))
	}
	if err := m.events.Queue(ctx, tx, events...); err != nil {
		return nil, err
	}
	if err := m.certificates.Regenerate(ctx, tx, ents, false); err != nil {
		return nil, err
	}
	metrics.Engine().AddEntitlements(metrics.EntitlementOpCreated, len(ents))
	cs.touch(consumer.ID)

	if err := m.postBind(ctx, tx, consumer, ents, cs); err != nil {
		return nil, err
	}

	m.log.Debug("entitlements created",
		zap.String("consumer_uuid", consumer.UUID),
		zap.Int("count", len(ents)),
	)
	return ents, nil
}

// postBind grants host-restricted guest pools to physical hosts binding virt-limited pools.
func (m *Manager) postBind(ctx context.Context, tx *gorm.DB, consumer *consumerdomain.Consumer, ents []*entdomain.Entitlement, cs *changeSet) error {
	var derived []*pooldomain.Pool
	stacks := map[string]struct{}{}
	for _, e := range ents {
		switch {
		case m.engine.NeedsEntitlementDerivedPool(consumer, e.Pool):
			if p := m.engine.CreateEntitlementDerivedPool(consumer, e); p != nil {
				derived = append(derived, p)
			}
		case m.engine.NeedsStackDerivedPool(consumer, e.Pool):
			stacks[e.Pool.StackingID()] = struct{}{}
		}
	}
	if err := m.insertPools(ctx, tx, derived, cs); err != nil {
		return err
	}
	if len(stacks) == 0 {
		return nil
	}

	var missing []string
	for stackID := range stacks {
		existing, err := m.pools.FindStackDerived(ctx, tx, consumer.ID, stackID)
		if err != nil {
			return err
		}
		if existing == nil {
			missing = append(missing, stackID)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		held, err := m.ents.ListByConsumer(ctx, tx, consumer.ID)
		if err != nil {
			return err
		}
		if err := m.resolver.ResolveEntitlements(ctx, tx, held); err != nil {
			return err
		}
		var created []*pooldomain.Pool
		for _, stackID := range missing {
			var stackEnts []*entdomain.Entitlement
			for _, e := range held {
				if e.Pool != nil && e.Pool.StackingID() == stackID {
					stackEnts = append(stackEnts, e)
				}
			}
			if p := m.engine.CreateStackDerivedPool(consumer, stackID, stackEnts); p != nil {
				created = append(created, p)
			}
		}
		if err := m.insertPools(ctx, tx, created, cs); err != nil {
			return err
		}
	}

	_, err := m.updateStackDerivedPools(ctx, tx, []snowflake.ID{consumer.ID}, cs, deleteEmptiedNow)
	return err
}

// Autobind selects and binds the best pools for the consumer. A selection that loses
// a race for capacity is retried with fresh data.
func (m *Manager) Autobind(ctx context.Context, req domain.AutobindRequest) ([]*entdomain.Entitlement, error) {
	ctx, span := m.tracer.Start(ctx, "poolmanager.Autobind",
		trace.WithAttributes(attribute.String("consumer.uuid", req.ConsumerUUID)))
	defer span.End()

	consumer, err := m.findConsumer(ctx, m.db, req.ConsumerUUID)
	if err != nil {
		return nil, err
	}
	ents, err := m.withAutobindRetry(ctx, consumer, func() ([]*entdomain.Entitlement, error) {
		return m.autobindOnce(ctx, consumer, nil, req)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "autobind failed")
	}
	return ents, err
}

func (m *Manager) HostAutobind(ctx context.Context, hostUUID, guestUUID string) ([]*entdomain.Entitlement, error) {
	ctx, span := m.tracer.Start(ctx, "poolmanager.HostAutobind",
		trace.WithAttributes(
			attribute.String("host.uuid", hostUUID),
			attribute.String("guest.uuid", guestUUID),
		))
	defer span.End()

	host, err := m.findConsumer(ctx, m.db, hostUUID)
	if err != nil {
		return nil, err
	}
	guest, err := m.findConsumer(ctx, m.db, guestUUID)
	if err != nil {
		return nil, err
	}
	if guest.OwnerID != host.OwnerID {
		return nil, consumerdomain.ErrOwnerMismatch
	}
	ents, err := m.withAutobindRetry(ctx, host, func() ([]*entdomain.Entitlement, error) {
		return m.autobindOnce(ctx, host, guest, domain.AutobindRequest{ConsumerUUID: hostUUID})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "host autobind failed")
	}
	return ents, err
}

func (m *Manager) withAutobindRetry(ctx context.Context, consumer *consumerdomain.Consumer, attempt func() ([]*entdomain.Entitlement, error)) ([]*entdomain.Entitlement, error) {
	attempts := m.rules.Get().AutobindRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	em := metrics.Engine()
	for i := 1; ; i++ {
		ents, err := attempt()
		if err == nil {
			if len(ents) == 0 {
				em.IncAutobind(metrics.AutobindOutcomeEmpty)
			} else {
				em.IncAutobind(metrics.AutobindOutcomeBound)
			}
			return ents, nil
		}
		var refusal *bindrules.RefusalError
		if !errors.As(err, &refusal) {
			return nil, err
		}
		if refusal.IsOnlyNoEntitlementsAvailable() && i < attempts {
			em.IncAutobind(metrics.AutobindOutcomeRetried)
			m.log.Debug("autobind lost capacity race, retrying",
				zap.String("consumer_uuid", consumer.UUID),
				zap.Int("attempt", i),
			)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		em.IncAutobind(metrics.AutobindOutcomeRefused)
		return nil, err
	}
}

// autobindOnce runs one selection and bind inside a transaction holding the consumer lock.
// With guest set, selection covers the guest and binds to consumer as its host.
func (m *Manager) autobindOnce(ctx context.Context, consumer, guest *consumerdomain.Consumer, req domain.AutobindRequest) ([]*entdomain.Entitlement, error) {
	var out []*entdomain.Entitlement
	cs := newChangeSet()
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := m.consumers.LockByID(ctx, tx, consumer.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return consumerdomain.ErrNotFound
		}
		owner, err := m.owners.FindByID(ctx, tx, locked.OwnerID)
		if err != nil {
			return err
		}
		ownerSLA := ""
		if owner != nil {
			ownerSLA = owner.DefaultServiceLevel
		}

		now := m.clock.Now()
		target := locked
		if guest != nil {
			target = guest
		}
		status, err := m.compliance.GetStatus(ctx, tx, target, now, false)
		if err != nil {
			return err
		}

		held, err := m.ents.ListByConsumer(ctx, tx, locked.ID)
		if err != nil {
			return err
		}
		if err := m.resolver.ResolveEntitlements(ctx, tx, held); err != nil {
			return err
		}
		pools, err := m.pools.ListActiveByOwner(ctx, tx, locked.OwnerID, now)
		if err != nil {
			return err
		}
		if err := m.resolver.ResolvePools(ctx, tx, pools); err != nil {
			return err
		}
		host, err := m.hostOf(ctx, tx, locked)
		if err != nil {
			return err
		}

		var required []string
		if len(req.ProductIDs) > 0 {
			required = req.ProductIDs
		}
		var guestCount int64
		if guest != nil {
			guests, err := m.consumers.ListGuests(ctx, tx, locked.ID)
			if err != nil {
				return err
			}
			guestCount = int64(len(guests))
			if !containsConsumer(guests, guest.ID) {
				guestCount++
			}
		}
		rules := m.rules.Get()
		selection, err := m.selector.SelectBestPools(autobind.Request{
			Consumer:            locked,
			Guest:               guest,
			GuestCount:          guestCount,
			RequiredProducts:    required,
			Pools:               pools,
			Compliance:          status,
			Entitlements:        held,
			OwnerDefaultSLA:     ownerSLA,
			SLAOverride:         req.ServiceLevel,
			ExemptServiceLevels: rules.ExemptServiceLevels,
			Now:                 now,
			Host:                host,
			UnmappedGuestWindow: rules.UnmappedGuestWindow,
		})
		if err != nil {
			return err
		}
		if len(selection) == 0 {
			return nil
		}

		out, err = m.createEntitlements(ctx, tx, locked, selection, cs)
		if err != nil {
			return err
		}
		return m.compliance.Recompute(ctx, tx, cs.consumerIDs())
	})
	if err != nil {
		return nil, err
	}
	m.recordPoolMetrics(cs)
	return out, nil
}

func (m *Manager) hostOf(ctx context.Context, tx *gorm.DB, consumer *consumerdomain.Consumer) (*consumerdomain.Consumer, error) {
	if consumer.HostID == nil {
		return nil, nil
	}
	return m.consumers.FindByID(ctx, tx, *consumer.HostID)
}

func heldPools(ents []*entdomain.Entitlement) map[snowflake.ID]struct{} {
	out := make(map[snowflake.ID]struct{}, len(ents))
	for _, e := range ents {
		out[e.PoolID] = struct{}{}
	}
	return out
}

func sortedPoolKeys(m map[snowflake.ID]int64) []snowflake.ID {
	out := make([]snowflake.ID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func containsConsumer(consumers []*consumerdomain.Consumer, id snowflake.ID) bool {
	for _, c := range consumers {
		if c.ID == id {
			return true
		}
	}
	return false
}
