package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allotment/internal/observability/metrics"
	ownerdomain "github.com/smallbiznis/allotment/internal/owner/domain"
	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
	"github.com/smallbiznis/allotment/internal/poolmanager/domain"
	productdomain "github.com/smallbiznis/allotment/internal/product/domain"
	"github.com/smallbiznis/allotment/internal/refresh"
	"github.com/smallbiznis/allotment/internal/upstream"
	"github.com/smallbiznis/allotment/pkg/dbtypes"
	"github.com/smallbiznis/allotment/pkg/lock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func refreshLockKey(ownerKey string) string {
	return "allotment:refresh:" + ownerKey
}

func (m *Manager) RefreshPools(ctx context.Context, ownerKey string) (report *domain.RefreshReport, err error) {
	ctx, span := m.tracer.Start(ctx, "poolmanager.RefreshPools",
		trace.WithAttributes(attribute.String("owner.key", ownerKey)))
	started := time.Now()
	defer func() {
		outcome := metrics.RefreshOutcomeSuccess
		if err != nil {
			outcome = metrics.RefreshOutcomeFailure
			span.RecordError(err)
			span.SetStatus(codes.Error, "refresh failed")
		}
		metrics.Engine().ObserveRefresh(outcome, time.Since(started))
		span.End()
	}()

	owner, err := m.findOwner(ctx, m.db, ownerKey)
	if err != nil {
		return nil, err
	}

	release, err := m.locker.Acquire(ctx, refreshLockKey(owner.Key), m.cfg.OwnerLockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, domain.ErrRefreshInProgress
		}
		return nil, err
	}
	defer release()

	subs, err := m.subscriptions.GetSubscriptions(ctx, owner.Key)
	if err != nil {
		return nil, fmt.Errorf("fetch subscriptions for owner %s: %w", owner.Key, err)
	}
	infos, err := m.refresher.FetchProducts(ctx, owner.Key, subs)
	if err != nil {
		return nil, err
	}

	report = &domain.RefreshReport{OwnerKey: owner.Key, Products: map[string]int{}}
	cs := newChangeSet()
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := m.owners.LockByID(ctx, tx, owner.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return ownerdomain.ErrNotFound
		}

		// Resolve against the versions in place before the refresh so product
		// changes can be detected per pool.
		existing, err := m.pools.ListByOwner(ctx, tx, locked.ID)
		if err != nil {
			return err
		}
		if err := m.resolver.ResolvePools(ctx, tx, existing); err != nil {
			return err
		}

		products, err := m.refresher.RefreshProducts(ctx, tx, locked, infos, true)
		if err != nil {
			return err
		}
		for _, state := range []refresh.EntityState{refresh.StateCreated, refresh.StateUpdated, refresh.StateUnchanged, refresh.StateDeleted} {
			report.Products[string(state)] = products.Count(state)
		}

		if err := m.reconcile(ctx, tx, locked, subs, existing, products, cs); err != nil {
			return err
		}
		report.Subscriptions = len(subs)

		if err := m.owners.TouchRefreshed(ctx, tx, locked.ID, m.clock.Now()); err != nil {
			return err
		}
		return m.compliance.Recompute(ctx, tx, cs.consumerIDs())
	})
	if err != nil {
		m.log.Error("owner refresh failed", zap.String("owner_key", owner.Key), zap.Error(err))
		return nil, err
	}

	report.PoolsCreated = cs.poolsCreated
	report.PoolsUpdated = cs.poolsUpdated
	report.PoolsDeleted = cs.poolsDeleted
	report.EntitlementsRevoked = cs.revoked
	m.recordPoolMetrics(cs)

	m.log.Info("owner refreshed",
		zap.String("owner_key", owner.Key),
		zap.Int("subscriptions", report.Subscriptions),
		zap.Int("pools_created", report.PoolsCreated),
		zap.Int("pools_updated", report.PoolsUpdated),
		zap.Int("pools_deleted", report.PoolsDeleted),
		zap.Int("entitlements_revoked", report.EntitlementsRevoked),
	)
	return report, nil
}

// reconcile walks every subscription, then removes managed pools whose subscription is gone.
func (m *Manager) reconcile(
	ctx context.Context,
	tx *gorm.DB,
	owner *ownerdomain.Owner,
	subs []upstream.SubscriptionInfo,
	existing []*pooldomain.Pool,
	products *refresh.Result,
	cs *changeSet,
) error {
	bySub := map[string][]*pooldomain.Pool{}
	for _, p := range existing {
		if p.SubscriptionID == "" {
			continue
		}
		bySub[p.SubscriptionID] = append(bySub[p.SubscriptionID], p)
	}

	ordered := append([]upstream.SubscriptionInfo(nil), subs...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	changed := products.Changed()
	seen := map[string]struct{}{}
	for _, sub := range ordered {
		id := strings.TrimSpace(sub.ID)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		master, err := m.ConvertToMasterPool(owner, sub, products.Versions)
		if err != nil {
			return err
		}
		if err := m.applySubscription(ctx, tx, master, bySub[id], sub.Quantity, changed, cs); err != nil {
			return err
		}
	}

	standalone := m.cfg.IsStandalone()
	var stale []*pooldomain.Pool
	for subID, pools := range bySub {
		if _, ok := seen[subID]; ok {
			continue
		}
		for _, p := range pools {
			if p.IsManaged(standalone) {
				stale = append(stale, p)
			}
		}
	}
	pooldomain.SortPools(stale)
	return m.deletePools(ctx, tx, stale, cs)
}

// ConvertToMasterPool builds the canonical master pool of a subscription from the
// owner's refreshed product versions.
func (m *Manager) ConvertToMasterPool(owner *ownerdomain.Owner, sub upstream.SubscriptionInfo, products map[string]*productdomain.Product) (*pooldomain.Pool, error) {
	if owner == nil {
		return nil, fmt.Errorf("%w: subscription %s has no owner", pooldomain.ErrIllegalState, sub.ID)
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, fmt.Errorf("%w: subscription without id for owner %s", pooldomain.ErrIllegalState, owner.Key)
	}
	if sub.OwnerKey != "" && sub.OwnerKey != owner.Key {
		return nil, fmt.Errorf("%w: subscription %s belongs to owner %s, not %s",
			pooldomain.ErrIllegalState, sub.ID, sub.OwnerKey, owner.Key)
	}
	product := products[sub.ProductID]
	if product == nil {
		return nil, fmt.Errorf("%w: subscription %s references unknown product %q",
			pooldomain.ErrIllegalState, sub.ID, sub.ProductID)
	}

	derivedID := sub.DerivedProductID
	if derivedID == "" {
		derivedID = product.DerivedProductID
	}
	var derived *productdomain.Product
	if derivedID != "" {
		if derived = products[derivedID]; derived == nil {
			return nil, fmt.Errorf("%w: subscription %s references unknown derived product %q",
				pooldomain.ErrIllegalState, sub.ID, derivedID)
		}
		product.DerivedProduct = derived
	}

	branding := make(dbtypes.BrandingList, 0, len(sub.Branding))
	for _, b := range sub.Branding {
		branding = append(branding, dbtypes.Branding{ProductID: b.ProductID, Name: b.Name, Type: b.Type})
	}

	pool := &pooldomain.Pool{
		OwnerID:            owner.ID,
		Type:               pooldomain.PoolTypeNormal,
		ProductID:          product.ProductID,
		ProductName:        product.Name,
		ProvidedProductIDs: product.ProvidedProductIDs.Normalized(),
		Quantity:           productdomain.MultiplyQuantity(sub.Quantity, product.EffectiveMultiplier()),
		StartDate:          sub.StartDate.UTC(),
		EndDate:            sub.EndDate.UTC(),
		SubscriptionID:     strings.TrimSpace(sub.ID),
		SubscriptionSubKey: pooldomain.SubKeyMaster,
		UpstreamPoolID:     sub.UpstreamPoolID,
		StackID:            product.StackingID(),
		Attributes:         dbtypes.StringMap(sub.Attributes).Clone(),
		Branding:           branding,
		ContractNumber:     sub.ContractNumber,
		OrderNumber:        sub.OrderNumber,
		AccountNumber:      sub.AccountNumber,
		Product:            product,
		DerivedProduct:     derived,
	}
	if derived != nil {
		pool.DerivedProductID = derived.ProductID
		pool.DerivedProvidedProductIDs = derived.ProvidedProductIDs.Normalized()
	}
	return pool, nil
}

// applySubscription creates missing pools for the subscription and reconciles the
// rest. Shrinking pools shed overflow, oldest entitlements first; removed bonus pools are deleted.
func (m *Manager) applySubscription(
	ctx context.Context,
	tx *gorm.DB,
	master *pooldomain.Pool,
	existing []*pooldomain.Pool,
	originalQuantity int64,
	changed map[string]*productdomain.Product,
	cs *changeSet,
) error {
	var current []*pooldomain.Pool
	if len(existing) > 0 {
		locked, err := m.pools.LockByIDs(ctx, tx, poolIDs(existing))
		if err != nil {
			return err
		}
		resolved := make(map[snowflake.ID]*pooldomain.Pool, len(existing))
		for _, p := range existing {
			resolved[p.ID] = p
		}
		for _, p := range locked {
			if old := resolved[p.ID]; old != nil {
				p.Product = old.Product
				p.DerivedProduct = old.DerivedProduct
			}
		}
		current = locked
	}

	created, err := m.engine.CreateAndEnrichPools(master, current)
	if err != nil {
		return err
	}
	if err := m.insertPools(ctx, tx, created, cs); err != nil {
		return err
	}
	if len(current) == 0 {
		return nil
	}

	var doomed []*pooldomain.Pool
	for _, u := range m.engine.UpdatePools(master, current, originalQuantity, changed) {
		p := u.Pool
		if p.MarkedForDelete {
			doomed = append(doomed, p)
			continue
		}
		if err := m.savePool(ctx, tx, u, cs); err != nil {
			return err
		}
		if u.QuantityChanged && p.IsOverflowing() {
			if err := m.revokeOverflow(ctx, tx, p, cs); err != nil {
				return err
			}
		}
		if u.ContentChanged() {
			ents, err := m.ents.ListByPools(ctx, tx, []snowflake.ID{p.ID})
			if err != nil {
				return err
			}
			if err := m.certificates.Regenerate(ctx, tx, ents, true); err != nil {
				return err
			}
			for _, e := range ents {
				cs.touch(e.ConsumerID)
			}
		}
	}
	return m.deletePools(ctx, tx, doomed, cs)
}

func (m *Manager) recordPoolMetrics(cs *changeSet) {
	em := metrics.Engine()
	em.AddPools(metrics.PoolOpCreated, cs.poolsCreated)
	em.AddPools(metrics.PoolOpUpdated, cs.poolsUpdated)
	em.AddPools(metrics.PoolOpDeleted, cs.poolsDeleted)
	em.AddEntitlements(metrics.EntitlementOpRevoked, cs.revoked)
}

// RefreshStaleOwners refreshes up to limit owners not refreshed within the configured interval.
func (m *Manager) RefreshStaleOwners(ctx context.Context, limit int) (int, error) {
	interval := m.cfg.RefreshInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	owners, err := m.owners.ListStale(ctx, m.db, m.clock.Now().Add(-interval), limit)
	if err != nil {
		return 0, err
	}
	var errs []error
	refreshed := 0
	for _, owner := range owners {
		if _, err := m.RefreshPools(ctx, owner.Key); err != nil {
			if errors.Is(err, domain.ErrRefreshInProgress) {
				continue
			}
			errs = append(errs, fmt.Errorf("owner %s: %w", owner.Key, err))
			continue
		}
		refreshed++
	}
	return refreshed, errors.Join(errs...)
}

func (m *Manager) ListPools(ctx context.Context, ownerKey string) ([]*pooldomain.Pool, error) {
	owner, err := m.findOwner(ctx, m.db, ownerKey)
	if err != nil {
		return nil, err
	}
	pools, err := m.pools.ListByOwner(ctx, m.db, owner.ID)
	if err != nil {
		return nil, err
	}
	if err := m.resolver.ResolvePools(ctx, m.db, pools); err != nil {
		return nil, err
	}
	return pools, nil
}
