package refresh

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allotment/internal/clock"
	"github.com/smallbiznis/allotment/internal/config"
	ownerdomain "github.com/smallbiznis/allotment/internal/owner/domain"
	productdomain "github.com/smallbiznis/allotment/internal/product/domain"
	"github.com/smallbiznis/allotment/internal/upstream"
	"github.com/smallbiznis/allotment/pkg/dbtypes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const orphanPurgeBatch = 500

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Rules    *config.RulesHolder
	Products productdomain.Repository
	Source   upstream.ProductSource
}

type Refresher struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	rules    *config.RulesHolder
	products productdomain.Repository
	source   upstream.ProductSource
}

func New(p Params) *Refresher {
	return &Refresher{
		db:       p.DB,
		log:      p.Log.Named("refresh.products"),
		genID:    p.GenID,
		clock:    p.Clock,
		rules:    p.Rules,
		products: p.Products,
		source:   p.Source,
	}
}

var Module = fx.Module("refresh",
	fx.Provide(New),
)

// FetchProducts loads every product the subscriptions reference, following derived products.
func (r *Refresher) FetchProducts(ctx context.Context, ownerKey string, subs []upstream.SubscriptionInfo) ([]upstream.ProductInfo, error) {
	wanted := map[string]struct{}{}
	for _, sub := range subs {
		if sub.ProductID != "" {
			wanted[sub.ProductID] = struct{}{}
		}
		if sub.DerivedProductID != "" {
			wanted[sub.DerivedProductID] = struct{}{}
		}
	}

	fetched := map[string]upstream.ProductInfo{}
	for len(wanted) > 0 {
		ids := make([]string, 0, len(wanted))
		for id := range wanted {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		infos, err := r.source.GetProductsByIDs(ctx, ownerKey, ids)
		if err != nil {
			return nil, fmt.Errorf("fetch products for owner %s: %w", ownerKey, err)
		}
		wanted = map[string]struct{}{}
		for _, info := range infos {
			fetched[info.ID] = info
		}
		for _, info := range infos {
			if d := info.DerivedProductID; d != "" {
				if _, ok := fetched[d]; !ok {
					wanted[d] = struct{}{}
				}
			}
		}
		// Ids the source does not know are dropped rather than re-requested.
		for _, id := range ids {
			delete(wanted, id)
		}
	}

	out := make([]upstream.ProductInfo, 0, len(fetched))
	for _, info := range fetched {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RefreshProducts imports infos for owner inside tx. Changed content produces a new
// version and orphans the previous one. With prune set, active products missing from
// infos are orphaned and reported as DELETED.
func (r *Refresher) RefreshProducts(ctx context.Context, tx *gorm.DB, owner *ownerdomain.Owner, infos []upstream.ProductInfo, prune bool) (*Result, error) {
	res := newResult()
	now := r.clock.Now()

	active, err := r.products.ListActive(ctx, tx, owner.ID)
	if err != nil {
		return nil, err
	}

	var inserts []*productdomain.Product
	var orphans []snowflake.ID
	seen := map[string]struct{}{}

	for _, info := range infos {
		id := strings.TrimSpace(info.ID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		checksum, err := Checksum(info)
		if err != nil {
			return nil, fmt.Errorf("checksum product %s: %w", id, err)
		}

		current := active[id]
		if current != nil && current.Checksum == checksum {
			res.Products[id] = StateUnchanged
			res.Versions[id] = current
			continue
		}

		version := r.toProduct(owner.ID, info, checksum, now)
		inserts = append(inserts, version)
		res.Versions[id] = version
		if current == nil {
			res.Products[id] = StateCreated
			continue
		}
		res.Products[id] = StateUpdated
		orphans = append(orphans, current.UUID)
	}

	if prune {
		for id, current := range active {
			if _, ok := seen[id]; ok {
				continue
			}
			res.Products[id] = StateDeleted
			orphans = append(orphans, current.UUID)
		}
	}

	// Orphan first so the partial index on active versions never sees two rows.
	if err := r.products.MarkOrphaned(ctx, tx, orphans, now); err != nil {
		return nil, err
	}
	if err := r.products.Insert(ctx, tx, inserts); err != nil {
		return nil, err
	}

	for _, v := range res.Versions {
		if v.DerivedProductID != "" {
			v.DerivedProduct = res.Versions[v.DerivedProductID]
		}
	}

	r.log.Info("products refreshed",
		zap.String("owner_key", owner.Key),
		zap.Int("created", res.Count(StateCreated)),
		zap.Int("updated", res.Count(StateUpdated)),
		zap.Int("unchanged", res.Count(StateUnchanged)),
		zap.Int("deleted", res.Count(StateDeleted)),
	)
	return res, nil
}

// CleanupOrphans purges orphaned product versions older than the configured grace period.
func (r *Refresher) CleanupOrphans(ctx context.Context) (int, error) {
	grace := r.rules.Get().OrphanGracePeriod
	before := r.clock.Now().Add(-grace)

	total := 0
	for {
		ids, err := r.products.ListOrphanedBefore(ctx, r.db, before, orphanPurgeBatch)
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			break
		}
		if err := r.products.DeleteByUUIDs(ctx, r.db, ids); err != nil {
			return total, err
		}
		total += len(ids)
		if len(ids) < orphanPurgeBatch {
			break
		}
	}
	if total > 0 {
		r.log.Info("orphaned products purged", zap.Int("count", total), zap.Time("before", before))
	}
	return total, nil
}

func (r *Refresher) toProduct(ownerID snowflake.ID, info upstream.ProductInfo, checksum string, now time.Time) *productdomain.Product {
	multiplier := info.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	attrs := dbtypes.StringMap{}
	for k, v := range info.Attributes {
		attrs[k] = v
	}
	return &productdomain.Product{
		UUID:               r.genID.Generate(),
		OwnerID:            ownerID,
		ProductID:          strings.TrimSpace(info.ID),
		Name:               info.Name,
		Multiplier:         multiplier,
		Attributes:         attrs,
		ProvidedProductIDs: dbtypes.StringList(info.ProvidedProductIDs).Normalized(),
		DerivedProductID:   info.DerivedProductID,
		Checksum:           checksum,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}
