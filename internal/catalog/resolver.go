// Package catalog attaches active product versions to pools and entitlements.
package catalog

import (
	"context"

	"github.com/bwmarrin/snowflake"
	entdomain "github.com/smallbiznis/allotment/internal/entitlement/domain"
	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
	productdomain "github.com/smallbiznis/allotment/internal/product/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Products productdomain.Repository
	Pools    pooldomain.Repository
}

type Resolver struct {
	products productdomain.Repository
	pools    pooldomain.Repository
}

func NewResolver(p Params) *Resolver {
	return &Resolver{products: p.Products, pools: p.Pools}
}

var Module = fx.Module("catalog",
	fx.Provide(NewResolver),
)

// ResolvePools sets Product and DerivedProduct on each pool. Unknown products stay nil.
func (r *Resolver) ResolvePools(ctx context.Context, db *gorm.DB, pools []*pooldomain.Pool) error {
	byOwner := map[snowflake.ID]map[string]struct{}{}
	for _, p := range pools {
		if p == nil {
			continue
		}
		ids, ok := byOwner[p.OwnerID]
		if !ok {
			ids = map[string]struct{}{}
			byOwner[p.OwnerID] = ids
		}
		ids[p.ProductID] = struct{}{}
		if p.DerivedProductID != "" {
			ids[p.DerivedProductID] = struct{}{}
		}
	}

	catalogs := make(map[snowflake.ID]map[string]*productdomain.Product, len(byOwner))
	for ownerID, idSet := range byOwner {
		ids := make([]string, 0, len(idSet))
		for id := range idSet {
			ids = append(ids, id)
		}
		found, err := r.products.FindActive(ctx, db, ownerID, ids)
		if err != nil {
			return err
		}
		catalogs[ownerID] = found
	}

	for _, p := range pools {
		if p == nil {
			continue
		}
		AttachProducts(p, catalogs[p.OwnerID])
	}
	return nil
}

// ResolveEntitlements loads and resolves the pool of each entitlement.
func (r *Resolver) ResolveEntitlements(ctx context.Context, db *gorm.DB, ents []*entdomain.Entitlement) error {
	if len(ents) == 0 {
		return nil
	}
	seen := map[snowflake.ID]struct{}{}
	ids := make([]snowflake.ID, 0, len(ents))
	for _, e := range ents {
		if _, ok := seen[e.PoolID]; ok {
			continue
		}
		seen[e.PoolID] = struct{}{}
		ids = append(ids, e.PoolID)
	}
	pools, err := r.pools.FindByIDs(ctx, db, ids)
	if err != nil {
		return err
	}
	if err := r.ResolvePools(ctx, db, pools); err != nil {
		return err
	}
	byID := make(map[snowflake.ID]*pooldomain.Pool, len(pools))
	for _, p := range pools {
		byID[p.ID] = p
	}
	for _, e := range ents {
		e.Pool = byID[e.PoolID]
	}
	return nil
}

// AttachProducts resolves a pool against an already loaded catalog.
func AttachProducts(p *pooldomain.Pool, products map[string]*productdomain.Product) {
	p.Product = products[p.ProductID]
	if p.DerivedProductID != "" {
		p.DerivedProduct = products[p.DerivedProductID]
	} else {
		p.DerivedProduct = nil
	}
}
