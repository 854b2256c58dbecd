package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allotment/internal/product/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, products []*domain.Product) error {
	if len(products) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(products).Error
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) (map[string]*domain.Product, error) {
	var items []*domain.Product
	err := db.WithContext(ctx).
		Where("owner_id = ? AND orphaned_at IS NULL", ownerID).
		Order("product_id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return link(items), nil
}

func (r *repo) FindActive(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, productIDs []string) (map[string]*domain.Product, error) {
	if len(productIDs) == 0 {
		return map[string]*domain.Product{}, nil
	}
	var items []*domain.Product
	err := db.WithContext(ctx).
		Where("owner_id = ? AND orphaned_at IS NULL AND product_id IN ?", ownerID, productIDs).
		Find(&items).Error
	if err != nil {
		return nil, err
	}

	out := link(items)
	// Derived products may not be in the requested set.
	var missing []string
	for _, p := range out {
		if p.DerivedProductID != "" && out[p.DerivedProductID] == nil {
			missing = append(missing, p.DerivedProductID)
		}
	}
	if len(missing) > 0 {
		var derived []*domain.Product
		err := db.WithContext(ctx).
			Where("owner_id = ? AND orphaned_at IS NULL AND product_id IN ?", ownerID, missing).
			Find(&derived).Error
		if err != nil {
			return nil, err
		}
		for _, d := range derived {
			out[d.ProductID] = d
		}
		for _, p := range out {
			if p.DerivedProductID != "" {
				p.DerivedProduct = out[p.DerivedProductID]
			}
		}
	}
	return out, nil
}

func (r *repo) MarkOrphaned(ctx context.Context, db *gorm.DB, uuids []snowflake.ID, at time.Time) error {
	if len(uuids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`UPDATE products SET orphaned_at = ?, updated_at = ? WHERE uuid IN ? AND orphaned_at IS NULL`,
		at, at, uuids,
	).Error
}

func (r *repo) ListOrphanedBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	stmt := db.WithContext(ctx).
		Model(&domain.Product{}).
		Where("orphaned_at IS NOT NULL AND orphaned_at < ?", before).
		Order("uuid ASC")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Pluck("uuid", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) DeleteByUUIDs(ctx context.Context, db *gorm.DB, uuids []snowflake.ID) error {
	if len(uuids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(`DELETE FROM products WHERE uuid IN ?`, uuids).Error
}

func link(items []*domain.Product) map[string]*domain.Product {
	out := make(map[string]*domain.Product, len(items))
	for _, p := range items {
		out[p.ProductID] = p
	}
	for _, p := range out {
		if p.DerivedProductID != "" {
			p.DerivedProduct = out[p.DerivedProductID]
		}
	}
	return out
}
