package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allotment/internal/entitlement/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, ents []*domain.Entitlement) error {
	if len(ents) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(ents).Error
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, ent *domain.Entitlement) error {
	if ent == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).Exec(
		`UPDATE entitlements SET quantity = ?, dirty = ?, updated_at = ? WHERE id = ?`,
		ent.Quantity, ent.Dirty, ent.UpdatedAt, ent.ID,
	).Error
}

func (r *repo) DeleteByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(`DELETE FROM entitlements WHERE id IN ?`, ids).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Entitlement, error) {
	var ent domain.Entitlement
	err := db.WithContext(ctx).Where("id = ?", id).First(&ent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ent, nil
}

func (r *repo) FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]*domain.Entitlement, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var ents []*domain.Entitlement
	err := db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&ents).Error
	return ents, err
}

func (r *repo) ListByPools(ctx context.Context, db *gorm.DB, poolIDs []snowflake.ID) ([]*domain.Entitlement, error) {
	if len(poolIDs) == 0 {
		return nil, nil
	}
	var ents []*domain.Entitlement
	err := db.WithContext(ctx).
		Where("pool_id IN ?", poolIDs).
		Order("created_at ASC, id ASC").
		Find(&ents).Error
	return ents, err
}

func (r *repo) ListByConsumer(ctx context.Context, db *gorm.DB, consumerID snowflake.ID) ([]*domain.Entitlement, error) {
	var ents []*domain.Entitlement
	err := db.WithContext(ctx).
		Where("consumer_id = ?", consumerID).
		Order("created_at ASC, id ASC").
		Find(&ents).Error
	return ents, err
}

func (r *repo) ListByConsumerStack(ctx context.Context, db *gorm.DB, consumerID snowflake.ID, stackID string) ([]*domain.Entitlement, error) {
	var ents []*domain.Entitlement
	err := db.WithContext(ctx).Raw(
		`SELECT e.* FROM entitlements e
		 JOIN pools p ON p.id = e.pool_id
		 WHERE e.consumer_id = ? AND p.stack_id = ? AND p.type <> ?
		 ORDER BY e.created_at ASC, e.id ASC`,
		consumerID, stackID, "STACK_DERIVED",
	).Scan(&ents).Error
	return ents, err
}

func (r *repo) MarkDirty(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`UPDATE entitlements SET dirty = ?, updated_at = ? WHERE id IN ?`,
		true, time.Now().UTC(), ids,
	).Error
}

func (r *repo) ClearDirty(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`UPDATE entitlements SET dirty = ? WHERE id IN ?`,
		false, ids,
	).Error
}

func (r *repo) ListDirty(ctx context.Context, db *gorm.DB, limit int) ([]*domain.Entitlement, error) {
	var ents []*domain.Entitlement
	stmt := db.WithContext(ctx).Where("dirty = ?", true).Order("id ASC")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	err := stmt.Find(&ents).Error
	return ents, err
}
