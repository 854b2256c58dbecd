package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allotment/internal/pool/domain"
	"github.com/smallbiznis/allotment/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, pools []*domain.Pool) error {
	if len(pools) == 0 {
		return nil
	}
	return conn.WithContext(ctx).Create(pools).Error
}

func (r *repo) Save(ctx context.Context, conn *gorm.DB, pool *domain.Pool) error {
	if pool == nil {
		return gorm.ErrInvalidData
	}
	// Counters are only changed through AdjustCounters.
	return conn.WithContext(ctx).Model(pool).Select("*").Omit("consumed", "exported", "created_at").Updates(pool).Error
}

func (r *repo) DeleteByIDs(ctx context.Context, conn *gorm.DB, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return conn.WithContext(ctx).Exec(`DELETE FROM pools WHERE id IN ?`, ids).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Pool, error) {
	var pool domain.Pool
	err := conn.WithContext(ctx).Where("id = ?", id).First(&pool).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pool, nil
}

func (r *repo) FindByIDs(ctx context.Context, conn *gorm.DB, ids []snowflake.ID) ([]*domain.Pool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var pools []*domain.Pool
	err := conn.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&pools).Error
	return pools, err
}

func (r *repo) LockByIDs(ctx context.Context, conn *gorm.DB, ids []snowflake.ID) ([]*domain.Pool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var pools []*domain.Pool
	err := db.ForUpdate(conn.WithContext(ctx)).Where("id IN ?", ids).Order("id ASC").Find(&pools).Error
	return pools, err
}

func (r *repo) ListByOwner(ctx context.Context, conn *gorm.DB, ownerID snowflake.ID) ([]*domain.Pool, error) {
	var pools []*domain.Pool
	err := conn.WithContext(ctx).Where("owner_id = ?", ownerID).Order("id ASC").Find(&pools).Error
	return pools, err
}

func (r *repo) ListBySubscriptions(ctx context.Context, conn *gorm.DB, ownerID snowflake.ID, subscriptionIDs []string) ([]*domain.Pool, error) {
	if len(subscriptionIDs) == 0 {
		return nil, nil
	}
	var pools []*domain.Pool
	err := conn.WithContext(ctx).
		Where("owner_id = ? AND subscription_id IN ?", ownerID, subscriptionIDs).
		Order("id ASC").
		Find(&pools).Error
	return pools, err
}

func (r *repo) ListActiveByOwner(ctx context.Context, conn *gorm.DB, ownerID snowflake.ID, at time.Time) ([]*domain.Pool, error) {
	var pools []*domain.Pool
	err := conn.WithContext(ctx).
		Where("owner_id = ? AND start_date <= ? AND end_date >= ?", ownerID, at, at).
		Order("id ASC").
		Find(&pools).Error
	return pools, err
}

func (r *repo) ListBySourceEntitlements(ctx context.Context, conn *gorm.DB, entitlementIDs []snowflake.ID) ([]*domain.Pool, error) {
	if len(entitlementIDs) == 0 {
		return nil, nil
	}
	var pools []*domain.Pool
	err := conn.WithContext(ctx).
		Where("source_entitlement_id IN ?", entitlementIDs).
		Order("id ASC").
		Find(&pools).Error
	return pools, err
}

func (r *repo) ListStackDerived(ctx context.Context, conn *gorm.DB, consumerIDs []snowflake.ID) ([]*domain.Pool, error) {
	if len(consumerIDs) == 0 {
		return nil, nil
	}
	var pools []*domain.Pool
	err := conn.WithContext(ctx).
		Where("type = ? AND source_consumer_id IN ?", domain.PoolTypeStackDerived, consumerIDs).
		Order("id ASC").
		Find(&pools).Error
	return pools, err
}

func (r *repo) FindStackDerived(ctx context.Context, conn *gorm.DB, consumerID snowflake.ID, stackID string) (*domain.Pool, error) {
	var pool domain.Pool
	err := conn.WithContext(ctx).
		Where("type = ? AND source_consumer_id = ? AND source_stack_id = ?", domain.PoolTypeStackDerived, consumerID, stackID).
		First(&pool).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pool, nil
}

func (r *repo) ListExpired(ctx context.Context, conn *gorm.DB, before time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	stmt := conn.WithContext(ctx).
		Model(&domain.Pool{}).
		Where("end_date < ?", before).
		Order("id ASC")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	err := stmt.Pluck("id", &ids).Error
	return ids, err
}

func (r *repo) AdjustCounters(ctx context.Context, conn *gorm.DB, id snowflake.ID, consumedDelta, exportedDelta int64) error {
	if consumedDelta == 0 && exportedDelta == 0 {
		return nil
	}
	return conn.WithContext(ctx).Exec(
		`UPDATE pools SET consumed = consumed + ?, exported = exported + ?, updated_at = ? WHERE id = ?`,
		consumedDelta, exportedDelta, time.Now().UTC(), id,
	).Error
}
