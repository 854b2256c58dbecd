package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allotment/internal/consumer/domain"
	"github.com/smallbiznis/allotment/pkg/db"
	"github.com/smallbiznis/allotment/pkg/db/option"
	"github.com/smallbiznis/allotment/pkg/repository"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) store(conn *gorm.DB) repository.Repository[domain.Consumer] {
	return repository.ProvideStore[domain.Consumer](conn)
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, consumer *domain.Consumer) error {
	return r.store(conn).Create(ctx, consumer)
}

// Update writes every column but created_at. UpdatedAt is taken from consumer as set
// by the caller's clock.
func (r *repo) Update(ctx context.Context, conn *gorm.DB, consumer *domain.Consumer) error {
	return conn.WithContext(ctx).
		Model(consumer).
		Select("*").
		Omit("created_at").
		UpdateColumns(consumer).Error
}

func (r *repo) FindByUUID(ctx context.Context, conn *gorm.DB, uuid string) (*domain.Consumer, error) {
	return r.store(conn).FindOne(ctx, &domain.Consumer{UUID: uuid})
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Consumer, error) {
	return r.store(conn).FindOne(ctx, &domain.Consumer{ID: id})
}

func (r *repo) FindByIDs(ctx context.Context, conn *gorm.DB, ids []snowflake.ID) ([]*domain.Consumer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.store(conn).Find(ctx, nil, option.WithIn("id", ids), option.WithSortBy("id", false))
}

func (r *repo) LockByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Consumer, error) {
	var consumer domain.Consumer
	err := db.ForUpdate(conn.WithContext(ctx)).Where("id = ?", id).First(&consumer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &consumer, nil
}

func (r *repo) UpdateStatus(ctx context.Context, conn *gorm.DB, id snowflake.ID, entitlementStatus, purposeStatus string) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE consumers SET entitlement_status = ?, system_purpose_status = ? WHERE id = ?`,
		entitlementStatus, purposeStatus, id,
	).Error
}

func (r *repo) ListGuests(ctx context.Context, conn *gorm.DB, hostID snowflake.ID) ([]*domain.Consumer, error) {
	return r.store(conn).Find(ctx, nil, option.WithWhere("host_id = ?", hostID), option.WithSortBy("id", false))
}
