package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allotment/internal/owner/domain"
	"github.com/smallbiznis/allotment/pkg/db"
	"github.com/smallbiznis/allotment/pkg/db/option"
	"github.com/smallbiznis/allotment/pkg/repository"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) store(conn *gorm.DB) repository.Repository[domain.Owner] {
	return repository.ProvideStore[domain.Owner](conn)
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, owner *domain.Owner) error {
	return r.store(conn).Create(ctx, owner)
}

func (r *repo) FindByKey(ctx context.Context, conn *gorm.DB, key string) (*domain.Owner, error) {
	return r.store(conn).FindOne(ctx, &domain.Owner{Key: key})
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Owner, error) {
	return r.store(conn).FindOne(ctx, &domain.Owner{ID: id})
}

func (r *repo) LockByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Owner, error) {
	var owner domain.Owner
	err := db.ForUpdate(conn.WithContext(ctx)).Where("id = ?", id).First(&owner).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &owner, nil
}

func (r *repo) TouchRefreshed(ctx context.Context, conn *gorm.DB, id snowflake.ID, at time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE owners SET last_refreshed_at = ?, updated_at = ? WHERE id = ?`,
		at, at, id,
	).Error
}

func (r *repo) ListStale(ctx context.Context, conn *gorm.DB, before time.Time, limit int) ([]*domain.Owner, error) {
	return r.store(conn).Find(ctx, nil,
		option.WithWhere("last_refreshed_at IS NULL OR last_refreshed_at < ?", before),
		option.WithSortBy("id", false),
		option.WithLimit(limit),
	)
}
