package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/allotment/internal/event/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(events, 200).Error
}

func (r *repo) ListByTarget(ctx context.Context, db *gorm.DB, targetType, targetID string) ([]*domain.Event, error) {
	var events []*domain.Event
	err := db.WithContext(ctx).
		Where("target_type = ? AND target_id = ?", targetType, targetID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}

func (r *repo) ListUnpublished(ctx context.Context, db *gorm.DB, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []*domain.Event
	err := db.WithContext(ctx).
		Where("published = ?", false).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *repo) MarkPublished(ctx context.Context, db *gorm.DB, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`UPDATE pool_events SET published = ?, published_at = ? WHERE id IN ?`,
		true, at, ids,
	).Error
}
