package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, events []*Event) error
	ListByTarget(ctx context.Context, db *gorm.DB, targetType, targetID string) ([]*Event, error)
	ListUnpublished(ctx context.Context, db *gorm.DB, limit int) ([]*Event, error)
	MarkPublished(ctx context.Context, db *gorm.DB, ids []string, at time.Time) error
}

// Sink queues events alongside the caller's writes.
type Sink interface {
	Queue(ctx context.Context, db *gorm.DB, events ...*Event) error
}
