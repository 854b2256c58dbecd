package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, pools []*Pool) error
	Save(ctx context.Context, db *gorm.DB, pool *Pool) error
	DeleteByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Pool, error)
	FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]*Pool, error)
	// LockByIDs row-locks the pools in ascending id order and returns fresh copies.
	LockByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]*Pool, error)
	ListByOwner(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]*Pool, error)
	ListBySubscriptions(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, subscriptionIDs []string) ([]*Pool, error)
	ListActiveByOwner(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, at time.Time) ([]*Pool, error)
	ListBySourceEntitlements(ctx context.Context, db *gorm.DB, entitlementIDs []snowflake.ID) ([]*Pool, error)
	ListStackDerived(ctx context.Context, db *gorm.DB, consumerIDs []snowflake.ID) ([]*Pool, error)
	FindStackDerived(ctx context.Context, db *gorm.DB, consumerID snowflake.ID, stackID string) (*Pool, error)
	ListExpired(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]snowflake.ID, error)
	// AdjustCounters applies consumed and exported deltas atomically.
	AdjustCounters(ctx context.Context, db *gorm.DB, id snowflake.ID, consumedDelta, exportedDelta int64) error
}
