package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, owner *Owner) error
	FindByKey(ctx context.Context, db *gorm.DB, key string) (*Owner, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Owner, error)
	// LockByID takes a row lock on the owner for the life of the transaction.
	LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Owner, error)
	TouchRefreshed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	ListStale(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]*Owner, error)
}
