package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, ents []*Entitlement) error
	Save(ctx context.Context, db *gorm.DB, ent *Entitlement) error
	DeleteByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Entitlement, error)
	FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]*Entitlement, error)
	// ListByPools returns entitlements oldest first.
	ListByPools(ctx context.Context, db *gorm.DB, poolIDs []snowflake.ID) ([]*Entitlement, error)
	ListByConsumer(ctx context.Context, db *gorm.DB, consumerID snowflake.ID) ([]*Entitlement, error)
	ListByConsumerStack(ctx context.Context, db *gorm.DB, consumerID snowflake.ID, stackID string) ([]*Entitlement, error)
	MarkDirty(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error
	ClearDirty(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error
	ListDirty(ctx context.Context, db *gorm.DB, limit int) ([]*Entitlement, error)
}
