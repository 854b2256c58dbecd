package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, consumer *Consumer) error
	Update(ctx context.Context, db *gorm.DB, consumer *Consumer) error
	FindByUUID(ctx context.Context, db *gorm.DB, uuid string) (*Consumer, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Consumer, error)
	FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]*Consumer, error)
	LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Consumer, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, entitlementStatus, purposeStatus string) error
	ListGuests(ctx context.Context, db *gorm.DB, hostID snowflake.ID) ([]*Consumer, error)
}
