package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, products []*Product) error
	// ListActive returns the non-orphaned version of each product for the owner, keyed by product id.
	ListActive(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) (map[string]*Product, error)
	FindActive(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, productIDs []string) (map[string]*Product, error)
	MarkOrphaned(ctx context.Context, db *gorm.DB, uuids []snowflake.ID, at time.Time) error
	ListOrphanedBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]snowflake.ID, error)
	DeleteByUUIDs(ctx context.Context, db *gorm.DB, uuids []snowflake.ID) error
}
