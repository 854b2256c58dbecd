package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	entdomain "github.com/smallbiznis/allotment/internal/entitlement/domain"
	"gorm.io/gorm"
)

// EntitlementCertificate tracks the issued certificate for one entitlement.
// Only the serial and validity window are stored; signing is out of scope.
type EntitlementCertificate struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	OwnerID       snowflake.ID `json:"owner_id" gorm:"not null;index"`
	ConsumerID    snowflake.ID `json:"consumer_id" gorm:"not null;index"`
	EntitlementID snowflake.ID `json:"entitlement_id" gorm:"not null;uniqueIndex"`
	Serial        int64        `json:"serial" gorm:"not null"`
	IssuedAt      time.Time    `json:"issued_at" gorm:"not null"`
	ExpiresAt     time.Time    `json:"expires_at" gorm:"not null"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (EntitlementCertificate) TableName() string { return "entitlement_certificates" }

type Repository interface {
	// Upsert replaces the certificate of each entitlement, keyed on entitlement id.
	Upsert(ctx context.Context, db *gorm.DB, certs []*EntitlementCertificate) error
	DeleteByEntitlementIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error
	ListByConsumer(ctx context.Context, db *gorm.DB, consumerID snowflake.ID) ([]*EntitlementCertificate, error)
	FindByEntitlementID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*EntitlementCertificate, error)
}

// Generator regenerates entitlement certificates. A lazy call only marks the
// entitlements dirty; RegenerateDirty issues them later.
type Generator interface {
	Regenerate(ctx context.Context, db *gorm.DB, ents []*entdomain.Entitlement, lazy bool) error
	RegenerateForConsumer(ctx context.Context, db *gorm.DB, consumerID snowflake.ID, lazy bool) error
	Delete(ctx context.Context, db *gorm.DB, entitlementIDs []snowflake.ID) error
	RegenerateDirty(ctx context.Context, limit int) (int, error)
}
