package domain

import (
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
)

// Entitlement is a consumer's claim on a quantity of a pool.
type Entitlement struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	OwnerID    snowflake.ID `json:"owner_id" gorm:"not null;index"`
	ConsumerID snowflake.ID `json:"consumer_id" gorm:"not null;index"`
	PoolID     snowflake.ID `json:"pool_id" gorm:"not null;index"`
	Quantity   int64        `json:"quantity" gorm:"not null"`
	// Dirty marks certificates awaiting lazy regeneration.
	Dirty     bool      `json:"dirty" gorm:"not null;default:false;index"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Pool *pooldomain.Pool `json:"-" gorm:"-"`
}

func (Entitlement) TableName() string { return "entitlements" }

// SortOldestFirst orders by creation time, then id.
func SortOldestFirst(ents []*Entitlement) {
	sort.SliceStable(ents, func(i, j int) bool {
		if !ents[i].CreatedAt.Equal(ents[j].CreatedAt) {
			return ents[i].CreatedAt.Before(ents[j].CreatedAt)
		}
		return ents[i].ID < ents[j].ID
	})
}

func IDs(ents []*Entitlement) []snowflake.ID {
	out := make([]snowflake.ID, 0, len(ents))
	for _, e := range ents {
		out = append(out, e.ID)
	}
	return out
}

// StackKey identifies the entitlements one consumer holds toward a stack.
type StackKey struct {
	ConsumerID snowflake.ID
	StackID    string
}
