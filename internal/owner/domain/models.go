package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Owner is the tenant that owns pools, products and consumers.
type Owner struct {
	ID                  snowflake.ID `json:"id" gorm:"primaryKey"`
	Key                 string       `json:"key" gorm:"type:text;not null;uniqueIndex"`
	DisplayName         string       `json:"display_name" gorm:"type:text"`
	DefaultServiceLevel string       `json:"default_service_level" gorm:"type:text"`
	LastRefreshedAt     *time.Time   `json:"last_refreshed_at,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

func (Owner) TableName() string { return "owners" }
