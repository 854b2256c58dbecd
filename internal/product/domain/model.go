package domain

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allotment/pkg/dbtypes"
)

// Product attribute keys understood by the rule engines.
const (
	AttrSockets            = "sockets"
	AttrCores              = "cores"
	AttrRAM                = "ram"
	AttrVCPU               = "vcpu"
	AttrVirtLimit          = "virt_limit"
	AttrHostLimited        = "host_limited"
	AttrStackingID         = "stacking_id"
	AttrMultiEntitlement   = "multi-entitlement"
	AttrInstanceMultiplier = "instance_multiplier"
	AttrGuestLimit         = "guest_limit"
	AttrRoles              = "roles"
	AttrAddons             = "addons"
	AttrSupportLevel       = "support_level"
	AttrSupportLevelExempt = "support_level_exempt"
	AttrUsage              = "usage"
	AttrSupportType        = "support_type"
	AttrRequiresConsumer   = "requires_consumer_type"
	AttrVirtOnly           = "virt_only"
)

// Unlimited marks an unbounded quantity.
const Unlimited int64 = -1

// Product is one immutable version of an upstream product definition.
// Edits never mutate a row; refresh inserts a new version and orphans the old one.
type Product struct {
	UUID               snowflake.ID       `json:"uuid" gorm:"column:uuid;primaryKey"`
	OwnerID            snowflake.ID       `json:"owner_id" gorm:"not null;index:ix_products_owner_product,priority:1"`
	ProductID          string             `json:"product_id" gorm:"type:text;not null;index:ix_products_owner_product,priority:2"`
	Name               string             `json:"name" gorm:"type:text;not null"`
	Multiplier         int64              `json:"multiplier" gorm:"not null;default:1"`
	Attributes         dbtypes.StringMap  `json:"attributes"`
	ProvidedProductIDs dbtypes.StringList `json:"provided_product_ids"`
	DerivedProductID   string             `json:"derived_product_id,omitempty" gorm:"type:text"`
	Checksum           string             `json:"checksum" gorm:"type:text;not null"`
	OrphanedAt         *time.Time         `json:"orphaned_at,omitempty" gorm:"index"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`

	DerivedProduct *Product `json:"-" gorm:"-"`
}

func (Product) TableName() string { return "products" }

func (p *Product) Attribute(key string) string {
	if p == nil {
		return ""
	}
	v, _ := p.Attributes.Get(key)
	return strings.TrimSpace(v)
}

func (p *Product) HasAttribute(key string) bool {
	if p == nil {
		return false
	}
	_, ok := p.Attributes.Get(key)
	return ok
}

// IntAttribute parses a numeric attribute. "unlimited" yields Unlimited.
func (p *Product) IntAttribute(key string) (int64, bool) {
	return ParseQuantity(p.Attribute(key))
}

// LimitAttribute parses a limit such as virt_limit. Only the literal "unlimited"
// yields Unlimited; negative numbers are malformed.
func (p *Product) LimitAttribute(key string) (int64, bool) {
	return ParseLimit(p.Attribute(key))
}

func (p *Product) BoolAttribute(key string) bool {
	return ParseBool(p.Attribute(key))
}

func (p *Product) IsMultiEntitlement() bool {
	return p.BoolAttribute(AttrMultiEntitlement)
}

// StackingID is set only for products that can be stacked.
func (p *Product) StackingID() string {
	if !p.IsMultiEntitlement() {
		return ""
	}
	return p.Attribute(AttrStackingID)
}

// EffectiveMultiplier treats missing or non-positive multipliers as 1.
func (p *Product) EffectiveMultiplier() int64 {
	if p == nil || p.Multiplier <= 0 {
		return 1
	}
	return p.Multiplier
}

// ProvidesProduct reports whether id is the product itself or one of its provided products.
func (p *Product) ProvidesProduct(id string) bool {
	if p == nil || id == "" {
		return false
	}
	return p.ProductID == id || p.ProvidedProductIDs.Contains(id)
}

// ParseQuantity accepts a positive or zero integer or "unlimited".
func ParseQuantity(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if strings.EqualFold(raw, "unlimited") {
		return Unlimited, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func ParseLimit(raw string) (int64, bool) {
	v, ok := ParseQuantity(raw)
	if !ok {
		return 0, false
	}
	if v < 0 && v != Unlimited {
		return 0, false
	}
	if v == Unlimited && !strings.EqualFold(strings.TrimSpace(raw), "unlimited") {
		return 0, false
	}
	return v, true
}

func ParseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "yes", "1", "y":
		return true
	default:
		return false
	}
}

// ParseList splits a comma separated attribute, trimming whitespace and dropping empty segments.
func ParseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ListContains compares case-insensitively against a comma separated attribute value.
func ListContains(raw, value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	for _, item := range ParseList(raw) {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

// MultiplyQuantity multiplies with Unlimited absorbing and saturating on overflow.
func MultiplyQuantity(a, b int64) int64 {
	if a == Unlimited || b == Unlimited {
		return Unlimited
	}
	if a == 0 || b == 0 {
		return 0
	}
	if a > math.MaxInt64/b {
		return math.MaxInt64
	}
	return a * b
}
