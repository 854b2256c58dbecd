package domain

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	productdomain "github.com/smallbiznis/allotment/internal/product/domain"
	"github.com/smallbiznis/allotment/pkg/dbtypes"
)

type PoolType string

const (
	PoolTypeNormal             PoolType = "NORMAL"
	PoolTypeBonus              PoolType = "BONUS"
	PoolTypeUnmappedGuest      PoolType = "UNMAPPED_GUEST"
	PoolTypeEntitlementDerived PoolType = "ENTITLEMENT_DERIVED"
	PoolTypeStackDerived       PoolType = "STACK_DERIVED"
	PoolTypeDevelopment        PoolType = "DEVELOPMENT"
)

// Subscription sub-keys distinguish the pools generated from one subscription.
const (
	SubKeyMaster  = "master"
	SubKeyDerived = "derived"
)

// Pool attribute keys.
const (
	AttrVirtOnly           = "virt_only"
	AttrPhysicalOnly       = "physical_only"
	AttrPoolDerived        = "pool_derived"
	AttrUnmappedGuestsOnly = "unmapped_guests_only"
	AttrRequiresHost       = "requires_host"
	AttrDevelopmentPool    = "dev_pool"
)

// Pool is a quantity of a product available for consumption.
type Pool struct {
	ID                        snowflake.ID         `json:"id" gorm:"primaryKey"`
	OwnerID                   snowflake.ID         `json:"owner_id" gorm:"not null;index"`
	Type                      PoolType             `json:"type" gorm:"type:text;not null"`
	ProductID                 string               `json:"product_id" gorm:"type:text;not null;index"`
	ProductName               string               `json:"product_name" gorm:"type:text"`
	DerivedProductID          string               `json:"derived_product_id,omitempty" gorm:"type:text"`
	ProvidedProductIDs        dbtypes.StringList   `json:"provided_product_ids"`
	DerivedProvidedProductIDs dbtypes.StringList   `json:"derived_provided_product_ids"`
	Quantity                  int64                `json:"quantity" gorm:"not null"`
	Consumed                  int64                `json:"consumed" gorm:"not null;default:0"`
	Exported                  int64                `json:"exported" gorm:"not null;default:0"`
	StartDate                 time.Time            `json:"start_date" gorm:"not null"`
	EndDate                   time.Time            `json:"end_date" gorm:"not null;index"`
	SubscriptionID            string               `json:"subscription_id,omitempty" gorm:"type:text;index"`
	SubscriptionSubKey        string               `json:"subscription_sub_key,omitempty" gorm:"type:text"`
	UpstreamPoolID            string               `json:"upstream_pool_id,omitempty" gorm:"type:text"`
	StackID                   string               `json:"stack_id,omitempty" gorm:"type:text"`
	SourceStackID             string               `json:"source_stack_id,omitempty" gorm:"type:text"`
	SourceConsumerID          *snowflake.ID        `json:"source_consumer_id,omitempty" gorm:"index"`
	SourceEntitlementID       *snowflake.ID        `json:"source_entitlement_id,omitempty" gorm:"index"`
	Attributes                dbtypes.StringMap    `json:"attributes"`
	Branding                  dbtypes.BrandingList `json:"branding"`
	ContractNumber            string               `json:"contract_number,omitempty" gorm:"type:text"`
	OrderNumber               string               `json:"order_number,omitempty" gorm:"type:text"`
	AccountNumber             string               `json:"account_number,omitempty" gorm:"type:text"`
	CreatedAt                 time.Time            `json:"created_at"`
	UpdatedAt                 time.Time            `json:"updated_at"`

	// Product and DerivedProduct are resolved from the owner's active catalog and never persisted.
	Product        *productdomain.Product `json:"-" gorm:"-"`
	DerivedProduct *productdomain.Product `json:"-" gorm:"-"`

	// MarkedForDelete is set by the rule engines; the orchestrator performs the deletion.
	MarkedForDelete bool `json:"-" gorm:"-"`
}

func (Pool) TableName() string { return "pools" }

func (p *Pool) IsUnlimited() bool {
	return p.Quantity == productdomain.Unlimited
}

// Available is the unconsumed quantity; unlimited pools report math.MaxInt64.
func (p *Pool) Available() int64 {
	if p.IsUnlimited() {
		return math.MaxInt64
	}
	if p.Consumed >= p.Quantity {
		return 0
	}
	return p.Quantity - p.Consumed
}

func (p *Pool) IsOverflowing() bool {
	return !p.IsUnlimited() && p.Consumed > p.Quantity
}

func (p *Pool) Attribute(key string) string {
	if p == nil {
		return ""
	}
	v, _ := p.Attributes.Get(key)
	return strings.TrimSpace(v)
}

func (p *Pool) HasAttribute(key string) bool {
	if p == nil {
		return false
	}
	_, ok := p.Attributes.Get(key)
	return ok
}

func (p *Pool) BoolAttribute(key string) bool {
	return productdomain.ParseBool(p.Attribute(key))
}

func (p *Pool) SetAttribute(key, value string) {
	if p.Attributes == nil {
		p.Attributes = dbtypes.StringMap{}
	}
	p.Attributes[key] = value
}

// EffectiveAttribute prefers the pool's own attribute over the product's.
func (p *Pool) EffectiveAttribute(key string) string {
	if v, ok := p.Attributes.Get(key); ok {
		return strings.TrimSpace(v)
	}
	return p.Product.Attribute(key)
}

func (p *Pool) HasEffectiveAttribute(key string) bool {
	return p.HasAttribute(key) || p.Product.HasAttribute(key)
}

func (p *Pool) IsDerived() bool {
	return p.BoolAttribute(AttrPoolDerived)
}

func (p *Pool) IsVirtOnly() bool {
	return productdomain.ParseBool(p.EffectiveAttribute(AttrVirtOnly))
}

func (p *Pool) IsUnmappedGuestPool() bool {
	return p.BoolAttribute(AttrUnmappedGuestsOnly)
}

// IsBonus reports pools generated from a master pool's virt limit.
func (p *Pool) IsBonus() bool {
	return p.SubscriptionSubKey == SubKeyDerived
}

func (p *Pool) IsStackDerived() bool {
	return p.Type == PoolTypeStackDerived
}

// IsManaged reports whether the pool is owned by upstream subscription data and
// may be removed when that data disappears.
func (p *Pool) IsManaged(standalone bool) bool {
	if p.SubscriptionID == "" {
		return false
	}
	switch p.Type {
	case PoolTypeNormal, PoolTypeBonus, PoolTypeUnmappedGuest:
	default:
		return false
	}
	if standalone {
		return p.UpstreamPoolID != ""
	}
	return true
}

func (p *Pool) IsActiveOn(at time.Time) bool {
	return !at.Before(p.StartDate) && !at.After(p.EndDate)
}

// ProvidesProduct reports whether the pool covers id. With derived set, the derived
// product tree is consulted instead.
func (p *Pool) ProvidesProduct(id string, derived bool) bool {
	if id == "" {
		return false
	}
	if derived {
		return p.DerivedProductID == id || p.DerivedProvidedProductIDs.Contains(id)
	}
	return p.ProductID == id || p.ProvidedProductIDs.Contains(id)
}

// StackingID is the stack this pool contributes to when consumed.
func (p *Pool) StackingID() string {
	if p.StackID != "" {
		return p.StackID
	}
	return p.Product.StackingID()
}

// PoolQuantity pairs a pool with a quantity to consume from it.
type PoolQuantity struct {
	Pool     *Pool
	Quantity int64
}

// SortPoolQuantities orders by pool ID for a deterministic lock order.
func SortPoolQuantities(items []PoolQuantity) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Pool.ID < items[j].Pool.ID
	})
}

// PoolUpdate records which facets of a pool the rule engines changed.
type PoolUpdate struct {
	Pool *Pool

	ProductsChanged          bool
	DerivedProductsChanged   bool
	DatesChanged             bool
	QuantityChanged          bool
	OrderChanged             bool
	BrandingChanged          bool
	ProductAttributesChanged bool
}

func NewPoolUpdate(p *Pool) *PoolUpdate {
	return &PoolUpdate{Pool: p}
}

func (u *PoolUpdate) Changed() bool {
	return u.ProductsChanged ||
		u.DerivedProductsChanged ||
		u.DatesChanged ||
		u.QuantityChanged ||
		u.OrderChanged ||
		u.BrandingChanged ||
		u.ProductAttributesChanged ||
		u.Pool.MarkedForDelete
}

// ContentChanged reports changes that invalidate issued certificates.
func (u *PoolUpdate) ContentChanged() bool {
	return u.ProductsChanged ||
		u.DerivedProductsChanged ||
		u.DatesChanged ||
		u.OrderChanged ||
		u.BrandingChanged ||
		u.ProductAttributesChanged
}

// SortPools orders by ID.
func SortPools(pools []*Pool) {
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })
}
