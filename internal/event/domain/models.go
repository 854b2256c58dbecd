package domain

import (
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	entdomain "github.com/smallbiznis/allotment/internal/entitlement/domain"
	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
	"gorm.io/datatypes"
)

type Type string

const (
	TypePoolCreated         Type = "POOL_CREATED"
	TypePoolModified        Type = "POOL_MODIFIED"
	TypePoolDeleted         Type = "POOL_DELETED"
	TypeEntitlementCreated  Type = "ENTITLEMENT_CREATED"
	TypeEntitlementDeleted  Type = "ENTITLEMENT_DELETED"
	TypeEntitlementExpired  Type = "ENTITLEMENT_EXPIRED"
	TypeEntitlementModified Type = "ENTITLEMENT_MODIFIED"
	TypeComplianceChanged   Type = "COMPLIANCE_CHANGED"
)

const (
	TargetPool        = "pool"
	TargetEntitlement = "entitlement"
	TargetConsumer    = "consumer"
)

// Event is an outbox row written in the same transaction as the change it describes.
type Event struct {
	ID          string            `json:"id" gorm:"primaryKey;type:varchar(26)"`
	OwnerID     snowflake.ID      `json:"owner_id" gorm:"not null;index"`
	Type        Type              `json:"type" gorm:"type:varchar(64);not null"`
	TargetType  string            `json:"target_type" gorm:"type:varchar(32);not null"`
	TargetID    string            `json:"target_id" gorm:"type:varchar(64);not null;index"`
	Payload     datatypes.JSONMap `json:"payload" gorm:"not null"`
	Metadata    datatypes.JSONMap `json:"metadata"`
	Published   bool              `json:"published" gorm:"not null;default:false;index"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (Event) TableName() string { return "pool_events" }

func PoolCreated(p *pooldomain.Pool) *Event {
	return poolEvent(TypePoolCreated, p, nil)
}

// PoolModified records which facets of the pool changed.
func PoolModified(u *pooldomain.PoolUpdate) *Event {
	var changed []string
	for _, f := range []struct {
		name string
		set  bool
	}{
		{"products", u.ProductsChanged},
		{"derived_products", u.DerivedProductsChanged},
		{"dates", u.DatesChanged},
		{"quantity", u.QuantityChanged},
		{"order", u.OrderChanged},
		{"branding", u.BrandingChanged},
		{"product_attributes", u.ProductAttributesChanged},
	} {
		if f.set {
			changed = append(changed, f.name)
		}
	}
	return poolEvent(TypePoolModified, u.Pool, map[string]any{"changed": changed})
}

func PoolDeleted(p *pooldomain.Pool) *Event {
	return poolEvent(TypePoolDeleted, p, nil)
}

func EntitlementCreated(e *entdomain.Entitlement) *Event {
	return entitlementEvent(TypeEntitlementCreated, e)
}

func EntitlementDeleted(e *entdomain.Entitlement) *Event {
	return entitlementEvent(TypeEntitlementDeleted, e)
}

func EntitlementExpired(e *entdomain.Entitlement) *Event {
	return entitlementEvent(TypeEntitlementExpired, e)
}

func EntitlementModified(e *entdomain.Entitlement) *Event {
	return entitlementEvent(TypeEntitlementModified, e)
}

func ComplianceChanged(ownerID, consumerID snowflake.ID, consumerUUID, previous, current string) *Event {
	return &Event{
		OwnerID:    ownerID,
		Type:       TypeComplianceChanged,
		TargetType: TargetConsumer,
		TargetID:   consumerID.String(),
		Payload: datatypes.JSONMap{
			"consumer_uuid":   consumerUUID,
			"previous_status": previous,
			"status":          current,
		},
	}
}

func poolEvent(t Type, p *pooldomain.Pool, extra map[string]any) *Event {
	payload := datatypes.JSONMap{
		"pool_id":      p.ID.String(),
		"type":         string(p.Type),
		"product_id":   p.ProductID,
		"quantity":     strconv.FormatInt(p.Quantity, 10),
		"consumed":     strconv.FormatInt(p.Consumed, 10),
		"start_date":   p.StartDate.UTC().Format(time.RFC3339),
		"end_date":     p.EndDate.UTC().Format(time.RFC3339),
		"subscription": p.SubscriptionID,
		"sub_key":      p.SubscriptionSubKey,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return &Event{
		OwnerID:    p.OwnerID,
		Type:       t,
		TargetType: TargetPool,
		TargetID:   p.ID.String(),
		Payload:    payload,
	}
}

func entitlementEvent(t Type, e *entdomain.Entitlement) *Event {
	return &Event{
		OwnerID:    e.OwnerID,
		Type:       t,
		TargetType: TargetEntitlement,
		TargetID:   e.ID.String(),
		Payload: datatypes.JSONMap{
			"entitlement_id": e.ID.String(),
			"consumer_id":    e.ConsumerID.String(),
			"pool_id":        e.PoolID.String(),
			"quantity":       strconv.FormatInt(e.Quantity, 10),
		},
	}
}
