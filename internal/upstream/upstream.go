// Package upstream adapts the external subscription and product catalog.
package upstream

import (
	"context"
	"errors"
	"time"
)

// SubscriptionInfo is one upstream subscription as reported by the catalog service.
type SubscriptionInfo struct {
	ID               string            `json:"id"`
	OwnerKey         string            `json:"owner_key"`
	ProductID        string            `json:"product_id"`
	DerivedProductID string            `json:"derived_product_id,omitempty"`
	Quantity         int64             `json:"quantity"`
	StartDate        time.Time         `json:"start_date"`
	EndDate          time.Time         `json:"end_date"`
	ContractNumber   string            `json:"contract_number,omitempty"`
	OrderNumber      string            `json:"order_number,omitempty"`
	AccountNumber    string            `json:"account_number,omitempty"`
	UpstreamPoolID   string            `json:"upstream_pool_id,omitempty"`
	Branding         []Branding        `json:"branding,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`
}

type Branding struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
}

// ProductInfo is the upstream definition of a product.
type ProductInfo struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Multiplier         int64             `json:"multiplier"`
	Attributes         map[string]string `json:"attributes,omitempty"`
	ProvidedProductIDs []string          `json:"provided_product_ids,omitempty"`
	DerivedProductID   string            `json:"derived_product_id,omitempty"`
}

type SubscriptionSource interface {
	GetSubscriptions(ctx context.Context, ownerKey string) ([]SubscriptionInfo, error)
}

type ProductSource interface {
	GetProductsByIDs(ctx context.Context, ownerKey string, ids []string) ([]ProductInfo, error)
}

var (
	ErrUnavailable = errors.New("upstream_unavailable")
	ErrBadResponse = errors.New("upstream_bad_response")
)
