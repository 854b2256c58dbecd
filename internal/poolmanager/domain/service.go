package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	entdomain "github.com/smallbiznis/allotment/internal/entitlement/domain"
	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
)

type Service interface {
	// RefreshPools reconciles the owner's pools with its upstream subscriptions.
	RefreshPools(ctx context.Context, ownerKey string) (*RefreshReport, error)
	RefreshStaleOwners(ctx context.Context, limit int) (int, error)
	ListPools(ctx context.Context, ownerKey string) ([]*pooldomain.Pool, error)

	EntitleByPools(ctx context.Context, consumerUUID string, items []BindItem) ([]*entdomain.Entitlement, error)
	Autobind(ctx context.Context, req AutobindRequest) ([]*entdomain.Entitlement, error)
	// HostAutobind binds pools to the host that let its guest become compliant.
	HostAutobind(ctx context.Context, hostUUID, guestUUID string) ([]*entdomain.Entitlement, error)

	AdjustEntitlementQuantity(ctx context.Context, entitlementID snowflake.ID, quantity int64) (*entdomain.Entitlement, error)
	RevokeEntitlements(ctx context.Context, ids []snowflake.ID) (int, error)
	RevokeAllEntitlements(ctx context.Context, consumerUUID string) (int, error)

	DeletePools(ctx context.Context, ids []snowflake.ID) (int, error)
	DeleteExpiredPools(ctx context.Context) (int, error)
}

type BindItem struct {
	PoolID   snowflake.ID `json:"pool_id"`
	Quantity int64        `json:"quantity"`
}

type AutobindRequest struct {
	ConsumerUUID string   `json:"-"`
	ProductIDs   []string `json:"product_ids"`
	ServiceLevel string   `json:"service_level"`
}

type RefreshReport struct {
	OwnerKey            string         `json:"owner_key"`
	Subscriptions       int            `json:"subscriptions"`
	Products            map[string]int `json:"products"`
	PoolsCreated        int            `json:"pools_created"`
	PoolsUpdated        int            `json:"pools_updated"`
	PoolsDeleted        int            `json:"pools_deleted"`
	EntitlementsRevoked int            `json:"entitlements_revoked"`
}

var (
	ErrRefreshInProgress = errors.New("owner_refresh_in_progress")
	ErrEmptyBind         = errors.New("empty_bind_request")
)
