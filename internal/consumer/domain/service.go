package domain

import (
	"context"
	"errors"
)

type Service interface {
	Register(ctx context.Context, req RegisterRequest) (*Consumer, error)
	Get(ctx context.Context, uuid string) (*Consumer, error)
	UpdateFacts(ctx context.Context, uuid string, req UpdateRequest) (*Consumer, error)
	SetHost(ctx context.Context, guestUUID, hostUUID string) error
}

type RegisterRequest struct {
	OwnerKey            string            `json:"-"`
	Name                string            `json:"name"`
	Type                ConsumerType      `json:"type"`
	Facts               map[string]string `json:"facts"`
	InstalledProductIDs []string          `json:"installed_product_ids"`
	Capabilities        []string          `json:"capabilities"`
	Role                string            `json:"role"`
	Usage               string            `json:"usage"`
	ServiceLevel        string            `json:"service_level"`
	ServiceType         string            `json:"service_type"`
	Addons              []string          `json:"addons"`
}

// UpdateRequest replaces only the fields that are non-nil.
type UpdateRequest struct {
	Facts               map[string]string `json:"facts"`
	InstalledProductIDs []string          `json:"installed_product_ids"`
	Role                *string           `json:"role"`
	Usage               *string           `json:"usage"`
	ServiceLevel        *string           `json:"service_level"`
	ServiceType         *string           `json:"service_type"`
	Addons              []string          `json:"addons"`
}

var (
	ErrNotFound      = errors.New("consumer_not_found")
	ErrInvalidName   = errors.New("invalid_consumer_name")
	ErrInvalidType   = errors.New("invalid_consumer_type")
	ErrOwnerMismatch = errors.New("consumer_owner_mismatch")
)
