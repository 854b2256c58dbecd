package domain

import (
	"context"
	"errors"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Owner, error)
	GetByKey(ctx context.Context, key string) (*Owner, error)
}

type CreateRequest struct {
	Key                 string `json:"key"`
	DisplayName         string `json:"display_name"`
	DefaultServiceLevel string `json:"default_service_level"`
}

var (
	ErrNotFound   = errors.New("owner_not_found")
	ErrInvalidKey = errors.New("invalid_owner_key")
	ErrDuplicate  = errors.New("owner_already_exists")
)
