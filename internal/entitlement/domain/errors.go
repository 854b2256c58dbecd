package domain

import "errors"

var (
	ErrNotFound        = errors.New("entitlement_not_found")
	ErrInvalidQuantity = errors.New("invalid_quantity")
)
