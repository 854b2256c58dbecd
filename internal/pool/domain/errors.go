package domain

import "errors"

var (
	ErrNotFound = errors.New("pool_not_found")
	// ErrIllegalState is returned when stored pools contradict the rules that created them.
	ErrIllegalState = errors.New("pool_illegal_state")
)
