// Package bindrules evaluates whether a consumer may take a quantity of a pool.
package bindrules

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
)

type ReasonCode string

const (
	ReasonNoEntitlementsAvailable   ReasonCode = "rulefailed.no.entitlements.available"
	ReasonConsumerTypeMismatch      ReasonCode = "rulefailed.consumer.type.mismatch"
	ReasonAlreadyHasProduct         ReasonCode = "rulefailed.already.has.product"
	ReasonVirtOnly                  ReasonCode = "rulefailed.virt.only"
	ReasonPhysicalOnly              ReasonCode = "rulefailed.physical.only"
	ReasonVirtEntsOnlyForHost       ReasonCode = "rulefailed.virt.ents.only.for.host"
	ReasonUnmappedGuestsOnly        ReasonCode = "rulefailed.unmapped.guests.only"
	ReasonPoolNotStarted            ReasonCode = "rulefailed.pool.not.started"
	ReasonPoolExpired               ReasonCode = "rulefailed.pool.expired"
	ReasonInstanceUnsupported       ReasonCode = "rulefailed.instance.unsupported.by.consumer"
	ReasonCoresUnsupported          ReasonCode = "rulefailed.cores.unsupported.by.consumer"
	ReasonRAMUnsupported            ReasonCode = "rulefailed.ram.unsupported.by.consumer"
	ReasonDerivedProductUnsupported ReasonCode = "rulefailed.derivedproduct.unsupported.by.consumer"
	ReasonQuantityMismatch          ReasonCode = "rulefailed.quantity.mismatch"
)

var messages = map[ReasonCode]string{
	ReasonNoEntitlementsAvailable:   "No subscriptions are available from the pool",
	ReasonConsumerTypeMismatch:      "Units of this type are not allowed to attach the pool",
	ReasonAlreadyHasProduct:         "This unit has already had the subscription attached",
	ReasonVirtOnly:                  "Pool is restricted to virtual guests",
	ReasonPhysicalOnly:              "Pool is restricted to physical systems",
	ReasonVirtEntsOnlyForHost:       "Pool is restricted to guests running on a specific host",
	ReasonUnmappedGuestsOnly:        "Pool is restricted to unmapped virtual guests",
	ReasonPoolNotStarted:            "Subscription pool has not started yet",
	ReasonPoolExpired:               "Subscription pool has expired",
	ReasonInstanceUnsupported:       "Unit does not support instance based subscriptions",
	ReasonCoresUnsupported:          "Unit does not support core calculation",
	ReasonRAMUnsupported:            "Unit does not support RAM calculation",
	ReasonDerivedProductUnsupported: "Unit does not support derived products data",
	ReasonQuantityMismatch:          "Requested quantity is not valid for the pool",
}

// Message is the user facing text for a reason code.
func (c ReasonCode) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return "Entitlement refused"
}

type Reason struct {
	Code   ReasonCode `json:"code"`
	Detail string     `json:"detail,omitempty"`
}

func (r Reason) String() string {
	if r.Detail == "" {
		return string(r.Code)
	}
	return string(r.Code) + ": " + r.Detail
}

var ErrRefused = errors.New("entitlement_refused")

// RefusalError aggregates the rule failures of every pool a bind attempted.
type RefusalError struct {
	Failures map[snowflake.ID][]Reason
}

func NewRefusalError() *RefusalError {
	return &RefusalError{Failures: map[snowflake.ID][]Reason{}}
}

func (e *RefusalError) Add(poolID snowflake.ID, reasons ...Reason) {
	if len(reasons) == 0 {
		return
	}
	if e.Failures == nil {
		e.Failures = map[snowflake.ID][]Reason{}
	}
	e.Failures[poolID] = append(e.Failures[poolID], reasons...)
}

func (e *RefusalError) Empty() bool {
	return e == nil || len(e.Failures) == 0
}

// IsOnlyNoEntitlementsAvailable reports refusals caused solely by exhausted capacity.
func (e *RefusalError) IsOnlyNoEntitlementsAvailable() bool {
	if e.Empty() {
		return false
	}
	for _, reasons := range e.Failures {
		for _, r := range reasons {
			if r.Code != ReasonNoEntitlementsAvailable {
				return false
			}
		}
	}
	return true
}

// Codes returns the distinct reason codes in sorted order.
func (e *RefusalError) Codes() []ReasonCode {
	seen := map[ReasonCode]struct{}{}
	for _, reasons := range e.Failures {
		for _, r := range reasons {
			seen[r.Code] = struct{}{}
		}
	}
	out := make([]ReasonCode, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *RefusalError) Error() string {
	if e.Empty() {
		return ErrRefused.Error()
	}
	ids := make([]snowflake.ID, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		reasons := make([]string, 0, len(e.Failures[id]))
		for _, r := range e.Failures[id] {
			reasons = append(reasons, r.String())
		}
		parts = append(parts, fmt.Sprintf("pool %s: %s", id, strings.Join(reasons, ", ")))
	}
	return ErrRefused.Error() + ": " + strings.Join(parts, "; ")
}

func (e *RefusalError) Is(target error) bool {
	return target == ErrRefused
}
