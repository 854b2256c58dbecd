// Package compliance computes a consumer's point in time coverage of its installed
// products and declared system purpose.
package compliance

import (
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	consumerdomain "github.com/smallbiznis/allotment/internal/consumer/domain"
	entdomain "github.com/smallbiznis/allotment/internal/entitlement/domain"
	productdomain "github.com/smallbiznis/allotment/internal/product/domain"
)

// Reason keys.
const (
	ReasonNotCovered  = "NOTCOVERED"
	ReasonSockets     = "SOCKETS"
	ReasonCores       = "CORES"
	ReasonRAM         = "RAM"
	ReasonVCPU        = "VCPU"
	ReasonRole        = "ROLE"
	ReasonAddon       = "ADDON"
	ReasonSLA         = "SLA"
	ReasonUsage       = "USAGE"
	ReasonServiceType = "SERVICE_TYPE"
)

var attrReason = map[string]string{
	productdomain.AttrSockets: ReasonSockets,
	productdomain.AttrCores:   ReasonCores,
	productdomain.AttrRAM:     ReasonRAM,
	productdomain.AttrVCPU:    ReasonVCPU,
}

type Reason struct {
	Key       string `json:"key"`
	ProductID string `json:"product_id,omitempty"`
	StackID   string `json:"stack_id,omitempty"`
	Value     string `json:"value,omitempty"`
}

type Status struct {
	Date   time.Time `json:"date"`
	Status string    `json:"status"`

	CompliantProducts          map[string][]snowflake.ID `json:"compliant_products"`
	PartiallyCompliantProducts map[string][]snowflake.ID `json:"partially_compliant_products"`
	NonCompliantProducts       []string                  `json:"non_compliant_products"`
	// PartialStacks holds entitlements of stacks that do not yet cover the consumer.
	PartialStacks map[string][]snowflake.ID `json:"partial_stacks"`
	// ProductStacks maps a product to the stack that provides it.
	ProductStacks map[string]string `json:"product_stacks"`

	CompliantRole      string   `json:"compliant_role,omitempty"`
	NonCompliantRole   string   `json:"non_compliant_role,omitempty"`
	CompliantAddons    []string `json:"compliant_addons"`
	NonCompliantAddons []string `json:"non_compliant_addons"`

	SystemPurposeStatus string   `json:"system_purpose_status"`
	Reasons             []Reason `json:"reasons"`
}

func (s *Status) IsCompliant() bool {
	return s != nil && s.Status == consumerdomain.StatusValid
}

// NeedsCoverage lists installed products that are not fully covered, sorted.
func (s *Status) NeedsCoverage() []string {
	if s == nil {
		return nil
	}
	out := append([]string(nil), s.NonCompliantProducts...)
	for id := range s.PartiallyCompliantProducts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type Input struct {
	Consumer     *consumerdomain.Consumer
	Entitlements []*entdomain.Entitlement
	At           time.Time
	// ExemptServiceLevels never produce a service level mismatch.
	ExemptServiceLevels []string
	OwnerDefaultSLA     string
}

// Calculate evaluates the consumer against its entitlements active at in.At.
// Entitlements must carry their resolved pool.
func Calculate(in Input) *Status {
	c := in.Consumer
	status := &Status{
		Date:                       in.At,
		CompliantProducts:          map[string][]snowflake.ID{},
		PartiallyCompliantProducts: map[string][]snowflake.ID{},
		NonCompliantProducts:       []string{},
		PartialStacks:              map[string][]snowflake.ID{},
		ProductStacks:              map[string]string{},
		CompliantAddons:            []string{},
		NonCompliantAddons:         []string{},
	}

	active := activeEntitlements(in.Entitlements, in.At)

	stacks := map[string][]*entdomain.Entitlement{}
	for _, ent := range active {
		if id := ent.Pool.StackingID(); id != "" {
			stacks[id] = append(stacks[id], ent)
		}
	}
	stackCovered := map[string]bool{}
	for _, id := range sortedKeys(stacks) {
		shortfalls := Shortfalls(c, stacks[id], true)
		stackCovered[id] = len(shortfalls) == 0
		if !stackCovered[id] {
			status.PartialStacks[id] = entdomain.IDs(stacks[id])
			for _, attr := range shortfalls {
				status.Reasons = append(status.Reasons, Reason{Key: attrReason[attr], StackID: id})
			}
		}
	}

	for _, productID := range c.InstalledProductIDs.Normalized() {
		var providing []*entdomain.Entitlement
		covered := false
		for _, ent := range active {
			if !ent.Pool.ProvidesProduct(productID, false) {
				continue
			}
			providing = append(providing, ent)
			if stackID := ent.Pool.StackingID(); stackID != "" {
				status.ProductStacks[productID] = stackID
				if stackCovered[stackID] {
					covered = true
				}
				continue
			}
			shortfalls := Shortfalls(c, []*entdomain.Entitlement{ent}, false)
			if len(shortfalls) == 0 {
				covered = true
				continue
			}
			for _, attr := range shortfalls {
				status.Reasons = append(status.Reasons, Reason{Key: attrReason[attr], ProductID: productID})
			}
		}

		switch {
		case len(providing) == 0:
			status.NonCompliantProducts = append(status.NonCompliantProducts, productID)
			status.Reasons = append(status.Reasons, Reason{Key: ReasonNotCovered, ProductID: productID})
		case covered:
			status.CompliantProducts[productID] = entdomain.IDs(providing)
		default:
			status.PartiallyCompliantProducts[productID] = entdomain.IDs(providing)
		}
	}

	switch {
	case len(status.NonCompliantProducts) > 0:
		status.Status = consumerdomain.StatusInvalid
	case len(status.PartiallyCompliantProducts) > 0 || len(status.PartialStacks) > 0:
		status.Status = consumerdomain.StatusPartial
	default:
		status.Status = consumerdomain.StatusValid
	}

	calculatePurpose(status, in, active)
	return status
}

func calculatePurpose(status *Status, in Input, active []*entdomain.Entitlement) {
	c := in.Consumer
	if !c.HasSystemPurpose() {
		status.SystemPurposeStatus = consumerdomain.PurposeNotSpecified
		return
	}

	mismatched := false

	if role := strings.TrimSpace(c.Role); role != "" {
		if anyProductListContains(active, productdomain.AttrRoles, role) {
			status.CompliantRole = role
		} else {
			status.NonCompliantRole = role
			status.Reasons = append(status.Reasons, Reason{Key: ReasonRole, Value: role})
			mismatched = true
		}
	}

	for _, addon := range c.Addons.Normalized() {
		if strings.TrimSpace(addon) == "" {
			continue
		}
		if anyProductListContains(active, productdomain.AttrAddons, addon) {
			status.CompliantAddons = append(status.CompliantAddons, addon)
		} else {
			status.NonCompliantAddons = append(status.NonCompliantAddons, addon)
			status.Reasons = append(status.Reasons, Reason{Key: ReasonAddon, Value: addon})
			mismatched = true
		}
	}

	sla := c.ServiceLevel
	if sla == "" {
		sla = in.OwnerDefaultSLA
	}
	if sla != "" && !isExempt(sla, in.ExemptServiceLevels) && attributeMismatch(active, productdomain.AttrSupportLevel, sla, true) {
		status.Reasons = append(status.Reasons, Reason{Key: ReasonSLA, Value: sla})
		mismatched = true
	}
	if c.Usage != "" && attributeMismatch(active, productdomain.AttrUsage, c.Usage, false) {
		status.Reasons = append(status.Reasons, Reason{Key: ReasonUsage, Value: c.Usage})
		mismatched = true
	}
	if c.ServiceType != "" && attributeMismatch(active, productdomain.AttrSupportType, c.ServiceType, false) {
		status.Reasons = append(status.Reasons, Reason{Key: ReasonServiceType, Value: c.ServiceType})
		mismatched = true
	}

	if mismatched {
		status.SystemPurposeStatus = consumerdomain.PurposeMismatched
	} else {
		status.SystemPurposeStatus = consumerdomain.PurposeMatched
	}
}

func activeEntitlements(ents []*entdomain.Entitlement, at time.Time) []*entdomain.Entitlement {
	out := make([]*entdomain.Entitlement, 0, len(ents))
	for _, ent := range ents {
		if ent == nil || ent.Pool == nil {
			continue
		}
		if !at.IsZero() && !ent.Pool.IsActiveOn(at) {
			continue
		}
		out = append(out, ent)
	}
	entdomain.SortOldestFirst(out)
	return out
}

func anyProductListContains(ents []*entdomain.Entitlement, attr, value string) bool {
	for _, ent := range ents {
		if productdomain.ListContains(ent.Pool.EffectiveAttribute(attr), value) {
			return true
		}
	}
	return false
}

// attributeMismatch reports entitlements that declare attr without listing value.
func attributeMismatch(ents []*entdomain.Entitlement, attr, value string, honorExempt bool) bool {
	for _, ent := range ents {
		if honorExempt && productdomain.ParseBool(ent.Pool.EffectiveAttribute(productdomain.AttrSupportLevelExempt)) {
			continue
		}
		raw := ent.Pool.EffectiveAttribute(attr)
		if raw == "" {
			continue
		}
		if !productdomain.ListContains(raw, value) {
			return true
		}
	}
	return false
}

func isExempt(level string, exempt []string) bool {
	for _, e := range exempt {
		if strings.EqualFold(strings.TrimSpace(e), strings.TrimSpace(level)) {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
