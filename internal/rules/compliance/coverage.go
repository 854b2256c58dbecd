package compliance

import (
	consumerdomain "github.com/smallbiznis/allotment/internal/consumer/domain"
	entdomain "github.com/smallbiznis/allotment/internal/entitlement/domain"
	productdomain "github.com/smallbiznis/allotment/internal/product/domain"
)

// EnforcedAttributes are the consumer resources a product may size itself against.
var EnforcedAttributes = []string{
	productdomain.AttrSockets,
	productdomain.AttrCores,
	productdomain.AttrRAM,
	productdomain.AttrVCPU,
}

// Requirement is how much of attr the consumer needs covered. Zero means not enforced.
// Guests are sized by vcpu and ram; physical systems by sockets, cores and ram.
func Requirement(c *consumerdomain.Consumer, attr string) int64 {
	if c == nil {
		return 0
	}
	guest := c.IsGuest()
	switch attr {
	case productdomain.AttrSockets:
		if guest {
			return 0
		}
		return c.Sockets()
	case productdomain.AttrCores:
		if guest {
			return 0
		}
		return c.Cores()
	case productdomain.AttrRAM:
		return c.RAMGB()
	case productdomain.AttrVCPU:
		if !guest {
			return 0
		}
		return c.VCPU()
	}
	return 0
}

// UnitCapacity is how much of attr a single unit of product covers.
func UnitCapacity(product *productdomain.Product, attr string) (int64, bool) {
	v, ok := product.IntAttribute(attr)
	if !ok || (v < 0 && v != productdomain.Unlimited) {
		return 0, false
	}
	return v, true
}

// IsInstanceBased reports products sized by instance count rather than sockets.
func IsInstanceBased(product *productdomain.Product) bool {
	v, ok := product.IntAttribute(productdomain.AttrInstanceMultiplier)
	return ok && v > 0
}

// InstanceMultiplier defaults to 1.
func InstanceMultiplier(product *productdomain.Product) int64 {
	v, ok := product.IntAttribute(productdomain.AttrInstanceMultiplier)
	if !ok || v <= 0 {
		return 1
	}
	return v
}

// Capacity sums what ents provide for attr. enforced is false when no entitlement sizes on attr.
func Capacity(c *consumerdomain.Consumer, ents []*entdomain.Entitlement, attr string, stacked bool) (total int64, enforced, unlimited bool) {
	for _, ent := range ents {
		if ent.Pool == nil {
			continue
		}
		product := ent.Pool.Product
		if attr == productdomain.AttrSockets && IsInstanceBased(product) {
			enforced = true
			if c.IsGuest() {
				unlimited = true
				continue
			}
			total += ent.Quantity * InstanceMultiplier(product)
			continue
		}
		v, ok := UnitCapacity(product, attr)
		if !ok {
			continue
		}
		enforced = true
		if v == productdomain.Unlimited {
			unlimited = true
			continue
		}
		if stacked {
			total += productdomain.MultiplyQuantity(v, ent.Quantity)
		} else if v > total {
			total = v
		}
	}
	return total, enforced, unlimited
}

// Shortfalls lists the attributes ents fail to cover for c.
func Shortfalls(c *consumerdomain.Consumer, ents []*entdomain.Entitlement, stacked bool) []string {
	var out []string
	for _, attr := range EnforcedAttributes {
		need := Requirement(c, attr)
		if need <= 0 {
			continue
		}
		total, enforced, unlimited := Capacity(c, ents, attr, stacked)
		if !enforced || unlimited {
			continue
		}
		if total < need {
			out = append(out, attr)
		}
	}
	return out
}
