package bindrules

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	consumerdomain "github.com/smallbiznis/allotment/internal/consumer/domain"
	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
	productdomain "github.com/smallbiznis/allotment/internal/product/domain"
)

const DefaultUnmappedGuestWindow = 24 * time.Hour

// Context is the consumer side of a bind evaluation.
type Context struct {
	Consumer *consumerdomain.Consumer
	// Host is the hypervisor a guest reported on, if any.
	Host *consumerdomain.Consumer
	Now  time.Time
	// HeldPoolIDs are pools the consumer already holds entitlements from.
	HeldPoolIDs map[snowflake.ID]struct{}
	// UnmappedGuestWindow bounds how long a new guest may consume unmapped guest pools.
	UnmappedGuestWindow time.Duration
}

func (c Context) holds(poolID snowflake.ID) bool {
	_, ok := c.HeldPoolIDs[poolID]
	return ok
}

// Validate runs the pre-bind rules for quantity units of pool. Nil means the bind may proceed.
func Validate(c Context, pool *pooldomain.Pool, quantity int64) []Reason {
	var reasons []Reason
	add := func(code ReasonCode, detail string) {
		reasons = append(reasons, Reason{Code: code, Detail: detail})
	}

	consumer := c.Consumer
	product := pool.Product

	if quantity < 1 {
		add(ReasonQuantityMismatch, "quantity must be positive")
	} else if !pool.IsUnlimited() && pool.Available() < quantity {
		add(ReasonNoEntitlementsAvailable, "")
	}

	if required := pool.EffectiveAttribute(productdomain.AttrRequiresConsumer); required != "" {
		if !consumerTypeMatches(required, consumer) {
			add(ReasonConsumerTypeMismatch, required)
		}
	}

	if !product.IsMultiEntitlement() {
		if quantity > 1 {
			add(ReasonQuantityMismatch, "pool does not support multi-entitlement")
		}
		if c.holds(pool.ID) {
			add(ReasonAlreadyHasProduct, "")
		}
	}

	if !consumer.IsDistributor() {
		if pool.IsVirtOnly() && !consumer.IsGuest() {
			add(ReasonVirtOnly, "")
		}
		if productdomain.ParseBool(pool.EffectiveAttribute(pooldomain.AttrPhysicalOnly)) && consumer.IsGuest() {
			add(ReasonPhysicalOnly, "")
		}
		if requiredHost := pool.Attribute(pooldomain.AttrRequiresHost); requiredHost != "" {
			if !consumer.IsGuest() || c.Host == nil || !strings.EqualFold(c.Host.UUID, requiredHost) {
				add(ReasonVirtEntsOnlyForHost, requiredHost)
			}
		}
		if pool.IsUnmappedGuestPool() && !isNewUnmappedGuest(c) {
			add(ReasonUnmappedGuestsOnly, "")
		}
	} else {
		if pool.IsUnmappedGuestPool() || pool.HasAttribute(pooldomain.AttrRequiresHost) {
			add(ReasonConsumerTypeMismatch, string(consumer.Type))
		}
		if product.HasAttribute(productdomain.AttrCores) && !consumer.HasCapability(consumerdomain.CapabilityCores) {
			add(ReasonCoresUnsupported, "")
		}
		if product.HasAttribute(productdomain.AttrRAM) && !consumer.HasCapability(consumerdomain.CapabilityRAM) {
			add(ReasonRAMUnsupported, "")
		}
		if product.HasAttribute(productdomain.AttrInstanceMultiplier) && !consumer.HasCapability(consumerdomain.CapabilityInstanceMulti) {
			add(ReasonInstanceUnsupported, "")
		}
		if pool.DerivedProductID != "" && !consumer.HasCapability(consumerdomain.CapabilityDerivedProduct) {
			add(ReasonDerivedProductUnsupported, "")
		}
	}

	if !c.Now.IsZero() {
		if c.Now.Before(pool.StartDate) {
			add(ReasonPoolNotStarted, "")
		} else if !pool.EndDate.IsZero() && c.Now.After(pool.EndDate) {
			add(ReasonPoolExpired, "")
		}
	}

	return reasons
}

func consumerTypeMatches(required string, consumer *consumerdomain.Consumer) bool {
	if consumer == nil {
		return false
	}
	if strings.EqualFold(required, string(consumer.Type)) {
		return true
	}
	// Distributors may carry system subscriptions downstream.
	return consumer.IsDistributor() && strings.EqualFold(required, string(consumerdomain.ConsumerTypeSystem))
}

func isNewUnmappedGuest(c Context) bool {
	consumer := c.Consumer
	if consumer == nil || !consumer.IsGuest() || consumer.HostID != nil {
		return false
	}
	window := c.UnmappedGuestWindow
	if window <= 0 {
		window = DefaultUnmappedGuestWindow
	}
	if c.Now.IsZero() || consumer.CreatedAt.IsZero() {
		return true
	}
	return c.Now.Sub(consumer.CreatedAt) < window
}
