package poolrules

import (
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	consumerdomain "github.com/smallbiznis/allotment/internal/consumer/domain"
	entdomain "github.com/smallbiznis/allotment/internal/entitlement/domain"
	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
	productdomain "github.com/smallbiznis/allotment/internal/product/domain"
	"github.com/smallbiznis/allotment/pkg/dbtypes"
)

// Attributes accumulated across a stack. Summed attributes scale with entitlement quantity.
var (
	summedStackAttributes = []string{
		productdomain.AttrSockets,
		productdomain.AttrCores,
		productdomain.AttrRAM,
		productdomain.AttrVCPU,
	}
	maxStackAttributes = []string{
		productdomain.AttrVirtLimit,
		productdomain.AttrGuestLimit,
	}
)

// NeedsEntitlementDerivedPool reports whether binding consumer to pool grants a per-host guest pool.
func (e *Engine) NeedsEntitlementDerivedPool(consumer *consumerdomain.Consumer, pool *pooldomain.Pool) bool {
	if !e.derivesHostPools(consumer, pool) {
		return false
	}
	return pool.StackingID() == ""
}

// NeedsStackDerivedPool reports whether the bind feeds a per-host stack pool.
func (e *Engine) NeedsStackDerivedPool(consumer *consumerdomain.Consumer, pool *pooldomain.Pool) bool {
	if !e.derivesHostPools(consumer, pool) {
		return false
	}
	return pool.StackingID() != ""
}

func (e *Engine) derivesHostPools(consumer *consumerdomain.Consumer, pool *pooldomain.Pool) bool {
	if consumer == nil || pool == nil || consumer.IsGuest() || consumer.IsDistributor() {
		return false
	}
	if pool.IsDerived() {
		return false
	}
	if _, ok := VirtLimit(pool.Product); !ok {
		return false
	}
	return e.cfg.Standalone || pool.Product.BoolAttribute(productdomain.AttrHostLimited)
}

// CreateEntitlementDerivedPool builds the guest pool granted to the host holding ent.
// It returns nil when the entitled product carries no virt_limit.
func (e *Engine) CreateEntitlementDerivedPool(consumer *consumerdomain.Consumer, ent *entdomain.Entitlement) *pooldomain.Pool {
	src := ent.Pool
	if src == nil {
		return nil
	}
	virtLimit, ok := VirtLimit(src.Product)
	if !ok {
		return nil
	}

	productID, product, name, provided := derivedShape(src)
	entID := ent.ID
	return &pooldomain.Pool{
		OwnerID:             src.OwnerID,
		Type:                pooldomain.PoolTypeEntitlementDerived,
		ProductID:           productID,
		ProductName:         name,
		ProvidedProductIDs:  provided,
		Quantity:            virtLimit,
		StartDate:           src.StartDate,
		EndDate:             src.EndDate,
		SourceEntitlementID: &entID,
		Attributes:          hostPoolAttributes(consumer),
		Branding:            append(dbtypes.BrandingList(nil), src.Branding...),
		ContractNumber:      src.ContractNumber,
		OrderNumber:         src.OrderNumber,
		AccountNumber:       src.AccountNumber,
		Product:             product,
	}
}

// CreateStackDerivedPool builds the guest pool backed by every entitlement consumer holds
// toward stackID. It returns nil when no entitlement contributes.
func (e *Engine) CreateStackDerivedPool(consumer *consumerdomain.Consumer, stackID string, ents []*entdomain.Entitlement) *pooldomain.Pool {
	valid := stackEntitlements(ents)
	if len(valid) == 0 {
		return nil
	}
	consumerID := consumer.ID
	pool := &pooldomain.Pool{
		OwnerID:          consumer.OwnerID,
		Type:             pooldomain.PoolTypeStackDerived,
		SourceStackID:    stackID,
		SourceConsumerID: &consumerID,
	}
	u := pooldomain.NewPoolUpdate(pool)
	applyStack(u, consumer, valid)
	if pool.MarkedForDelete {
		return nil
	}
	return pool
}

// UpdatePoolFromStack recomputes a stack-derived pool in place. A pool left without
// contributing entitlements is marked for delete; the caller decides when to remove it.
func (e *Engine) UpdatePoolFromStack(pool *pooldomain.Pool, consumer *consumerdomain.Consumer, ents []*entdomain.Entitlement) *pooldomain.PoolUpdate {
	u := pooldomain.NewPoolUpdate(pool)
	valid := stackEntitlements(ents)
	if len(valid) == 0 {
		pool.MarkedForDelete = true
		return u
	}
	applyStack(u, consumer, valid)
	return u
}

type StackUpdateResult struct {
	Updated []*pooldomain.PoolUpdate
	// Emptied lists pools marked for delete because their stack has no entitlements left.
	Emptied []*pooldomain.Pool
}

// BulkUpdatePoolsFromStack recomputes every stack-derived pool against the stacks in entsByStack.
func (e *Engine) BulkUpdatePoolsFromStack(
	pools []*pooldomain.Pool,
	consumers map[snowflake.ID]*consumerdomain.Consumer,
	entsByStack map[entdomain.StackKey][]*entdomain.Entitlement,
) StackUpdateResult {
	var res StackUpdateResult
	for _, p := range pools {
		if !p.IsStackDerived() || p.SourceConsumerID == nil {
			continue
		}
		key := entdomain.StackKey{ConsumerID: *p.SourceConsumerID, StackID: p.SourceStackID}
		u := e.UpdatePoolFromStack(p, consumers[key.ConsumerID], entsByStack[key])
		if p.MarkedForDelete {
			res.Emptied = append(res.Emptied, p)
			continue
		}
		if u.Changed() {
			res.Updated = append(res.Updated, u)
		}
	}
	return res
}

func stackEntitlements(ents []*entdomain.Entitlement) []*entdomain.Entitlement {
	out := make([]*entdomain.Entitlement, 0, len(ents))
	for _, ent := range ents {
		if ent == nil || ent.Pool == nil || ent.Pool.MarkedForDelete || ent.Quantity <= 0 {
			continue
		}
		out = append(out, ent)
	}
	entdomain.SortOldestFirst(out)
	return out
}

func applyStack(u *pooldomain.PoolUpdate, consumer *consumerdomain.Consumer, ents []*entdomain.Entitlement) {
	p := u.Pool
	eldest := ents[0].Pool

	productID, product, name, _ := derivedShape(eldest)
	var provided dbtypes.StringList
	start, end := eldest.StartDate, eldest.EndDate
	for _, ent := range ents {
		_, _, _, entProvided := derivedShape(ent.Pool)
		provided = append(provided, entProvided...)
		start = minTime(start, ent.Pool.StartDate)
		end = maxTime(end, ent.Pool.EndDate)
	}
	provided = provided.Normalized()

	if p.ProductID != productID || p.ProductName != name || !p.ProvidedProductIDs.SameSet(provided) {
		p.ProductID = productID
		p.ProductName = name
		p.ProvidedProductIDs = provided
		p.Product = product
		u.ProductsChanged = true
	}

	if !p.StartDate.Equal(start) || !p.EndDate.Equal(end) {
		p.StartDate = start
		p.EndDate = end
		u.DatesChanged = true
	}

	if p.ContractNumber != eldest.ContractNumber ||
		p.OrderNumber != eldest.OrderNumber ||
		p.AccountNumber != eldest.AccountNumber {
		p.ContractNumber = eldest.ContractNumber
		p.OrderNumber = eldest.OrderNumber
		p.AccountNumber = eldest.AccountNumber
		u.OrderChanged = true
	}

	attrs := hostPoolAttributes(consumer)
	for _, key := range summedStackAttributes {
		var total int64
		var seen bool
		for _, ent := range ents {
			v, ok := ent.Pool.Product.IntAttribute(key)
			if !ok || v < 0 {
				continue
			}
			seen = true
			total += productdomain.MultiplyQuantity(v, ent.Quantity)
		}
		if seen {
			attrs[key] = strconv.FormatInt(total, 10)
		}
	}
	for _, key := range maxStackAttributes {
		if v, ok := maxAttribute(ents, key); ok {
			attrs[key] = formatQuantity(v)
		}
	}
	if !p.Attributes.Equal(attrs) {
		p.Attributes = attrs
		u.ProductAttributesChanged = true
	}

	quantity, ok := maxAttribute(ents, productdomain.AttrVirtLimit)
	if !ok || quantity == 0 {
		p.MarkedForDelete = true
		return
	}
	if p.Quantity != quantity {
		p.Quantity = quantity
		u.QuantityChanged = true
	}
}

// maxAttribute takes the largest numeric value across the stack; unlimited wins.
func maxAttribute(ents []*entdomain.Entitlement, key string) (int64, bool) {
	var best int64
	var seen bool
	for _, ent := range ents {
		v, ok := ent.Pool.Product.IntAttribute(key)
		if key == productdomain.AttrVirtLimit {
			v, ok = ent.Pool.Product.LimitAttribute(key)
		}
		if !ok {
			continue
		}
		if v == productdomain.Unlimited {
			return productdomain.Unlimited, true
		}
		if v < 0 {
			continue
		}
		if !seen || v > best {
			best = v
			seen = true
		}
	}
	return best, seen
}

func hostPoolAttributes(consumer *consumerdomain.Consumer) dbtypes.StringMap {
	attrs := dbtypes.StringMap{
		pooldomain.AttrVirtOnly:    "true",
		pooldomain.AttrPoolDerived: "true",
	}
	if consumer != nil && consumer.UUID != "" {
		attrs[pooldomain.AttrRequiresHost] = consumer.UUID
	}
	return attrs
}

// derivedShape is the product a guest receives from src: the derived product when set.
func derivedShape(src *pooldomain.Pool) (string, *productdomain.Product, string, dbtypes.StringList) {
	if src.DerivedProductID != "" {
		return src.DerivedProductID,
			src.DerivedProduct,
			nameOf(src.DerivedProduct, src.DerivedProductID),
			src.DerivedProvidedProductIDs.Normalized()
	}
	return src.ProductID, src.Product, src.ProductName, src.ProvidedProductIDs.Normalized()
}

func formatQuantity(v int64) string {
	if v == productdomain.Unlimited {
		return "unlimited"
	}
	return strconv.FormatInt(v, 10)
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
