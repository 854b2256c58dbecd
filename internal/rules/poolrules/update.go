package poolrules

import (
	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
	productdomain "github.com/smallbiznis/allotment/internal/product/domain"
	"go.uber.org/zap"
)

// UpdatePools reconciles the existing pools of master's subscription in place.
// originalQuantity is the upstream quantity before the product multiplier is applied.
// changedProducts holds new versions of products whose content changed during refresh.
// Pools without any changed facet are omitted from the result.
func (e *Engine) UpdatePools(
	master *pooldomain.Pool,
	existing []*pooldomain.Pool,
	originalQuantity int64,
	changedProducts map[string]*productdomain.Product,
) []*pooldomain.PoolUpdate {
	if master == nil {
		return nil
	}
	virtLimit, hasVirtLimit := VirtLimit(master.Product)
	quantity := productdomain.MultiplyQuantity(originalQuantity, master.Product.EffectiveMultiplier())

	var exported int64
	for _, p := range existing {
		if p.SubscriptionSubKey != pooldomain.SubKeyDerived && p.SubscriptionID == master.SubscriptionID {
			exported = p.Exported
		}
	}

	var updates []*pooldomain.PoolUpdate
	for _, p := range existing {
		if p.SubscriptionID != master.SubscriptionID {
			continue
		}
		u := pooldomain.NewPoolUpdate(p)
		if p.SubscriptionSubKey == pooldomain.SubKeyDerived {
			e.updateBonusPool(u, master, quantity, exported, virtLimit, hasVirtLimit)
		} else {
			updateMasterPool(u, master, quantity)
		}
		applyProductVersions(u, changedProducts)

		if u.Changed() {
			updates = append(updates, u)
		}
	}

	if len(updates) > 0 {
		e.log.Debug("pools updated from subscription",
			zap.String("subscription_id", master.SubscriptionID),
			zap.Int("updates", len(updates)),
		)
	}
	return updates
}

func updateMasterPool(u *pooldomain.PoolUpdate, master *pooldomain.Pool, quantity int64) {
	p := u.Pool
	if p.ProductID != master.ProductID ||
		p.ProductName != master.ProductName ||
		!p.ProvidedProductIDs.SameSet(master.ProvidedProductIDs) {
		p.ProductID = master.ProductID
		p.ProductName = master.ProductName
		p.ProvidedProductIDs = master.ProvidedProductIDs.Normalized()
		p.Product = master.Product
		u.ProductsChanged = true
	}

	if p.DerivedProductID != master.DerivedProductID ||
		!p.DerivedProvidedProductIDs.SameSet(master.DerivedProvidedProductIDs) {
		p.DerivedProductID = master.DerivedProductID
		p.DerivedProvidedProductIDs = master.DerivedProvidedProductIDs.Normalized()
		p.DerivedProduct = master.DerivedProduct
		u.DerivedProductsChanged = true
	}

	if !p.Attributes.Equal(master.Attributes) || p.StackID != master.StackID {
		p.Attributes = master.Attributes.Clone()
		p.StackID = master.StackID
		u.ProductAttributesChanged = true
	}

	applyCommon(u, master)

	if p.Quantity != quantity {
		p.Quantity = quantity
		u.QuantityChanged = true
	}
}

func (e *Engine) updateBonusPool(
	u *pooldomain.PoolUpdate,
	master *pooldomain.Pool,
	quantity, exported, virtLimit int64,
	hasVirtLimit bool,
) {
	p := u.Pool
	if !hasVirtLimit {
		// virt_limit removed: the orchestrator deletes the bonus pool.
		if p.Quantity != 0 {
			p.Quantity = 0
			u.QuantityChanged = true
		}
		p.MarkedForDelete = true
		return
	}

	shape := e.bonusShape(master)
	if p.ProductID != shape.productID ||
		p.ProductName != shape.productName ||
		!p.ProvidedProductIDs.SameSet(shape.provided) {
		p.ProductID = shape.productID
		p.ProductName = shape.productName
		p.ProvidedProductIDs = shape.provided
		p.Product = shape.product
		u.ProductsChanged = true
	}

	if p.Type != shape.poolType || !p.Attributes.Equal(shape.attributes) || p.StackID != master.StackID {
		p.Type = shape.poolType
		p.Attributes = shape.attributes
		p.StackID = master.StackID
		u.ProductAttributesChanged = true
	}

	applyCommon(u, master)

	bonus := BonusQuantity(&pooldomain.Pool{Quantity: quantity, Exported: exported}, virtLimit)
	if p.Quantity != bonus {
		p.Quantity = bonus
		u.QuantityChanged = true
	}
}

// applyCommon reconciles facets shared by every pool of a subscription.
func applyCommon(u *pooldomain.PoolUpdate, master *pooldomain.Pool) {
	p := u.Pool
	if !p.StartDate.Equal(master.StartDate) || !p.EndDate.Equal(master.EndDate) {
		p.StartDate = master.StartDate
		p.EndDate = master.EndDate
		u.DatesChanged = true
	}

	if p.ContractNumber != master.ContractNumber ||
		p.OrderNumber != master.OrderNumber ||
		p.AccountNumber != master.AccountNumber ||
		p.UpstreamPoolID != master.UpstreamPoolID {
		p.ContractNumber = master.ContractNumber
		p.OrderNumber = master.OrderNumber
		p.AccountNumber = master.AccountNumber
		p.UpstreamPoolID = master.UpstreamPoolID
		u.OrderChanged = true
	}

	if !p.Branding.SameSet(master.Branding) {
		p.Branding = append(p.Branding[:0:0], master.Branding...)
		u.BrandingChanged = true
	}
}

// applyProductVersions flags pools whose products received a new version.
func applyProductVersions(u *pooldomain.PoolUpdate, changed map[string]*productdomain.Product) {
	if len(changed) == 0 {
		return
	}
	p := u.Pool
	if np, ok := changed[p.ProductID]; ok && np != nil && (p.Product == nil || p.Product.UUID != np.UUID) {
		p.Product = np
		u.ProductAttributesChanged = true
	}
	if p.DerivedProductID == "" {
		return
	}
	if np, ok := changed[p.DerivedProductID]; ok && np != nil && (p.DerivedProduct == nil || p.DerivedProduct.UUID != np.UUID) {
		p.DerivedProduct = np
		u.ProductAttributesChanged = true
	}
}
