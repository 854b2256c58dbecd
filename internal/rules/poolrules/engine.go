// Package poolrules turns subscription-derived pool descriptions and consumer stacks
// into pool mutations. It performs no I/O.
package poolrules

import (
	"fmt"

	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
	productdomain "github.com/smallbiznis/allotment/internal/product/domain"
	"github.com/smallbiznis/allotment/pkg/dbtypes"
	"go.uber.org/zap"
)

type Config struct {
	// Standalone selects on-premise behaviour: per-host derived pools and unmapped guest bonus pools.
	Standalone bool
}

type Engine struct {
	cfg Config
	log *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{cfg: cfg, log: log.Named("pool.rules")}
}

// CreateAndEnrichPools returns the pools a subscription needs that are not yet among existing.
func (e *Engine) CreateAndEnrichPools(master *pooldomain.Pool, existing []*pooldomain.Pool) ([]*pooldomain.Pool, error) {
	if master == nil {
		return nil, fmt.Errorf("%w: nil master pool", pooldomain.ErrIllegalState)
	}
	if master.SubscriptionSubKey == pooldomain.SubKeyDerived {
		return nil, fmt.Errorf("%w: subscription %s: cannot derive pools from a derived pool",
			pooldomain.ErrIllegalState, master.SubscriptionID)
	}

	var hasMaster, hasBonus bool
	for _, p := range existing {
		switch p.SubscriptionSubKey {
		case pooldomain.SubKeyDerived:
			hasBonus = true
		default:
			hasMaster = true
		}
	}
	if hasBonus && !hasMaster {
		return nil, fmt.Errorf("%w: subscription %s: derived pool %s has no master pool",
			pooldomain.ErrIllegalState, master.SubscriptionID, firstDerived(existing))
	}

	var out []*pooldomain.Pool
	if !hasMaster {
		if master.SubscriptionSubKey == "" {
			master.SubscriptionSubKey = pooldomain.SubKeyMaster
		}
		out = append(out, master)
	}

	virtLimit, ok := VirtLimit(master.Product)
	if !ok {
		if raw := master.Product.Attribute(productdomain.AttrVirtLimit); raw != "" && raw != "0" {
			e.log.Warn("ignoring malformed virt_limit",
				zap.String("subscription_id", master.SubscriptionID),
				zap.String("product_id", master.ProductID),
				zap.String("virt_limit", raw),
			)
		}
		return out, nil
	}
	if hasBonus {
		return out, nil
	}

	bonus := e.newBonusPool(master, virtLimit)
	out = append(out, bonus)
	return out, nil
}

func (e *Engine) newBonusPool(master *pooldomain.Pool, virtLimit int64) *pooldomain.Pool {
	shape := e.bonusShape(master)
	return &pooldomain.Pool{
		OwnerID:            master.OwnerID,
		Type:               shape.poolType,
		ProductID:          shape.productID,
		ProductName:        shape.productName,
		ProvidedProductIDs: shape.provided,
		Quantity:           BonusQuantity(master, virtLimit),
		StartDate:          master.StartDate,
		EndDate:            master.EndDate,
		SubscriptionID:     master.SubscriptionID,
		SubscriptionSubKey: pooldomain.SubKeyDerived,
		UpstreamPoolID:     master.UpstreamPoolID,
		StackID:            master.StackID,
		Attributes:         shape.attributes,
		Branding:           append(dbtypes.BrandingList(nil), master.Branding...),
		ContractNumber:     master.ContractNumber,
		OrderNumber:        master.OrderNumber,
		AccountNumber:      master.AccountNumber,
		Product:            shape.product,
	}
}

type bonusShape struct {
	poolType    pooldomain.PoolType
	productID   string
	productName string
	product     *productdomain.Product
	provided    dbtypes.StringList
	attributes  dbtypes.StringMap
}

// bonusShape describes the bonus pool a master pool produces. Host limited products
// and standalone deployments get an unmapped guest pool; hosted deployments a virt-only bonus pool.
func (e *Engine) bonusShape(master *pooldomain.Pool) bonusShape {
	s := bonusShape{
		poolType:    pooldomain.PoolTypeBonus,
		productID:   master.ProductID,
		productName: master.ProductName,
		product:     master.Product,
		provided:    master.ProvidedProductIDs.Normalized(),
		attributes:  master.Attributes.Clone(),
	}
	if master.DerivedProductID != "" {
		s.productID = master.DerivedProductID
		s.product = master.DerivedProduct
		s.productName = nameOf(master.DerivedProduct, master.DerivedProductID)
		s.provided = master.DerivedProvidedProductIDs.Normalized()
	}

	s.attributes[pooldomain.AttrVirtOnly] = "true"
	s.attributes[pooldomain.AttrPoolDerived] = "true"
	if master.Product.BoolAttribute(productdomain.AttrHostLimited) || e.cfg.Standalone {
		s.poolType = pooldomain.PoolTypeUnmappedGuest
		s.attributes[pooldomain.AttrUnmappedGuestsOnly] = "true"
	}
	return s
}

// VirtLimit parses the product's virt_limit. Absent, zero and malformed values report false.
func VirtLimit(product *productdomain.Product) (int64, bool) {
	v, ok := product.LimitAttribute(productdomain.AttrVirtLimit)
	if !ok {
		return 0, false
	}
	if v == productdomain.Unlimited {
		return v, true
	}
	if v <= 0 {
		return 0, false
	}
	return v, true
}

// BonusQuantity is the guest capacity a master pool grants: the locally held
// quantity times virtLimit, or unlimited.
func BonusQuantity(master *pooldomain.Pool, virtLimit int64) int64 {
	if virtLimit == productdomain.Unlimited || master.IsUnlimited() {
		return productdomain.Unlimited
	}
	base := master.Quantity - master.Exported
	if base < 0 {
		base = 0
	}
	return productdomain.MultiplyQuantity(base, virtLimit)
}

func firstDerived(pools []*pooldomain.Pool) string {
	for _, p := range pools {
		if p.SubscriptionSubKey == pooldomain.SubKeyDerived {
			return p.ID.String()
		}
	}
	return ""
}

func nameOf(p *productdomain.Product, fallback string) string {
	if p == nil || p.Name == "" {
		return fallback
	}
	return p.Name
}
