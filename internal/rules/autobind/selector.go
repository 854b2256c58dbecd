// Package autobind picks the pools and quantities that best cover a consumer.
package autobind

import (
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	consumerdomain "github.com/smallbiznis/allotment/internal/consumer/domain"
	entdomain "github.com/smallbiznis/allotment/internal/entitlement/domain"
	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
	productdomain "github.com/smallbiznis/allotment/internal/product/domain"
	"github.com/smallbiznis/allotment/internal/rules/bindrules"
	"github.com/smallbiznis/allotment/internal/rules/compliance"
	"github.com/smallbiznis/allotment/internal/rules/poolrules"
	"go.uber.org/zap"
)

type Request struct {
	// Consumer receives the entitlements and is sized against the pools.
	Consumer *consumerdomain.Consumer
	// Guest turns the request into a host autobind: Consumer is the guest's host and
	// coverage is computed for the guest.
	Guest *consumerdomain.Consumer
	// GuestCount is how many guests the host runs, the requesting guest included.
	// Host autobind sizes the host so its virt_limit seats them all.
	GuestCount int64
	// RequiredProducts overrides the products derived from Compliance.
	RequiredProducts []string
	Pools            []*pooldomain.Pool
	Compliance       *compliance.Status
	// Entitlements are the consumer's current entitlements with resolved pools.
	Entitlements []*entdomain.Entitlement

	OwnerDefaultSLA     string
	SLAOverride         string
	ExemptServiceLevels []string

	Now                 time.Time
	Host                *consumerdomain.Consumer
	UnmappedGuestWindow time.Duration
}

type Selector struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Selector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Selector{log: log.Named("autobind.selector")}
}

type candidate struct {
	pool   *pooldomain.Pool
	covers map[string]struct{}
}

type group struct {
	items    []pooldomain.PoolQuantity
	covers   map[string]struct{}
	priority float64
	waste    float64
	minID    snowflake.ID
}

// SelectBestPools returns the pools and quantities to bind, sorted by pool ID.
// When no pool is eligible and some failed the bind rules, the error is a *bindrules.RefusalError.
func (s *Selector) SelectBestPools(req Request) ([]pooldomain.PoolQuantity, error) {
	if req.Consumer == nil {
		return nil, nil
	}
	hostMode := req.Guest != nil
	target := req.Consumer
	if hostMode {
		target = req.Guest
	}

	required := requiredCoverage(req, target)
	if len(required) == 0 || len(req.Pools) == 0 {
		return nil, nil
	}

	partialStackOf := partialStackProducts(req.Compliance)
	heldStacks := map[string][]*entdomain.Entitlement{}
	for _, ent := range req.Entitlements {
		if ent.Pool == nil {
			continue
		}
		if id := ent.Pool.StackingID(); id != "" {
			heldStacks[id] = append(heldStacks[id], ent)
		}
	}

	bindCtx := bindrules.Context{
		Consumer:            req.Consumer,
		Host:                req.Host,
		Now:                 req.Now,
		HeldPoolIDs:         heldPoolIDs(req.Entitlements),
		UnmappedGuestWindow: req.UnmappedGuestWindow,
	}
	purpose := PurposeOf(target, req.SLAOverride, req.OwnerDefaultSLA, req.ExemptServiceLevels)

	pools := append([]*pooldomain.Pool(nil), req.Pools...)
	pooldomain.SortPools(pools)

	refusal := bindrules.NewRefusalError()
	var singles []*candidate
	stacked := map[string][]*candidate{}

	for _, pool := range pools {
		if pool == nil || pool.Quantity == 0 {
			continue
		}
		if hostMode {
			if _, ok := poolrules.VirtLimit(pool.Product); !ok {
				continue
			}
		}
		covers := coverage(pool, required, target, hostMode, partialStackOf)
		if len(covers) == 0 {
			continue
		}
		if pool.Available() <= 0 {
			refusal.Add(pool.ID, bindrules.Reason{Code: bindrules.ReasonNoEntitlementsAvailable})
			continue
		}
		if reasons := preflight(bindCtx, pool); len(reasons) > 0 {
			refusal.Add(pool.ID, reasons...)
			continue
		}

		c := &candidate{pool: pool, covers: covers}
		if stackID := pool.StackingID(); stackID != "" && pool.Product.IsMultiEntitlement() {
			stacked[stackID] = append(stacked[stackID], c)
		} else {
			singles = append(singles, c)
		}
	}

	var groups []*group
	for _, c := range singles {
		qty, waste, ok := singleQuantity(req.Consumer, c.pool)
		if !ok {
			continue
		}
		if hostMode {
			if seats := guestUnits(c.pool, req.GuestCount); seats > qty && c.pool.Product.IsMultiEntitlement() {
				qty = seats
			}
		}
		if !fits(c.pool, qty) {
			refusal.Add(c.pool.ID, bindrules.Reason{Code: bindrules.ReasonNoEntitlementsAvailable})
			continue
		}
		groups = append(groups, &group{
			items:    []pooldomain.PoolQuantity{{Pool: c.pool, Quantity: qty}},
			covers:   c.covers,
			priority: Score(purpose, c.pool, target, waste),
			waste:    waste,
			minID:    c.pool.ID,
		})
	}

	for _, stackID := range sortedKeys(stacked) {
		cands := dedupe(stacked[stackID])
		needs := remainingNeeds(req.Consumer, heldStacks[stackID])
		stackPools := make([]*pooldomain.Pool, 0, len(cands))
		byPool := map[snowflake.ID]*candidate{}
		for _, c := range cands {
			stackPools = append(stackPools, c.pool)
			byPool[c.pool.ID] = c
		}

		plan, ok := solveStack(req.Consumer, stackPools, needs)
		if !ok {
			continue
		}
		if hostMode {
			seatGuests(&plan, req.GuestCount)
		}
		g := &group{items: plan.items, covers: map[string]struct{}{}, waste: plan.waste}
		for i, item := range plan.items {
			for k := range byPool[item.Pool.ID].covers {
				g.covers[k] = struct{}{}
			}
			if score := Score(purpose, item.Pool, target, plan.waste); i == 0 || score > g.priority {
				g.priority = score
			}
			if i == 0 || item.Pool.ID < g.minID {
				g.minID = item.Pool.ID
			}
		}
		groups = append(groups, g)
	}

	if len(groups) == 0 {
		if !refusal.Empty() {
			s.log.Debug("autobind refused",
				zap.String("consumer_uuid", req.Consumer.UUID),
				zap.Int("pools_refused", len(refusal.Failures)),
			)
			return nil, refusal
		}
		return nil, nil
	}

	selected := selectGroups(groups, required)
	out := flatten(selected)

	s.log.Debug("autobind selection",
		zap.String("consumer_uuid", req.Consumer.UUID),
		zap.Int("required", len(required)),
		zap.Int("candidates", len(groups)),
		zap.Int("selected", len(out)),
	)
	return out, nil
}

// selectGroups greedily covers required and then drops groups made redundant by later picks.
func selectGroups(groups []*group, required map[string]struct{}) []*group {
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		ca, cb := countCovered(a, required), countCovered(b, required)
		if ca != cb {
			return ca > cb
		}
		if len(a.items) != len(b.items) {
			return len(a.items) < len(b.items)
		}
		if a.waste != b.waste {
			return a.waste < b.waste
		}
		return a.minID < b.minID
	})

	remaining := make(map[string]struct{}, len(required))
	for k := range required {
		remaining[k] = struct{}{}
	}

	var selected []*group
	for _, g := range groups {
		if len(remaining) == 0 {
			break
		}
		useful := false
		for k := range g.covers {
			if _, ok := remaining[k]; ok {
				useful = true
				delete(remaining, k)
			}
		}
		if useful {
			selected = append(selected, g)
		}
	}

	for i := len(selected) - 1; i >= 0; i-- {
		if coveredByOthers(selected, i, required) {
			selected = append(selected[:i], selected[i+1:]...)
		}
	}
	return selected
}

func coveredByOthers(selected []*group, idx int, required map[string]struct{}) bool {
	for k := range selected[idx].covers {
		if _, ok := required[k]; !ok {
			continue
		}
		found := false
		for j, other := range selected {
			if j == idx {
				continue
			}
			if _, ok := other.covers[k]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func flatten(groups []*group) []pooldomain.PoolQuantity {
	index := map[snowflake.ID]int{}
	var out []pooldomain.PoolQuantity
	for _, g := range groups {
		for _, item := range g.items {
			if item.Quantity <= 0 {
				continue
			}
			if i, ok := index[item.Pool.ID]; ok {
				if item.Quantity > out[i].Quantity {
					out[i].Quantity = item.Quantity
				}
				continue
			}
			index[item.Pool.ID] = len(out)
			out = append(out, item)
		}
	}
	pooldomain.SortPoolQuantities(out)
	return out
}

// Coverage keys for system purpose values share the product id namespace.
func roleKey(role string) string   { return "role:" + strings.ToLower(strings.TrimSpace(role)) }
func addonKey(addon string) string { return "addon:" + strings.ToLower(strings.TrimSpace(addon)) }

func requiredCoverage(req Request, target *consumerdomain.Consumer) map[string]struct{} {
	out := map[string]struct{}{}

	var products []string
	switch {
	case req.RequiredProducts != nil:
		products = req.RequiredProducts
	case req.Compliance != nil:
		products = req.Compliance.NeedsCoverage()
	default:
		products = target.InstalledProductIDs
	}
	for _, p := range products {
		if p = strings.TrimSpace(p); p != "" {
			out[p] = struct{}{}
		}
	}

	if role := strings.TrimSpace(target.Role); role != "" {
		if req.Compliance == nil || req.Compliance.NonCompliantRole != "" {
			out[roleKey(role)] = struct{}{}
		}
	}

	addons := []string(target.Addons)
	if req.Compliance != nil {
		addons = req.Compliance.NonCompliantAddons
	}
	for _, a := range addons {
		if strings.TrimSpace(a) != "" {
			out[addonKey(a)] = struct{}{}
		}
	}
	return out
}

// coverage lists the required keys pool satisfies. Products held by a partial
// stack may only be covered by pools of that stack.
func coverage(pool *pooldomain.Pool, required map[string]struct{}, target *consumerdomain.Consumer, hostMode bool, partialStackOf map[string]string) map[string]struct{} {
	out := map[string]struct{}{}
	for key := range required {
		switch {
		case strings.HasPrefix(key, "role:"):
			if productdomain.ListContains(pool.EffectiveAttribute(productdomain.AttrRoles), target.Role) {
				out[key] = struct{}{}
			}
		case strings.HasPrefix(key, "addon:"):
			addon := strings.TrimPrefix(key, "addon:")
			if productdomain.ListContains(pool.EffectiveAttribute(productdomain.AttrAddons), addon) {
				out[key] = struct{}{}
			}
		default:
			if !provides(pool, key, hostMode) {
				continue
			}
			if stackID, ok := partialStackOf[key]; ok && pool.StackingID() != stackID {
				continue
			}
			out[key] = struct{}{}
		}
	}
	return out
}

func provides(pool *pooldomain.Pool, productID string, hostMode bool) bool {
	if hostMode && pool.DerivedProductID != "" {
		return pool.ProvidesProduct(productID, true)
	}
	return pool.ProvidesProduct(productID, false)
}

func preflight(ctx bindrules.Context, pool *pooldomain.Pool) []bindrules.Reason {
	var out []bindrules.Reason
	for _, r := range bindrules.Validate(ctx, pool, 1) {
		if r.Code == bindrules.ReasonQuantityMismatch || r.Code == bindrules.ReasonNoEntitlementsAvailable {
			continue
		}
		out = append(out, r)
	}
	return out
}

func partialStackProducts(status *compliance.Status) map[string]string {
	out := map[string]string{}
	if status == nil {
		return out
	}
	for productID, stackID := range status.ProductStacks {
		if _, partial := status.PartialStacks[stackID]; partial {
			out[productID] = stackID
		}
	}
	return out
}

func remainingNeeds(c *consumerdomain.Consumer, held []*entdomain.Entitlement) stackNeeds {
	needs := stackNeeds{}
	for _, attr := range compliance.EnforcedAttributes {
		need := compliance.Requirement(c, attr)
		if need <= 0 {
			continue
		}
		if len(held) > 0 {
			total, enforced, unlimited := compliance.Capacity(c, held, attr, true)
			if enforced && unlimited {
				continue
			}
			need -= total
		}
		if need > 0 {
			needs[attr] = need
		}
	}
	return needs
}

// dedupe keeps one pool per identical product offering, preferring the most available.
func dedupe(cands []*candidate) []*candidate {
	best := map[string]*candidate{}
	var order []string
	for _, c := range cands {
		key := c.pool.ProductID + "|" + strings.Join(c.pool.ProvidedProductIDs.Normalized(), ",") + "|" + coverKey(c.covers)
		cur, ok := best[key]
		if !ok {
			best[key] = c
			order = append(order, key)
			continue
		}
		if availability(c.pool) > availability(cur.pool) {
			best[key] = c
		}
	}
	out := make([]*candidate, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].pool.ID < out[j].pool.ID })
	return out
}

func availability(p *pooldomain.Pool) int64 {
	return p.Available()
}

func coverKey(covers map[string]struct{}) string {
	keys := make([]string, 0, len(covers))
	for k := range covers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func countCovered(g *group, required map[string]struct{}) int {
	n := 0
	for k := range g.covers {
		if _, ok := required[k]; ok {
			n++
		}
	}
	return n
}

func heldPoolIDs(ents []*entdomain.Entitlement) map[snowflake.ID]struct{} {
	out := make(map[snowflake.ID]struct{}, len(ents))
	for _, e := range ents {
		out[e.PoolID] = struct{}{}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
