package autobind

import (
	"math"
	"sort"

	consumerdomain "github.com/smallbiznis/allotment/internal/consumer/domain"
	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
	productdomain "github.com/smallbiznis/allotment/internal/product/domain"
	"github.com/smallbiznis/allotment/internal/rules/compliance"
	"github.com/smallbiznis/allotment/internal/rules/poolrules"
)

// maxUnitsSearched bounds the pair search per pool.
const maxUnitsSearched = 4096

const infiniteUnits = int64(math.MaxInt64)

// unitCapacity is what one unit of pool provides toward attr for c.
func unitCapacity(c *consumerdomain.Consumer, pool *pooldomain.Pool, attr string) (capacity int64, unlimited, enforced bool) {
	product := pool.Product
	if attr == productdomain.AttrSockets && compliance.IsInstanceBased(product) {
		if c.IsGuest() {
			return 0, true, true
		}
		return compliance.InstanceMultiplier(product), false, true
	}
	v, ok := compliance.UnitCapacity(product, attr)
	if !ok {
		return 0, false, false
	}
	if v == productdomain.Unlimited {
		return 0, true, true
	}
	return v, false, true
}

// singleQuantity sizes a non-stacked pool. ok is false when one unit cannot cover c.
func singleQuantity(c *consumerdomain.Consumer, pool *pooldomain.Pool) (qty int64, waste float64, ok bool) {
	product := pool.Product
	if compliance.IsInstanceBased(product) {
		if c.IsGuest() {
			return 1, 0, true
		}
		im := compliance.InstanceMultiplier(product)
		qty = ceilDiv(c.Sockets(), im)
		if qty < 1 {
			qty = 1
		}
		if !product.IsMultiEntitlement() {
			qty = 1
		}
		return qty, normalizedWaste(qty*im, c.Sockets()), true
	}

	for _, attr := range compliance.EnforcedAttributes {
		need := compliance.Requirement(c, attr)
		if need <= 0 {
			continue
		}
		capacity, unlimited, enforced := unitCapacity(c, pool, attr)
		if !enforced || unlimited {
			continue
		}
		if capacity < need {
			return 0, 0, false
		}
		waste += normalizedWaste(capacity, need)
	}
	return 1, waste, true
}

// stackNeeds is what the consumer still needs from a stack after the units it already holds.
type stackNeeds map[string]int64

func (n stackNeeds) attrs() []string {
	out := make([]string, 0, len(n))
	for _, attr := range compliance.EnforcedAttributes {
		if n[attr] > 0 {
			out = append(out, attr)
		}
	}
	return out
}

type stackPlan struct {
	items []pooldomain.PoolQuantity
	waste float64
	units int64
	// partial is set when the available units cannot reach every need.
	partial bool
}

// solveStack distributes units across pools of one stack. Lower normalized waste wins,
// then fewer pools, then fewer units.
func solveStack(c *consumerdomain.Consumer, pools []*pooldomain.Pool, needs stackNeeds) (stackPlan, bool) {
	if len(pools) == 0 {
		return stackPlan{}, false
	}
	attrs := needs.attrs()
	if len(attrs) == 0 {
		return stackPlan{items: []pooldomain.PoolQuantity{{Pool: pools[0], Quantity: 1}}, units: 1}, true
	}

	var best *stackPlan
	consider := func(plan stackPlan) {
		if best == nil || planLess(plan, *best) {
			p := plan
			best = &p
		}
	}

	for _, p := range pools {
		units := unitsToCover(c, p, attrs, needs, nil)
		if units == infiniteUnits || !fits(p, units) {
			continue
		}
		consider(stackPlan{
			items: []pooldomain.PoolQuantity{{Pool: p, Quantity: units}},
			waste: planWaste(c, attrs, needs, map[*pooldomain.Pool]int64{p: units}),
			units: units,
		})
	}

	for i := 0; i < len(pools); i++ {
		for j := i + 1; j < len(pools); j++ {
			a, b := pools[i], pools[j]
			bound := maxUsefulUnits(c, a, attrs, needs)
			for ua := int64(1); ua <= bound; ua++ {
				if !fits(a, ua) {
					break
				}
				ub := unitsToCover(c, b, attrs, needs, map[*pooldomain.Pool]int64{a: ua})
				if ub == infiniteUnits || ub == 0 || !fits(b, ub) {
					continue
				}
				used := map[*pooldomain.Pool]int64{a: ua, b: ub}
				consider(stackPlan{
					items: []pooldomain.PoolQuantity{{Pool: a, Quantity: ua}, {Pool: b, Quantity: ub}},
					waste: planWaste(c, attrs, needs, used),
					units: ua + ub,
				})
			}
		}
	}
	if best != nil {
		return *best, true
	}
	return greedyStack(c, pools, attrs, needs)
}

// greedyStack fills needs from the most capable pools first and may return a partial plan.
func greedyStack(c *consumerdomain.Consumer, pools []*pooldomain.Pool, attrs []string, needs stackNeeds) (stackPlan, bool) {
	ordered := append([]*pooldomain.Pool(nil), pools...)
	sort.SliceStable(ordered, func(i, j int) bool {
		ci, cj := coverageWeight(c, ordered[i], attrs, needs), coverageWeight(c, ordered[j], attrs, needs)
		if ci != cj {
			return ci > cj
		}
		return ordered[i].ID < ordered[j].ID
	})

	used := map[*pooldomain.Pool]int64{}
	var plan stackPlan
	for _, p := range ordered {
		units := unitsToCover(c, p, attrs, needs, used)
		if units == 0 {
			break
		}
		if units == infiniteUnits {
			units = 0
			for _, attr := range attrs {
				if capacity, unlimited, _ := unitCapacity(c, p, attr); capacity > 0 || unlimited {
					units = maxUsefulUnits(c, p, attrs, needs)
					break
				}
			}
		}
		if avail := p.Available(); !p.IsUnlimited() && units > avail {
			units = avail
		}
		if units <= 0 {
			continue
		}
		used[p] = units
		plan.items = append(plan.items, pooldomain.PoolQuantity{Pool: p, Quantity: units})
		plan.units += units
	}
	if len(plan.items) == 0 {
		return stackPlan{}, false
	}
	plan.partial = unitsToCover(c, plan.items[0].Pool, attrs, needs, used) != 0
	plan.waste = planWaste(c, attrs, needs, used)
	return plan, true
}

// unitsToCover is how many units of p, on top of used, reach every need. It returns
// infiniteUnits when p cannot close a remaining gap.
func unitsToCover(c *consumerdomain.Consumer, p *pooldomain.Pool, attrs []string, needs stackNeeds, used map[*pooldomain.Pool]int64) int64 {
	var units int64
	for _, attr := range attrs {
		remaining := needs[attr]
		covered := false
		for q, n := range used {
			capacity, unlimited, _ := unitCapacity(c, q, attr)
			if unlimited {
				covered = true
				break
			}
			remaining -= capacity * n
		}
		if covered || remaining <= 0 {
			continue
		}
		capacity, unlimited, _ := unitCapacity(c, p, attr)
		if unlimited {
			if units < 1 {
				units = 1
			}
			continue
		}
		if capacity <= 0 {
			return infiniteUnits
		}
		if u := ceilDiv(remaining, capacity); u > units {
			units = u
		}
	}
	return units
}

func maxUsefulUnits(c *consumerdomain.Consumer, p *pooldomain.Pool, attrs []string, needs stackNeeds) int64 {
	var bound int64 = 1
	for _, attr := range attrs {
		capacity, unlimited, _ := unitCapacity(c, p, attr)
		if unlimited || capacity <= 0 {
			continue
		}
		if u := ceilDiv(needs[attr], capacity); u > bound {
			bound = u
		}
	}
	if bound > maxUnitsSearched {
		bound = maxUnitsSearched
	}
	return bound
}

func coverageWeight(c *consumerdomain.Consumer, p *pooldomain.Pool, attrs []string, needs stackNeeds) float64 {
	var w float64
	for _, attr := range attrs {
		capacity, unlimited, _ := unitCapacity(c, p, attr)
		if unlimited {
			w++
			continue
		}
		w += math.Min(1, float64(capacity)/float64(needs[attr]))
	}
	return w
}

func planWaste(c *consumerdomain.Consumer, attrs []string, needs stackNeeds, used map[*pooldomain.Pool]int64) float64 {
	var waste float64
	for _, attr := range attrs {
		var total int64
		unlimited := false
		for p, n := range used {
			capacity, unl, _ := unitCapacity(c, p, attr)
			if unl {
				unlimited = true
				break
			}
			total += capacity * n
		}
		if unlimited {
			continue
		}
		waste += normalizedWaste(total, needs[attr])
	}
	return waste
}

func planLess(a, b stackPlan) bool {
	if a.waste != b.waste {
		return a.waste < b.waste
	}
	if len(a.items) != len(b.items) {
		return len(a.items) < len(b.items)
	}
	if a.units != b.units {
		return a.units < b.units
	}
	for i := range a.items {
		if a.items[i].Pool.ID != b.items[i].Pool.ID {
			return a.items[i].Pool.ID < b.items[i].Pool.ID
		}
	}
	return false
}

// guestUnits is how many units of pool a host needs for its virt_limit to seat guests.
func guestUnits(pool *pooldomain.Pool, guests int64) int64 {
	if guests < 1 {
		guests = 1
	}
	limit, ok := poolrules.VirtLimit(pool.Product)
	if !ok || limit == productdomain.Unlimited {
		return 1
	}
	return ceilDiv(guests, limit)
}

// seatGuests grows a host's stack plan until the summed virt_limit seats every guest.
// Extra units go to the item with the largest virt_limit and stop at its availability.
func seatGuests(plan *stackPlan, guests int64) {
	if guests < 1 {
		guests = 1
	}
	var seats int64
	best := -1
	var bestLimit int64
	for i, item := range plan.items {
		limit, ok := poolrules.VirtLimit(item.Pool.Product)
		if !ok {
			continue
		}
		if limit == productdomain.Unlimited {
			return
		}
		seats += limit * item.Quantity
		if limit > bestLimit {
			best, bestLimit = i, limit
		}
	}
	if best < 0 || seats >= guests {
		return
	}
	item := &plan.items[best]
	extra := ceilDiv(guests-seats, bestLimit)
	if !item.Pool.IsUnlimited() {
		if room := item.Pool.Available() - item.Quantity; extra > room {
			extra = room
		}
	}
	if extra <= 0 {
		return
	}
	item.Quantity += extra
	plan.units += extra
}

func fits(p *pooldomain.Pool, units int64) bool {
	return p.IsUnlimited() || units <= p.Available()
}

func normalizedWaste(provided, need int64) float64 {
	if need <= 0 || provided <= need {
		return 0
	}
	return float64(provided-need) / float64(need)
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
