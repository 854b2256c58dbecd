package autobind

import (
	"math"
	"strings"

	consumerdomain "github.com/smallbiznis/allotment/internal/consumer/domain"
	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
	productdomain "github.com/smallbiznis/allotment/internal/product/domain"
)

// Tier levels. A pool silent on an attribute, or a consumer that did not declare it, is neutral.
const (
	levelMismatch = 0
	levelNeutral  = 1
	levelMatch    = 2
)

// Tier ranks, highest first. Each tier weighs 3^rank, which exceeds the widest
// possible spread of every lower tier plus the resource score.
const (
	rankRole        = 5
	rankAddon       = 4
	rankSLA         = 3
	rankUsage       = 2
	rankServiceType = 1
)

// Purpose is the system purpose a pool is scored against.
type Purpose struct {
	Role        string
	Addons      []string
	SLA         string
	Usage       string
	ServiceType string
}

// PurposeOf builds the scoring purpose for c. slaOverride wins over the consumer's
// level, which wins over the owner default. Exempt levels are treated as undeclared.
func PurposeOf(c *consumerdomain.Consumer, slaOverride, ownerDefault string, exempt []string) Purpose {
	p := Purpose{}
	if c != nil {
		p.Role = strings.TrimSpace(c.Role)
		p.Addons = append(p.Addons, c.Addons...)
		p.Usage = strings.TrimSpace(c.Usage)
		p.ServiceType = strings.TrimSpace(c.ServiceType)
		p.SLA = strings.TrimSpace(c.ServiceLevel)
	}
	if v := strings.TrimSpace(slaOverride); v != "" {
		p.SLA = v
	}
	if p.SLA == "" {
		p.SLA = strings.TrimSpace(ownerDefault)
	}
	for _, e := range exempt {
		if strings.EqualFold(strings.TrimSpace(e), p.SLA) {
			p.SLA = ""
			break
		}
	}
	return p
}

// TierScore is the weighted system purpose score of pool. It is never negative.
func TierScore(purpose Purpose, pool *pooldomain.Pool) float64 {
	score := 0.0
	add := func(rank int, level int) {
		score += float64(level) * math.Pow(3, float64(rank))
	}

	add(rankRole, level(pool.EffectiveAttribute(productdomain.AttrRoles), single(purpose.Role)))
	add(rankAddon, level(pool.EffectiveAttribute(productdomain.AttrAddons), purpose.Addons))

	sla := single(purpose.SLA)
	if productdomain.ParseBool(pool.EffectiveAttribute(productdomain.AttrSupportLevelExempt)) {
		sla = nil
	}
	add(rankSLA, level(pool.EffectiveAttribute(productdomain.AttrSupportLevel), sla))
	add(rankUsage, level(pool.EffectiveAttribute(productdomain.AttrUsage), single(purpose.Usage)))
	add(rankServiceType, level(pool.EffectiveAttribute(productdomain.AttrSupportType), single(purpose.ServiceType)))
	return score
}

// ResourceScore rewards low over-provisioning; it stays below 1.
func ResourceScore(waste float64, pool *pooldomain.Pool, c *consumerdomain.Consumer) float64 {
	if waste < 0 || math.IsNaN(waste) || math.IsInf(waste, 0) {
		waste = 0
	}
	score := 0.9 / (1 + waste)
	if c.IsGuest() && pool.IsVirtOnly() {
		score += 0.09
	}
	return score
}

// Score is the full priority of pool for a consumer at the given waste.
func Score(purpose Purpose, pool *pooldomain.Pool, c *consumerdomain.Consumer, waste float64) float64 {
	return TierScore(purpose, pool) + ResourceScore(waste, pool, c)
}

func level(poolRaw string, declared []string) int {
	values := productdomain.ParseList(poolRaw)
	var wanted []string
	for _, d := range declared {
		if d = strings.TrimSpace(d); d != "" {
			wanted = append(wanted, d)
		}
	}
	if len(values) == 0 || len(wanted) == 0 {
		return levelNeutral
	}
	for _, w := range wanted {
		for _, v := range values {
			if strings.EqualFold(v, w) {
				return levelMatch
			}
		}
	}
	return levelMismatch
}

func single(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}
