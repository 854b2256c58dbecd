package autobind

import (
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	consumerdomain "github.com/smallbiznis/allotment/internal/consumer/domain"
	entdomain "github.com/smallbiznis/allotment/internal/entitlement/domain"
	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
	productdomain "github.com/smallbiznis/allotment/internal/product/domain"
	"github.com/smallbiznis/allotment/internal/rules/bindrules"
	"github.com/smallbiznis/allotment/internal/rules/compliance"
	"github.com/smallbiznis/allotment/pkg/dbtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newConsumer(sockets string, installed ...string) *consumerdomain.Consumer {
	return &consumerdomain.Consumer{
		ID:                  1,
		UUID:                "consumer-1",
		Type:                consumerdomain.ConsumerTypeSystem,
		Facts:               dbtypes.StringMap{consumerdomain.FactSockets: sockets},
		InstalledProductIDs: dbtypes.StringList(installed),
	}
}

func newPool(id snowflake.ID, productID string, quantity int64, provided []string, attrs map[string]string) *pooldomain.Pool {
	return &pooldomain.Pool{
		ID:                 id,
		ProductID:          productID,
		Quantity:           quantity,
		ProvidedProductIDs: dbtypes.StringList(provided),
		StartDate:          time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:            time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		Product: &productdomain.Product{
			ProductID:  productID,
			Attributes: dbtypes.StringMap(attrs),
		},
	}
}

func stackAttrs(stackID, sockets string) map[string]string {
	return map[string]string{
		productdomain.AttrMultiEntitlement: "yes",
		productdomain.AttrStackingID:       stackID,
		productdomain.AttrSockets:          sockets,
	}
}

func TestSelectBestPoolsEmptyCandidates(t *testing.T) {
	s := New(zap.NewNop())
	out, err := s.SelectBestPools(Request{Consumer: newConsumer("2", "69")})
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = s.SelectBestPools(Request{
		Consumer: newConsumer("2", "69"),
		Pools:    []*pooldomain.Pool{newPool(1, "RH-OTHER", 10, []string{"70"}, nil)},
	})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSelectBestPoolsStackingMinimalWaste(t *testing.T) {
	cases := []struct {
		name    string
		sockets string
		pools   func() []*pooldomain.Pool
		want    map[snowflake.ID]int64
	}{
		{
			name:    "split beats single pool with waste",
			sockets: "8",
			pools: func() []*pooldomain.Pool {
				return []*pooldomain.Pool{
					newPool(2, "RH-5", 100, []string{"69"}, stackAttrs("stack-1", "5")),
					newPool(1, "RH-3", 100, []string{"69"}, stackAttrs("stack-1", "3")),
				}
			},
			want: map[snowflake.ID]int64{1: 1, 2: 1},
		},
		{
			name:    "exact five plus two",
			sockets: "7",
			pools: func() []*pooldomain.Pool {
				return []*pooldomain.Pool{
					newPool(1, "RH-5", 100, []string{"69"}, stackAttrs("stack-1", "5")),
					newPool(2, "RH-2", 100, []string{"69"}, stackAttrs("stack-1", "2")),
				}
			},
			want: map[snowflake.ID]int64{1: 1, 2: 1},
		},
		{
			name:    "single pool wins when waste ties",
			sockets: "6",
			pools: func() []*pooldomain.Pool {
				return []*pooldomain.Pool{
					newPool(1, "RH-2", 100, []string{"69"}, stackAttrs("stack-1", "2")),
					newPool(2, "RH-3", 100, []string{"69"}, stackAttrs("stack-1", "3")),
				}
			},
			want: map[snowflake.ID]int64{2: 2},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := New(zap.NewNop()).SelectBestPools(Request{
				Consumer: newConsumer(tc.sockets, "69"),
				Pools:    tc.pools(),
			})
			require.NoError(t, err)
			got := map[snowflake.ID]int64{}
			for _, pq := range out {
				got[pq.Pool.ID] = pq.Quantity
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSelectBestPoolsStackRespectsAvailability(t *testing.T) {
	s := New(zap.NewNop())
	three := newPool(1, "RH-3", 2, []string{"69"}, stackAttrs("stack-1", "3"))
	five := newPool(2, "RH-5", 1, []string{"69"}, stackAttrs("stack-1", "5"))

	out, err := s.SelectBestPools(Request{
		Consumer: newConsumer("8", "69"),
		Pools:    []*pooldomain.Pool{three, five},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.EqualValues(t, 1, out[0].Quantity)
	assert.EqualValues(t, 1, out[1].Quantity)
	for _, pq := range out {
		assert.LessOrEqual(t, pq.Quantity, pq.Pool.Available())
	}
}

func TestSelectBestPoolsNonStackedSockets(t *testing.T) {
	s := New(zap.NewNop())
	small := newPool(1, "RH-2S", 10, []string{"69"}, map[string]string{productdomain.AttrSockets: "2"})
	large := newPool(2, "RH-8S", 10, []string{"69"}, map[string]string{productdomain.AttrSockets: "8"})

	out, err := s.SelectBestPools(Request{
		Consumer: newConsumer("4", "69"),
		Pools:    []*pooldomain.Pool{small, large},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Same(t, large, out[0].Pool)
	assert.EqualValues(t, 1, out[0].Quantity)
}

func TestSelectBestPoolsInstanceBased(t *testing.T) {
	s := New(zap.NewNop())
	attrs := map[string]string{
		productdomain.AttrInstanceMultiplier: "2",
		productdomain.AttrMultiEntitlement:   "yes",
	}
	pool := newPool(1, "RH-INST", 20, []string{"69"}, attrs)

	out, err := s.SelectBestPools(Request{Consumer: newConsumer("5", "69"), Pools: []*pooldomain.Pool{pool}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.EqualValues(t, 3, out[0].Quantity)

	guest := newConsumer("5", "69")
	guest.Facts[consumerdomain.FactIsGuest] = "true"
	out, err = s.SelectBestPools(Request{Consumer: guest, Pools: []*pooldomain.Pool{pool}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.EqualValues(t, 1, out[0].Quantity)
}

func TestSelectBestPoolsRefusal(t *testing.T) {
	s := New(zap.NewNop())
	virtOnly := newPool(1, "RH-VIRT", 10, []string{"69"}, nil)
	virtOnly.Attributes = dbtypes.StringMap{pooldomain.AttrVirtOnly: "true"}
	exhausted := newPool(2, "RH-FULL", 10, []string{"69"}, nil)
	exhausted.Consumed = 10

	out, err := s.SelectBestPools(Request{
		Consumer: newConsumer("2", "69"),
		Pools:    []*pooldomain.Pool{virtOnly, exhausted},
	})
	assert.Empty(t, out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bindrules.ErrRefused))

	var refusal *bindrules.RefusalError
	require.True(t, errors.As(err, &refusal))
	assert.Equal(t, bindrules.ReasonVirtOnly, refusal.Failures[1][0].Code)
	assert.Equal(t, bindrules.ReasonNoEntitlementsAvailable, refusal.Failures[2][0].Code)
	assert.False(t, refusal.IsOnlyNoEntitlementsAvailable())
}

func TestSelectBestPoolsDeterministic(t *testing.T) {
	s := New(zap.NewNop())
	pools := []*pooldomain.Pool{
		newPool(3, "RH-A", 10, []string{"69"}, nil),
		newPool(1, "RH-B", 10, []string{"69"}, nil),
		newPool(2, "RH-C", 10, []string{"70"}, nil),
		newPool(4, "RH-D", 10, []string{"69", "70"}, nil),
	}
	req := Request{Consumer: newConsumer("2", "69", "70"), Pools: pools}

	first, err := s.SelectBestPools(req)
	require.NoError(t, err)
	second, err := s.SelectBestPools(req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.Len(t, first, 1)
	assert.EqualValues(t, 4, first[0].Pool.ID)
}

func TestSelectBestPoolsPrefersRoleMatch(t *testing.T) {
	s := New(zap.NewNop())
	c := newConsumer("2", "69")
	c.Role = "RHEL Server"

	plain := newPool(1, "RH-PLAIN", 10, []string{"69"}, nil)
	server := newPool(2, "RH-SERVER", 10, []string{"69"}, map[string]string{productdomain.AttrRoles: "rhel server,,RHEL Workstation"})

	out, err := s.SelectBestPools(Request{Consumer: c, Pools: []*pooldomain.Pool{plain, server}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Same(t, server, out[0].Pool)
}

func TestSelectBestPoolsCoversAddonsWithoutInstalledProducts(t *testing.T) {
	s := New(zap.NewNop())
	c := newConsumer("2")
	c.Addons = dbtypes.StringList{"Smart Management"}

	addon := newPool(1, "RH-ADDON", 5, nil, map[string]string{productdomain.AttrAddons: " smart management "})
	usageOnly := newPool(2, "RH-USAGE", 5, nil, map[string]string{productdomain.AttrUsage: "Production"})

	out, err := s.SelectBestPools(Request{Consumer: c, Pools: []*pooldomain.Pool{addon, usageOnly}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Same(t, addon, out[0].Pool)
}

func TestSelectBestPoolsCompletesPartialStackOnly(t *testing.T) {
	s := New(zap.NewNop())
	c := newConsumer("8", "69")

	held := newPool(100, "RH-S", 10, []string{"69"}, stackAttrs("stack-s", "2"))
	ent := &entdomain.Entitlement{ID: 1, ConsumerID: c.ID, PoolID: held.ID, Quantity: 1, Pool: held}
	status := compliance.Calculate(compliance.Input{Consumer: c, Entitlements: []*entdomain.Entitlement{ent}})
	require.Contains(t, status.PartialStacks, "stack-s")

	sameStack := newPool(10, "RH-S2", 10, []string{"69"}, stackAttrs("stack-s", "2"))
	otherStack := newPool(5, "RH-T", 10, []string{"69"}, stackAttrs("stack-t", "8"))

	out, err := s.SelectBestPools(Request{
		Consumer:     c,
		Compliance:   status,
		Entitlements: []*entdomain.Entitlement{ent},
		Pools:        []*pooldomain.Pool{otherStack, sameStack},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Same(t, sameStack, out[0].Pool)
	assert.EqualValues(t, 3, out[0].Quantity)
}

func TestSelectBestPoolsHostMode(t *testing.T) {
	s := New(zap.NewNop())
	host := newConsumer("2")
	guest := newConsumer("1", "guest-os")
	guest.ID = 2
	guest.Facts[consumerdomain.FactIsGuest] = "true"

	virtPool := newPool(1, "RH-DC", 10, nil, map[string]string{productdomain.AttrVirtLimit: "unlimited"})
	virtPool.DerivedProductID = "RH-DC-GUEST"
	virtPool.DerivedProvidedProductIDs = dbtypes.StringList{"guest-os"}
	noVirt := newPool(2, "RH-PLAIN", 10, []string{"guest-os"}, nil)

	out, err := s.SelectBestPools(Request{Consumer: host, Guest: guest, Pools: []*pooldomain.Pool{virtPool, noVirt}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Same(t, virtPool, out[0].Pool)
}

func TestScoreNeverNegative(t *testing.T) {
	c := newConsumer("2", "69")
	c.Role = "mismatched"
	c.Addons = dbtypes.StringList{"mismatched"}
	c.ServiceLevel = "mismatched"
	c.Usage = "mismatched"
	c.ServiceType = "mismatched"

	pool := newPool(1, "RH-X", 10, []string{"70"}, map[string]string{
		productdomain.AttrRoles:        "other",
		productdomain.AttrAddons:       "other",
		productdomain.AttrSupportLevel: "other",
		productdomain.AttrUsage:        "other",
		productdomain.AttrSupportType:  "other",
	})
	assert.GreaterOrEqual(t, Score(PurposeOf(c, "", "", nil), pool, c, 0), 0.0)
	assert.GreaterOrEqual(t, Score(PurposeOf(c, "", "", nil), pool, c, 1e9), 0.0)
}

func TestScoreTierOrdering(t *testing.T) {
	c := newConsumer("2")
	c.Role = "RHEL Server"
	purpose := PurposeOf(c, "", "", nil)

	roleOnly := newPool(1, "A", 1, nil, map[string]string{productdomain.AttrRoles: "RHEL Server"})
	nothing := newPool(2, "B", 1, nil, nil)
	assert.Greater(t, Score(purpose, roleOnly, c, 5), Score(purpose, nothing, c, 0))

	c.ServiceLevel = "Premium"
	c.Usage = "Production"
	c.ServiceType = "L1-L3"
	c.Addons = dbtypes.StringList{"addon"}
	purpose = PurposeOf(c, "", "", nil)
	roleButMismatchedRest := newPool(3, "C", 1, nil, map[string]string{
		productdomain.AttrRoles:        "RHEL Server",
		productdomain.AttrAddons:       "other",
		productdomain.AttrSupportLevel: "Standard",
		productdomain.AttrUsage:        "Dev",
		productdomain.AttrSupportType:  "L3",
	})
	silentOnRole := newPool(4, "D", 1, nil, map[string]string{
		productdomain.AttrAddons:       "addon",
		productdomain.AttrSupportLevel: "Premium",
		productdomain.AttrUsage:        "Production",
		productdomain.AttrSupportType:  "L1-L3",
	})
	assert.Greater(t, Score(purpose, roleButMismatchedRest, c, 10), Score(purpose, silentOnRole, c, 0))
}

func TestPurposeOfServiceLevelPrecedence(t *testing.T) {
	c := newConsumer("1")
	assert.Equal(t, "Standard", PurposeOf(c, "", "Standard", nil).SLA)

	c.ServiceLevel = "Premium"
	assert.Equal(t, "Premium", PurposeOf(c, "", "Standard", nil).SLA)
	assert.Equal(t, "Self-Support", PurposeOf(c, "Self-Support", "Standard", nil).SLA)
	assert.Empty(t, PurposeOf(c, "", "", []string{"premium"}).SLA)
}

func TestSelectBestPoolsHostModeSeatsEveryGuest(t *testing.T) {
	s := New(zap.NewNop())
	host := newConsumer("2")
	guest := newConsumer("1", "guest-os")
	guest.ID = 2
	guest.Facts[consumerdomain.FactIsGuest] = "true"

	single := newPool(1, "RH-DC", 10, nil, map[string]string{
		productdomain.AttrVirtLimit:        "2",
		productdomain.AttrMultiEntitlement: "yes",
	})
	single.DerivedProductID = "RH-DC-GUEST"
	single.DerivedProvidedProductIDs = dbtypes.StringList{"guest-os"}

	out, err := s.SelectBestPools(Request{Consumer: host, Guest: guest, GuestCount: 5, Pools: []*pooldomain.Pool{single}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.EqualValues(t, 3, out[0].Quantity)

	out, err = s.SelectBestPools(Request{Consumer: host, Guest: guest, GuestCount: 1, Pools: []*pooldomain.Pool{single}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.EqualValues(t, 1, out[0].Quantity)

	attrs := stackAttrs("vdc", "2")
	attrs[productdomain.AttrVirtLimit] = "4"
	stacked := newPool(3, "RH-VDC", 10, nil, attrs)
	stacked.DerivedProductID = "RH-VDC-GUEST"
	stacked.DerivedProvidedProductIDs = dbtypes.StringList{"guest-os"}

	out, err = s.SelectBestPools(Request{Consumer: host, Guest: guest, GuestCount: 9, Pools: []*pooldomain.Pool{stacked}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.EqualValues(t, 3, out[0].Quantity)
	assert.LessOrEqual(t, out[0].Quantity, stacked.Available())
}
