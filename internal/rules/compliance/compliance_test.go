package compliance

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	consumerdomain "github.com/smallbiznis/allotment/internal/consumer/domain"
	entdomain "github.com/smallbiznis/allotment/internal/entitlement/domain"
	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
	productdomain "github.com/smallbiznis/allotment/internal/product/domain"
	"github.com/smallbiznis/allotment/pkg/dbtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func consumer(sockets string, installed ...string) *consumerdomain.Consumer {
	return &consumerdomain.Consumer{
		ID:                  1,
		Type:                consumerdomain.ConsumerTypeSystem,
		Facts:               dbtypes.StringMap{consumerdomain.FactSockets: sockets},
		InstalledProductIDs: dbtypes.StringList(installed),
	}
}

func ent(id snowflake.ID, qty int64, provided []string, attrs map[string]string) *entdomain.Entitlement {
	p := &productdomain.Product{ProductID: "SKU-" + id.String(), Attributes: dbtypes.StringMap(attrs)}
	return &entdomain.Entitlement{
		ID:        id,
		Quantity:  qty,
		CreatedAt: at.Add(time.Duration(id) * time.Minute),
		Pool: &pooldomain.Pool{
			ID:                 id + 100,
			ProductID:          p.ProductID,
			ProvidedProductIDs: dbtypes.StringList(provided),
			StartDate:          at.AddDate(-1, 0, 0),
			EndDate:            at.AddDate(1, 0, 0),
			Product:            p,
		},
	}
}

func TestCalculateNoEntitlements(t *testing.T) {
	status := Calculate(Input{Consumer: consumer("2", "69"), At: at})
	assert.Equal(t, consumerdomain.StatusInvalid, status.Status)
	assert.Equal(t, []string{"69"}, status.NonCompliantProducts)
	assert.Equal(t, consumerdomain.PurposeNotSpecified, status.SystemPurposeStatus)
	assert.Equal(t, []string{"69"}, status.NeedsCoverage())
}

func TestCalculateNothingInstalledIsValid(t *testing.T) {
	status := Calculate(Input{Consumer: consumer("2"), At: at})
	assert.True(t, status.IsCompliant())
}

func TestCalculateSocketCoverage(t *testing.T) {
	c := consumer("4", "69")

	covering := Calculate(Input{Consumer: c, At: at, Entitlements: []*entdomain.Entitlement{
		ent(1, 1, []string{"69"}, map[string]string{productdomain.AttrSockets: "4"}),
	}})
	assert.Equal(t, consumerdomain.StatusValid, covering.Status)
	assert.Contains(t, covering.CompliantProducts, "69")

	short := Calculate(Input{Consumer: c, At: at, Entitlements: []*entdomain.Entitlement{
		ent(1, 1, []string{"69"}, map[string]string{productdomain.AttrSockets: "2"}),
	}})
	assert.Equal(t, consumerdomain.StatusPartial, short.Status)
	assert.Contains(t, short.PartiallyCompliantProducts, "69")
	require.NotEmpty(t, short.Reasons)
	assert.Equal(t, ReasonSockets, short.Reasons[0].Key)
}

func TestCalculateStackAccumulates(t *testing.T) {
	c := consumer("8", "69")
	stacked := map[string]string{
		productdomain.AttrSockets:          "2",
		productdomain.AttrMultiEntitlement: "yes",
		productdomain.AttrStackingID:       "s1",
	}

	partial := Calculate(Input{Consumer: c, At: at, Entitlements: []*entdomain.Entitlement{
		ent(1, 2, []string{"69"}, stacked),
	}})
	assert.Equal(t, consumerdomain.StatusPartial, partial.Status)
	assert.Equal(t, []snowflake.ID{1}, partial.PartialStacks["s1"])
	assert.Equal(t, "s1", partial.ProductStacks["69"])

	full := Calculate(Input{Consumer: c, At: at, Entitlements: []*entdomain.Entitlement{
		ent(1, 2, []string{"69"}, stacked),
		ent(2, 2, []string{"69"}, stacked),
	}})
	assert.Equal(t, consumerdomain.StatusValid, full.Status)
	assert.Empty(t, full.PartialStacks)
}

func TestCalculateIgnoresExpiredEntitlements(t *testing.T) {
	e := ent(1, 1, []string{"69"}, nil)
	e.Pool.EndDate = at.AddDate(0, 0, -1)
	status := Calculate(Input{Consumer: consumer("1", "69"), At: at, Entitlements: []*entdomain.Entitlement{e}})
	assert.Equal(t, []string{"69"}, status.NonCompliantProducts)
}

func TestCalculateGuestInstanceBased(t *testing.T) {
	c := consumer("16", "69")
	c.Facts[consumerdomain.FactIsGuest] = "true"
	status := Calculate(Input{Consumer: c, At: at, Entitlements: []*entdomain.Entitlement{
		ent(1, 1, []string{"69"}, map[string]string{productdomain.AttrInstanceMultiplier: "2", productdomain.AttrSockets: "2"}),
	}})
	assert.Equal(t, consumerdomain.StatusValid, status.Status)
}

func TestCalculateSystemPurpose(t *testing.T) {
	c := consumer("1", "69")
	c.Role = "RHEL Server"
	c.Addons = dbtypes.StringList{"ADDON1", "ADDON2"}
	c.ServiceLevel = "Premium"

	status := Calculate(Input{Consumer: c, At: at, Entitlements: []*entdomain.Entitlement{
		ent(1, 1, []string{"69"}, map[string]string{
			productdomain.AttrRoles:        "rhel server, rhel workstation",
			productdomain.AttrAddons:       "addon1",
			productdomain.AttrSupportLevel: "Standard",
		}),
	}})

	assert.Equal(t, "RHEL Server", status.CompliantRole)
	assert.Equal(t, []string{"ADDON1"}, status.CompliantAddons)
	assert.Equal(t, []string{"ADDON2"}, status.NonCompliantAddons)
	assert.Equal(t, consumerdomain.PurposeMismatched, status.SystemPurposeStatus)

	exempt := Calculate(Input{
		Consumer:            &consumerdomain.Consumer{Role: "RHEL Server", ServiceLevel: "Premium"},
		At:                  at,
		ExemptServiceLevels: []string{"premium"},
		Entitlements: []*entdomain.Entitlement{
			ent(1, 1, nil, map[string]string{productdomain.AttrRoles: "RHEL Server", productdomain.AttrSupportLevel: "Standard"}),
		},
	})
	assert.Equal(t, consumerdomain.PurposeMatched, exempt.SystemPurposeStatus)
}
