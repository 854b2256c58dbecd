package poolrules

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

func host() *consumerdomain.Consumer {
	return &consumerdomain.Consumer{ID: 500, OwnerID: 1, UUID: "host-1", Type: consumerdomain.ConsumerTypeSystem}
}

func stackEnt(id snowflake.ID, created time.Time, qty int64, attrs map[string]string, poolStart, poolEnd time.Time) *entdomain.Entitlement {
	attrs[productdomain.AttrMultiEntitlement] = "yes"
	attrs[productdomain.AttrStackingID] = "stack-a"
	p := product("RH-STACK", attrs)
	return &entdomain.Entitlement{
		ID:         id,
		ConsumerID: 500,
		Quantity:   qty,
		CreatedAt:  created,
		Pool: &pooldomain.Pool{
			ID:                 id + 1000,
			OwnerID:            1,
			ProductID:          p.ProductID,
			ProductName:        p.Name,
			ProvidedProductIDs: dbtypes.StringList{"p-" + id.String()},
			StartDate:          poolStart,
			EndDate:            poolEnd,
			OrderNumber:        "order-" + id.String(),
			Product:            p,
		},
	}
}

func TestCreateStackDerivedPoolAccumulates(t *testing.T) {
	engine := standalone()
	older := stackEnt(1, start, 2, map[string]string{productdomain.AttrSockets: "2", productdomain.AttrVirtLimit: "4"}, start, end)
	newer := stackEnt(2, start.Add(time.Hour), 3, map[string]string{productdomain.AttrSockets: "2", productdomain.AttrVirtLimit: "8"},
		start.AddDate(0, -1, 0), end.AddDate(0, 2, 0))

	pool := engine.CreateStackDerivedPool(host(), "stack-a", []*entdomain.Entitlement{newer, older})
	require.NotNil(t, pool)

	assert.Equal(t, pooldomain.PoolTypeStackDerived, pool.Type)
	assert.Equal(t, "stack-a", pool.SourceStackID)
	require.NotNil(t, pool.SourceConsumerID)
	assert.EqualValues(t, 500, *pool.SourceConsumerID)
	assert.Equal(t, "10", pool.Attribute(productdomain.AttrSockets))
	assert.Equal(t, "8", pool.Attribute(productdomain.AttrVirtLimit))
	assert.EqualValues(t, 8, pool.Quantity)
	assert.Equal(t, "host-1", pool.Attribute(pooldomain.AttrRequiresHost))
	assert.True(t, pool.IsVirtOnly())
	assert.True(t, pool.StartDate.Equal(start.AddDate(0, -1, 0)))
	assert.True(t, pool.EndDate.Equal(end.AddDate(0, 2, 0)))
	assert.Equal(t, older.Pool.OrderNumber, pool.OrderNumber)
	assert.Len(t, pool.ProvidedProductIDs, 2)
}

func TestUpdatePoolFromStackMarksEmptyPoolForDelete(t *testing.T) {
	engine := standalone()
	ent := stackEnt(1, start, 1, map[string]string{productdomain.AttrVirtLimit: "unlimited"}, start, end)
	pool := engine.CreateStackDerivedPool(host(), "stack-a", []*entdomain.Entitlement{ent})
	require.NotNil(t, pool)
	assert.EqualValues(t, -1, pool.Quantity)

	u := engine.UpdatePoolFromStack(pool, host(), []*entdomain.Entitlement{ent})
	assert.False(t, u.Changed())

	u = engine.UpdatePoolFromStack(pool, host(), nil)
	assert.True(t, pool.MarkedForDelete)
	assert.True(t, u.Changed())
}

func TestBulkUpdatePoolsFromStack(t *testing.T) {
	engine := standalone()
	first := stackEnt(1, start, 1, map[string]string{productdomain.AttrVirtLimit: "2", productdomain.AttrSockets: "2"}, start, end)
	keep := engine.CreateStackDerivedPool(host(), "stack-a", []*entdomain.Entitlement{first})
	require.NotNil(t, keep)
	keep.ID = 1

	otherConsumer := snowflake.ID(600)
	gone := &pooldomain.Pool{ID: 2, Type: pooldomain.PoolTypeStackDerived, SourceStackID: "stack-b", SourceConsumerID: &otherConsumer}

	second := stackEnt(3, start.Add(time.Minute), 1, map[string]string{productdomain.AttrVirtLimit: "2", productdomain.AttrSockets: "2"}, start, end)
	res := engine.BulkUpdatePoolsFromStack(
		[]*pooldomain.Pool{keep, gone},
		map[snowflake.ID]*consumerdomain.Consumer{500: host()},
		map[entdomain.StackKey][]*entdomain.Entitlement{
			{ConsumerID: 500, StackID: "stack-a"}: {first, second},
		},
	)

	require.Len(t, res.Updated, 1)
	assert.Equal(t, "4", keep.Attribute(productdomain.AttrSockets))
	require.Len(t, res.Emptied, 1)
	assert.Same(t, gone, res.Emptied[0])
}

func TestEntitlementDerivedPool(t *testing.T) {
	engine := standalone()
	p := product("RH001", map[string]string{productdomain.AttrVirtLimit: "4"})
	src := masterPool(p, 10)
	src.ID = 77
	physicalHost := host()

	assert.True(t, engine.NeedsEntitlementDerivedPool(physicalHost, src))
	assert.False(t, engine.NeedsStackDerivedPool(physicalHost, src))
	assert.False(t, hosted().NeedsEntitlementDerivedPool(physicalHost, src))

	ent := &entdomain.Entitlement{ID: 9, Pool: src, Quantity: 1}
	derived := engine.CreateEntitlementDerivedPool(physicalHost, ent)
	require.NotNil(t, derived)
	assert.Equal(t, pooldomain.PoolTypeEntitlementDerived, derived.Type)
	assert.EqualValues(t, 4, derived.Quantity)
	require.NotNil(t, derived.SourceEntitlementID)
	assert.EqualValues(t, 9, *derived.SourceEntitlementID)
	assert.Equal(t, "host-1", derived.Attribute(pooldomain.AttrRequiresHost))
	assert.Empty(t, derived.SubscriptionID)

	guest := host()
	guest.Facts = dbtypes.StringMap{consumerdomain.FactIsGuest: "true"}
	assert.False(t, engine.NeedsEntitlementDerivedPool(guest, src))
}
