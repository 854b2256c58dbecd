package refresh

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/allotment/internal/clock"
	"github.com/smallbiznis/allotment/internal/config"
	ownerdomain "github.com/smallbiznis/allotment/internal/owner/domain"
	productrepo "github.com/smallbiznis/allotment/internal/product/repository"
	"github.com/smallbiznis/allotment/internal/testutil"
	"github.com/smallbiznis/allotment/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	refresher *Refresher
	source    *upstream.StaticSource
	clock     *clock.FakeClock
	owner     *ownerdomain.Owner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := testutil.NewDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	source := upstream.NewStaticSource()
	r := New(Params{
		DB:       conn,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Rules:    config.NewStaticRulesHolder(config.DefaultRulesConfig()),
		Products: productrepo.Provide(),
		Source:   source,
	})
	return &fixture{
		refresher: r,
		source:    source,
		clock:     clk,
		owner:     &ownerdomain.Owner{ID: node.Generate(), Key: "acme"},
	}
}

func (f *fixture) refresh(t *testing.T, infos []upstream.ProductInfo, prune bool) *Result {
	t.Helper()
	res, err := f.refresher.RefreshProducts(context.Background(), f.refresher.db, f.owner, infos, prune)
	require.NoError(t, err)
	return res
}

func TestRefreshProductsStates(t *testing.T) {
	f := newFixture(t)
	base := []upstream.ProductInfo{
		{ID: "RH001", Name: "Server", Attributes: map[string]string{"sockets": "2"}},
		{ID: "RH002", Name: "Desktop"},
	}

	first := f.refresh(t, base, false)
	assert.ElementsMatch(t, []string{"RH001", "RH002"}, first.IDs(StateCreated))
	assert.Empty(t, first.Changed())

	again := f.refresh(t, base, false)
	assert.ElementsMatch(t, []string{"RH001", "RH002"}, again.IDs(StateUnchanged))
	assert.Empty(t, again.Changed())
	assert.Equal(t, first.Versions["RH001"].UUID, again.Versions["RH001"].UUID)

	edited := []upstream.ProductInfo{
		{ID: "RH001", Name: "Server", Attributes: map[string]string{"sockets": "4"}},
		{ID: "RH002", Name: "Desktop"},
	}
	third := f.refresh(t, edited, false)
	state, ok := third.State("RH001")
	require.True(t, ok)
	assert.Equal(t, StateUpdated, state)
	assert.NotEqual(t, first.Versions["RH001"].UUID, third.Versions["RH001"].UUID)
	assert.Equal(t, "4", third.Versions["RH001"].Attribute("sockets"))
	changed := third.Changed()
	require.Len(t, changed, 1)
	assert.Same(t, third.Versions["RH001"], changed["RH001"])

	active, err := f.refresher.products.ListActive(context.Background(), f.refresher.db, f.owner.ID)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, third.Versions["RH001"].UUID, active["RH001"].UUID)
}

func TestRefreshProductsPrune(t *testing.T) {
	f := newFixture(t)
	f.refresh(t, []upstream.ProductInfo{{ID: "A", Name: "a"}, {ID: "B", Name: "b"}}, false)

	kept := f.refresh(t, []upstream.ProductInfo{{ID: "A", Name: "a"}}, false)
	_, known := kept.State("B")
	assert.False(t, known)

	pruned := f.refresh(t, []upstream.ProductInfo{{ID: "A", Name: "a"}}, true)
	assert.Equal(t, []string{"B"}, pruned.IDs(StateDeleted))

	active, err := f.refresher.products.ListActive(context.Background(), f.refresher.db, f.owner.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Contains(t, active, "A")
}

func TestRefreshProductsLinksDerived(t *testing.T) {
	f := newFixture(t)
	res := f.refresh(t, []upstream.ProductInfo{
		{ID: "DC", Name: "Datacenter", DerivedProductID: "GUEST", Attributes: map[string]string{"virt_limit": "unlimited"}},
		{ID: "GUEST", Name: "Guest", ProvidedProductIDs: []string{"P2", "P1"}},
	}, false)

	dc := res.Versions["DC"]
	require.NotNil(t, dc.DerivedProduct)
	assert.Equal(t, "GUEST", dc.DerivedProduct.ProductID)
	assert.Equal(t, []string{"P1", "P2"}, []string(res.Versions["GUEST"].ProvidedProductIDs))
}

func TestFetchProductsFollowsDerived(t *testing.T) {
	f := newFixture(t)
	f.source.PutProducts("acme",
		upstream.ProductInfo{ID: "DC", DerivedProductID: "GUEST"},
		upstream.ProductInfo{ID: "GUEST", DerivedProductID: "MISSING"},
		upstream.ProductInfo{ID: "OTHER"},
	)

	infos, err := f.refresher.FetchProducts(context.Background(), "acme", []upstream.SubscriptionInfo{{ID: "s1", ProductID: "DC"}})
	require.NoError(t, err)
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.ID)
	}
	assert.Equal(t, []string{"DC", "GUEST"}, ids)
}

func TestCleanupOrphansHonoursGrace(t *testing.T) {
	f := newFixture(t)
	f.refresh(t, []upstream.ProductInfo{{ID: "A", Name: "v1"}}, false)
	f.refresh(t, []upstream.ProductInfo{{ID: "A", Name: "v2"}}, false)

	n, err := f.refresher.CleanupOrphans(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(31 * 24 * time.Hour)
	n, err = f.refresher.CleanupOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
