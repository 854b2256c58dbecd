package domain

import (
	"math"
	"testing"

	"github.com/smallbiznis/allotment/pkg/dbtypes"
	"github.com/stretchr/testify/assert"
)

func TestParseQuantity(t *testing.T) {
	v, ok := ParseQuantity("10")
	assert.True(t, ok)
	assert.EqualValues(t, 10, v)

	v, ok = ParseQuantity(" Unlimited ")
	assert.True(t, ok)
	assert.Equal(t, Unlimited, v)

	_, ok = ParseQuantity("badvalue")
	assert.False(t, ok)
	_, ok = ParseQuantity("")
	assert.False(t, ok)
}

func TestParseLimitOnlyAcceptsLiteralUnlimited(t *testing.T) {
	v, ok := ParseLimit("unlimited")
	assert.True(t, ok)
	assert.Equal(t, Unlimited, v)

	v, ok = ParseLimit("4")
	assert.True(t, ok)
	assert.EqualValues(t, 4, v)

	_, ok = ParseLimit("-1")
	assert.False(t, ok)
	_, ok = ParseLimit("-5")
	assert.False(t, ok)
	_, ok = ParseLimit("badvalue")
	assert.False(t, ok)
}

func TestListContainsNormalizesSegments(t *testing.T) {
	assert.True(t, ListContains("Server, ,Workstation", "workstation"))
	assert.False(t, ListContains("Server,,", ""))
	assert.Equal(t, []string{"a", "b"}, ParseList(" a,, b ,"))
}

func TestStackingIDRequiresMultiEntitlement(t *testing.T) {
	p := &Product{Attributes: dbtypes.StringMap{AttrStackingID: "s1"}}
	assert.Empty(t, p.StackingID())
	p.Attributes[AttrMultiEntitlement] = "yes"
	assert.Equal(t, "s1", p.StackingID())
}

func TestMultiplyQuantity(t *testing.T) {
	assert.EqualValues(t, 100, MultiplyQuantity(10, 10))
	assert.Equal(t, Unlimited, MultiplyQuantity(Unlimited, 4))
	assert.EqualValues(t, math.MaxInt64, MultiplyQuantity(math.MaxInt64/2, 3))
}

func TestEffectiveMultiplier(t *testing.T) {
	var p *Product
	assert.EqualValues(t, 1, p.EffectiveMultiplier())
	assert.EqualValues(t, 4, (&Product{Multiplier: 4}).EffectiveMultiplier())
}
