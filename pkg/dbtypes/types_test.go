package dbtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringMapScanAcceptsBytesAndString(t *testing.T) {
	var m StringMap
	require.NoError(t, m.Scan([]byte(`{"sockets":"2"}`)))
	assert.Equal(t, "2", m["sockets"])

	var fromString StringMap
	require.NoError(t, fromString.Scan(`{"virt_limit":"unlimited"}`))
	assert.Equal(t, "unlimited", fromString["virt_limit"])

	var empty StringMap
	require.NoError(t, empty.Scan(nil))
	assert.Empty(t, empty)
}

func TestStringMapValueOfNilIsEmptyObject(t *testing.T) {
	var m StringMap
	v, err := m.Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", v)
}

func TestStringMapEqualTreatsNilAsEmpty(t *testing.T) {
	assert.True(t, StringMap(nil).Equal(StringMap{}))
	assert.False(t, StringMap{"a": "1"}.Equal(StringMap{"a": "2"}))
}

func TestStringListSameSetIgnoresOrderAndDuplicates(t *testing.T) {
	assert.True(t, StringList{"a", "b"}.SameSet(StringList{"b", "a", "a"}))
	assert.False(t, StringList{"a"}.SameSet(StringList{"a", "c"}))
	assert.Equal(t, StringList{"a", "b"}, StringList{"b", "a", "b"}.Normalized())
}

func TestStringListScanRejectsUnknownType(t *testing.T) {
	var l StringList
	assert.Error(t, l.Scan(42))
}

func TestBrandingListSameSet(t *testing.T) {
	a := BrandingList{{ProductID: "p1", Name: "One", Type: "OS"}, {ProductID: "p2", Name: "Two", Type: "OS"}}
	b := BrandingList{{ProductID: "p2", Name: "Two", Type: "OS"}, {ProductID: "p1", Name: "One", Type: "OS"}}
	assert.True(t, a.SameSet(b))
	assert.False(t, a.SameSet(b[:1]))
}
