package refresh

import (
	"testing"

	"github.com/smallbiznis/allotment/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumIgnoresOrderingAndDefaults(t *testing.T) {
	a, err := Checksum(upstream.ProductInfo{ID: "X", Name: "x", ProvidedProductIDs: []string{"b", "a"}})
	require.NoError(t, err)
	b, err := Checksum(upstream.ProductInfo{ID: "X", Name: "x", Multiplier: 1, ProvidedProductIDs: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Checksum(upstream.ProductInfo{ID: "X", Name: "x", Multiplier: 2, ProvidedProductIDs: []string{"a", "b"}})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
