package refresh

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/goccy/go-json"
	"github.com/smallbiznis/allotment/internal/upstream"
)

type canonicalProduct struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Multiplier         int64             `json:"multiplier"`
	Attributes         map[string]string `json:"attributes"`
	ProvidedProductIDs []string          `json:"provided_product_ids"`
	DerivedProductID   string            `json:"derived_product_id"`
}

// Checksum fingerprints the content of a product definition. Attribute order and
// provided product order do not affect it.
func Checksum(info upstream.ProductInfo) (string, error) {
	provided := append([]string(nil), info.ProvidedProductIDs...)
	sort.Strings(provided)
	attrs := info.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	multiplier := info.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	payload, err := json.Marshal(canonicalProduct{
		ID:                 info.ID,
		Name:               info.Name,
		Multiplier:         multiplier,
		Attributes:         attrs,
		ProvidedProductIDs: provided,
		DerivedProductID:   info.DerivedProductID,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
