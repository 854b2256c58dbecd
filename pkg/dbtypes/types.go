// Package dbtypes holds JSON-backed column types shared by the domain models.
package dbtypes

import (
	"database/sql/driver"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// StringMap is a string attribute bag stored as a JSON object.
type StringMap map[string]string

// StringList is an ordered list of strings stored as a JSON array.
type StringList []string

// Branding is a single branding entry attached to a pool.
type Branding struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
}

// BrandingList is stored as a JSON array.
type BrandingList []Branding

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *StringMap) Scan(src any) error {
	out := map[string]string{}
	if err := scanJSON(src, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

func (StringMap) GormDataType() string { return "json" }

func (StringMap) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	return jsonColumnType(db)
}

// Get returns the value for key and whether it was present.
func (m StringMap) Get(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	return v, ok
}

// Clone returns a shallow copy. A nil map clones to an empty map.
func (m StringMap) Clone() StringMap {
	out := make(StringMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Equal reports whether both maps hold the same entries. Nil and empty are equal.
func (m StringMap) Equal(other StringMap) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	out := []string{}
	if err := scanJSON(src, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

func (StringList) GormDataType() string { return "json" }

func (StringList) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	return jsonColumnType(db)
}

func (l StringList) Contains(v string) bool {
	for _, item := range l {
		if item == v {
			return true
		}
	}
	return false
}

// SameSet reports whether both lists contain the same distinct values regardless of order.
func (l StringList) SameSet(other StringList) bool {
	a := l.Set()
	b := other.Set()
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func (l StringList) Set() map[string]struct{} {
	out := make(map[string]struct{}, len(l))
	for _, v := range l {
		out[v] = struct{}{}
	}
	return out
}

// Normalized returns a sorted copy with duplicates removed.
func (l StringList) Normalized() StringList {
	set := l.Set()
	out := make(StringList, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (l BrandingList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]Branding(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *BrandingList) Scan(src any) error {
	out := []Branding{}
	if err := scanJSON(src, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

func (BrandingList) GormDataType() string { return "json" }

func (BrandingList) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	return jsonColumnType(db)
}

// SameSet compares brandings ignoring order.
func (l BrandingList) SameSet(other BrandingList) bool {
	if len(l) != len(other) {
		return false
	}
	counts := make(map[Branding]int, len(l))
	for _, b := range l {
		counts[b]++
	}
	for _, b := range other {
		counts[b]--
		if counts[b] < 0 {
			return false
		}
	}
	return true
}

func scanJSON(src any, dst any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("dbtypes: unsupported scan type %T", src)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func jsonColumnType(db *gorm.DB) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "JSONB"
	case "mysql":
		return "JSON"
	default:
		return "TEXT"
	}
}
