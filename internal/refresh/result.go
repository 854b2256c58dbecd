// Package refresh imports upstream product definitions as immutable versions
// and reports what changed.
package refresh

import (
	"sort"

	productdomain "github.com/smallbiznis/allotment/internal/product/domain"
)

type EntityState string

const (
	StateCreated   EntityState = "CREATED"
	StateUpdated   EntityState = "UPDATED"
	StateUnchanged EntityState = "UNCHANGED"
	StateDeleted   EntityState = "DELETED"
)

// Result classifies every product touched by a refresh.
type Result struct {
	Products map[string]EntityState
	// Versions holds the active version of every product that was imported.
	Versions map[string]*productdomain.Product
}

func newResult() *Result {
	return &Result{
		Products: map[string]EntityState{},
		Versions: map[string]*productdomain.Product{},
	}
}

func (r *Result) State(productID string) (EntityState, bool) {
	s, ok := r.Products[productID]
	return s, ok
}

// Changed returns the new versions of products that were UPDATED. Created products
// have no pools yet and are not included.
func (r *Result) Changed() map[string]*productdomain.Product {
	out := map[string]*productdomain.Product{}
	for id, state := range r.Products {
		if state == StateUpdated {
			out[id] = r.Versions[id]
		}
	}
	return out
}

// IDs lists product ids in the given state, sorted.
func (r *Result) IDs(state EntityState) []string {
	var out []string
	for id, s := range r.Products {
		if s == state {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Result) Count(state EntityState) int {
	n := 0
	for _, s := range r.Products {
		if s == state {
			n++
		}
	}
	return n
}
