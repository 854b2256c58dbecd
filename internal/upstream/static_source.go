package upstream

import (
	"context"
	"sort"
	"sync"
)

// StaticSource serves subscriptions and products held in memory.
type StaticSource struct {
	mu            sync.RWMutex
	subscriptions map[string][]SubscriptionInfo
	products      map[string]map[string]ProductInfo
}

func NewStaticSource() *StaticSource {
	return &StaticSource{
		subscriptions: map[string][]SubscriptionInfo{},
		products:      map[string]map[string]ProductInfo{},
	}
}

// SetSubscriptions replaces the owner's subscriptions.
func (s *StaticSource) SetSubscriptions(ownerKey string, subs []SubscriptionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[ownerKey] = append([]SubscriptionInfo(nil), subs...)
}

// PutProducts upserts product definitions for the owner.
func (s *StaticSource) PutProducts(ownerKey string, products ...ProductInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.products[ownerKey]
	if !ok {
		byID = map[string]ProductInfo{}
		s.products[ownerKey] = byID
	}
	for _, p := range products {
		byID[p.ID] = p
	}
}

func (s *StaticSource) GetSubscriptions(_ context.Context, ownerKey string) ([]SubscriptionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SubscriptionInfo(nil), s.subscriptions[ownerKey]...), nil
}

func (s *StaticSource) GetProductsByIDs(_ context.Context, ownerKey string, ids []string) ([]ProductInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.products[ownerKey]
	out := make([]ProductInfo, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
