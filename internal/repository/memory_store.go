package repository

import (
	"strings"
	"sync"

	"refprice/internal/dto"
	"refprice/internal/model"
)

// MemoryStore is the last-resort in-process tier. Unlike the persistent
// store it overwrites on identity collision. The lock only guards map
// access; filtering and scoring run on a snapshot.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]model.PriceReference
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]model.PriceReference)}
}

// Load inserts or overwrites refs by id and returns how many were stored.
func (m *MemoryStore) Load(refs []model.PriceReference) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range refs {
		if r.ID == "" {
			r.ID = model.ReferenceID(r.Source, r.Code, r.Region, r.ReferenceMonth, r.TaxRegime)
		}
		m.items[r.ID] = r
	}
	return len(refs)
}

// Get returns the reference stored under id.
func (m *MemoryStore) Get(id string) (model.PriceReference, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.items[id]
	return r, ok
}

// Len counts the references held for source.
func (m *MemoryStore) Len(source string) int {
	source = strings.ToLower(source)
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.items {
		if r.Source == source {
			n++
		}
	}
	return n
}

// Clear drops every reference of source.
func (m *MemoryStore) Clear(source string) int {
	source = strings.ToLower(source)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.items {
		if r.Source == source {
			delete(m.items, id)
			n++
		}
	}
	return n
}

// Search applies the same predicates and ranking as the persistent store.
func (m *MemoryStore) Search(source string, f dto.SearchFilters) ([]model.PriceReference, int64) {
	f = f.Normalize()
	source = strings.ToLower(source)

	m.mu.RLock()
	snapshot := make([]model.PriceReference, 0, len(m.items))
	for _, r := range m.items {
		if r.Source == source {
			snapshot = append(snapshot, r)
		}
	}
	m.mu.RUnlock()

	matched := snapshot[:0]
	for _, r := range snapshot {
		if !matchesFilters(r, f) {
			continue
		}
		r.Relevance = Score(f.Query, r)
		matched = append(matched, r)
	}
	SortByRelevance(matched)

	total := int64(len(matched))
	start := f.Offset()
	if start < 0 || start >= len(matched) {
		return []model.PriceReference{}, total
	}
	end := start + f.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	page := make([]model.PriceReference, end-start)
	copy(page, matched[start:end])
	return page, total
}

func matchesFilters(r model.PriceReference, f dto.SearchFilters) bool {
	if f.Query != "" && !matchesQuery(f.Query, r) {
		return false
	}
	if f.Region != "" && r.Region != f.Region {
		return false
	}
	if f.ReferenceMonth != "" && r.ReferenceMonth != f.ReferenceMonth {
		return false
	}
	if f.ItemType != "" && string(r.ItemType) != f.ItemType {
		return false
	}
	if f.Category != "" && !strings.EqualFold(r.Category, f.Category) {
		return false
	}
	if f.TransportMode != "" && !strings.EqualFold(r.TransportMode, f.TransportMode) {
		return false
	}
	if f.TaxRegime != "" && string(r.TaxRegime) != f.TaxRegime {
		return false
	}
	if f.MinPrice != nil && r.UnitPrice.LessThan(*f.MinPrice) {
		return false
	}
	if f.MaxPrice != nil && r.UnitPrice.GreaterThan(*f.MaxPrice) {
		return false
	}
	return true
}
