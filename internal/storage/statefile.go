package storage

import (
	"context"

	"shopwatch/internal/shop"
	logx "shopwatch/pkg/logx"
)

// StateStore persists the aggregate document.
type StateStore struct {
	file    *JSONFile[shop.AggregateState]
	refresh map[string]int
	log     logx.Logger
}

// NewStateStore creates a store at path. refresh holds per-category refresh intervals
// applied to a cold-start aggregate.
func NewStateStore(path string, noSync bool, refresh map[string]int, log logx.Logger) *StateStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &StateStore{file: NewJSONFile[shop.AggregateState](path, noSync, log), refresh: refresh, log: log}
}

func (s *StateStore) Path() string { return s.file.Path() }

func (s *StateStore) Save(ctx context.Context, st *shop.AggregateState) error {
	return s.file.Save(ctx, st)
}

// Load never fails: a missing or corrupt file yields an empty aggregate.
func (s *StateStore) Load(ctx context.Context) (*shop.AggregateState, LoadResult) {
	st, res := s.file.Load(ctx)
	if st == nil {
		if res.Status == LoadMissing {
			s.log.Info("no state file; starting empty", logx.String("path", s.file.Path()))
		}
		return shop.NewAggregate(s.refresh), res
	}
	normalize(st, s.refresh)
	s.log.Info("state loaded", logx.String("path", s.file.Path()), logx.Time("last_updated", st.LastUpdated))
	return st, res
}

// normalize repairs documents written by older versions or edited by hand.
func normalize(st *shop.AggregateState, refresh map[string]int) {
	fresh := shop.NewAggregate(refresh)
	if st.Categories == nil {
		st.Categories = map[string]*shop.CategoryState{}
	}
	for name, def := range fresh.Categories {
		cur, ok := st.Categories[name]
		if !ok || cur == nil {
			st.Categories[name] = def
			continue
		}
		if cur.Items == nil {
			cur.Items = []shop.Item{}
		}
		// Configured intervals win over persisted ones.
		cur.RefreshIntervalMinutes = def.RefreshIntervalMinutes
	}
	for name := range st.Categories {
		if !shop.IsCategory(name) {
			delete(st.Categories, name)
		}
	}
	if v := st.Vendor; v != nil && (!v.IsActive || len(v.Items) == 0) {
		v.IsActive = false
		v.Items = []shop.VendorItem{}
	}
}
