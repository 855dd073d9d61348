package ledger

import (
	"sort"

	"geoledger/internal/domain"
)

// Snapshot is the immutable id -> state mapping of a lineage view at one version. Tombstones
// are kept so that overlays can mask lower layers.
type Snapshot struct {
	Version  int64
	features map[string]domain.Feature
	ids      []string
}

func newSnapshot(version int64, features map[string]domain.Feature) *Snapshot {
	ids := make([]string, 0, len(features))
	for id := range features {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &Snapshot{Version: version, features: features, ids: ids}
}

// EmptySnapshot has no states at all.
func EmptySnapshot(version int64) *Snapshot {
	return newSnapshot(version, map[string]domain.Feature{})
}

// Lookup returns the state of id, tombstones included.
func (s *Snapshot) Lookup(id string) (domain.Feature, bool) {
	f, ok := s.features[id]
	if !ok {
		return domain.Feature{}, false
	}
	return f.Clone(), true
}

// Get returns the live state of id.
func (s *Snapshot) Get(id string) (domain.Feature, bool) {
	f, ok := s.Lookup(id)
	if !ok || f.IsTombstone() {
		return domain.Feature{}, false
	}
	return f, true
}

// Features lists states in id order. Tombstones appear only when includeDeleted is set.
func (s *Snapshot) Features(includeDeleted bool) []domain.Feature {
	out := make([]domain.Feature, 0, len(s.ids))
	for _, id := range s.ids {
		f := s.features[id]
		if f.IsTombstone() && !includeDeleted {
			continue
		}
		out = append(out, f.Clone())
	}
	return out
}

// Each visits states in id order without copying; fn must not retain or mutate the feature.
func (s *Snapshot) Each(includeDeleted bool, fn func(domain.Feature) bool) {
	for _, id := range s.ids {
		f := s.features[id]
		if f.IsTombstone() && !includeDeleted {
			continue
		}
		if !fn(f) {
			return
		}
	}
}

// Len counts live features.
func (s *Snapshot) Len() int {
	n := 0
	for _, f := range s.features {
		if !f.IsTombstone() {
			n++
		}
	}
	return n
}

// Overlay folds top over base: every id known to top, tombstones included, hides the base
// state. The result carries top's version.
func Overlay(base, top *Snapshot) *Snapshot {
	merged := make(map[string]domain.Feature, len(base.features)+len(top.features))
	for id, f := range base.features {
		merged[id] = f
	}
	for id, f := range top.features {
		merged[id] = f
	}
	return newSnapshot(top.Version, merged)
}
