package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"geoledger/internal/domain"
	"geoledger/internal/storage"
)

func init() {
	storage.Register("memory", func(storage.DriverConfig) (storage.Backend, error) {
		return NewStore(), nil
	})
}

type state struct {
	version int64
	op      domain.Op
	feature domain.Feature
}

type versionMeta struct {
	author    string
	createdAt time.Time
}

type lineage struct {
	head       int64
	minVersion int64
	versions   map[int64]versionMeta
	states     map[string][]state
}

// Store is an in-process Backend. Every feature crossing its boundary is cloned.
type Store struct {
	mu       sync.RWMutex
	lineages map[domain.LineageKey]*lineage
	spaces   map[string]domain.Space
	branches map[string]map[string]domain.Branch
	tags     map[string]map[string]domain.Tag
	nodes    map[string]int64
}

var _ storage.Backend = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		lineages: map[domain.LineageKey]*lineage{},
		spaces:   map[string]domain.Space{},
		branches: map[string]map[string]domain.Branch{},
		tags:     map[string]map[string]domain.Tag{},
		nodes:    map[string]int64{},
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) InitLineage(_ context.Context, key domain.LineageKey, seed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lineages[key]; ok {
		return nil
	}
	s.lineages[key] = &lineage{head: seed, minVersion: seed, versions: map[int64]versionMeta{}, states: map[string][]state{}}
	return nil
}

func (s *Store) Head(_ context.Context, key domain.LineageKey) (domain.LineageHead, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lineages[key]
	if !ok {
		return domain.LineageHead{}, false, nil
	}
	return domain.LineageHead{Head: l.head, MinVersion: l.minVersion}, true, nil
}

func (s *Store) PersistVersion(ctx context.Context, v domain.Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lineages[v.Key]
	if !ok {
		return fmt.Errorf("persist version %s@%d: %w", v.Key, v.Number, storage.ErrLineageNotFound)
	}
	if v.Number != l.head+1 {
		return fmt.Errorf("persist version %s@%d (head %d): %w", v.Key, v.Number, l.head, storage.ErrVersionExists)
	}
	l.head = v.Number
	l.versions[v.Number] = versionMeta{author: v.Author, createdAt: v.CreatedAt.UTC()}
	for _, c := range v.Changes {
		id := c.Feature.ID
		l.states[id] = append(l.states[id], state{version: v.Number, op: c.Op, feature: c.Feature.Clone()})
	}
	return nil
}

// latest returns the index of the newest state with version <= asOf, or -1.
func latest(states []state, asOf int64) int {
	i := sort.Search(len(states), func(i int) bool { return states[i].version > asOf })
	return i - 1
}

func (s *Store) FetchFeatureState(_ context.Context, key domain.LineageKey, id string, asOf int64) (domain.Feature, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lineages[key]
	if !ok {
		return domain.Feature{}, false, nil
	}
	states := l.states[id]
	i := latest(states, asOf)
	if i < 0 {
		return domain.Feature{}, false, nil
	}
	return states[i].feature.Clone(), true, nil
}

func (s *Store) FetchFeatureByUUID(_ context.Context, key domain.LineageKey, uuid string) (domain.Feature, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lineages[key]
	if !ok || uuid == "" {
		return domain.Feature{}, false, nil
	}
	for _, states := range l.states {
		for _, st := range states {
			if st.feature.NS.UUID == uuid {
				return st.feature.Clone(), true, nil
			}
		}
	}
	return domain.Feature{}, false, nil
}

func (s *Store) ScanStates(ctx context.Context, key domain.LineageKey, upTo int64, fn func(domain.Feature) error) error {
	s.mu.RLock()
	l, ok := s.lineages[key]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	out := make([]domain.Feature, 0, len(l.states))
	for _, states := range l.states {
		if i := latest(states, upTo); i >= 0 {
			out = append(out, states[i].feature.Clone())
		}
	}
	s.mu.RUnlock()

	domain.SortFeatures(out)
	for _, f := range out {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListVersions(_ context.Context, key domain.LineageKey, from, to int64) ([]domain.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lineages[key]
	if !ok {
		return nil, fmt.Errorf("list versions %s: %w", key, storage.ErrLineageNotFound)
	}
	if from < l.minVersion {
		from = l.minVersion
	}
	byNumber := map[int64]*domain.Version{}
	var numbers []int64
	for n, meta := range l.versions {
		if n < from || n > to {
			continue
		}
		byNumber[n] = &domain.Version{Key: key, Number: n, Author: meta.author, CreatedAt: meta.createdAt}
		numbers = append(numbers, n)
	}
	for _, states := range l.states {
		for _, st := range states {
			if v, ok := byNumber[st.version]; ok {
				v.Changes = append(v.Changes, domain.Change{Op: st.op, Feature: st.feature.Clone()})
			}
		}
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	out := make([]domain.Version, 0, len(numbers))
	for _, n := range numbers {
		v := byNumber[n]
		sort.Slice(v.Changes, func(i, j int) bool { return v.Changes[i].Feature.ID < v.Changes[j].Feature.ID })
		out = append(out, *v)
	}
	return out, nil
}

func (s *Store) PurgeBelow(_ context.Context, key domain.LineageKey, version int64) (storage.PurgeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lineages[key]
	if !ok {
		return storage.PurgeStats{}, fmt.Errorf("purge %s: %w", key, storage.ErrLineageNotFound)
	}
	var stats storage.PurgeStats
	for id, states := range l.states {
		keepFrom := latest(states, version)
		// states[keepFrom] is what a read at the threshold sees; everything before it below
		// the threshold is superseded.
		cut := 0
		for cut < keepFrom && states[cut].version < version {
			cut++
		}
		if cut > 0 {
			stats.States += int64(cut)
			l.states[id] = append([]state(nil), states[cut:]...)
		}
	}
	for n := range l.versions {
		if n < version {
			delete(l.versions, n)
			stats.Versions++
		}
	}
	if version > l.minVersion {
		l.minVersion = version
	}
	return stats, nil
}

func (s *Store) TruncateAbove(_ context.Context, key domain.LineageKey, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lineages[key]
	if !ok {
		return nil
	}
	for id, states := range l.states {
		keep := latest(states, version) + 1
		if keep == 0 {
			delete(l.states, id)
			continue
		}
		l.states[id] = states[:keep]
	}
	for n := range l.versions {
		if n > version {
			delete(l.versions, n)
		}
	}
	if l.head > version {
		l.head = version
	}
	return nil
}

func (s *Store) DropLineage(_ context.Context, key domain.LineageKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lineages, key)
	return nil
}

func (s *Store) PutSpace(_ context.Context, sp domain.Space) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spaces[sp.ID] = sp
	return nil
}

func (s *Store) GetSpace(_ context.Context, id string) (domain.Space, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.spaces[id]
	return sp, ok, nil
}

func (s *Store) ListSpaces(context.Context) ([]domain.Space, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Space, 0, len(s.spaces))
	for _, sp := range s.spaces {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteSpace(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.spaces, id)
	delete(s.branches, id)
	delete(s.tags, id)
	return nil
}

func (s *Store) NextNode(_ context.Context, space string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[space]++
	return s.nodes[space], nil
}

func (s *Store) PutBranch(_ context.Context, b domain.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.branches[b.Space] == nil {
		s.branches[b.Space] = map[string]domain.Branch{}
	}
	b.Path = append([]domain.Segment(nil), b.Path...)
	s.branches[b.Space][b.ID] = b
	return nil
}

func (s *Store) GetBranch(_ context.Context, space, id string) (domain.Branch, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[space][id]
	return b, ok, nil
}

func (s *Store) ListBranches(_ context.Context, space string) ([]domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Branch, 0, len(s.branches[space]))
	for _, b := range s.branches[space] {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListAllBranches(context.Context) ([]domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Branch
	for _, bs := range s.branches {
		for _, b := range bs {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Space != out[j].Space {
			return out[i].Space < out[j].Space
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) DeleteBranch(_ context.Context, space, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.branches[space], id)
	return nil
}

func (s *Store) PutTag(_ context.Context, t domain.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tags[t.Key.Space] == nil {
		s.tags[t.Key.Space] = map[string]domain.Tag{}
	}
	s.tags[t.Key.Space][t.ID] = t
	return nil
}

func (s *Store) GetTag(_ context.Context, space, id string) (domain.Tag, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tags[space][id]
	return t, ok, nil
}

func (s *Store) ListTags(_ context.Context, space string) ([]domain.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Tag, 0, len(s.tags[space]))
	for _, t := range s.tags[space] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteTag(_ context.Context, space, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tags[space], id)
	return nil
}
