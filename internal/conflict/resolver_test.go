package conflict

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoledger/internal/domain"
)

// history is an in-memory single-lineage state store.
type history struct {
	states map[string][]domain.Feature
	// layer reported for every known state; above 0 marks them inherited.
	layer int
}

func newHistory() *history { return &history{states: map[string][]domain.Feature{}} }

func (h *history) put(f domain.Feature) {
	h.states[f.ID] = append(h.states[f.ID], f)
}

func (h *history) Head(_ context.Context, id string) (domain.Feature, int, error) {
	s := h.states[id]
	if len(s) == 0 {
		return domain.Feature{}, -1, nil
	}
	return s[len(s)-1].Clone(), h.layer, nil
}

func (h *history) At(_ context.Context, id string, version int64) (domain.Feature, bool, error) {
	var out domain.Feature
	ok := false
	for _, f := range h.states[id] {
		if f.NS.Version <= version {
			out, ok = f.Clone(), true
		}
	}
	return out, ok, nil
}

func (h *history) ByUUID(_ context.Context, uuid string) (domain.Feature, bool, error) {
	for _, s := range h.states {
		for _, f := range s {
			if f.NS.UUID == uuid {
				return f.Clone(), true, nil
			}
		}
	}
	return domain.Feature{}, false, nil
}

func state(id string, version int64, uuid string, props map[string]any) domain.Feature {
	return domain.Feature{ID: id, Geometry: orb.Point{8, 50}, Properties: props,
		NS: domain.Namespace{Version: version, UUID: uuid, CreatedAt: 1000}}
}

func newTestResolver() *Resolver {
	n := 0
	return NewResolver(Options{
		Now: func() time.Time { return time.UnixMilli(5000) },
		NewUUID: func() string {
			n++
			return fmt.Sprintf("uuid-%d", n)
		},
	})
}

func item(id string, base *int64, props map[string]any) domain.WriteItem {
	return domain.WriteItem{Feature: domain.Feature{ID: id, Geometry: orb.Point{8, 50}, Properties: props}, BaseVersion: base}
}

func ptr(v int64) *int64 { return &v }

func TestDiffAndPatch(t *testing.T) {
	from := map[string]any{"a": 1, "b": "x", "n": map[string]any{"k": 1, "j": 2}, "gone": true}
	to := map[string]any{"a": 1, "b": "y", "n": map[string]any{"k": 1, "j": 3}, "new": []any{1, 2}}
	d := Diff(from, to)
	require.Equal(t, map[string]any{"b": "y", "n": map[string]any{"j": 3}, "gone": nil, "new": []any{1, 2}}, d)

	patched := Patch(from, d)
	require.True(t, domain.JSONEqual(to, patched))
	require.Contains(t, from, "gone", "patch must not mutate its target")
}

func TestDiffKeepsNewEmptyObjects(t *testing.T) {
	from := map[string]any{"a": 1, "s": "x", "n": map[string]any{}}
	to := map[string]any{"a": 1, "s": map[string]any{}, "n": map[string]any{}, "e": map[string]any{}}
	d := Diff(from, to)
	require.Equal(t, map[string]any{"s": map[string]any{}, "e": map[string]any{}}, d)
	require.True(t, domain.JSONEqual(to, Patch(from, d)))
}

func TestFindConflicts(t *testing.T) {
	ours := map[string]any{"properties": map[string]any{"size": "m", "same": 1}}
	theirs := map[string]any{"properties": map[string]any{"size": "l", "same": 1, "other": true}}
	got := FindConflicts(ours, theirs)
	require.Len(t, got, 1)
	require.Equal(t, "properties.size", got[0].Path)
	require.Equal(t, `properties.size: "m" <> "l"`, got[0].String())

	require.Empty(t, FindConflicts(map[string]any{"a": 1}, map[string]any{"b": 2}))
}

func TestMerge3DisjointAttributes(t *testing.T) {
	base := state("f", 1, "u1", map[string]any{"level": "base", "name": "x"})
	theirs := state("f", 2, "u2", map[string]any{"level": "base", "name": "renamed"})
	ours := state("f", 0, "", map[string]any{"level": "base", "name": "x", "size": "m"})

	merged, collisions := Merge3(base, theirs, ours)
	require.Empty(t, collisions)
	require.Equal(t, map[string]any{"level": "base", "name": "renamed", "size": "m"}, merged.Properties)
	require.True(t, orb.Equal(orb.Point{8, 50}, merged.Geometry))

	moved := ours
	moved.Geometry = orb.Point{9, 51}
	merged, collisions = Merge3(base, theirs, moved)
	require.Empty(t, collisions)
	require.True(t, orb.Equal(orb.Point{9, 51}, merged.Geometry))
}

func TestInsertStampsNamespace(t *testing.T) {
	r := newTestResolver()
	plan, err := r.Resolve(context.Background(), domain.WriteRequest{Author: "ann", Items: []domain.WriteItem{item("a", nil, nil)}}, nil, newHistory())
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	c := plan.Changes[0]
	require.Equal(t, domain.OpInsert, c.Op)
	require.Equal(t, domain.Namespace{Author: "ann", CreatedAt: 5000, UpdatedAt: 5000, UUID: "uuid-1"}, c.Feature.NS)
}

func TestReplaceLastWriteWinsWithoutDetection(t *testing.T) {
	h := newHistory()
	h.put(state("a", 1, "u1", map[string]any{"v": 1}))
	h.put(state("a", 3, "u3", map[string]any{"v": 3}))
	r := newTestResolver()

	plan, err := r.Resolve(context.Background(), domain.WriteRequest{Items: []domain.WriteItem{item("a", ptr(1), map[string]any{"v": 9})}}, nil, h)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	c := plan.Changes[0]
	require.Equal(t, domain.OpUpdate, c.Op)
	require.Equal(t, "u3", c.Feature.NS.PUUID)
	require.Equal(t, int64(1000), c.Feature.NS.CreatedAt, "createdAt survives updates")

	_, err = r.Resolve(context.Background(), domain.WriteRequest{ConflictDetection: true, Transactional: true,
		Items: []domain.WriteItem{item("a", ptr(1), map[string]any{"v": 9})}}, nil, h)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestPatchIsShallow(t *testing.T) {
	h := newHistory()
	h.put(state("a", 1, "u1", map[string]any{"keep": 1, "drop": 2, "nested": map[string]any{"x": 1}}))
	r := newTestResolver()
	in := item("a", nil, map[string]any{"drop": nil, "nested": map[string]any{"y": 2}})
	in.Feature.Geometry = nil
	plan, err := r.Resolve(context.Background(), domain.WriteRequest{Mode: domain.ModePatch, Items: []domain.WriteItem{in}}, nil, h)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	got := plan.Changes[0].Feature
	require.Equal(t, map[string]any{"keep": 1, "nested": map[string]any{"y": 2}}, got.Properties)
	require.True(t, orb.Equal(orb.Point{8, 50}, got.Geometry))
}

func TestMergeModes(t *testing.T) {
	newState := func() *history {
		h := newHistory()
		h.put(state("a", 1, "u1", map[string]any{"size": "s", "name": "x"}))
		h.put(state("a", 2, "u2", map[string]any{"size": "l", "name": "x"}))
		return h
	}
	ctx := context.Background()

	t.Run("disjoint", func(t *testing.T) {
		plan, err := newTestResolver().Resolve(ctx, domain.WriteRequest{Mode: domain.ModeMerge,
			Items: []domain.WriteItem{item("a", ptr(1), map[string]any{"size": "s", "name": "y"})}}, nil, newState())
		require.NoError(t, err)
		require.Len(t, plan.Changes, 1)
		f := plan.Changes[0].Feature
		assert.Equal(t, map[string]any{"size": "l", "name": "y"}, f.Properties)
		assert.Equal(t, "u1", f.NS.MUUID)
		assert.Equal(t, "u2", f.NS.PUUID)
	})

	t.Run("collision fails", func(t *testing.T) {
		plan, err := newTestResolver().Resolve(ctx, domain.WriteRequest{Mode: domain.ModeMerge,
			Items: []domain.WriteItem{item("a", ptr(1), map[string]any{"size": "m", "name": "x"})}}, nil, newState())
		require.NoError(t, err)
		require.Empty(t, plan.Changes)
		require.Len(t, plan.Failed, 1)
		require.Contains(t, plan.Failed[0].Reason, "properties.size")
	})

	t.Run("collision replace", func(t *testing.T) {
		plan, err := newTestResolver().Resolve(ctx, domain.WriteRequest{Mode: domain.ModeMerge, OnMergeConflict: domain.MergeConflictReplace,
			Items: []domain.WriteItem{item("a", ptr(1), map[string]any{"size": "m", "name": "x"})}}, nil, newState())
		require.NoError(t, err)
		require.Len(t, plan.Changes, 1)
		require.Equal(t, "m", plan.Changes[0].Feature.Properties["size"])
	})

	t.Run("collision retain", func(t *testing.T) {
		plan, err := newTestResolver().Resolve(ctx, domain.WriteRequest{Mode: domain.ModeMerge, OnMergeConflict: domain.MergeConflictRetain,
			Items: []domain.WriteItem{item("a", ptr(1), map[string]any{"size": "m", "name": "x"})}}, nil, newState())
		require.NoError(t, err)
		require.Empty(t, plan.Changes)
		require.Equal(t, []string{"a"}, plan.Unchanged)
	})

	t.Run("uuid as base", func(t *testing.T) {
		in := item("a", nil, map[string]any{"size": "s", "name": "z"})
		in.Feature.NS.UUID = "u1"
		plan, err := newTestResolver().Resolve(ctx, domain.WriteRequest{Mode: domain.ModeMerge, Items: []domain.WriteItem{in}}, nil, newState())
		require.NoError(t, err)
		require.Len(t, plan.Changes, 1)
		require.Equal(t, map[string]any{"size": "l", "name": "z"}, plan.Changes[0].Feature.Properties)
	})

	t.Run("no base", func(t *testing.T) {
		_, err := newTestResolver().Resolve(ctx, domain.WriteRequest{Mode: domain.ModeMerge,
			Items: []domain.WriteItem{item("a", nil, map[string]any{"size": "m"})}}, nil, newState())
		require.ErrorIs(t, err, domain.ErrInvalidRequest)
	})
}

func TestIdenticalReplayIsUnchanged(t *testing.T) {
	h := newHistory()
	h.put(state("a", 1, "u1", map[string]any{"v": 1}))
	r := newTestResolver()
	req := domain.WriteRequest{Items: []domain.WriteItem{item("a", ptr(1), map[string]any{"v": 2})}}

	plan, err := r.Resolve(context.Background(), req, nil, h)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	applied := plan.Changes[0].Feature
	applied.NS.Version = 2
	h.put(applied)

	plan, err = r.Resolve(context.Background(), req, nil, h)
	require.NoError(t, err)
	require.Empty(t, plan.Changes)
	require.Equal(t, []string{"a"}, plan.Unchanged)

	req.ConflictDetection = true
	plan, err = r.Resolve(context.Background(), req, nil, h)
	require.NoError(t, err)
	require.Len(t, plan.Failed, 1, "with detection the replay is a visible conflict")
}

func TestDeletes(t *testing.T) {
	h := newHistory()
	h.put(state("a", 1, "u1", map[string]any{"v": 1}))
	tomb := state("gone", 2, "u2", nil)
	tomb.NS.Deleted = true
	h.put(state("gone", 1, "u0", nil))
	h.put(tomb)
	r := newTestResolver()
	ctx := context.Background()

	plan, err := r.Resolve(ctx, domain.WriteRequest{Items: []domain.WriteItem{
		{Feature: domain.Feature{ID: "a"}, Delete: true},
		{Feature: domain.Feature{ID: "never"}, Delete: true},
	}}, nil, h)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	require.Equal(t, domain.OpDelete, plan.Changes[0].Op)
	require.True(t, plan.Changes[0].Feature.IsTombstone())
	require.Equal(t, []string{"never"}, plan.Unchanged)

	reinsert := item("gone", ptr(1), map[string]any{"v": "fresh"})
	plan, err = r.Resolve(ctx, domain.WriteRequest{Items: []domain.WriteItem{reinsert}}, nil, h)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	require.Equal(t, domain.OpInsert, plan.Changes[0].Op)
	require.Empty(t, plan.Changes[0].Feature.NS.PUUID, "a re-insert starts a fresh chain")

	reinsert.Feature.NS.UUID = "u0"
	plan, err = r.Resolve(ctx, domain.WriteRequest{Items: []domain.WriteItem{reinsert}}, nil, h)
	require.NoError(t, err)
	require.Len(t, plan.Failed, 1)
}

func TestBatchSemantics(t *testing.T) {
	h := newHistory()
	h.put(state("a", 3, "u3", map[string]any{"v": 1}))
	r := newTestResolver()
	items := []domain.WriteItem{
		item("a", ptr(1), map[string]any{"v": 2}),
		item("b", nil, map[string]any{"v": 1}),
	}

	plan, err := r.Resolve(context.Background(), domain.WriteRequest{ConflictDetection: true, Items: items}, nil, h)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	require.Equal(t, "b", plan.Changes[0].Feature.ID)
	require.Equal(t, []domain.FailedItem{{ID: "a", Reason: "version conflict: feature \"a\" is at version 3"}}, plan.Failed)

	plan, err = r.Resolve(context.Background(), domain.WriteRequest{Transactional: true, Items: items}, nil, h)
	require.ErrorIs(t, err, domain.ErrConflict)
	require.Empty(t, plan.Changes)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	require.Len(t, de.Failed, 1)

	_, err = r.Resolve(context.Background(), domain.WriteRequest{Items: []domain.WriteItem{items[1], items[1]}}, nil, h)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestRequestBaseAppliesToItemsWithoutOne(t *testing.T) {
	h := newHistory()
	h.put(state("a", 3, "u3", map[string]any{"v": 1}))
	r := newTestResolver()
	plan, err := r.Resolve(context.Background(), domain.WriteRequest{ConflictDetection: true,
		Items: []domain.WriteItem{item("a", nil, map[string]any{"v": 2})}}, ptr(2), h)
	require.NoError(t, err)
	require.Len(t, plan.Failed, 1)
}

func TestInheritedHeadChecksOnlyUUID(t *testing.T) {
	h := newHistory()
	h.layer = 1
	h.put(state("a", 5, "u5", map[string]any{"level": "base"}))
	r := newTestResolver()

	plan, err := r.Resolve(context.Background(), domain.WriteRequest{Mode: domain.ModePatch, ConflictDetection: true,
		Items: []domain.WriteItem{item("a", nil, map[string]any{"size": "m"})}}, ptr(0), h)
	require.NoError(t, err)
	require.Empty(t, plan.Failed, "versions of an inherited state are not numbered on the written lineage")
	require.Len(t, plan.Changes, 1)
	require.Equal(t, map[string]any{"level": "base", "size": "m"}, plan.Changes[0].Feature.Properties)
	require.Equal(t, "u5", plan.Changes[0].Feature.NS.PUUID)

	outdated := item("a", nil, map[string]any{"size": "l"})
	outdated.Feature.NS.UUID = "u4"
	plan, err = r.Resolve(context.Background(), domain.WriteRequest{Mode: domain.ModePatch, ConflictDetection: true,
		Items: []domain.WriteItem{outdated}}, ptr(0), h)
	require.NoError(t, err)
	require.Len(t, plan.Failed, 1, "a stale uuid still conflicts")

	h.layer = 0
	plan, err = r.Resolve(context.Background(), domain.WriteRequest{Mode: domain.ModePatch, ConflictDetection: true,
		Items: []domain.WriteItem{item("a", nil, map[string]any{"size": "m"})}}, ptr(0), h)
	require.NoError(t, err)
	require.Len(t, plan.Failed, 1, "own states compare versions")
}
