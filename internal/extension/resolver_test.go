package extension

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"geoledger/internal/conflict"
	"geoledger/internal/domain"
	"geoledger/internal/ledger"
	"geoledger/internal/storage/memory"
)

type fixture struct {
	store  *memory.Store
	ledger *ledger.Ledger
	ext    *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	l, err := ledger.New(store, ledger.Options{})
	require.NoError(t, err)
	return &fixture{store: store, ledger: l, ext: NewResolver(store, l)}
}

func (f *fixture) space(t *testing.T, id, extends string) {
	t.Helper()
	require.NoError(t, f.store.PutSpace(context.Background(), domain.Space{ID: id, Extends: extends, Active: true}))
	require.NoError(t, f.ledger.Init(context.Background(), domain.MainLineage(id), 0))
}

// write resolves items against the layered head of space the way a DEFAULT write does and
// appends the plan to the space's own lineage.
func (f *fixture) write(t *testing.T, space string, mode domain.WriteMode, items ...domain.WriteItem) {
	t.Helper()
	ctx := context.Background()
	chain, err := f.ext.Chain(ctx, space)
	require.NoError(t, err)
	key := domain.MainLineage(space)
	err = f.ledger.Update(ctx, key, func(tx *ledger.Tx) error {
		own := domain.ResolvedRef{Space: space, Key: key, Version: tx.Head().Head}
		st, err := f.ext.Stack(ctx, chain, own, domain.ContextDefault)
		if err != nil {
			return err
		}
		plan, err := conflict.NewResolver(conflict.Options{}).Resolve(ctx, domain.WriteRequest{Space: space, Mode: mode, Items: items}, nil, st)
		if err != nil {
			return err
		}
		_, err = tx.Append("test", plan.Changes)
		return err
	})
	require.NoError(t, err)
}

func (f *fixture) read(t *testing.T, space string, c domain.Context) *ledger.Snapshot {
	t.Helper()
	ctx := context.Background()
	chain, err := f.ext.Chain(ctx, space)
	require.NoError(t, err)
	key := domain.MainLineage(space)
	h, err := f.ledger.Head(ctx, key)
	require.NoError(t, err)
	st, err := f.ext.Stack(ctx, chain, domain.ResolvedRef{Space: space, Key: key, Version: h.Head}, c)
	require.NoError(t, err)
	snap, err := st.Read(ctx)
	require.NoError(t, err)
	return snap
}

func feature(id string, props map[string]any) domain.WriteItem {
	return domain.WriteItem{Feature: domain.Feature{ID: id, Geometry: orb.Point{1, 1}, Properties: props}}
}

func TestExtensionPrecedence(t *testing.T) {
	f := newFixture(t)
	f.space(t, "base", "")
	f.space(t, "ext", "base")
	f.write(t, "base", domain.ModeReplace,
		feature("id1", map[string]any{"level": "base"}),
		feature("id3", map[string]any{"level": "base"}))
	f.write(t, "ext", domain.ModePatch, feature("id3", map[string]any{"size": "m"}))

	merged := f.read(t, "ext", domain.ContextDefault)
	id3, ok := merged.Get("id3")
	require.True(t, ok)
	require.Equal(t, map[string]any{"level": "base", "size": "m"}, id3.Properties)
	_, ok = merged.Get("id1")
	require.True(t, ok, "parent-only ids pass through")

	own := f.read(t, "ext", domain.ContextExtension)
	_, ok = own.Get("id1")
	require.False(t, ok, "EXTENSION hides parent-only ids")
	_, ok = own.Get("id3")
	require.True(t, ok)

	super := f.read(t, "ext", domain.ContextSuper)
	id3, ok = super.Get("id3")
	require.True(t, ok)
	require.Equal(t, map[string]any{"level": "base"}, id3.Properties)
}

func TestExtensionTombstoneMasksParent(t *testing.T) {
	f := newFixture(t)
	f.space(t, "base", "")
	f.space(t, "ext", "base")
	f.write(t, "base", domain.ModeReplace, feature("a", nil), feature("b", nil))
	f.write(t, "ext", domain.ModeReplace, domain.WriteItem{Feature: domain.Feature{ID: "a"}, Delete: true})

	merged := f.read(t, "ext", domain.ContextDefault)
	_, ok := merged.Get("a")
	require.False(t, ok)
	require.Equal(t, 1, merged.Len())

	parent := f.read(t, "base", domain.ContextDefault)
	require.Equal(t, 2, parent.Len(), "writes never reach the parent")
}

func TestTwoLevelComposite(t *testing.T) {
	f := newFixture(t)
	f.space(t, "root", "")
	f.space(t, "mid", "root")
	f.space(t, "leaf", "mid")
	f.write(t, "root", domain.ModeReplace, feature("r", map[string]any{"from": "root"}), feature("shared", map[string]any{"v": "root"}))
	f.write(t, "mid", domain.ModeReplace, feature("shared", map[string]any{"v": "mid"}))
	f.write(t, "leaf", domain.ModeReplace, feature("l", nil))

	snap := f.read(t, "leaf", domain.ContextDefault)
	require.Equal(t, 3, snap.Len())
	shared, _ := snap.Get("shared")
	require.Equal(t, "mid", shared.Properties["v"])

	super := f.read(t, "leaf", domain.ContextSuper)
	_, ok := super.Get("l")
	require.False(t, ok)
	require.Equal(t, 2, super.Len())
}

func TestInactiveAncestors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.space(t, "root", "")
	f.space(t, "mid", "root")
	f.space(t, "leaf", "mid")

	require.NoError(t, f.store.DeleteSpace(ctx, "root"))
	_, err := f.ext.Chain(ctx, "mid")
	require.ErrorIs(t, err, domain.ErrInactive)
	_, err = f.ext.Chain(ctx, "leaf")
	require.ErrorIs(t, err, domain.ErrInactive, "inactivity propagates to grandchildren")

	f.space(t, "root", "")
	_, err = f.ext.Chain(ctx, "leaf")
	require.NoError(t, err, "recreating the parent reactivates the chain")

	require.NoError(t, f.store.PutSpace(ctx, domain.Space{ID: "leaf", Extends: "mid", Active: false}))
	_, err = f.ext.Chain(ctx, "leaf")
	require.ErrorIs(t, err, domain.ErrInactive)
	require.ErrorIs(t, err, domain.ErrSpaceDeactivated)
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.space(t, "a", "")
	f.space(t, "b", "a")
	f.space(t, "c", "b")
	f.space(t, "solo", "")
	f.space(t, "parent", "")
	f.space(t, "child", "parent")

	cases := map[string]domain.Space{
		"self":       {ID: "x", Extends: "x"},
		"storage":    {ID: "x", Extends: "a", Storage: "custom"},
		"searchable": {ID: "x", Extends: "a", SearchableProperties: map[string]bool{"p": true}},
		"missing":    {ID: "x", Extends: "ghost"},
		"depth":      {ID: "x", Extends: "c"},
		"cycle":      {ID: "a", Extends: "c"},
		"children":   {ID: "parent", Extends: "b"},
	}
	for name, s := range cases {
		require.ErrorIs(t, f.ext.Validate(ctx, s), domain.ErrInvalidRequest, name)
	}
	require.NoError(t, f.ext.Validate(ctx, domain.Space{ID: "x", Extends: "b"}))
	require.NoError(t, f.ext.Validate(ctx, domain.Space{ID: "parent", Extends: "solo"}))
	require.NoError(t, f.ext.Validate(ctx, domain.Space{ID: "x", Storage: "custom"}))
}
