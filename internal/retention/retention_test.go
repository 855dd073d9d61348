package retention

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"geoledger/internal/domain"
	"geoledger/internal/ledger"
	"geoledger/internal/storage/memory"
)

type fixture struct {
	store  *memory.Store
	ledger *ledger.Ledger
}

// newFixture creates space s1 with ten versions, each rewriting feature f.
func newFixture(t *testing.T, keep int64) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	l, err := ledger.New(store, ledger.Options{})
	require.NoError(t, err)
	require.NoError(t, store.PutSpace(ctx, domain.Space{ID: "s1", Active: true, VersionsToKeep: keep}))
	key := domain.MainLineage("s1")
	require.NoError(t, l.Init(ctx, key, 0))
	for i := 1; i <= 10; i++ {
		op := domain.OpUpdate
		if i == 1 {
			op = domain.OpInsert
		}
		_, err := l.Append(ctx, key, "test", []domain.Change{{
			Op:      op,
			Feature: domain.Feature{ID: "f", Geometry: orb.Point{float64(i), 0}, Properties: map[string]any{"n": float64(i)}},
		}})
		require.NoError(t, err)
	}
	return &fixture{store: store, ledger: l}
}

func (f *fixture) head(t *testing.T) domain.LineageHead {
	t.Helper()
	h, err := f.ledger.Head(context.Background(), domain.MainLineage("s1"))
	require.NoError(t, err)
	return h
}

func TestPurgeKeepsVersionsToKeep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	gc := New(f.store, f.ledger, Options{})

	res, err := gc.Purge(ctx, "s1", "", 100)
	require.NoError(t, err)
	require.Equal(t, int64(8), res.Below, "the last three versions survive")
	require.Equal(t, int64(8), f.head(t).MinVersion)

	snap, err := f.ledger.ReadAt(ctx, []domain.Segment{{Key: domain.MainLineage("s1"), UpTo: 8}})
	require.NoError(t, err)
	feat, ok := snap.Get("f")
	require.True(t, ok)
	require.Equal(t, float64(8), feat.Properties["n"])

	_, err = f.ledger.ReadAt(ctx, []domain.Segment{{Key: domain.MainLineage("s1"), UpTo: 7}})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPurgeInvalidThresholdMutatesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	gc := New(f.store, f.ledger, Options{})
	for _, below := range []int64{0, -3} {
		_, err := gc.Purge(ctx, "s1", "", below)
		require.ErrorIs(t, err, domain.ErrInvalidRequest)
	}
	require.Equal(t, int64(0), f.head(t).MinVersion)

	_, err := gc.Purge(ctx, "ghost", "", 5)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = gc.Purge(ctx, "s1", "nope", 5)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProtectedRefPolicies(t *testing.T) {
	ctx := context.Background()
	setup := func(t *testing.T) *fixture {
		f := newFixture(t, 1)
		require.NoError(t, f.store.PutTag(ctx, domain.Tag{ID: "v3", Key: domain.MainLineage("s1"), Version: 3}))
		require.NoError(t, f.store.PutBranch(ctx, domain.Branch{
			ID: "b1", Space: "s1", Node: 1,
			Base: domain.BaseRef{Key: domain.MainLineage("s1"), Version: 5},
			Path: []domain.Segment{{Key: domain.MainLineage("s1"), UpTo: 5}},
		}))
		return f
	}

	t.Run("refuse", func(t *testing.T) {
		f := setup(t)
		_, err := New(f.store, f.ledger, Options{Policy: PolicyRefuse}).Purge(ctx, "s1", "", 6)
		require.ErrorIs(t, err, domain.ErrPreconditionFailed)
		require.Equal(t, int64(0), f.head(t).MinVersion, "a refused purge removes nothing")

		res, err := New(f.store, f.ledger, Options{Policy: PolicyRefuse}).Purge(ctx, "s1", "", 3)
		require.NoError(t, err)
		require.Equal(t, int64(3), res.Below)
	})

	t.Run("clamp", func(t *testing.T) {
		f := setup(t)
		res, err := New(f.store, f.ledger, Options{Policy: PolicyClamp}).Purge(ctx, "s1", "", 6)
		require.NoError(t, err)
		require.True(t, res.Clamped)
		require.Equal(t, int64(3), res.Below)
		require.Equal(t, int64(3), f.head(t).MinVersion)
	})

	t.Run("permissive", func(t *testing.T) {
		f := setup(t)
		res, err := New(f.store, f.ledger, Options{}).Purge(ctx, "s1", "", 6)
		require.NoError(t, err)
		require.Equal(t, int64(6), res.Below)
		_, err = f.ledger.ReadAt(ctx, []domain.Segment{{Key: domain.MainLineage("s1"), UpTo: 5}})
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)
	require.NoError(t, f.store.PutSpace(ctx, domain.Space{ID: "empty", Active: true, VersionsToKeep: 4}))
	require.NoError(t, f.ledger.Init(ctx, domain.MainLineage("empty"), 0))

	results, err := New(f.store, f.ledger, Options{}).Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "s1", results[0].Space)
	require.Equal(t, int64(7), results[0].Below)
	require.Equal(t, int64(7), f.head(t).MinVersion)

	results, err = New(f.store, f.ledger, Options{}).Sweep(ctx)
	require.NoError(t, err)
	require.Empty(t, results, "a second sweep has nothing left to do")
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []Policy{PolicyPermissive, PolicyRefuse, PolicyClamp} {
		got, err := ParsePolicy(p.String())
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
	_, err := ParsePolicy("cascade")
	require.Error(t, err)
}
