// Package storagetest holds the behavioural suite every storage.Backend must pass.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"geoledger/internal/domain"
	"geoledger/internal/storage"
)

// Factory opens a fresh, empty backend for one test.
type Factory func(t *testing.T) storage.Backend

func Run(t *testing.T, open Factory) {
	t.Run("PersistAndFetch", func(t *testing.T) { testPersistAndFetch(t, open(t)) })
	t.Run("PersistRejectsOutOfSequence", func(t *testing.T) { testPersistSequence(t, open(t)) })
	t.Run("ParallelLineages", func(t *testing.T) { testParallelLineages(t, open(t)) })
	t.Run("ScanStatesLatestPerID", func(t *testing.T) { testScanStates(t, open(t)) })
	t.Run("ListVersions", func(t *testing.T) { testListVersions(t, open(t)) })
	t.Run("PurgeKeepsReadableState", func(t *testing.T) { testPurge(t, open(t)) })
	t.Run("TruncateAndDrop", func(t *testing.T) { testTruncateAndDrop(t, open(t)) })
	t.Run("Catalog", func(t *testing.T) { testCatalog(t, open(t)) })
}

func feature(id string, version int64, props map[string]any) domain.Feature {
	return domain.Feature{
		ID:         id,
		Geometry:   orb.Point{8.5, 50.1},
		Properties: props,
		NS:         domain.Namespace{Version: version, UUID: fmt.Sprintf("%s-%d", id, version)},
	}
}

func commit(t *testing.T, b storage.Backend, key domain.LineageKey, n int64, changes ...domain.Change) {
	t.Helper()
	err := b.PersistVersion(context.Background(), domain.Version{Key: key, Number: n, Author: "tester", CreatedAt: time.Now(), Changes: changes})
	require.NoError(t, err)
}

func insert(f domain.Feature) domain.Change { return domain.Change{Op: domain.OpInsert, Feature: f} }
func update(f domain.Feature) domain.Change { return domain.Change{Op: domain.OpUpdate, Feature: f} }

func tombstone(id string, version int64) domain.Change {
	return domain.Change{Op: domain.OpDelete, Feature: domain.Feature{ID: id, NS: domain.Namespace{Version: version, Deleted: true, UUID: fmt.Sprintf("%s-%d", id, version)}}}
}

func testPersistAndFetch(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()
	key := domain.MainLineage("s1")
	require.NoError(t, b.InitLineage(ctx, key, 0))

	commit(t, b, key, 1, insert(feature("a", 1, map[string]any{"name": "first"})))
	commit(t, b, key, 2, update(feature("a", 2, map[string]any{"name": "second"})))

	f, ok, err := b.FetchFeatureState(ctx, key, "a", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", f.Properties["name"])
	require.Equal(t, orb.Point{8.5, 50.1}, f.Geometry)

	f, ok, err = b.FetchFeatureState(ctx, key, "a", 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), f.NS.Version)

	_, ok, err = b.FetchFeatureState(ctx, key, "a", 0)
	require.NoError(t, err)
	require.False(t, ok)

	byUUID, ok, err := b.FetchFeatureByUUID(ctx, key, "a-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", byUUID.Properties["name"])

	head, ok, err := b.Head(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.LineageHead{Head: 2, MinVersion: 0}, head)
}

func testPersistSequence(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()
	key := domain.MainLineage("s1")

	err := b.PersistVersion(ctx, domain.Version{Key: key, Number: 1})
	require.True(t, errors.Is(err, storage.ErrLineageNotFound), "got %v", err)

	require.NoError(t, b.InitLineage(ctx, key, 0))
	commit(t, b, key, 1, insert(feature("a", 1, nil)))
	err = b.PersistVersion(ctx, domain.Version{Key: key, Number: 1, Changes: []domain.Change{insert(feature("b", 1, nil))}})
	require.True(t, errors.Is(err, storage.ErrVersionExists), "got %v", err)
	err = b.PersistVersion(ctx, domain.Version{Key: key, Number: 3})
	require.True(t, errors.Is(err, storage.ErrVersionExists), "got %v", err)

	_, ok, err := b.FetchFeatureState(ctx, key, "b", 10)
	require.NoError(t, err)
	require.False(t, ok, "rejected version must leave no state behind")

	branch := domain.LineageKey{Space: "s1", Node: 1}
	require.NoError(t, b.InitLineage(ctx, branch, 7))
	commit(t, b, branch, 8, insert(feature("c", 8, nil)))
	head, _, err := b.Head(ctx, branch)
	require.NoError(t, err)
	require.Equal(t, domain.LineageHead{Head: 8, MinVersion: 7}, head)
}

// Every lineage is appended by its own goroutine, the way the ledger serializes appends per
// lineage. A branch and its source share one space, the others land wherever they hash.
func testParallelLineages(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()
	keys := []domain.LineageKey{
		domain.MainLineage("roads"),
		{Space: "roads", Node: 1},
		{Space: "roads", Node: 2},
		domain.MainLineage("rivers"),
		domain.MainLineage("rails"),
		{Space: "rails", Node: 1},
	}
	for _, k := range keys {
		require.NoError(t, b.InitLineage(ctx, k, 0))
	}

	const perLineage = 20
	var wg sync.WaitGroup
	errs := make(chan error, len(keys)*perLineage)
	for _, k := range keys {
		wg.Add(1)
		go func(k domain.LineageKey) {
			defer wg.Done()
			for n := int64(1); n <= perLineage; n++ {
				id := fmt.Sprintf("%s-%d-%d", k.Space, k.Node, n)
				err := b.PersistVersion(ctx, domain.Version{Key: k, Number: n, Author: "tester", CreatedAt: time.Now(),
					Changes: []domain.Change{insert(feature(id, n, map[string]any{"n": n}))}})
				if err != nil {
					errs <- fmt.Errorf("%s@%d: %w", k, n, err)
				}
			}
		}(k)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	for _, k := range keys {
		head, ok, err := b.Head(ctx, k)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(perLineage), head.Head, "lineage %s", k)
		vs, err := b.ListVersions(ctx, k, 1, perLineage)
		require.NoError(t, err)
		require.Len(t, vs, perLineage, "lineage %s", k)
	}
}

func testScanStates(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()
	key := domain.MainLineage("s1")
	require.NoError(t, b.InitLineage(ctx, key, 0))
	commit(t, b, key, 1, insert(feature("b", 1, nil)), insert(feature("a", 1, nil)))
	commit(t, b, key, 2, update(feature("a", 2, map[string]any{"v": 2})), tombstone("b", 2))

	var ids []string
	var versions []int64
	err := b.ScanStates(ctx, key, 2, func(f domain.Feature) error {
		ids = append(ids, f.ID)
		versions = append(versions, f.NS.Version)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)
	require.Equal(t, []int64{2, 2}, versions)

	var deleted []bool
	err = b.ScanStates(ctx, key, 1, func(f domain.Feature) error {
		deleted = append(deleted, f.NS.Deleted)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []bool{false, false}, deleted)
}

func testListVersions(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()
	key := domain.MainLineage("s1")
	require.NoError(t, b.InitLineage(ctx, key, 0))
	commit(t, b, key, 1, insert(feature("a", 1, nil)), insert(feature("b", 1, nil)))
	commit(t, b, key, 2, tombstone("a", 2))
	commit(t, b, key, 3, update(feature("b", 3, nil)))

	vs, err := b.ListVersions(ctx, key, 2, 10)
	require.NoError(t, err)
	require.Len(t, vs, 2)
	require.Equal(t, int64(2), vs[0].Number)
	require.Equal(t, "tester", vs[0].Author)
	require.Len(t, vs[0].Changes, 1)
	require.Equal(t, domain.OpDelete, vs[0].Changes[0].Op)
	require.Equal(t, domain.OpUpdate, vs[1].Changes[0].Op)

	vs, err = b.ListVersions(ctx, key, 1, 1)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	require.Len(t, vs[0].Changes, 2)
	require.Equal(t, "a", vs[0].Changes[0].Feature.ID)
}

func testPurge(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()
	key := domain.MainLineage("s1")
	require.NoError(t, b.InitLineage(ctx, key, 0))
	commit(t, b, key, 1, insert(feature("a", 1, nil)), insert(feature("b", 1, nil)))
	commit(t, b, key, 2, update(feature("a", 2, nil)))
	commit(t, b, key, 3, update(feature("a", 3, nil)))
	commit(t, b, key, 4, update(feature("b", 4, nil)))

	stats, err := b.PurgeBelow(ctx, key, 3)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Versions)
	require.Equal(t, int64(2), stats.States)

	// b@1 is still the state a read at version 3 needs.
	f, ok, err := b.FetchFeatureState(ctx, key, "b", 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), f.NS.Version)

	_, ok, err = b.FetchFeatureState(ctx, key, "a", 2)
	require.NoError(t, err)
	require.False(t, ok)

	vs, err := b.ListVersions(ctx, key, 0, 10)
	require.NoError(t, err)
	require.Len(t, vs, 2)
	require.Equal(t, int64(3), vs[0].Number)

	head, _, err := b.Head(ctx, key)
	require.NoError(t, err)
	require.Equal(t, domain.LineageHead{Head: 4, MinVersion: 3}, head)

	commit(t, b, key, 5, insert(feature("c", 5, nil)))
}

func testTruncateAndDrop(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()
	key := domain.LineageKey{Space: "s1", Node: 2}
	require.NoError(t, b.InitLineage(ctx, key, 3))
	commit(t, b, key, 4, insert(feature("a", 4, nil)))
	commit(t, b, key, 5, update(feature("a", 5, nil)))
	commit(t, b, key, 6, insert(feature("b", 6, nil)))

	require.NoError(t, b.TruncateAbove(ctx, key, 4))
	head, ok, err := b.Head(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(4), head.Head)
	f, ok, err := b.FetchFeatureState(ctx, key, "a", 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(4), f.NS.Version)
	_, ok, err = b.FetchFeatureState(ctx, key, "b", 10)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.DropLineage(ctx, key))
	_, ok, err = b.Head(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func testCatalog(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	sp := domain.Space{ID: "s1", Title: "roads", VersionsToKeep: 10, Active: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, b.PutSpace(ctx, sp))
	got, ok, err := b.GetSpace(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "roads", got.Title)
	require.True(t, got.Active)

	n1, err := b.NextNode(ctx, "s1")
	require.NoError(t, err)
	n2, err := b.NextNode(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n1)
	require.Equal(t, int64(2), n2)

	br := domain.Branch{ID: "b1", Space: "s1", Node: n1, Base: domain.BaseRef{Key: domain.MainLineage("s1"), Version: 3},
		Path: []domain.Segment{{Key: domain.MainLineage("s1"), UpTo: 3}}, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, b.PutBranch(ctx, br))
	gotBranch, ok, err := b.GetBranch(ctx, "s1", "b1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, br.Path, gotBranch.Path)

	require.NoError(t, b.PutTag(ctx, domain.Tag{ID: "t1", Key: domain.MainLineage("s1"), Version: 2, CreatedAt: now}))
	require.NoError(t, b.PutTag(ctx, domain.Tag{ID: "xyz_ntf_sub", Key: domain.MainLineage("s1"), Version: 1, System: true, CreatedAt: now}))
	tags, err := b.ListTags(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tags, 2)
	require.Equal(t, "t1", tags[0].ID)

	require.NoError(t, b.DeleteSpace(ctx, "s1"))
	_, ok, err = b.GetSpace(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)
	all, err := b.ListAllBranches(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
	tags, err = b.ListTags(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, tags)

	n3, err := b.NextNode(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, int64(3), n3, "node ids survive space deletion")
}
