package core

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"geoledger/internal/branch"
	"geoledger/internal/domain"
	"geoledger/internal/retention"
	"geoledger/internal/storage/memory"
	"geoledger/internal/tags"
)

func newService(t *testing.T, opts ...func(*Options)) *Service {
	t.Helper()
	o := Options{DefaultVersionsToKeep: 100}
	for _, fn := range opts {
		fn(&o)
	}
	svc, err := New(memory.NewStore(), o)
	require.NoError(t, err)
	return svc
}

func mustSpace(t *testing.T, svc *Service, id, extends string) {
	t.Helper()
	_, err := svc.CreateSpace(context.Background(), domain.SpaceSpec{ID: id, Extends: extends})
	require.NoError(t, err)
}

func point(id string, x, y float64, props map[string]any) domain.WriteItem {
	return domain.WriteItem{Feature: domain.Feature{ID: id, Geometry: orb.Point{x, y}, Properties: props}}
}

func del(id string) domain.WriteItem {
	return domain.WriteItem{Feature: domain.Feature{ID: id}, Delete: true}
}

func mustWrite(t *testing.T, svc *Service, req domain.WriteRequest) domain.WriteResult {
	t.Helper()
	if req.Author == "" {
		req.Author = "tester"
	}
	res, err := svc.Write(context.Background(), req)
	require.NoError(t, err)
	return res
}

func ids(fs []domain.Feature) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.ID)
	}
	return out
}

func readIDs(t *testing.T, svc *Service, space, branchID, ref string, c domain.Context) []string {
	t.Helper()
	res, err := svc.ReadAt(context.Background(), space, branchID, ref, c, ReadOptions{})
	require.NoError(t, err)
	return ids(res.Features)
}

func TestSpaceLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	sp, err := svc.CreateSpace(ctx, domain.SpaceSpec{ID: "s1", Title: "roads"})
	require.NoError(t, err)
	require.Equal(t, int64(100), sp.VersionsToKeep)
	require.True(t, sp.Active)

	_, err = svc.CreateSpace(ctx, domain.SpaceSpec{ID: "s1"})
	require.ErrorIs(t, err, domain.ErrConflict)
	zero := int64(0)
	_, err = svc.CreateSpace(ctx, domain.SpaceSpec{ID: "s2", VersionsToKeep: &zero})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = svc.CreateSpace(ctx, domain.SpaceSpec{ID: "bad:id"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	title := "streets"
	sp, err = svc.UpdateSpace(ctx, "s1", domain.SpacePatch{Title: &title})
	require.NoError(t, err)
	require.Equal(t, "streets", sp.Title)
	negative := int64(-1)
	_, err = svc.UpdateSpace(ctx, "s1", domain.SpacePatch{VersionsToKeep: &negative})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	mustWrite(t, svc, domain.WriteRequest{Space: "s1", Items: []domain.WriteItem{point("a", 0, 0, nil)}})
	require.NoError(t, svc.DeleteSpace(ctx, "s1"))
	_, err = svc.GetSpace(ctx, "s1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	mustSpace(t, svc, "s1", "")
	require.Empty(t, readIDs(t, svc, "s1", "", "", domain.ContextDefault), "a recreated space starts empty")
	stats, err := svc.Statistics(ctx, "s1", "")
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.MaxVersion)
}

func TestSpaceWithBranchesCannotBecomeComposite(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	mustSpace(t, svc, "base", "")
	mustSpace(t, svc, "s1", "")
	_, _, err := svc.CreateBranch(ctx, branch.CreateRequest{Space: "s1", ID: "b1"})
	require.NoError(t, err)

	extends := "base"
	_, err = svc.UpdateSpace(ctx, "s1", domain.SpacePatch{Extends: &extends})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestWriteAndRead(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	mustSpace(t, svc, "s1", "")

	res := mustWrite(t, svc, domain.WriteRequest{Space: "s1", Items: []domain.WriteItem{
		point("c", 5, 5, map[string]any{"size": "l"}),
		point("a", 1, 1, map[string]any{"size": "m"}),
		point("b", 2, 2, map[string]any{"size": "m"}),
	}})
	require.True(t, res.Committed)
	require.Equal(t, int64(1), res.Version)
	require.Len(t, res.Inserted, 3)
	require.Equal(t, int64(1), res.Inserted[0].NS.Version)

	mustWrite(t, svc, domain.WriteRequest{Space: "s1", Items: []domain.WriteItem{del("b")}})

	require.Equal(t, []string{"a", "c"}, readIDs(t, svc, "s1", "", "HEAD", domain.ContextDefault))
	require.Equal(t, []string{"a", "b", "c"}, readIDs(t, svc, "s1", "", "1", domain.ContextDefault))

	out, err := svc.ReadAt(ctx, "s1", "", "", domain.ContextDefault, ReadOptions{Filter: `properties.size == "m"`})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids(out.Features))

	out, err = svc.ReadAt(ctx, "s1", "", "", domain.ContextDefault, ReadOptions{IncludeDeleted: true})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, ids(out.Features))

	box := orb.Bound{Min: orb.Point{4, 4}, Max: orb.Point{6, 6}}
	out, err = svc.ReadAt(ctx, "s1", "", "", domain.ContextDefault, ReadOptions{BBox: &box})
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, ids(out.Features))

	out, err = svc.ReadAt(ctx, "s1", "", "", domain.ContextDefault, ReadOptions{IDs: []string{"c", "b", "zz"}})
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, ids(out.Features))

	out, err = svc.ReadAt(ctx, "s1", "", "", domain.ContextDefault, ReadOptions{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids(out.Features))

	_, err = svc.ReadAt(ctx, "s1", "", "", domain.ContextDefault, ReadOptions{Filter: `properties.size ==`})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = svc.ReadFeature(ctx, "s1", "", "", domain.ContextDefault, "b")
	require.ErrorIs(t, err, domain.ErrNotFound)
	f, err := svc.ReadFeature(ctx, "s1", "", "1", domain.ContextDefault, "b")
	require.NoError(t, err)
	require.Equal(t, "m", f.Properties["size"])

	for _, ref := range []string{"head", "HEAD1", "3"} {
		_, err := svc.ResolveRef(ctx, "s1", "", ref, domain.ContextDefault)
		require.ErrorIs(t, err, domain.ErrNotFound, ref)
	}
}

func TestIdenticalReplayIsUnchanged(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	mustSpace(t, svc, "s1", "")
	req := domain.WriteRequest{Space: "s1", ConflictDetection: true, Items: []domain.WriteItem{point("a", 1, 1, map[string]any{"n": 1.0})}}

	first := mustWrite(t, svc, req)
	second := mustWrite(t, svc, req)
	require.True(t, first.Committed)
	require.False(t, second.Committed)
	require.Equal(t, first.Version, second.Version)
	require.Equal(t, []string{"a"}, second.Unchanged)

	stats, err := svc.Statistics(ctx, "s1", "")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.VersionCount)
}

func TestTransactionalConflict(t *testing.T) {
	svc := newService(t)
	mustSpace(t, svc, "s1", "")
	mustWrite(t, svc, domain.WriteRequest{Space: "s1", Items: []domain.WriteItem{point("a", 0, 0, map[string]any{"n": 1.0})}})
	mustWrite(t, svc, domain.WriteRequest{Space: "s1", Items: []domain.WriteItem{point("a", 0, 0, map[string]any{"n": 2.0})}})

	_, err := svc.Write(context.Background(), domain.WriteRequest{
		Space:         "s1",
		BaseRef:       "1",
		Transactional: true,
		Items:         []domain.WriteItem{point("a", 0, 0, map[string]any{"n": 3.0}), point("b", 0, 0, nil)},
	})
	require.ErrorIs(t, err, domain.ErrConflict)
	require.Equal(t, []string{"a"}, readIDs(t, svc, "s1", "", "", domain.ContextDefault), "nothing of the batch was written")

	res := mustWrite(t, svc, domain.WriteRequest{
		Space:   "s1",
		BaseRef: "1",
		Items:   []domain.WriteItem{point("a", 0, 0, map[string]any{"n": 3.0}), point("b", 0, 0, nil)},
		Mode:    domain.ModeReplace,
	})
	require.True(t, res.Committed, "without detection the last write wins")
	require.Len(t, res.Updated, 1)
	require.Len(t, res.Inserted, 1)
}

func TestExtensionContexts(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	mustSpace(t, svc, "base", "")
	mustSpace(t, svc, "ext", "base")
	mustWrite(t, svc, domain.WriteRequest{Space: "base", Items: []domain.WriteItem{
		point("id1", 0, 0, map[string]any{"level": "base"}),
		point("id3", 0, 0, map[string]any{"level": "base"}),
	}})
	mustWrite(t, svc, domain.WriteRequest{Space: "ext", Mode: domain.ModePatch, Items: []domain.WriteItem{
		point("id3", 0, 0, map[string]any{"size": "m"}),
	}})

	f, err := svc.ReadFeature(ctx, "ext", "", "", domain.ContextDefault, "id3")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"level": "base", "size": "m"}, f.Properties)

	_, err = svc.ReadFeature(ctx, "ext", "", "", domain.ContextExtension, "id1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Equal(t, []string{"id3"}, readIDs(t, svc, "ext", "", "", domain.ContextExtension))
	require.Equal(t, []string{"id1", "id3"}, readIDs(t, svc, "ext", "", "", domain.ContextSuper))

	f, err = svc.ReadFeature(ctx, "ext", "", "HEAD", domain.ContextSuper, "id3")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"level": "base"}, f.Properties)

	_, err = svc.Write(ctx, domain.WriteRequest{Space: "ext", Context: domain.ContextSuper, Items: []domain.WriteItem{point("x", 0, 0, nil)}})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = svc.ReadAt(ctx, "base", "", "", domain.ContextSuper, ReadOptions{})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, _, err = svc.CreateBranch(ctx, branch.CreateRequest{Space: "ext", ID: "b1"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestExtensionPatchOfInheritedFeatureWithConflictDetection(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	mustSpace(t, svc, "base", "")
	mustSpace(t, svc, "ext", "base")
	for i := 0; i < 5; i++ {
		mustWrite(t, svc, domain.WriteRequest{Space: "base", Items: []domain.WriteItem{
			point("id3", float64(i), 0, map[string]any{"level": "base"}),
		}})
	}

	res := mustWrite(t, svc, domain.WriteRequest{Space: "ext", Mode: domain.ModePatch, ConflictDetection: true, BaseRef: "HEAD",
		Items: []domain.WriteItem{{Feature: domain.Feature{ID: "id3", Properties: map[string]any{"size": "m"}}}}})
	require.Empty(t, res.Failed)
	require.True(t, res.Committed)
	require.Equal(t, int64(1), res.Version)

	f, err := svc.ReadFeature(ctx, "ext", "", "", domain.ContextDefault, "id3")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"level": "base", "size": "m"}, f.Properties)
	require.True(t, orb.Equal(orb.Point{4, 0}, f.Geometry))

	// Once the extension owns a state, versions of the extension are compared again.
	mustWrite(t, svc, domain.WriteRequest{Space: "ext", Mode: domain.ModePatch,
		Items: []domain.WriteItem{{Feature: domain.Feature{ID: "id3", Properties: map[string]any{"size": "l"}}}}})
	_, err = svc.Write(ctx, domain.WriteRequest{Space: "ext", Mode: domain.ModePatch, Transactional: true, BaseRef: "1",
		Items: []domain.WriteItem{{Feature: domain.Feature{ID: "id3", Properties: map[string]any{"size": "s"}}}}})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestInactiveAfterParentDeletion(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	mustSpace(t, svc, "base", "")
	mustSpace(t, svc, "ext", "base")
	mustSpace(t, svc, "leaf", "ext")

	require.NoError(t, svc.DeleteSpace(ctx, "base"))
	for _, space := range []string{"ext", "leaf"} {
		_, err := svc.ReadAt(ctx, space, "", "", domain.ContextDefault, ReadOptions{})
		require.ErrorIs(t, err, domain.ErrInactive, space)
		_, err = svc.Write(ctx, domain.WriteRequest{Space: space, Items: []domain.WriteItem{point("a", 0, 0, nil)}})
		require.ErrorIs(t, err, domain.ErrInactive, space)
	}

	mustSpace(t, svc, "base", "")
	require.Empty(t, readIDs(t, svc, "leaf", "", "", domain.ContextDefault))

	inactive := false
	_, err := svc.UpdateSpace(ctx, "leaf", domain.SpacePatch{Active: &inactive})
	require.NoError(t, err)
	_, err = svc.ReadAt(ctx, "leaf", "", "", domain.ContextDefault, ReadOptions{})
	require.ErrorIs(t, err, domain.ErrSpaceDeactivated)
}

func TestBranchWritesAndMerge(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	mustSpace(t, svc, "s1", "")
	mustWrite(t, svc, domain.WriteRequest{Space: "s1", Items: []domain.WriteItem{
		point("a", 0, 0, map[string]any{"name": "first", "lanes": 2.0}),
		point("b", 0, 0, nil),
	}})
	b, created, err := svc.CreateBranch(ctx, branch.CreateRequest{Space: "s1", ID: "edit"})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(1), b.Base.Version)

	res := mustWrite(t, svc, domain.WriteRequest{Space: "s1", Branch: "edit", Mode: domain.ModePatch, Items: []domain.WriteItem{
		point("a", 0, 0, map[string]any{"lanes": 4.0}),
		point("c", 0, 0, nil),
	}})
	require.Equal(t, int64(2), res.Version, "branch versions continue the fork numbering")
	mustWrite(t, svc, domain.WriteRequest{Space: "s1", Branch: "edit", Items: []domain.WriteItem{del("b")}})
	mustWrite(t, svc, domain.WriteRequest{Space: "s1", Mode: domain.ModePatch, Items: []domain.WriteItem{
		point("a", 0, 0, map[string]any{"name": "renamed"}),
	}})

	require.Equal(t, []string{"a", "b"}, readIDs(t, svc, "s1", "", "", domain.ContextDefault))
	require.Equal(t, []string{"a", "c"}, readIDs(t, svc, "s1", "edit", "", domain.ContextDefault))

	merged, err := svc.MergeBranch(ctx, "s1", "edit", "tester")
	require.NoError(t, err)
	require.True(t, merged.Committed)
	require.Equal(t, int64(3), merged.Version)

	a, err := svc.ReadFeature(ctx, "s1", "", "", domain.ContextDefault, "a")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"name": "renamed", "lanes": 4.0}, a.Properties)
	require.Equal(t, []string{"a", "c"}, readIDs(t, svc, "s1", "", "", domain.ContextDefault))
}

func TestMergeCollisionWritesNothing(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	mustSpace(t, svc, "s1", "")
	mustWrite(t, svc, domain.WriteRequest{Space: "s1", Items: []domain.WriteItem{point("a", 0, 0, map[string]any{"lanes": 2.0})}})
	_, _, err := svc.CreateBranch(ctx, branch.CreateRequest{Space: "s1", ID: "edit"})
	require.NoError(t, err)
	mustWrite(t, svc, domain.WriteRequest{Space: "s1", Branch: "edit", Mode: domain.ModePatch, Items: []domain.WriteItem{point("a", 0, 0, map[string]any{"lanes": 4.0})}})
	mustWrite(t, svc, domain.WriteRequest{Space: "s1", Mode: domain.ModePatch, Items: []domain.WriteItem{point("a", 0, 0, map[string]any{"lanes": 3.0})}})

	_, err = svc.MergeBranch(ctx, "s1", "edit", "tester")
	require.ErrorIs(t, err, domain.ErrConflict)
	a, err := svc.ReadFeature(ctx, "s1", "", "", domain.ContextDefault, "a")
	require.NoError(t, err)
	require.Equal(t, 3.0, a.Properties["lanes"])

	_, err = svc.MergeBranch(ctx, "s1", domain.MainBranch, "tester")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestBranchOfDeletedRootIsInactive(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	mustSpace(t, svc, "src", "")
	mustSpace(t, svc, "s1", "")
	mustWrite(t, svc, domain.WriteRequest{Space: "src", Items: []domain.WriteItem{point("a", 0, 0, nil)}})
	_, _, err := svc.CreateBranch(ctx, branch.CreateRequest{Space: "s1", ID: "copy", BaseRef: "src:HEAD"})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, readIDs(t, svc, "s1", "copy", "", domain.ContextDefault))

	require.NoError(t, svc.DeleteSpace(ctx, "src"))
	_, err = svc.ledger.Head(ctx, domain.MainLineage("src"))
	require.ErrorIs(t, err, domain.ErrNotFound, "a deleted space keeps no history for other spaces' branches")
	_, err = svc.ReadAt(ctx, "s1", "copy", "", domain.ContextDefault, ReadOptions{})
	require.ErrorIs(t, err, domain.ErrInactive)
	_, err = svc.Write(ctx, domain.WriteRequest{Space: "s1", Branch: "copy", Items: []domain.WriteItem{point("b", 0, 0, nil)}})
	require.ErrorIs(t, err, domain.ErrInactive)
}

func TestChangesetsThroughService(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	mustSpace(t, svc, "s1", "")
	mustWrite(t, svc, domain.WriteRequest{Space: "s1", Items: []domain.WriteItem{point("a", 0, 0, nil), point("b", 0, 0, nil)}})
	mustWrite(t, svc, domain.WriteRequest{Space: "s1", Author: "bob", Items: []domain.WriteItem{point("a", 1, 1, nil)}})
	mustWrite(t, svc, domain.WriteRequest{Space: "s1", Items: []domain.WriteItem{del("b")}})

	page, err := svc.Changesets(ctx, ChangesetRequest{Space: "s1", Start: 1, End: 100, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, int64(1), page.EndVersion, "the page ends before the version that would overflow the limit")
	require.Len(t, page.Versions, 1)
	require.NotEmpty(t, page.NextPageToken)

	page, err = svc.Changesets(ctx, ChangesetRequest{Space: "s1", Start: 1, End: 3, Author: "bob"})
	require.NoError(t, err)
	require.Len(t, page.Versions, 1)
	require.Equal(t, int64(2), page.Versions[0].Version)

	cs, err := svc.CompactChangeset(ctx, ChangesetRequest{Space: "s1", Start: 1, End: 3})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids(cs.Inserted))
	require.Equal(t, []string{"b"}, ids(cs.Deleted))

	_, err = svc.Changesets(ctx, ChangesetRequest{Space: "s1", Start: 3, End: 2})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestTagsAndPurge(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, func(o *Options) {
		o.DefaultVersionsToKeep = 2
		o.RetentionPolicy = retention.PolicyRefuse
	})
	mustSpace(t, svc, "s1", "")
	for i := 0; i < 5; i++ {
		mustWrite(t, svc, domain.WriteRequest{Space: "s1", Items: []domain.WriteItem{point("a", float64(i), 0, nil)}})
	}
	_, err := svc.CreateTag(ctx, tags.CreateRequest{Space: "s1", ID: "keep", Ref: "2"})
	require.NoError(t, err)

	_, err = svc.Purge(ctx, "s1", "", 4)
	require.ErrorIs(t, err, domain.ErrPreconditionFailed)
	require.NoError(t, svc.DeleteTag(ctx, "s1", "keep"))

	res, err := svc.Purge(ctx, "s1", "", 10)
	require.NoError(t, err)
	require.Equal(t, int64(4), res.Below, "the last two versions are kept")
	_, err = svc.ResolveRef(ctx, "s1", "", "3", domain.ContextDefault)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.Purge(ctx, "s1", "", 0)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestCheckpoints(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	mustSpace(t, svc, "s1", "")
	mustWrite(t, svc, domain.WriteRequest{Space: "s1", Items: []domain.WriteItem{point("a", 0, 0, nil)}})

	_, ok, err := svc.Checkpoint(ctx, "s1", "sub")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, svc.SetCheckpoint(ctx, "s1", "sub", 1))
	v, ok, err := svc.Checkpoint(ctx, "s1", "sub")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), v)

	visible, err := svc.ListTags(ctx, "s1", false)
	require.NoError(t, err)
	require.Empty(t, visible)
}
