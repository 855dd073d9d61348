package branch

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"geoledger/internal/conflict"
	"geoledger/internal/domain"
	"geoledger/internal/ledger"
)

// Rebase moves the branch onto a new fork point. Its own versions are replayed on a fresh
// lineage node, renumbered from the new fork. Ids changed on both the branch and the source
// between the two forks are merged three-way; a collision aborts with the branch untouched.
func (m *Manager) Rebase(ctx context.Context, space, id, newBaseRef string) (domain.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.Get(ctx, space, id)
	if err != nil {
		return domain.Branch{}, err
	}
	target, err := m.resolver.Resolve(ctx, space, newBaseRef)
	if err != nil {
		return domain.Branch{}, err
	}
	if err := m.checkTarget(ctx, target); err != nil {
		return domain.Branch{}, err
	}
	if target.Key == b.Key() {
		return domain.Branch{}, domain.Preconditionf("rebase", "branch %q cannot be rebased onto itself", id)
	}
	for _, seg := range target.Path {
		if seg.Key == b.Key() {
			return domain.Branch{}, domain.Preconditionf("rebase", "branch %q cannot be rebased onto its descendant %q", id, target.Branch)
		}
	}
	newPath := target.View()
	newBase := forkOf(newPath)
	if newBase == b.Base {
		return b, nil
	}

	old := b.Key()
	var rebased domain.Branch
	err = m.ledger.Update(ctx, old, func(tx *ledger.Tx) error {
		var err error
		rebased, err = m.replay(ctx, b, tx.Head().Head, newPath, newBase)
		return err
	})
	if err != nil {
		return domain.Branch{}, err
	}
	if err := m.retarget(ctx, b, rebased); err != nil {
		return domain.Branch{}, err
	}
	if err := m.retire(ctx, old, b.Path); err != nil {
		return domain.Branch{}, err
	}
	m.log.WithFields(logrus.Fields{"space": space, "branch": id, "node": rebased.Node,
		"base": newBase.Key.String(), "version": newBase.Version}).Info("branch rebased")
	return rebased, nil
}

type pending struct {
	version int
	change  int
}

// replay runs with the old lineage locked so that no write lands on it while its history is
// copied. Writers holding a stale node re-check the branch before appending.
func (m *Manager) replay(ctx context.Context, b domain.Branch, head int64, newPath []domain.Segment, newBase domain.BaseRef) (domain.Branch, error) {
	oldFork := b.Base.Version
	var versions []domain.Version
	if head > oldFork {
		own := []domain.Segment{{Key: b.Key(), UpTo: head}}
		var err error
		versions, err = m.ledger.ChangesInRange(ctx, own, oldFork+1, head)
		if err != nil {
			if domain.KindOf(err) == domain.KindNotFound {
				return domain.Branch{}, domain.Preconditionf("rebase", "own history of branch %q was purged", b.ID)
			}
			return domain.Branch{}, err
		}
	}

	last := map[string]pending{}
	for vi, v := range versions {
		for ci, c := range v.Changes {
			last[c.Feature.ID] = pending{version: vi, change: ci}
		}
	}
	branchView := domain.ViewAt(b.Path, b.Key(), head)
	var failed []domain.FailedItem
	for fid, at := range last {
		ours, _, err := m.ledger.FetchState(ctx, branchView, fid)
		if err != nil {
			return domain.Branch{}, err
		}
		merged, reason, err := m.rebaseState(ctx, b.Path, newPath, ours)
		if err != nil {
			return domain.Branch{}, err
		}
		if reason != "" {
			failed = append(failed, domain.FailedItem{ID: fid, Reason: reason})
			continue
		}
		c := &versions[at.version].Changes[at.change]
		c.Feature = merged
		if c.Op == domain.OpInsert {
			if theirs, ok, err := m.ledger.FetchState(ctx, newPath, fid); err != nil {
				return domain.Branch{}, err
			} else if ok && !theirs.IsTombstone() {
				c.Op = domain.OpUpdate
			}
		}
	}
	if len(failed) > 0 {
		sort.Slice(failed, func(i, j int) bool { return failed[i].ID < failed[j].ID })
		return domain.Branch{}, domain.WriteConflict("rebase", failed)
	}

	node, err := m.catalog.NextNode(ctx, b.Space)
	if err != nil {
		return domain.Branch{}, fmt.Errorf("allocate node: %w", err)
	}
	next := b
	next.Node = node
	next.Base = newBase
	next.Path = newPath
	next.UpdatedAt = m.now().UTC()
	if err := m.ledger.Init(ctx, next.Key(), newBase.Version); err != nil {
		return domain.Branch{}, fmt.Errorf("init rebased lineage: %w", err)
	}
	for _, v := range versions {
		if _, err := m.ledger.Append(ctx, next.Key(), v.Author, v.Changes); err != nil {
			return domain.Branch{}, m.abandon(ctx, next.Key(), fmt.Errorf("replay version %d: %w", v.Number, err))
		}
	}
	if err := m.catalog.PutBranch(ctx, next); err != nil {
		return domain.Branch{}, m.abandon(ctx, next.Key(), fmt.Errorf("put branch %q: %w", next.ID, err))
	}
	return next, nil
}

func (m *Manager) abandon(ctx context.Context, key domain.LineageKey, cause error) error {
	if err := m.ledger.Drop(ctx, key); err != nil {
		m.log.WithError(err).WithField("node", key.Node).Warn("could not drop abandoned rebase lineage")
	}
	return cause
}

// rebaseState returns the state ours must have on top of the new base. A non-empty reason
// reports a collision.
func (m *Manager) rebaseState(ctx context.Context, oldPath, newPath []domain.Segment, ours domain.Feature) (domain.Feature, string, error) {
	base, baseOK, err := m.ledger.FetchState(ctx, oldPath, ours.ID)
	if err != nil {
		return domain.Feature{}, "", err
	}
	theirs, theirsOK, err := m.ledger.FetchState(ctx, newPath, ours.ID)
	if err != nil {
		return domain.Feature{}, "", err
	}
	if sameState(base, baseOK, theirs, theirsOK) {
		return ours, "", nil
	}
	if sameState(ours, true, theirs, theirsOK) {
		return ours, "", nil
	}
	if ours.IsTombstone() || (theirsOK && theirs.IsTombstone()) {
		return domain.Feature{}, fmt.Sprintf("feature %q was deleted on one side and changed on the other", ours.ID), nil
	}
	if !theirsOK {
		return ours, "", nil
	}
	if !baseOK || base.IsTombstone() {
		base = domain.Feature{ID: ours.ID}
	}
	merged, collisions := conflict.Merge3(base, theirs, ours)
	if len(collisions) > 0 {
		return domain.Feature{}, conflict.Describe(collisions), nil
	}
	merged.NS = ours.NS
	merged.NS.PUUID = theirs.NS.UUID
	merged.NS.MUUID = base.NS.UUID
	return merged, "", nil
}

func sameState(a domain.Feature, aOK bool, b domain.Feature, bOK bool) bool {
	if aOK != bOK {
		return false
	}
	if !aOK {
		return true
	}
	return a.IsTombstone() == b.IsTombstone() && a.SameContent(b)
}

// retarget moves the tags of the rebased lineage. Tags above the old fork follow the
// renumbered history; tags at or below it keep pointing into the old source.
func (m *Manager) retarget(ctx context.Context, from, to domain.Branch) error {
	tags, err := m.catalog.ListTags(ctx, from.Space)
	if err != nil {
		return fmt.Errorf("list tags: %w", err)
	}
	for _, t := range tags {
		if t.Key != from.Key() {
			continue
		}
		if t.Version > from.Base.Version {
			t.Key = to.Key()
			t.Version = t.Version - from.Base.Version + to.Base.Version
		} else {
			seg := domain.ViewAt(from.Path, from.Key(), t.Version)
			t.Key = seg[len(seg)-1].Key
		}
		if err := m.catalog.PutTag(ctx, t); err != nil {
			return fmt.Errorf("retarget tag %q: %w", t.ID, err)
		}
	}
	return nil
}
