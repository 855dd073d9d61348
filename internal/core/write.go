package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"geoledger/internal/domain"
	"geoledger/internal/ledger"
	"geoledger/internal/metrics"
)

// errMoved marks a write that raced a rebase or delete of its branch.
var errMoved = errors.New("branch lineage moved")

// Write applies req to the own lineage of the addressed space or branch as one version.
func (s *Service) Write(ctx context.Context, req domain.WriteRequest) (domain.WriteResult, error) {
	if req.Context == domain.ContextSuper {
		return domain.WriteResult{}, domain.Invalidf("write", "writes in SUPER context would modify the extended space")
	}
	for attempt := 0; ; attempt++ {
		t, err := s.locate(ctx, req.Space, req.Branch)
		if err != nil {
			return domain.WriteResult{}, err
		}
		base, err := s.baseVersion(ctx, t, req.BaseRef)
		if err != nil {
			return domain.WriteResult{}, err
		}
		res, err := s.write(ctx, t, req, base)
		if errors.Is(err, errMoved) && attempt == 0 {
			continue
		}
		if err != nil {
			var de *domain.Error
			if errors.As(err, &de) && len(de.Failed) > 0 {
				metrics.Conflicts(req.Mode.String(), "request", len(de.Failed))
			}
			return domain.WriteResult{}, err
		}
		return res, nil
	}
}

// baseVersion resolves the request-level base ref. It must name a version of the written
// lineage or of the history it forked from.
func (s *Service) baseVersion(ctx context.Context, t target, ref string) (*int64, error) {
	if ref == "" {
		return nil, nil
	}
	r, err := s.refs.ResolveOn(ctx, t.space().ID, t.branchID(), ref)
	if err != nil {
		return nil, err
	}
	if r.Key != t.key() {
		if t.branch == nil {
			return nil, domain.Invalidf("write", "base ref %q is not on the written lineage", ref)
		}
		if upTo, ok := t.branch.DependsOn(r.Key); !ok || r.Version > upTo {
			return nil, domain.Invalidf("write", "base ref %q is not in the history of branch %q", ref, t.branch.ID)
		}
	}
	v := r.Version
	return &v, nil
}

func (s *Service) write(ctx context.Context, t target, req domain.WriteRequest, base *int64) (domain.WriteResult, error) {
	key := t.key()
	res := domain.WriteResult{
		Space:    t.space().ID,
		Branch:   t.branchID(),
		Inserted: []domain.Feature{},
		Updated:  []domain.Feature{},
		Deleted:  []string{},
	}
	err := s.ledger.Update(ctx, key, func(tx *ledger.Tx) error {
		own := domain.ResolvedRef{Space: t.space().ID, Branch: t.branchID(), Key: key, Version: tx.Head().Head}
		if t.branch != nil {
			cur, ok, err := s.catalog.GetBranch(ctx, t.branch.Space, t.branch.ID)
			if err != nil {
				return fmt.Errorf("get branch %q: %w", t.branch.ID, err)
			}
			if !ok || cur.Node != t.branch.Node {
				return &domain.Error{Kind: domain.KindConflict, Op: "write", Msg: fmt.Sprintf("branch %q changed during the write", t.branch.ID), Err: errMoved}
			}
			own.Path = cur.Path
		}
		st, err := s.ext.Stack(ctx, t.chain, own, req.Context)
		if err != nil {
			return err
		}
		plan, err := s.writes.Resolve(ctx, req, base, st)
		if err != nil {
			return err
		}
		res.Version = tx.Head().Head
		res.Unchanged = plan.Unchanged
		res.Failed = plan.Failed
		metrics.Conflicts(req.Mode.String(), "item", len(plan.Failed))
		if len(plan.Changes) == 0 {
			return nil
		}
		v, err := tx.Append(req.Author, plan.Changes)
		if err != nil {
			return err
		}
		res.Version = v.Number
		res.Committed = true
		for _, c := range v.Changes {
			switch c.Op {
			case domain.OpInsert:
				res.Inserted = append(res.Inserted, c.Feature)
			case domain.OpUpdate:
				res.Updated = append(res.Updated, c.Feature)
			case domain.OpDelete:
				res.Deleted = append(res.Deleted, c.Feature.ID)
			}
		}
		return nil
	})
	if err != nil {
		return domain.WriteResult{}, err
	}
	if res.Committed {
		metrics.Appended(t.branch != nil, len(res.Inserted), len(res.Updated), len(res.Deleted))
		s.log.WithFields(logrus.Fields{
			"space":   res.Space,
			"branch":  res.Branch,
			"version": res.Version,
			"op":      req.Mode.String(),
		}).Debugf("write committed: %d inserted, %d updated, %d deleted", len(res.Inserted), len(res.Updated), len(res.Deleted))
	}
	return res, nil
}

// MergeBranch squashes the own changes of a branch into the lineage it forked from, as one
// transactional MERGE write based on the fork version.
func (s *Service) MergeBranch(ctx context.Context, space, id, author string) (domain.WriteResult, error) {
	t, err := s.locate(ctx, space, id)
	if err != nil {
		return domain.WriteResult{}, err
	}
	if t.branch == nil {
		return domain.WriteResult{}, domain.Invalidf("merge branch", "the main lineage has nothing to merge into")
	}
	b := *t.branch
	dest, err := s.mergeTarget(ctx, b)
	if err != nil {
		return domain.WriteResult{}, err
	}
	h, err := s.ledger.Head(ctx, b.Key())
	if err != nil {
		return domain.WriteResult{}, err
	}
	fork := b.Base.Version
	if h.Head <= fork {
		head, err := s.ledger.Head(ctx, b.Base.Key)
		if err != nil {
			return domain.WriteResult{}, err
		}
		return domain.WriteResult{Space: dest.Space, Branch: dest.Branch, Version: head.Head,
			Inserted: []domain.Feature{}, Updated: []domain.Feature{}, Deleted: []string{}}, nil
	}
	cs, err := s.ledger.Compact(ctx, domain.ViewAt(b.Path, b.Key(), h.Head), fork+1, h.Head, "")
	if err != nil {
		return domain.WriteResult{}, err
	}
	items := make([]domain.WriteItem, 0, cs.Count())
	for _, group := range [][]domain.Feature{cs.Inserted, cs.Updated} {
		for _, f := range group {
			f.NS = domain.Namespace{}
			items = append(items, domain.WriteItem{Feature: f, BaseVersion: &fork})
		}
	}
	for _, f := range cs.Deleted {
		items = append(items, domain.WriteItem{Feature: domain.Feature{ID: f.ID}, BaseVersion: &fork, Delete: true})
	}
	if len(items) == 0 {
		return domain.WriteResult{Space: dest.Space, Branch: dest.Branch, Inserted: []domain.Feature{}, Updated: []domain.Feature{}, Deleted: []string{}}, nil
	}
	res, err := s.Write(ctx, domain.WriteRequest{
		Space:         dest.Space,
		Branch:        dest.Branch,
		Mode:          domain.ModeMerge,
		Transactional: true,
		Author:        author,
		Items:         items,
	})
	if err != nil {
		return domain.WriteResult{}, err
	}
	s.log.WithFields(logrus.Fields{"space": space, "branch": id, "version": res.Version}).Info("branch merged")
	return res, nil
}

// mergeTarget names the lineage a branch forked from by space and branch id.
func (s *Service) mergeTarget(ctx context.Context, b domain.Branch) (domain.ResolvedRef, error) {
	key := b.Base.Key
	if key.IsMain() {
		return domain.ResolvedRef{Space: key.Space, Key: key}, nil
	}
	all, err := s.catalog.ListBranches(ctx, key.Space)
	if err != nil {
		return domain.ResolvedRef{}, fmt.Errorf("list branches: %w", err)
	}
	for _, other := range all {
		if other.Node == key.Node {
			return domain.ResolvedRef{Space: key.Space, Branch: other.ID, Key: key}, nil
		}
	}
	return domain.ResolvedRef{}, domain.Preconditionf("merge branch", "the source of branch %q no longer exists", b.ID)
}
