package core

import (
	"context"

	"github.com/paulmach/orb"

	"geoledger/internal/domain"
	"geoledger/internal/extension"
	"geoledger/internal/ledger"
	"geoledger/internal/metrics"
)

type ReadOptions struct {
	IDs            []string
	Filter         string
	BBox           *orb.Bound
	Limit          int
	IncludeDeleted bool
}

type ReadResult struct {
	Ref      domain.ResolvedRef `json:"ref"`
	Features []domain.Feature   `json:"features"`
}

// ResolveRef resolves ref inside branch of space. In SUPER context the ref is resolved against
// the extended space instead.
func (s *Service) ResolveRef(ctx context.Context, space, branchID, ref string, c domain.Context) (domain.ResolvedRef, error) {
	r, _, err := s.resolve(ctx, space, branchID, ref, c)
	metrics.Resolved(err)
	return r, err
}

// resolve returns the ref together with the layer stack reading it.
func (s *Service) resolve(ctx context.Context, space, branchID, ref string, c domain.Context) (domain.ResolvedRef, *extension.Stack, error) {
	t, err := s.locate(ctx, space, branchID)
	if err != nil {
		return domain.ResolvedRef{}, nil, err
	}
	if c == domain.ContextSuper {
		if !t.space().IsExtension() {
			return domain.ResolvedRef{}, nil, domain.Invalidf("resolve", "space %q does not extend another space", space)
		}
		if t.branch != nil {
			return domain.ResolvedRef{}, nil, domain.Invalidf("resolve", "SUPER context is not available on branches")
		}
		parent := t.chain[1:]
		r, err := s.refs.Resolve(ctx, parent[0].ID, ref)
		if err != nil {
			return domain.ResolvedRef{}, nil, err
		}
		st, err := s.ext.Stack(ctx, parent, r, domain.ContextDefault)
		return r, st, err
	}
	r, err := s.refs.ResolveOn(ctx, space, t.branchID(), ref)
	if err != nil {
		return domain.ResolvedRef{}, nil, err
	}
	chain := t.chain
	if r.Space != space {
		if chain, err = s.ext.Chain(ctx, r.Space); err != nil {
			return domain.ResolvedRef{}, nil, err
		}
	}
	st, err := s.ext.Stack(ctx, chain, r, c)
	return r, st, err
}

// ReadAt returns the features visible at ref, sorted by id.
func (s *Service) ReadAt(ctx context.Context, space, branchID, ref string, c domain.Context, opts ReadOptions) (ReadResult, error) {
	r, st, err := s.resolve(ctx, space, branchID, ref, c)
	metrics.Resolved(err)
	if err != nil {
		return ReadResult{}, err
	}
	snap, err := st.Read(ctx)
	if err != nil {
		return ReadResult{}, err
	}
	features, err := s.selectFeatures(snap, opts)
	if err != nil {
		return ReadResult{}, err
	}
	return ReadResult{Ref: r, Features: features}, nil
}

func (s *Service) selectFeatures(snap *ledger.Snapshot, opts ReadOptions) ([]domain.Feature, error) {
	var filter *Filter
	if opts.Filter != "" {
		f, err := s.filter(opts.Filter)
		if err != nil {
			return nil, err
		}
		filter = f
	}
	var candidates []domain.Feature
	if len(opts.IDs) > 0 {
		for _, id := range opts.IDs {
			f, ok := snap.Lookup(id)
			if !ok || (f.IsTombstone() && !opts.IncludeDeleted) {
				continue
			}
			candidates = append(candidates, f)
		}
		domain.SortFeatures(candidates)
	} else {
		candidates = snap.Features(opts.IncludeDeleted)
	}
	out := make([]domain.Feature, 0, len(candidates))
	for _, f := range candidates {
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
		if opts.BBox != nil {
			b, ok := f.Bound()
			if !ok || !opts.BBox.Intersects(b) {
				continue
			}
		}
		if filter != nil {
			ok, err := filter.Match(f)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, f)
	}
	return out, nil
}

// ReadFeature returns one live feature at ref.
func (s *Service) ReadFeature(ctx context.Context, space, branchID, ref string, c domain.Context, id string) (domain.Feature, error) {
	_, st, err := s.resolve(ctx, space, branchID, ref, c)
	metrics.Resolved(err)
	if err != nil {
		return domain.Feature{}, err
	}
	snap, err := st.Read(ctx)
	if err != nil {
		return domain.Feature{}, err
	}
	f, ok := snap.Get(id)
	if !ok {
		return domain.Feature{}, domain.NotFoundf("read feature", "feature %q does not exist in space %q", id, space)
	}
	return f, nil
}

type ChangesetRequest struct {
	Space     string
	Branch    string
	Start     int64
	End       int64
	Author    string
	PageToken string
	Limit     int
}

// headView is the view of the target's own lineage at its current head.
func (s *Service) headView(ctx context.Context, space, branchID string) (target, []domain.Segment, error) {
	t, err := s.locate(ctx, space, branchID)
	if err != nil {
		return target{}, nil, err
	}
	r, err := s.refs.ResolveOn(ctx, space, t.branchID(), "")
	if err != nil {
		return target{}, nil, err
	}
	return t, r.View(), nil
}

func (s *Service) Changesets(ctx context.Context, req ChangesetRequest) (domain.ChangesetPage, error) {
	_, view, err := s.headView(ctx, req.Space, req.Branch)
	if err != nil {
		return domain.ChangesetPage{}, err
	}
	return s.ledger.Changesets(ctx, view, ledger.ChangesetQuery{
		Start:     req.Start,
		End:       req.End,
		Author:    req.Author,
		PageToken: req.PageToken,
		Limit:     req.Limit,
	})
}

// CompactChangeset folds the range into one deduplicated changeset. It is never paged.
func (s *Service) CompactChangeset(ctx context.Context, req ChangesetRequest) (domain.CompactChangeset, error) {
	_, view, err := s.headView(ctx, req.Space, req.Branch)
	if err != nil {
		return domain.CompactChangeset{}, err
	}
	return s.ledger.Compact(ctx, view, req.Start, req.End, req.Author)
}

func (s *Service) Statistics(ctx context.Context, space, branchID string) (domain.HistoryStatistics, error) {
	_, view, err := s.headView(ctx, space, branchID)
	if err != nil {
		return domain.HistoryStatistics{}, err
	}
	return s.ledger.Statistics(ctx, view)
}
