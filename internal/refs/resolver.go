package refs

import (
	"context"
	"fmt"

	"geoledger/internal/domain"
)

// Catalog is the subset of the pointer metadata resolution reads.
type Catalog interface {
	GetSpace(ctx context.Context, id string) (domain.Space, bool, error)
	GetBranch(ctx context.Context, space, id string) (domain.Branch, bool, error)
	ListBranches(ctx context.Context, space string) ([]domain.Branch, error)
	GetTag(ctx context.Context, space, id string) (domain.Tag, bool, error)
}

type Heads interface {
	Head(ctx context.Context, key domain.LineageKey) (domain.LineageHead, error)
}

// Resolver maps ref strings to concrete lineage versions. It never writes.
type Resolver struct {
	catalog Catalog
	heads   Heads
}

func NewResolver(catalog Catalog, heads Heads) *Resolver {
	return &Resolver{catalog: catalog, heads: heads}
}

// location is the lineage a ref component is evaluated in.
type location struct {
	space  string
	branch *domain.Branch
}

func (l location) key() domain.LineageKey {
	if l.branch != nil {
		return l.branch.Key()
	}
	return domain.MainLineage(l.space)
}

func (l location) resolved(version int64) domain.ResolvedRef {
	out := domain.ResolvedRef{Space: l.space, Key: l.key(), Version: version}
	if l.branch != nil {
		out.Branch = l.branch.ID
		out.Path = append([]domain.Segment(nil), l.branch.Path...)
	}
	return out
}

// Resolve resolves ref against the main lineage of space. An empty ref means HEAD. System tags
// are invisible.
func (r *Resolver) Resolve(ctx context.Context, space, ref string) (domain.ResolvedRef, error) {
	return r.resolve(ctx, space, "", ref, false)
}

// ResolveOn resolves ref inside branch of space; an empty branch or "main" is the main lineage.
func (r *Resolver) ResolveOn(ctx context.Context, space, branch, ref string) (domain.ResolvedRef, error) {
	return r.resolve(ctx, space, branch, ref, false)
}

// ResolveSystem behaves like ResolveOn but also sees system tags. It is meant for internal
// bookkeeping such as subscription checkpoints.
func (r *Resolver) ResolveSystem(ctx context.Context, space, branch, ref string) (domain.ResolvedRef, error) {
	return r.resolve(ctx, space, branch, ref, true)
}

func (r *Resolver) resolve(ctx context.Context, space, branch, ref string, system bool) (domain.ResolvedRef, error) {
	if ref == "" {
		ref = Head
	}
	parsed, err := Parse(ref)
	if err != nil {
		return domain.ResolvedRef{}, err
	}
	loc, err := r.locate(ctx, space)
	if err != nil {
		return domain.ResolvedRef{}, err
	}
	if branch != "" && branch != domain.MainBranch {
		if loc, err = r.branchOf(ctx, loc.space, branch); err != nil {
			return domain.ResolvedRef{}, err
		}
	}
	for _, q := range parsed.Qualifiers {
		if loc, err = r.step(ctx, loc, q); err != nil {
			return domain.ResolvedRef{}, err
		}
	}
	switch parsed.Kind {
	case KindHead:
		return r.head(ctx, loc)
	case KindVersion:
		return r.version(ctx, loc, parsed.Version)
	}
	return r.name(ctx, loc, parsed.Name, len(parsed.Qualifiers) > 0 || loc.branch != nil, system)
}

func (r *Resolver) locate(ctx context.Context, space string) (location, error) {
	_, ok, err := r.catalog.GetSpace(ctx, space)
	if err != nil {
		return location{}, fmt.Errorf("get space %q: %w", space, err)
	}
	if !ok {
		return location{}, domain.NotFoundf("resolve", "space %q does not exist", space)
	}
	return location{space: space}, nil
}

func (r *Resolver) branchOf(ctx context.Context, space, id string) (location, error) {
	b, ok, err := r.catalog.GetBranch(ctx, space, id)
	if err != nil {
		return location{}, fmt.Errorf("get branch %q: %w", id, err)
	}
	if !ok {
		return location{}, domain.NotFoundf("resolve", "branch %q does not exist in space %q", id, space)
	}
	return location{space: space, branch: &b}, nil
}

// step moves into the lineage named by a qualifier: "main", a branch of the current space or a
// peer space, in that order.
func (r *Resolver) step(ctx context.Context, loc location, q string) (location, error) {
	if q == domain.MainBranch {
		return location{space: loc.space}, nil
	}
	b, ok, err := r.catalog.GetBranch(ctx, loc.space, q)
	if err != nil {
		return location{}, fmt.Errorf("get branch %q: %w", q, err)
	}
	if ok {
		return location{space: loc.space, branch: &b}, nil
	}
	_, ok, err = r.catalog.GetSpace(ctx, q)
	if err != nil {
		return location{}, fmt.Errorf("get space %q: %w", q, err)
	}
	if ok {
		return location{space: q}, nil
	}
	return location{}, domain.NotFoundf("resolve", "%q is neither a branch of %q nor a space", q, loc.space)
}

func (r *Resolver) head(ctx context.Context, loc location) (domain.ResolvedRef, error) {
	h, err := r.heads.Head(ctx, loc.key())
	if err != nil {
		return domain.ResolvedRef{}, err
	}
	return loc.resolved(h.Head), nil
}

func (r *Resolver) version(ctx context.Context, loc location, v int64) (domain.ResolvedRef, error) {
	h, err := r.heads.Head(ctx, loc.key())
	if err != nil {
		return domain.ResolvedRef{}, err
	}
	if v > h.Head {
		return domain.ResolvedRef{}, domain.NotFoundf("resolve", "version %d does not exist (head %d)", v, h.Head)
	}
	if v < h.MinVersion {
		// A branch still reads its source below the fork as long as its own history is intact.
		inherited := loc.branch != nil && v <= loc.branch.Base.Version && h.MinVersion <= loc.branch.Base.Version
		if !inherited {
			return domain.ResolvedRef{}, domain.NotFoundf("resolve", "version %d was purged (oldest %d)", v, h.MinVersion)
		}
	}
	return loc.resolved(v), nil
}

// name resolves a bare name as a tag, then as a branch. scoped restricts tags to the current
// lineage.
func (r *Resolver) name(ctx context.Context, loc location, name string, scoped, system bool) (domain.ResolvedRef, error) {
	if name == domain.MainBranch {
		return r.head(ctx, location{space: loc.space})
	}
	tag, ok, err := r.catalog.GetTag(ctx, loc.space, name)
	if err != nil {
		return domain.ResolvedRef{}, fmt.Errorf("get tag %q: %w", name, err)
	}
	if ok && (!tag.System || system) && (!scoped || tag.Key == loc.key()) {
		target, err := r.lineageOf(ctx, tag.Key)
		if err != nil {
			return domain.ResolvedRef{}, err
		}
		return target.resolved(tag.Version), nil
	}
	b, ok, err := r.catalog.GetBranch(ctx, loc.space, name)
	if err != nil {
		return domain.ResolvedRef{}, fmt.Errorf("get branch %q: %w", name, err)
	}
	if ok {
		return r.head(ctx, location{space: loc.space, branch: &b})
	}
	return domain.ResolvedRef{}, domain.NotFoundf("resolve", "ref %q does not exist in space %q", name, loc.space)
}

// lineageOf finds the branch owning a lineage node.
func (r *Resolver) lineageOf(ctx context.Context, key domain.LineageKey) (location, error) {
	if key.IsMain() {
		return r.locate(ctx, key.Space)
	}
	branches, err := r.catalog.ListBranches(ctx, key.Space)
	if err != nil {
		return location{}, fmt.Errorf("list branches of %q: %w", key.Space, err)
	}
	for i := range branches {
		if branches[i].Node == key.Node {
			return location{space: key.Space, branch: &branches[i]}, nil
		}
	}
	return location{}, domain.NotFoundf("resolve", "lineage %s no longer exists", key)
}
