package extension

import (
	"context"
	"fmt"

	"geoledger/internal/domain"
	"geoledger/internal/ledger"
)

// MaxDepth is the number of extends hops a space may have above it.
const MaxDepth = 2

type Catalog interface {
	GetSpace(ctx context.Context, id string) (domain.Space, bool, error)
	ListSpaces(ctx context.Context) ([]domain.Space, error)
}

// Resolver validates extends declarations and composes layered reads and writes.
type Resolver struct {
	catalog Catalog
	ledger  *ledger.Ledger
}

func NewResolver(catalog Catalog, l *ledger.Ledger) *Resolver {
	return &Resolver{catalog: catalog, ledger: l}
}

// Chain returns the space followed by its ancestors, the root last. A deactivated space fails
// with domain.ErrSpaceDeactivated; a missing or deactivated ancestor fails as Inactive.
func (r *Resolver) Chain(ctx context.Context, spaceID string) ([]domain.Space, error) {
	s, ok, err := r.catalog.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, fmt.Errorf("get space %q: %w", spaceID, err)
	}
	if !ok {
		return nil, domain.NotFoundf("space", "space %q does not exist", spaceID)
	}
	if !s.Active {
		return nil, domain.Deactivated("space", spaceID)
	}
	chain := []domain.Space{s}
	for cur := s; cur.IsExtension(); {
		if len(chain) > MaxDepth {
			return nil, domain.Invalidf("space", "space %q extends more than %d levels", spaceID, MaxDepth)
		}
		parent, ok, err := r.catalog.GetSpace(ctx, cur.Extends)
		if err != nil {
			return nil, fmt.Errorf("get space %q: %w", cur.Extends, err)
		}
		if !ok {
			return nil, domain.Inactivef("space", "ancestor %q of space %q is missing", cur.Extends, spaceID)
		}
		if !parent.Active {
			return nil, domain.Inactivef("space", "ancestor %q of space %q is deactivated", parent.ID, spaceID)
		}
		chain = append(chain, parent)
		cur = parent
	}
	return chain, nil
}

// Validate checks the extends declaration of s as it is about to be stored.
func (r *Resolver) Validate(ctx context.Context, s domain.Space) error {
	if !s.IsExtension() {
		return nil
	}
	const op = "validate space"
	switch {
	case s.Extends == s.ID:
		return domain.Invalidf(op, "space %q cannot extend itself", s.ID)
	case s.Storage != "":
		return domain.Invalidf(op, "extends and storage are mutually exclusive")
	case len(s.SearchableProperties) > 0:
		return domain.Invalidf(op, "searchableProperties can only be set on the root space")
	}
	depth := 1
	for cur := s.Extends; cur != ""; depth++ {
		if cur == s.ID {
			return domain.Invalidf(op, "extending %q would create a cycle", s.Extends)
		}
		if depth > MaxDepth {
			return domain.Invalidf(op, "space %q would extend more than %d levels", s.ID, MaxDepth)
		}
		p, ok, err := r.catalog.GetSpace(ctx, cur)
		if err != nil {
			return fmt.Errorf("get space %q: %w", cur, err)
		}
		if !ok {
			return domain.Invalidf(op, "extended space %q does not exist", cur)
		}
		cur = p.Extends
	}
	depth--
	below, err := r.depthBelow(ctx, s.ID)
	if err != nil {
		return err
	}
	if depth+below > MaxDepth {
		return domain.Invalidf(op, "spaces extending %q would end up more than %d levels deep", s.ID, MaxDepth)
	}
	return nil
}

// depthBelow is the length of the longest extends chain ending in id.
func (r *Resolver) depthBelow(ctx context.Context, id string) (int, error) {
	all, err := r.catalog.ListSpaces(ctx)
	if err != nil {
		return 0, fmt.Errorf("list spaces: %w", err)
	}
	children := map[string][]string{}
	for _, sp := range all {
		if sp.Extends != "" {
			children[sp.Extends] = append(children[sp.Extends], sp.ID)
		}
	}
	var walk func(string, int) int
	walk = func(at string, level int) int {
		if level > MaxDepth+1 {
			return level
		}
		best := level
		for _, c := range children[at] {
			if d := walk(c, level+1); d > best {
				best = d
			}
		}
		return best
	}
	return walk(id, 0), nil
}

// Children lists the spaces that directly extend id.
func (r *Resolver) Children(ctx context.Context, id string) ([]domain.Space, error) {
	all, err := r.catalog.ListSpaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	var out []domain.Space
	for _, sp := range all {
		if sp.Extends == id {
			out = append(out, sp)
		}
	}
	return out, nil
}

// Stack builds the layers visible in context. own is the resolved ref of the space itself;
// ancestors are read at the head they have right now, captured once.
func (r *Resolver) Stack(ctx context.Context, chain []domain.Space, own domain.ResolvedRef, c domain.Context) (*Stack, error) {
	st := &Stack{ledger: r.ledger}
	if c != domain.ContextSuper {
		st.Layers = append(st.Layers, own)
	}
	if c == domain.ContextExtension {
		return st, nil
	}
	for _, anc := range chain[1:] {
		key := domain.MainLineage(anc.ID)
		h, err := r.ledger.Head(ctx, key)
		if err != nil {
			if domain.KindOf(err) == domain.KindNotFound {
				return nil, domain.Inactivef("space", "history of ancestor %q is missing", anc.ID)
			}
			return nil, err
		}
		st.Layers = append(st.Layers, domain.ResolvedRef{Space: anc.ID, Key: key, Version: h.Head})
	}
	if len(st.Layers) == 0 {
		return nil, domain.Invalidf("space", "space %q does not extend another space", own.Space)
	}
	return st, nil
}
