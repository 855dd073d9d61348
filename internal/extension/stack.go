package extension

import (
	"context"

	"geoledger/internal/domain"
	"geoledger/internal/ledger"
)

// Stack is an ordered set of lineage views, the topmost first. A state in a higher layer,
// tombstones included, hides every lower one.
type Stack struct {
	ledger *ledger.Ledger
	Layers []domain.ResolvedRef
}

// Read folds the stack into one snapshot carrying the top layer's version.
func (s *Stack) Read(ctx context.Context) (*ledger.Snapshot, error) {
	var out *ledger.Snapshot
	for i := len(s.Layers) - 1; i >= 0; i-- {
		snap, err := s.ledger.ReadAt(ctx, s.Layers[i].View())
		if err != nil {
			return nil, s.layerErr(i, err)
		}
		if out == nil {
			out = snap
			continue
		}
		out = ledger.Overlay(out, snap)
	}
	return out, nil
}

// layerErr reports a vanished ancestor layer as Inactive.
func (s *Stack) layerErr(i int, err error) error {
	if i > 0 && domain.KindOf(err) == domain.KindNotFound {
		return domain.Inactivef("read", "ancestor %q is no longer readable: %v", s.Layers[i].Space, err)
	}
	return err
}

// Top is the layer writes land on.
func (s *Stack) Top() domain.ResolvedRef { return s.Layers[0] }

// Head returns the visible state of id, tombstones included, and the index of the layer it was
// found in. The layer is -1 when no layer holds id.
func (s *Stack) Head(ctx context.Context, id string) (domain.Feature, int, error) {
	for i, l := range s.Layers {
		f, ok, err := s.ledger.FetchState(ctx, l.View(), id)
		if err != nil {
			return domain.Feature{}, -1, s.layerErr(i, err)
		}
		if ok {
			return f, i, nil
		}
	}
	return domain.Feature{}, -1, nil
}

// At returns the state of id as of version of the top layer. Lower layers stay at the version
// they were captured at.
func (s *Stack) At(ctx context.Context, id string, version int64) (domain.Feature, bool, error) {
	for i, l := range s.Layers {
		view := l.View()
		if i == 0 {
			if version > l.Version {
				version = l.Version
			}
			view = domain.ViewAt(l.Path, l.Key, version)
		}
		f, ok, err := s.ledger.FetchState(ctx, view, id)
		if err != nil {
			return domain.Feature{}, false, s.layerErr(i, err)
		}
		if ok {
			return f, true, nil
		}
	}
	return domain.Feature{}, false, nil
}

func (s *Stack) ByUUID(ctx context.Context, uuid string) (domain.Feature, bool, error) {
	for i, l := range s.Layers {
		f, ok, err := s.ledger.FetchByUUID(ctx, l.View(), uuid)
		if err != nil {
			return domain.Feature{}, false, s.layerErr(i, err)
		}
		if ok {
			return f, true, nil
		}
	}
	return domain.Feature{}, false, nil
}
