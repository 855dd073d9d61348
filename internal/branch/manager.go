package branch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"geoledger/internal/domain"
	"geoledger/internal/ledger"
	"geoledger/internal/refs"
	"geoledger/internal/storage"
)

type Options struct {
	Logger logrus.FieldLogger
	Now    func() time.Time
}

// Manager owns the branch lifecycle. Branch metadata mutations are serialized; reads and
// writes on branch lineages go through the ledger and never take the manager lock.
type Manager struct {
	mu       sync.Mutex
	catalog  storage.Catalog
	ledger   *ledger.Ledger
	resolver *refs.Resolver
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewManager(catalog storage.Catalog, l *ledger.Ledger, resolver *refs.Resolver, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{catalog: catalog, ledger: l, resolver: resolver, log: opts.Logger, now: opts.Now}
}

type CreateRequest struct {
	Space       string
	ID          string
	BaseRef     string
	Author      string
	Description string
}

// Create forks a new branch at the resolved base ref. Re-creating an existing branch with the
// same base returns it with created=false; a different base is a conflict.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (domain.Branch, bool, error) {
	if err := refs.ValidateName("branch", req.ID); err != nil {
		return domain.Branch{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	space, err := m.space(ctx, req.Space)
	if err != nil {
		return domain.Branch{}, false, err
	}
	if space.IsExtension() {
		return domain.Branch{}, false, domain.Invalidf("create branch", "space %q is composite and cannot have branches", space.ID)
	}
	base, err := m.resolver.Resolve(ctx, req.Space, req.BaseRef)
	if err != nil {
		return domain.Branch{}, false, err
	}
	if err := m.checkTarget(ctx, base); err != nil {
		return domain.Branch{}, false, err
	}
	path := base.View()
	baseRef := forkOf(path)

	existing, ok, err := m.catalog.GetBranch(ctx, req.Space, req.ID)
	if err != nil {
		return domain.Branch{}, false, fmt.Errorf("get branch %q: %w", req.ID, err)
	}
	if ok {
		if existing.Base == baseRef {
			return existing, false, nil
		}
		return domain.Branch{}, false, domain.Conflictf("create branch", "branch %q already exists with base %s@%d", req.ID, existing.Base.Key, existing.Base.Version)
	}
	if _, ok, err := m.catalog.GetTag(ctx, req.Space, req.ID); err != nil {
		return domain.Branch{}, false, fmt.Errorf("get tag %q: %w", req.ID, err)
	} else if ok {
		return domain.Branch{}, false, domain.Conflictf("create branch", "a tag named %q already exists", req.ID)
	}

	node, err := m.catalog.NextNode(ctx, req.Space)
	if err != nil {
		return domain.Branch{}, false, fmt.Errorf("allocate node: %w", err)
	}
	now := m.now().UTC()
	b := domain.Branch{
		ID:          req.ID,
		Space:       req.Space,
		Node:        node,
		Base:        baseRef,
		Path:        path,
		Author:      req.Author,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.ledger.Init(ctx, b.Key(), base.Version); err != nil {
		return domain.Branch{}, false, fmt.Errorf("init branch lineage: %w", err)
	}
	if err := m.catalog.PutBranch(ctx, b); err != nil {
		return domain.Branch{}, false, errors.Join(fmt.Errorf("put branch %q: %w", b.ID, err), m.ledger.Drop(ctx, b.Key()))
	}
	m.log.WithFields(logrus.Fields{"space": b.Space, "branch": b.ID, "node": b.Node, "base": base.Key.String(), "version": base.Version}).Info("branch created")
	return b, true, nil
}

// forkOf is the lineage version a path ends in. A ref below the fork of a branch resolves into
// the branch's source, so the fork is recorded there.
func forkOf(path []domain.Segment) domain.BaseRef {
	last := path[len(path)-1]
	return domain.BaseRef{Key: last.Key, Version: last.UpTo}
}

func (m *Manager) space(ctx context.Context, id string) (domain.Space, error) {
	s, ok, err := m.catalog.GetSpace(ctx, id)
	if err != nil {
		return domain.Space{}, fmt.Errorf("get space %q: %w", id, err)
	}
	if !ok {
		return domain.Space{}, domain.NotFoundf("branch", "space %q does not exist", id)
	}
	return s, nil
}

// checkTarget refuses forks from composite spaces, including peers named by a qualified ref.
func (m *Manager) checkTarget(ctx context.Context, target domain.ResolvedRef) error {
	s, err := m.space(ctx, target.Space)
	if err != nil {
		return err
	}
	if s.IsExtension() {
		return domain.Preconditionf("branch", "cannot fork from composite space %q", s.ID)
	}
	return nil
}

func (m *Manager) Get(ctx context.Context, space, id string) (domain.Branch, error) {
	b, ok, err := m.catalog.GetBranch(ctx, space, id)
	if err != nil {
		return domain.Branch{}, fmt.Errorf("get branch %q: %w", id, err)
	}
	if !ok {
		return domain.Branch{}, domain.NotFoundf("get branch", "branch %q does not exist in space %q", id, space)
	}
	return b, nil
}

func (m *Manager) List(ctx context.Context, space string) ([]domain.Branch, error) {
	if _, err := m.space(ctx, space); err != nil {
		return nil, err
	}
	bs, err := m.catalog.ListBranches(ctx, space)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	return bs, nil
}

// Delete removes the branch pointer, its tags and its own history. History other branches
// forked from stays readable up to the highest version they captured.
func (m *Manager) Delete(ctx context.Context, space, id string) error {
	if id == domain.MainBranch {
		return domain.Invalidf("delete branch", "the main lineage cannot be deleted")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.Get(ctx, space, id)
	if err != nil {
		return err
	}
	if err := m.dropTags(ctx, b.Space, b.Key()); err != nil {
		return err
	}
	if err := m.catalog.DeleteBranch(ctx, space, id); err != nil {
		return fmt.Errorf("delete branch %q: %w", id, err)
	}
	if err := m.retire(ctx, b.Key(), b.Path); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"space": space, "branch": id, "node": b.Node}).Info("branch deleted")
	return nil
}

// DeleteAll drops every branch lineage of a space that is being deleted.
func (m *Manager) DeleteAll(ctx context.Context, space string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bs, err := m.catalog.ListBranches(ctx, space)
	if err != nil {
		return fmt.Errorf("list branches: %w", err)
	}
	for _, b := range bs {
		if err := m.catalog.DeleteBranch(ctx, space, b.ID); err != nil {
			return fmt.Errorf("delete branch %q: %w", b.ID, err)
		}
		if err := m.ledger.Drop(ctx, b.Key()); err != nil {
			return fmt.Errorf("drop lineage %s: %w", b.Key(), err)
		}
	}
	return nil
}

func (m *Manager) dropTags(ctx context.Context, space string, key domain.LineageKey) error {
	tags, err := m.catalog.ListTags(ctx, space)
	if err != nil {
		return fmt.Errorf("list tags: %w", err)
	}
	for _, t := range tags {
		if t.Key != key {
			continue
		}
		if err := m.catalog.DeleteTag(ctx, space, t.ID); err != nil {
			return fmt.Errorf("delete tag %q: %w", t.ID, err)
		}
	}
	return nil
}

// retire drops a lineage no branch points at anymore, or truncates it to what the remaining
// branches captured. Lineages of deleted branches in path are released the same way once
// nothing captures them.
func (m *Manager) retire(ctx context.Context, key domain.LineageKey, path []domain.Segment) error {
	all, err := m.catalog.ListAllBranches(ctx)
	if err != nil {
		return fmt.Errorf("list branches: %w", err)
	}
	live := make(map[domain.LineageKey]struct{}, len(all))
	for _, d := range all {
		live[d.Key()] = struct{}{}
	}
	keys := []domain.LineageKey{key}
	for _, seg := range path {
		if _, ok := live[seg.Key]; !ok && seg.Key.Node != 0 && seg.Key != key {
			keys = append(keys, seg.Key)
		}
	}
	for _, k := range keys {
		if err := m.release(ctx, all, k); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) release(ctx context.Context, all []domain.Branch, key domain.LineageKey) error {
	keep, captured := int64(0), false
	for _, d := range all {
		if upTo, ok := d.DependsOn(key); ok {
			captured = true
			if upTo > keep {
				keep = upTo
			}
		}
	}
	if !captured {
		if err := m.ledger.Drop(ctx, key); err != nil && domain.KindOf(err) != domain.KindNotFound {
			return err
		}
		return nil
	}
	return m.ledger.Truncate(ctx, key, keep)
}
