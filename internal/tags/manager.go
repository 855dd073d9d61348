package tags

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"geoledger/internal/domain"
	"geoledger/internal/refs"
	"geoledger/internal/storage"
)

// SystemPrefix marks the ids of bookkeeping tags such as subscription checkpoints.
const SystemPrefix = "xyz_"

type Heads interface {
	Head(ctx context.Context, key domain.LineageKey) (domain.LineageHead, error)
}

type Options struct {
	Logger logrus.FieldLogger
	Now    func() time.Time
}

type Manager struct {
	catalog  storage.Catalog
	heads    Heads
	resolver *refs.Resolver
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewManager(catalog storage.Catalog, heads Heads, resolver *refs.Resolver, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{catalog: catalog, heads: heads, resolver: resolver, log: opts.Logger, now: opts.Now}
}

type CreateRequest struct {
	Space       string
	// Branch scopes Ref to a branch of Space; empty is the main lineage.
	Branch      string
	ID          string
	Ref         string
	Author      string
	Description string
	System      bool
}

// Create points a new tag at the resolved ref. Tag and branch ids share one namespace.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (domain.Tag, error) {
	if err := refs.ValidateName("tag", req.ID); err != nil {
		return domain.Tag{}, err
	}
	if _, ok, err := m.catalog.GetTag(ctx, req.Space, req.ID); err != nil {
		return domain.Tag{}, fmt.Errorf("get tag %q: %w", req.ID, err)
	} else if ok {
		return domain.Tag{}, domain.Conflictf("create tag", "tag %q already exists", req.ID)
	}
	if _, ok, err := m.catalog.GetBranch(ctx, req.Space, req.ID); err != nil {
		return domain.Tag{}, fmt.Errorf("get branch %q: %w", req.ID, err)
	} else if ok {
		return domain.Tag{}, domain.Conflictf("create tag", "a branch named %q already exists", req.ID)
	}
	target, err := m.resolver.ResolveOn(ctx, req.Space, req.Branch, req.Ref)
	if err != nil {
		return domain.Tag{}, err
	}
	view := target.View()
	last := view[len(view)-1]
	t := domain.Tag{
		ID:          req.ID,
		Key:         last.Key,
		Version:     last.UpTo,
		Author:      req.Author,
		Description: req.Description,
		System:      req.System,
		CreatedAt:   m.now().UTC(),
	}
	if err := m.checkVersion(ctx, "create tag", t.Key, t.Version); err != nil {
		return domain.Tag{}, err
	}
	if err := m.catalog.PutTag(ctx, t); err != nil {
		return domain.Tag{}, fmt.Errorf("put tag %q: %w", t.ID, err)
	}
	m.log.WithFields(logrus.Fields{"space": req.Space, "tag": t.ID, "node": t.Key.Node, "version": t.Version}).Debug("tag created")
	return t, nil
}

func (m *Manager) checkVersion(ctx context.Context, op string, key domain.LineageKey, version int64) error {
	h, err := m.heads.Head(ctx, key)
	if err != nil {
		return err
	}
	if version > h.Head || version < h.MinVersion {
		return domain.Invalidf(op, "version %d of %s is not available (oldest %d, head %d)", version, key, h.MinVersion, h.Head)
	}
	return nil
}

func (m *Manager) Get(ctx context.Context, space, id string) (domain.Tag, error) {
	t, ok, err := m.catalog.GetTag(ctx, space, id)
	if err != nil {
		return domain.Tag{}, fmt.Errorf("get tag %q: %w", id, err)
	}
	if !ok {
		return domain.Tag{}, domain.NotFoundf("get tag", "tag %q does not exist in space %q", id, space)
	}
	return t, nil
}

// List returns the tags of space in id order. System tags are only listed on request.
func (m *Manager) List(ctx context.Context, space string, includeSystem bool) ([]domain.Tag, error) {
	all, err := m.catalog.ListTags(ctx, space)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	out := make([]domain.Tag, 0, len(all))
	for _, t := range all {
		if t.System && !includeSystem {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Update repoints a tag at another version of the lineage it is on.
func (m *Manager) Update(ctx context.Context, space, id string, version int64) (domain.Tag, error) {
	t, err := m.Get(ctx, space, id)
	if err != nil {
		return domain.Tag{}, err
	}
	if err := m.checkVersion(ctx, "update tag", t.Key, version); err != nil {
		return domain.Tag{}, err
	}
	t.Version = version
	if err := m.catalog.PutTag(ctx, t); err != nil {
		return domain.Tag{}, fmt.Errorf("put tag %q: %w", t.ID, err)
	}
	return t, nil
}

// Upsert creates or repoints a system tag. It is used for internal checkpoints.
func (m *Manager) Upsert(ctx context.Context, space, id string, key domain.LineageKey, version int64) (domain.Tag, error) {
	t, ok, err := m.catalog.GetTag(ctx, space, id)
	if err != nil {
		return domain.Tag{}, fmt.Errorf("get tag %q: %w", id, err)
	}
	if !ok {
		t = domain.Tag{ID: id, Key: key, System: true, CreatedAt: m.now().UTC()}
	}
	if err := m.checkVersion(ctx, "upsert tag", t.Key, version); err != nil {
		return domain.Tag{}, err
	}
	t.Version = version
	if err := m.catalog.PutTag(ctx, t); err != nil {
		return domain.Tag{}, fmt.Errorf("put tag %q: %w", t.ID, err)
	}
	return t, nil
}

func (m *Manager) Delete(ctx context.Context, space, id string) error {
	if _, err := m.Get(ctx, space, id); err != nil {
		return err
	}
	if err := m.catalog.DeleteTag(ctx, space, id); err != nil {
		return fmt.Errorf("delete tag %q: %w", id, err)
	}
	return nil
}
