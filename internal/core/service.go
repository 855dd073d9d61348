// Package core is the request-layer facade over the ledger: ref resolution, layered reads,
// conflict-checked writes, changesets, and the space, branch, tag and retention operations.
// Transports (HTTP, socket, Kafka, RabbitMQ) only ever talk to a Service.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"geoledger/internal/branch"
	"geoledger/internal/conflict"
	"geoledger/internal/domain"
	"geoledger/internal/extension"
	"geoledger/internal/ledger"
	"geoledger/internal/refs"
	"geoledger/internal/retention"
	"geoledger/internal/storage"
	"geoledger/internal/tags"
)

const (
	DefaultVersionsToKeep int64 = 10
	filterCacheEntries          = 128
)

type Options struct {
	// DefaultVersionsToKeep applies to spaces created without versionsToKeep.
	DefaultVersionsToKeep int64
	RetentionPolicy       retention.Policy
	// SnapshotCacheEntries is passed to the ledger; see ledger.Options.
	SnapshotCacheEntries int
	Logger               logrus.FieldLogger
	Now                  func() time.Time
	NewUUID              func() string
}

type Service struct {
	catalog  storage.Catalog
	ledger   *ledger.Ledger
	refs     *refs.Resolver
	ext      *extension.Resolver
	branches *branch.Manager
	tags     *tags.Manager
	writes   *conflict.Resolver
	gc       *retention.GC
	filters  *lru.Cache[string, *Filter]
	keep     int64
	log      logrus.FieldLogger
	now      func() time.Time
}

// New wires every component on top of one backend.
func New(backend storage.Backend, opts Options) (*Service, error) {
	if backend == nil {
		return nil, errors.New("storage backend is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultVersionsToKeep <= 0 {
		opts.DefaultVersionsToKeep = DefaultVersionsToKeep
	}
	l, err := ledger.New(backend, ledger.Options{CacheEntries: opts.SnapshotCacheEntries, Logger: opts.Logger, Now: opts.Now})
	if err != nil {
		return nil, err
	}
	filters, err := lru.New[string, *Filter](filterCacheEntries)
	if err != nil {
		return nil, fmt.Errorf("filter cache: %w", err)
	}
	resolver := refs.NewResolver(backend, l)
	return &Service{
		catalog:  backend,
		ledger:   l,
		refs:     resolver,
		ext:      extension.NewResolver(backend, l),
		branches: branch.NewManager(backend, l, resolver, branch.Options{Logger: opts.Logger, Now: opts.Now}),
		tags:     tags.NewManager(backend, l, resolver, tags.Options{Logger: opts.Logger, Now: opts.Now}),
		writes:   conflict.NewResolver(conflict.Options{Now: opts.Now, NewUUID: opts.NewUUID, Logger: opts.Logger}),
		gc:       retention.New(backend, l, retention.Options{Policy: opts.RetentionPolicy, Logger: opts.Logger}),
		filters:  filters,
		keep:     opts.DefaultVersionsToKeep,
		log:      opts.Logger,
		now:      opts.Now,
	}, nil
}

// Health probes the catalog.
func (s *Service) Health(ctx context.Context) (bool, string) {
	if _, err := s.catalog.ListSpaces(ctx); err != nil {
		return false, err.Error()
	}
	return true, "ok"
}

// target is the lineage a request addresses after the space chain was checked.
type target struct {
	chain  []domain.Space
	branch *domain.Branch
}

func (t target) space() domain.Space { return t.chain[0] }

func (t target) key() domain.LineageKey {
	if t.branch != nil {
		return t.branch.Key()
	}
	return domain.MainLineage(t.space().ID)
}

func (t target) branchID() string {
	if t.branch != nil {
		return t.branch.ID
	}
	return ""
}

// locate checks the extends chain of space and looks up branch. A branch whose source lineages
// are gone is Inactive.
func (s *Service) locate(ctx context.Context, space, branchID string) (target, error) {
	chain, err := s.ext.Chain(ctx, space)
	if err != nil {
		return target{}, err
	}
	t := target{chain: chain}
	if branchID == "" || branchID == domain.MainBranch {
		return t, nil
	}
	b, err := s.branches.Get(ctx, space, branchID)
	if err != nil {
		return target{}, err
	}
	for _, seg := range b.Path {
		if _, err := s.ledger.Head(ctx, seg.Key); err != nil {
			if domain.KindOf(err) == domain.KindNotFound {
				return target{}, domain.Inactivef("branch", "source lineage %s of branch %q is gone", seg.Key, b.ID)
			}
			return target{}, err
		}
	}
	t.branch = &b
	return t, nil
}
