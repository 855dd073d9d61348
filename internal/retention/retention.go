// Package retention bounds history growth. A purge removes the versions of a lineage below a
// threshold; versionsToKeep always survives, and the policy decides what happens to tags and
// branch fork points that still reference purged versions.
package retention

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"geoledger/internal/domain"
	"geoledger/internal/ledger"
	"geoledger/internal/metrics"
	"geoledger/internal/storage"
)

type Policy int

const (
	// PolicyPermissive purges regardless; refs below the threshold stop resolving.
	PolicyPermissive Policy = iota
	// PolicyRefuse fails the purge with PreconditionFailed when a ref would be lost.
	PolicyRefuse
	// PolicyClamp lowers the threshold to the oldest referenced version.
	PolicyClamp
)

func (p Policy) String() string {
	switch p {
	case PolicyRefuse:
		return "refuse"
	case PolicyClamp:
		return "clamp"
	default:
		return "permissive"
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "permissive":
		return PolicyPermissive, nil
	case "refuse":
		return PolicyRefuse, nil
	case "clamp":
		return PolicyClamp, nil
	}
	return PolicyPermissive, fmt.Errorf("unknown protected refs policy %q", s)
}

type Options struct {
	Policy Policy
	Logger logrus.FieldLogger
}

type GC struct {
	catalog storage.Catalog
	ledger  *ledger.Ledger
	policy  Policy
	log     logrus.FieldLogger
}

func New(catalog storage.Catalog, l *ledger.Ledger, opts Options) *GC {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &GC{catalog: catalog, ledger: l, policy: opts.Policy, log: opts.Logger}
}

func (g *GC) Policy() Policy { return g.policy }

// Result describes one purge. Below is the effective threshold: the oldest version that is
// still readable afterwards.
type Result struct {
	Space    string            `json:"space"`
	Branch   string            `json:"branch,omitempty"`
	Key      domain.LineageKey `json:"lineage"`
	Below    int64             `json:"minVersion"`
	Versions int64             `json:"purgedVersions"`
	States   int64             `json:"purgedStates"`
	Clamped  bool              `json:"clamped,omitempty"`
}

// Purge removes the history of space (or one of its branches) below version below.
func (g *GC) Purge(ctx context.Context, space, branch string, below int64) (Result, error) {
	if below <= 0 {
		return Result{}, domain.Invalidf("purge", "version threshold must be positive, got %d", below)
	}
	s, ok, err := g.catalog.GetSpace(ctx, space)
	if err != nil {
		return Result{}, fmt.Errorf("get space %q: %w", space, err)
	}
	if !ok {
		return Result{}, domain.NotFoundf("purge", "space %q does not exist", space)
	}
	key := domain.MainLineage(space)
	if branch != "" && branch != domain.MainBranch {
		b, ok, err := g.catalog.GetBranch(ctx, space, branch)
		if err != nil {
			return Result{}, fmt.Errorf("get branch %q: %w", branch, err)
		}
		if !ok {
			return Result{}, domain.NotFoundf("purge", "branch %q does not exist in space %q", branch, space)
		}
		key = b.Key()
	} else {
		branch = ""
	}
	res, err := g.purge(ctx, s, key, below)
	res.Branch = branch
	return res, err
}

func (g *GC) purge(ctx context.Context, s domain.Space, key domain.LineageKey, below int64) (Result, error) {
	res := Result{Space: s.ID, Key: key}
	keep := s.VersionsToKeep
	if keep <= 0 {
		keep = 1
	}
	check := func(h domain.LineageHead) (int64, error) {
		threshold := below
		if floor := h.Head - keep + 1; floor < threshold {
			threshold = floor
		}
		if threshold <= h.MinVersion {
			return threshold, nil
		}
		oldest, refs, err := g.oldestReference(ctx, key, threshold)
		if err != nil {
			return 0, err
		}
		if refs == "" {
			return threshold, nil
		}
		switch g.policy {
		case PolicyRefuse:
			metrics.PurgeRefused()
			return 0, domain.Preconditionf("purge", "purging %s below %d would lose %s", key, threshold, refs)
		case PolicyClamp:
			res.Clamped = true
			return oldest, nil
		}
		g.log.WithFields(logrus.Fields{"space": key.Space, "node": key.Node, "below": threshold}).Warnf("purge drops versions still referenced by %s", refs)
		return threshold, nil
	}
	stats, threshold, err := g.ledger.Purge(ctx, key, below, check)
	if err != nil {
		return Result{}, err
	}
	res.Below = threshold
	res.Versions = stats.Versions
	res.States = stats.States
	metrics.Purged(stats.Versions)
	return res, nil
}

// oldestReference finds the tags and fork points on key below threshold. It returns the lowest
// referenced version and a description of the first reference found.
func (g *GC) oldestReference(ctx context.Context, key domain.LineageKey, threshold int64) (int64, string, error) {
	oldest := int64(math.MaxInt64)
	var first string
	note := func(v int64, what string) {
		if v >= threshold {
			return
		}
		if v < oldest {
			oldest = v
		}
		if first == "" {
			first = what
		}
	}
	tags, err := g.catalog.ListTags(ctx, key.Space)
	if err != nil {
		return 0, "", fmt.Errorf("list tags: %w", err)
	}
	for _, t := range tags {
		if t.Key == key {
			note(t.Version, fmt.Sprintf("tag %q at version %d", t.ID, t.Version))
		}
	}
	branches, err := g.catalog.ListAllBranches(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("list branches: %w", err)
	}
	for _, b := range branches {
		if v, ok := b.DependsOn(key); ok {
			note(v, fmt.Sprintf("the fork point of branch %q of space %q at version %d", b.ID, b.Space, v))
		}
	}
	return oldest, first, nil
}

type target struct {
	branch string
	key    domain.LineageKey
}

// Sweep enforces versionsToKeep on every lineage of every space. Lineages the policy refuses to
// purge are skipped.
func (g *GC) Sweep(ctx context.Context) ([]Result, error) {
	spaces, err := g.catalog.ListSpaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	var (
		out  []Result
		errs []error
	)
	for _, s := range spaces {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		targets := []target{{"", domain.MainLineage(s.ID)}}
		branches, err := g.catalog.ListBranches(ctx, s.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("list branches of %q: %w", s.ID, err))
			continue
		}
		for _, b := range branches {
			targets = append(targets, target{b.ID, b.Key()})
		}
		for _, tgt := range targets {
			res, err := g.purge(ctx, s, tgt.key, math.MaxInt64)
			if err != nil {
				if domain.KindOf(err) == domain.KindPreconditionFailed {
					g.log.WithFields(logrus.Fields{"space": s.ID, "branch": tgt.branch}).Info(err.Error())
					continue
				}
				errs = append(errs, fmt.Errorf("purge %s: %w", tgt.key, err))
				continue
			}
			res.Branch = tgt.branch
			if res.Versions > 0 {
				out = append(out, res)
			}
		}
	}
	return out, errors.Join(errs...)
}
