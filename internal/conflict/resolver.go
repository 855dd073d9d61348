package conflict

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"geoledger/internal/domain"
)

// States reads the layer stack a write lands on. Head is evaluated at the head the caller holds
// the lineage lock for.
type States interface {
	// Head returns the current state of id, tombstones included, and the layer it came from:
	// 0 for the written lineage, above 0 for an inherited one, -1 when id is unknown.
	Head(ctx context.Context, id string) (domain.Feature, int, error)
	// At returns the state of id as of version of the written lineage.
	At(ctx context.Context, id string, version int64) (domain.Feature, bool, error)
	ByUUID(ctx context.Context, uuid string) (domain.Feature, bool, error)
}

type Options struct {
	Now     func() time.Time
	NewUUID func() string
	Logger  logrus.FieldLogger
}

// Resolver decides, item by item, what a write request turns into.
type Resolver struct {
	now     func() time.Time
	newUUID func() string
	log     logrus.FieldLogger
}

func NewResolver(opts Options) *Resolver {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewUUID == nil {
		opts.NewUUID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Resolver{now: opts.Now, newUUID: opts.NewUUID, log: opts.Logger}
}

// Plan is the outcome of resolving a request against the current head. Changes carry fully
// stamped namespaces except for the version, which the ledger assigns on append.
type Plan struct {
	Changes   []domain.Change
	Unchanged []string
	Failed    []domain.FailedItem
}

type outcome int

const (
	outcomeChange outcome = iota
	outcomeUnchanged
	outcomeFailed
)

type decision struct {
	outcome outcome
	change  domain.Change
	reason  string
}

// Resolve evaluates every item. base is the version the request's base ref resolved to and
// applies to items that declare none. A transactional request with any failed item returns a
// Conflict error carrying all failures and no changes.
func (r *Resolver) Resolve(ctx context.Context, req domain.WriteRequest, base *int64, states States) (Plan, error) {
	if len(req.Items) == 0 {
		return Plan{}, domain.Invalidf("write", "no features in request")
	}
	seen := make(map[string]struct{}, len(req.Items))
	var plan Plan
	for _, item := range req.Items {
		if item.Feature.ID == "" {
			if item.Delete {
				return Plan{}, domain.Invalidf("write", "a delete needs a feature id")
			}
			item.Feature.ID = r.newUUID()
		}
		if _, dup := seen[item.Feature.ID]; dup {
			return Plan{}, domain.Invalidf("write", "feature %q appears twice in the request", item.Feature.ID)
		}
		seen[item.Feature.ID] = struct{}{}

		d, err := r.decide(ctx, req, item, base, states)
		if err != nil {
			return Plan{}, err
		}
		switch d.outcome {
		case outcomeChange:
			plan.Changes = append(plan.Changes, d.change)
		case outcomeUnchanged:
			plan.Unchanged = append(plan.Unchanged, item.Feature.ID)
		case outcomeFailed:
			plan.Failed = append(plan.Failed, domain.FailedItem{ID: item.Feature.ID, Reason: d.reason})
		}
	}
	if req.Transactional && len(plan.Failed) > 0 {
		return Plan{Failed: plan.Failed}, domain.WriteConflict("write", plan.Failed)
	}
	return plan, nil
}

// stale compares versions only for states of the written lineage. An inherited state is
// numbered on its own lineage, so only its uuid can be checked.
func stale(head domain.Feature, inherited bool, base *int64, puuid string) bool {
	if base != nil && !inherited && head.NS.Version > *base {
		return true
	}
	return puuid != "" && puuid != head.NS.UUID
}

func failed(format string, args ...any) decision {
	return decision{outcome: outcomeFailed, reason: fmt.Sprintf(format, args...)}
}

var unchanged = decision{outcome: outcomeUnchanged}

func (r *Resolver) decide(ctx context.Context, req domain.WriteRequest, item domain.WriteItem, reqBase *int64, states States) (decision, error) {
	id := item.Feature.ID
	base := item.BaseVersion
	if base == nil {
		base = reqBase
	}
	puuid := item.Feature.NS.UUID
	detect := req.Transactional || req.ConflictDetection

	head, layer, err := states.Head(ctx, id)
	if err != nil {
		return decision{}, fmt.Errorf("load head of %q: %w", id, err)
	}
	found, inherited := layer >= 0, layer > 0
	live := found && !head.IsTombstone()

	if item.Delete {
		if !live {
			return unchanged, nil
		}
		if stale(head, inherited, base, puuid) {
			switch {
			case req.Mode == domain.ModeMerge:
				switch req.OnMergeConflict {
				case domain.MergeConflictRetain:
					return unchanged, nil
				case domain.MergeConflictError:
					return failed("feature %q was modified in version %d after the base", id, head.NS.Version), nil
				}
			case detect:
				return failed("version conflict: feature %q is at version %d", id, head.NS.Version), nil
			}
		}
		return decision{change: r.tombstone(req.Author, head)}, nil
	}

	if !live {
		if found && puuid != "" {
			return failed("feature %q was deleted; omit its uuid to re-create it", id), nil
		}
		return decision{change: r.insert(req, item.Feature)}, nil
	}

	var next domain.Feature
	muuid := ""
	isStale := stale(head, inherited, base, puuid)
	switch req.Mode {
	case domain.ModeReplace:
		if isStale && detect {
			return failed("version conflict: feature %q is at version %d", id, head.NS.Version), nil
		}
		next = item.Feature
	case domain.ModePatch:
		if isStale && detect {
			return failed("version conflict: feature %q is at version %d", id, head.NS.Version), nil
		}
		next = patchShallow(head, item.Feature)
	case domain.ModeMerge:
		if base == nil && puuid == "" {
			return decision{}, domain.Invalidf("write", "merging feature %q needs a base version or uuid", id)
		}
		if !isStale {
			next = item.Feature
			break
		}
		baseState, ok, err := r.baseState(ctx, states, id, base, puuid)
		if err != nil {
			return decision{}, err
		}
		if !ok {
			return failed("base state of feature %q is no longer available", id), nil
		}
		merged, collisions := Merge3(baseState, head, item.Feature)
		if len(collisions) == 0 {
			next = merged
			muuid = baseState.NS.UUID
			break
		}
		r.log.WithFields(logrus.Fields{"space": req.Space, "feature": id, "collisions": len(collisions)}).Debug("merge conflict")
		switch req.OnMergeConflict {
		case domain.MergeConflictReplace:
			next = item.Feature
		case domain.MergeConflictRetain:
			return unchanged, nil
		default:
			return failed("%s", Describe(collisions)), nil
		}
	}
	if next.SameContent(head) {
		return unchanged, nil
	}
	return decision{change: r.update(req.Author, head, next, muuid)}, nil
}

func (r *Resolver) baseState(ctx context.Context, states States, id string, base *int64, puuid string) (domain.Feature, bool, error) {
	if puuid != "" {
		f, ok, err := states.ByUUID(ctx, puuid)
		if err != nil {
			return domain.Feature{}, false, fmt.Errorf("load state %s: %w", puuid, err)
		}
		if ok && f.ID == id {
			return f, true, nil
		}
		if base == nil {
			return domain.Feature{}, false, nil
		}
	}
	f, ok, err := states.At(ctx, id, *base)
	if err != nil {
		return domain.Feature{}, false, fmt.Errorf("load %q at %d: %w", id, *base, err)
	}
	if ok && f.IsTombstone() {
		return domain.Feature{}, false, nil
	}
	return f, ok, nil
}

// patchShallow overlays the incoming top-level properties on head. A nil value removes the
// key, an absent geometry keeps the stored one.
func patchShallow(head, in domain.Feature) domain.Feature {
	out := head.Clone()
	if out.Properties == nil {
		out.Properties = map[string]any{}
	}
	for k, v := range in.Properties {
		if v == nil {
			delete(out.Properties, k)
			continue
		}
		out.Properties[k] = v
	}
	if in.Geometry != nil {
		out.Geometry = in.Geometry
	}
	return out
}

func (r *Resolver) stamp() int64 { return r.now().UnixMilli() }

func (r *Resolver) insert(req domain.WriteRequest, in domain.Feature) domain.Change {
	f := in.Clone()
	if req.Mode == domain.ModePatch {
		for k, v := range f.Properties {
			if v == nil {
				delete(f.Properties, k)
			}
		}
	}
	now := r.stamp()
	f.NS = domain.Namespace{Author: req.Author, CreatedAt: now, UpdatedAt: now, UUID: r.newUUID()}
	return domain.Change{Op: domain.OpInsert, Feature: f}
}

func (r *Resolver) update(author string, head, next domain.Feature, muuid string) domain.Change {
	f := next.Clone()
	f.ID = head.ID
	f.NS = domain.Namespace{
		Author:    author,
		CreatedAt: head.NS.CreatedAt,
		UpdatedAt: r.stamp(),
		UUID:      r.newUUID(),
		PUUID:     head.NS.UUID,
		MUUID:     muuid,
	}
	return domain.Change{Op: domain.OpUpdate, Feature: f}
}

func (r *Resolver) tombstone(author string, head domain.Feature) domain.Change {
	f := head.Clone()
	f.NS = domain.Namespace{
		Author:    author,
		CreatedAt: head.NS.CreatedAt,
		UpdatedAt: r.stamp(),
		UUID:      r.newUUID(),
		PUUID:     head.NS.UUID,
		Deleted:   true,
	}
	return domain.Change{Op: domain.OpDelete, Feature: f}
}
