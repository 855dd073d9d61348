package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"geoledger/internal/domain"
	"geoledger/internal/storage"
)

const defaultCacheEntries = 256

type Options struct {
	// CacheEntries bounds the number of folded snapshots kept in memory. Zero uses the
	// default, a negative value disables the cache.
	CacheEntries int
	Logger       logrus.FieldLogger
	Now          func() time.Time
}

// Ledger is the per-lineage append-only version sequence on top of a storage.LedgerStore.
type Ledger struct {
	store storage.LedgerStore
	locks *lineageLocks
	cache *lru.Cache[string, *Snapshot]
	folds singleflight.Group
	log   logrus.FieldLogger
	now   func() time.Time
}

func New(store storage.LedgerStore, opts Options) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger store is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &Ledger{store: store, locks: newLineageLocks(), log: opts.Logger, now: opts.Now}
	size := opts.CacheEntries
	if size == 0 {
		size = defaultCacheEntries
	}
	if size > 0 {
		cache, err := lru.New[string, *Snapshot](size)
		if err != nil {
			return nil, fmt.Errorf("snapshot cache: %w", err)
		}
		l.cache = cache
	}
	return l, nil
}

// Init creates the sequencing state of a lineage whose first own version will be seed+1.
func (l *Ledger) Init(ctx context.Context, key domain.LineageKey, seed int64) error {
	m := l.locks.get(key)
	m.Lock()
	defer m.Unlock()
	return l.store.InitLineage(ctx, key, seed)
}

func (l *Ledger) Head(ctx context.Context, key domain.LineageKey) (domain.LineageHead, error) {
	h, ok, err := l.store.Head(ctx, key)
	if err != nil {
		return domain.LineageHead{}, fmt.Errorf("head %s: %w", key, err)
	}
	if !ok {
		return domain.LineageHead{}, domain.NotFoundf("head", "lineage %s does not exist", key)
	}
	return h, nil
}

// Tx is the critical section of one lineage: the head it exposes cannot move until the
// surrounding Update returns.
type Tx struct {
	l        *Ledger
	ctx      context.Context
	key      domain.LineageKey
	head     domain.LineageHead
	appended bool
}

func (tx *Tx) Key() domain.LineageKey  { return tx.key }
func (tx *Tx) Head() domain.LineageHead { return tx.head }

// Append commits changes as the next version and stamps that version into every namespace.
// It may be called once per Tx.
func (tx *Tx) Append(author string, changes []domain.Change) (domain.Version, error) {
	if tx.appended {
		return domain.Version{}, errors.New("ledger: one append per transaction")
	}
	if len(changes) == 0 {
		return domain.Version{}, domain.Invalidf("append", "a version needs at least one change")
	}
	v := domain.Version{Key: tx.key, Number: tx.head.Head + 1, Author: author, CreatedAt: tx.l.now().UTC()}
	v.Changes = make([]domain.Change, len(changes))
	for i, c := range changes {
		c.Feature = c.Feature.Clone()
		c.Feature.NS.Version = v.Number
		v.Changes[i] = c
	}
	if err := tx.l.store.PersistVersion(tx.ctx, v); err != nil {
		if errors.Is(err, storage.ErrVersionExists) {
			return domain.Version{}, &domain.Error{Kind: domain.KindConflict, Op: "append", Msg: "concurrent append on " + tx.key.String(), Err: err}
		}
		return domain.Version{}, fmt.Errorf("append %s: %w", tx.key, err)
	}
	tx.appended = true
	tx.head.Head = v.Number
	tx.l.log.WithFields(logrus.Fields{"space": tx.key.Space, "node": tx.key.Node, "version": v.Number, "changes": len(v.Changes)}).Debug("version committed")
	return v, nil
}

// Update runs fn while holding the lineage lock. Every reader of the lineage head inside fn sees
// a value no other writer can change.
func (l *Ledger) Update(ctx context.Context, key domain.LineageKey, fn func(tx *Tx) error) error {
	m := l.locks.get(key)
	m.Lock()
	defer m.Unlock()
	head, err := l.Head(ctx, key)
	if err != nil {
		return err
	}
	return fn(&Tx{l: l, ctx: ctx, key: key, head: head})
}

// Append is Update with a single unconditional append.
func (l *Ledger) Append(ctx context.Context, key domain.LineageKey, author string, changes []domain.Change) (domain.Version, error) {
	var out domain.Version
	err := l.Update(ctx, key, func(tx *Tx) error {
		v, err := tx.Append(author, changes)
		out = v
		return err
	})
	return out, err
}

// Purge removes history strictly below version. It is serialized with Append on the lineage.
func (l *Ledger) Purge(ctx context.Context, key domain.LineageKey, below int64, check func(head domain.LineageHead) (int64, error)) (storage.PurgeStats, int64, error) {
	m := l.locks.get(key)
	m.Lock()
	defer m.Unlock()
	head, err := l.Head(ctx, key)
	if err != nil {
		return storage.PurgeStats{}, 0, err
	}
	threshold := below
	if check != nil {
		if threshold, err = check(head); err != nil {
			return storage.PurgeStats{}, 0, err
		}
	}
	if threshold <= head.MinVersion {
		return storage.PurgeStats{}, head.MinVersion, nil
	}
	stats, err := l.store.PurgeBelow(ctx, key, threshold)
	if err != nil {
		return storage.PurgeStats{}, 0, err
	}
	l.log.WithFields(logrus.Fields{"space": key.Space, "node": key.Node, "below": threshold, "versions": stats.Versions, "states": stats.States}).Info("history purged")
	return stats, threshold, nil
}

// Truncate drops own versions above version, keeping what dependent views still read.
func (l *Ledger) Truncate(ctx context.Context, key domain.LineageKey, version int64) error {
	m := l.locks.get(key)
	m.Lock()
	defer m.Unlock()
	if err := l.store.TruncateAbove(ctx, key, version); err != nil {
		return err
	}
	l.purgeCache()
	return nil
}

func (l *Ledger) Drop(ctx context.Context, key domain.LineageKey) error {
	m := l.locks.get(key)
	m.Lock()
	defer m.Unlock()
	if err := l.store.DropLineage(ctx, key); err != nil {
		return err
	}
	l.purgeCache()
	return nil
}

func (l *Ledger) purgeCache() {
	if l.cache != nil {
		l.cache.Purge()
	}
}

func viewKey(view []domain.Segment) string {
	var b strings.Builder
	for i, seg := range view {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(seg.Key.String())
		b.WriteByte('@')
		b.WriteString(strconv.FormatInt(seg.UpTo, 10))
	}
	return b.String()
}

// checkView verifies every segment is still readable after retention.
func (l *Ledger) checkView(ctx context.Context, view []domain.Segment) error {
	if len(view) == 0 {
		return domain.Invalidf("read", "empty view")
	}
	for i, seg := range view {
		h, err := l.Head(ctx, seg.Key)
		if err != nil {
			if i < len(view)-1 && domain.KindOf(err) == domain.KindNotFound {
				return domain.Inactivef("read", "ancestor lineage %s no longer exists", seg.Key)
			}
			return err
		}
		if seg.UpTo > h.Head {
			return domain.NotFoundf("read", "version %d of %s does not exist (head %d)", seg.UpTo, seg.Key, h.Head)
		}
		if seg.UpTo < h.MinVersion {
			if i == len(view)-1 {
				return domain.NotFoundf("read", "version %d of %s was purged (oldest %d)", seg.UpTo, seg.Key, h.MinVersion)
			}
			return domain.Preconditionf("read", "fork point %d of %s was purged (oldest %d)", seg.UpTo, seg.Key, h.MinVersion)
		}
	}
	return nil
}

// ReadAt folds the view into a snapshot: later segments win, and inside a segment the most
// recent state per id wins.
func (l *Ledger) ReadAt(ctx context.Context, view []domain.Segment) (*Snapshot, error) {
	if err := l.checkView(ctx, view); err != nil {
		return nil, err
	}
	key := viewKey(view)
	if l.cache != nil {
		if snap, ok := l.cache.Get(key); ok {
			return snap, nil
		}
	}
	v, err, _ := l.folds.Do(key, func() (any, error) {
		features := map[string]domain.Feature{}
		for _, seg := range view {
			err := l.store.ScanStates(ctx, seg.Key, seg.UpTo, func(f domain.Feature) error {
				features[f.ID] = f
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("scan %s@%d: %w", seg.Key, seg.UpTo, err)
			}
		}
		snap := newSnapshot(view[len(view)-1].UpTo, features)
		if l.cache != nil {
			l.cache.Add(key, snap)
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// FetchState returns the state of id as seen through the view, tombstones included.
func (l *Ledger) FetchState(ctx context.Context, view []domain.Segment, id string) (domain.Feature, bool, error) {
	for i := len(view) - 1; i >= 0; i-- {
		seg := view[i]
		f, ok, err := l.store.FetchFeatureState(ctx, seg.Key, id, seg.UpTo)
		if err != nil {
			return domain.Feature{}, false, fmt.Errorf("fetch %q from %s: %w", id, seg.Key, err)
		}
		if ok {
			return f, true, nil
		}
	}
	return domain.Feature{}, false, nil
}

// FetchByUUID finds the state carrying uuid anywhere in the view.
func (l *Ledger) FetchByUUID(ctx context.Context, view []domain.Segment, uuid string) (domain.Feature, bool, error) {
	if uuid == "" {
		return domain.Feature{}, false, nil
	}
	for i := len(view) - 1; i >= 0; i-- {
		seg := view[i]
		f, ok, err := l.store.FetchFeatureByUUID(ctx, seg.Key, uuid)
		if err != nil {
			return domain.Feature{}, false, err
		}
		if ok && f.NS.Version <= seg.UpTo {
			return f, true, nil
		}
	}
	return domain.Feature{}, false, nil
}
