package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"geoledger/internal/domain"
)

const defaultPageLimit = 1000

type ChangesetQuery struct {
	Start     int64
	End       int64
	Author    string
	PageToken string
	// Limit bounds the features of a page. A single larger version is still returned whole.
	Limit int
}

// ChangesInRange lists the versions in [start, end] visible through view, ordered by number.
// Every segment contributes only the versions it owns above the previous segment's cut.
func (l *Ledger) ChangesInRange(ctx context.Context, view []domain.Segment, start, end int64) ([]domain.Version, error) {
	if start < 0 || end < 0 {
		return nil, domain.Invalidf("changes", "versions must not be negative")
	}
	if start > end {
		return nil, domain.Invalidf("changes", "start version %d is after end version %d", start, end)
	}
	var out []domain.Version
	prev := int64(-1)
	for i, seg := range view {
		lo, hi := start, end
		if lo <= prev {
			lo = prev + 1
		}
		if hi > seg.UpTo {
			hi = seg.UpTo
		}
		prev = seg.UpTo
		if lo > hi {
			continue
		}
		h, err := l.Head(ctx, seg.Key)
		if err != nil {
			return nil, err
		}
		if i == 0 && lo < h.MinVersion && lo > 0 {
			return nil, domain.NotFoundf("changes", "versions below %d of %s were purged", h.MinVersion, seg.Key)
		}
		vs, err := l.store.ListVersions(ctx, seg.Key, lo, hi)
		if err != nil {
			return nil, fmt.Errorf("list versions %s: %w", seg.Key, err)
		}
		out = append(out, vs...)
	}
	return out, nil
}

func toVersionChanges(v domain.Version) domain.VersionChanges {
	vc := domain.VersionChanges{Version: v.Number, Author: v.Author, CreatedAt: v.CreatedAt,
		Inserted: []domain.Feature{}, Updated: []domain.Feature{}, Deleted: []domain.Feature{}}
	for _, c := range v.Changes {
		switch c.Op {
		case domain.OpInsert:
			vc.Inserted = append(vc.Inserted, c.Feature)
		case domain.OpUpdate:
			vc.Updated = append(vc.Updated, c.Feature)
		case domain.OpDelete:
			vc.Deleted = append(vc.Deleted, c.Feature)
		}
	}
	return vc
}

func encodePageToken(next int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte("v:" + strconv.FormatInt(next, 10)))
}

func decodePageToken(token string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, domain.Invalidf("changesets", "malformed page token")
	}
	s, ok := strings.CutPrefix(string(raw), "v:")
	if !ok {
		return 0, domain.Invalidf("changesets", "malformed page token")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, domain.Invalidf("changesets", "malformed page token")
	}
	return n, nil
}

// Changesets returns one page of per-version changes. End is clamped to the view's version.
func (l *Ledger) Changesets(ctx context.Context, view []domain.Segment, q ChangesetQuery) (domain.ChangesetPage, error) {
	start, end, err := clampRange(view, q.Start, q.End)
	if err != nil {
		return domain.ChangesetPage{}, err
	}
	if q.PageToken != "" {
		next, err := decodePageToken(q.PageToken)
		if err != nil {
			return domain.ChangesetPage{}, err
		}
		if next > start {
			start = next
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	page := domain.ChangesetPage{StartVersion: start, EndVersion: end, Versions: []domain.VersionChanges{}}
	if start > end {
		return page, nil
	}
	vs, err := l.ChangesInRange(ctx, view, start, end)
	if err != nil {
		return domain.ChangesetPage{}, err
	}
	count := 0
	for _, v := range vs {
		if q.Author != "" && v.Author != q.Author {
			continue
		}
		vc := toVersionChanges(v)
		if len(page.Versions) > 0 && count+vc.Count() > limit {
			page.NextPageToken = encodePageToken(v.Number)
			page.EndVersion = page.Versions[len(page.Versions)-1].Version
			break
		}
		page.Versions = append(page.Versions, vc)
		count += vc.Count()
	}
	if len(page.Versions) > 0 {
		page.StartVersion = page.Versions[0].Version
	}
	return page, nil
}

type compactEntry struct {
	first   domain.Op
	last    domain.Op
	feature domain.Feature
}

// Compact collapses the range so every id is reported exactly once: deleted when its last
// operation in range is a delete, inserted when its first one is an insert, updated otherwise.
func (l *Ledger) Compact(ctx context.Context, view []domain.Segment, start, end int64, author string) (domain.CompactChangeset, error) {
	start, end, err := clampRange(view, start, end)
	if err != nil {
		return domain.CompactChangeset{}, err
	}
	out := domain.CompactChangeset{StartVersion: start, EndVersion: end,
		Inserted: []domain.Feature{}, Updated: []domain.Feature{}, Deleted: []domain.Feature{}}
	if start > end {
		return out, nil
	}
	vs, err := l.ChangesInRange(ctx, view, start, end)
	if err != nil {
		return domain.CompactChangeset{}, err
	}
	entries := map[string]*compactEntry{}
	for _, v := range vs {
		if author != "" && v.Author != author {
			continue
		}
		for _, c := range v.Changes {
			e, ok := entries[c.Feature.ID]
			if !ok {
				entries[c.Feature.ID] = &compactEntry{first: c.Op, last: c.Op, feature: c.Feature}
				continue
			}
			e.last = c.Op
			e.feature = c.Feature
		}
	}
	for _, e := range entries {
		switch {
		case e.last == domain.OpDelete:
			out.Deleted = append(out.Deleted, e.feature)
		case e.first == domain.OpInsert:
			out.Inserted = append(out.Inserted, e.feature)
		default:
			out.Updated = append(out.Updated, e.feature)
		}
	}
	domain.SortFeatures(out.Inserted)
	domain.SortFeatures(out.Updated)
	domain.SortFeatures(out.Deleted)
	return out, nil
}

// clampRange validates the request and bounds end by the view's version. An end of zero selects
// the view's version; version 0 never carries changes.
func clampRange(view []domain.Segment, start, end int64) (int64, int64, error) {
	if len(view) == 0 {
		return 0, 0, domain.Invalidf("changesets", "empty view")
	}
	if start < 0 || end < 0 {
		return 0, 0, domain.Invalidf("changesets", "versions must not be negative")
	}
	if end != 0 && start > end {
		return 0, 0, domain.Invalidf("changesets", "start version %d is after end version %d", start, end)
	}
	head := view[len(view)-1].UpTo
	if end == 0 || end > head {
		end = head
	}
	return start, end, nil
}

// Statistics summarizes the history visible through view. MinVersion is the oldest version
// still listed through the whole view: the root's retention floor, raised by any later segment
// whose own versions were purged.
func (l *Ledger) Statistics(ctx context.Context, view []domain.Segment) (domain.HistoryStatistics, error) {
	snap, err := l.ReadAt(ctx, view)
	if err != nil {
		return domain.HistoryStatistics{}, err
	}
	minVersion, err := l.minVersion(ctx, view)
	if err != nil {
		return domain.HistoryStatistics{}, err
	}
	vs, err := l.ChangesInRange(ctx, view, minVersion, view[len(view)-1].UpTo)
	if err != nil {
		return domain.HistoryStatistics{}, err
	}
	return domain.HistoryStatistics{
		MinVersion:   minVersion,
		MaxVersion:   view[len(view)-1].UpTo,
		VersionCount: int64(len(vs)),
		FeatureCount: int64(snap.Len()),
	}, nil
}

func (l *Ledger) minVersion(ctx context.Context, view []domain.Segment) (int64, error) {
	var out int64
	for i, seg := range view {
		h, err := l.Head(ctx, seg.Key)
		if err != nil {
			return 0, err
		}
		if i == 0 {
			out = h.MinVersion
			continue
		}
		// A lineage starts with its floor at the fork point.
		if h.MinVersion > view[i-1].UpTo && h.MinVersion > out {
			out = h.MinVersion
		}
	}
	return out, nil
}
