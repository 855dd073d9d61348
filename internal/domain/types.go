package domain

import (
	"fmt"
	"strconv"
	"time"
)

// MainNode is the node id of a space's own lineage. Branch nodes are allocated above it.
const MainNode int64 = 0

// MainBranch names the main lineage in refs and branch-scoped requests.
const MainBranch = "main"

// LineageKey addresses one independently versioned sequence of states.
type LineageKey struct {
	Space string `json:"space"`
	Node  int64  `json:"node"`
}

func MainLineage(space string) LineageKey {
	return LineageKey{Space: space, Node: MainNode}
}

func (k LineageKey) IsMain() bool { return k.Node == MainNode }

func (k LineageKey) String() string {
	return k.Space + "~" + strconv.FormatInt(k.Node, 10)
}

// Segment is the part of one lineage visible through a view: every state with version <= UpTo.
type Segment struct {
	Key  LineageKey `json:"key"`
	UpTo int64      `json:"upTo"`
}

type Context int

const (
	ContextDefault Context = iota
	ContextExtension
	ContextSuper
)

func (c Context) String() string {
	switch c {
	case ContextExtension:
		return "EXTENSION"
	case ContextSuper:
		return "SUPER"
	default:
		return "DEFAULT"
	}
}

// ParseContext is case sensitive. The empty string selects DEFAULT.
func ParseContext(s string) (Context, error) {
	switch s {
	case "", "DEFAULT":
		return ContextDefault, nil
	case "EXTENSION":
		return ContextExtension, nil
	case "SUPER":
		return ContextSuper, nil
	}
	return ContextDefault, Invalidf("parse context", "unknown context %q", s)
}

type WriteMode int

const (
	ModeReplace WriteMode = iota
	ModePatch
	ModeMerge
)

func (m WriteMode) String() string {
	switch m {
	case ModePatch:
		return "PATCH"
	case ModeMerge:
		return "MERGE"
	default:
		return "REPLACE"
	}
}

func ParseWriteMode(s string) (WriteMode, error) {
	switch s {
	case "", "REPLACE":
		return ModeReplace, nil
	case "PATCH":
		return ModePatch, nil
	case "MERGE":
		return ModeMerge, nil
	}
	return ModeReplace, Invalidf("parse mode", "unknown write mode %q", s)
}

// OnMergeConflict selects what happens to an item whose three-way merge collides.
type OnMergeConflict int

const (
	MergeConflictError OnMergeConflict = iota
	MergeConflictReplace
	MergeConflictRetain
)

func ParseOnMergeConflict(s string) (OnMergeConflict, error) {
	switch s {
	case "", "ERROR":
		return MergeConflictError, nil
	case "REPLACE":
		return MergeConflictReplace, nil
	case "RETAIN":
		return MergeConflictRetain, nil
	}
	return MergeConflictError, Invalidf("parse onMergeConflict", "unknown strategy %q", s)
}

type Op int8

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "I"
	case OpUpdate:
		return "U"
	case OpDelete:
		return "D"
	}
	return fmt.Sprintf("Op(%d)", int8(o))
}

func ParseOp(s string) (Op, error) {
	switch s {
	case "I":
		return OpInsert, nil
	case "U":
		return OpUpdate, nil
	case "D":
		return OpDelete, nil
	}
	return 0, fmt.Errorf("unknown op %q", s)
}

// Space is a lineage root: a logical, independently versioned feature collection.
type Space struct {
	ID                   string          `json:"id"`
	Owner                string          `json:"owner,omitempty"`
	Title                string          `json:"title,omitempty"`
	Region               string          `json:"region,omitempty"`
	Extends              string          `json:"extends,omitempty"`
	Storage              string          `json:"storage,omitempty"`
	SearchableProperties map[string]bool `json:"searchableProperties,omitempty"`
	VersionsToKeep       int64           `json:"versionsToKeep"`
	Active               bool            `json:"active"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

func (s Space) IsExtension() bool { return s.Extends != "" }

// SpaceSpec is the input of space creation. Nil pointers take defaults.
type SpaceSpec struct {
	ID                   string          `json:"id"`
	Owner                string          `json:"owner,omitempty"`
	Title                string          `json:"title,omitempty"`
	Region               string          `json:"region,omitempty"`
	Extends              string          `json:"extends,omitempty"`
	Storage              string          `json:"storage,omitempty"`
	SearchableProperties map[string]bool `json:"searchableProperties,omitempty"`
	VersionsToKeep       *int64          `json:"versionsToKeep,omitempty"`
	Active               *bool           `json:"active,omitempty"`
}

// SpacePatch carries only the attributes being changed.
type SpacePatch struct {
	Title                *string          `json:"title,omitempty"`
	Extends              *string          `json:"extends,omitempty"`
	Storage              *string          `json:"storage,omitempty"`
	SearchableProperties *map[string]bool `json:"searchableProperties,omitempty"`
	VersionsToKeep       *int64           `json:"versionsToKeep,omitempty"`
	Active               *bool            `json:"active,omitempty"`
}

// BaseRef is a fork point captured by value.
type BaseRef struct {
	Key     LineageKey `json:"key"`
	Version int64      `json:"version"`
}

type Branch struct {
	ID          string    `json:"id"`
	Space       string    `json:"space"`
	Node        int64     `json:"node"`
	Base        BaseRef   `json:"baseRef"`
	Path        []Segment `json:"path"`
	Author      string    `json:"author,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (b Branch) Key() LineageKey { return LineageKey{Space: b.Space, Node: b.Node} }

// Root is the lineage the whole ancestry descends from.
func (b Branch) Root() LineageKey {
	if len(b.Path) == 0 {
		return b.Base.Key
	}
	return b.Path[0].Key
}

// DependsOn reports the highest version of key captured in the branch path.
func (b Branch) DependsOn(key LineageKey) (int64, bool) {
	for _, seg := range b.Path {
		if seg.Key == key {
			return seg.UpTo, true
		}
	}
	return 0, false
}

type Tag struct {
	ID          string     `json:"id"`
	Key         LineageKey `json:"lineage"`
	Version     int64      `json:"version"`
	Author      string     `json:"author,omitempty"`
	Description string     `json:"description,omitempty"`
	System      bool       `json:"system"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// ResolvedRef is a concrete point in history: the lineage, the version and the ancestry path
// needed to read it.
type ResolvedRef struct {
	Space   string     `json:"space"`
	Branch  string     `json:"branch,omitempty"`
	Key     LineageKey `json:"lineage"`
	Version int64      `json:"version"`
	Path    []Segment  `json:"-"`
}

// View lists the segments whose states make up the lineage as of Version.
func (r ResolvedRef) View() []Segment {
	return ViewAt(r.Path, r.Key, r.Version)
}

// ViewAt builds the segment list for reading self at version v. Path segments are ordered root
// first with strictly increasing UpTo; segments the read cannot reach are dropped and the last
// one is cut at v.
func ViewAt(path []Segment, self LineageKey, v int64) []Segment {
	out := make([]Segment, 0, len(path)+1)
	for _, seg := range path {
		if v <= seg.UpTo {
			out = append(out, Segment{Key: seg.Key, UpTo: v})
			return out
		}
		out = append(out, seg)
	}
	return append(out, Segment{Key: self, UpTo: v})
}

// Change is one feature operation inside a Version.
type Change struct {
	Op      Op      `json:"op"`
	Feature Feature `json:"feature"`
}

// Version is one committed write transaction against a lineage.
type Version struct {
	Key       LineageKey `json:"lineage"`
	Number    int64      `json:"version"`
	Author    string     `json:"author,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	Changes   []Change   `json:"changes"`
}

// LineageHead is the sequencing state of a lineage. MinVersion is the oldest readable version
// after retention.
type LineageHead struct {
	Head       int64 `json:"head"`
	MinVersion int64 `json:"minVersion"`
}

type VersionChanges struct {
	Version   int64     `json:"version"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Inserted  []Feature `json:"inserted"`
	Updated   []Feature `json:"updated"`
	Deleted   []Feature `json:"deleted"`
}

func (v VersionChanges) Count() int { return len(v.Inserted) + len(v.Updated) + len(v.Deleted) }

type ChangesetPage struct {
	StartVersion  int64            `json:"startVersion"`
	EndVersion    int64            `json:"endVersion"`
	Versions      []VersionChanges `json:"versions"`
	NextPageToken string           `json:"nextPageToken,omitempty"`
}

type CompactChangeset struct {
	StartVersion int64     `json:"startVersion"`
	EndVersion   int64     `json:"endVersion"`
	Inserted     []Feature `json:"inserted"`
	Updated      []Feature `json:"updated"`
	Deleted      []Feature `json:"deleted"`
}

func (c CompactChangeset) Count() int { return len(c.Inserted) + len(c.Updated) + len(c.Deleted) }

type HistoryStatistics struct {
	MinVersion   int64 `json:"minVersion"`
	MaxVersion   int64 `json:"maxVersion"`
	VersionCount int64 `json:"versionCount"`
	FeatureCount int64 `json:"featureCount"`
}
