package storage

import (
	"context"
	"errors"

	"geoledger/internal/domain"
)

var (
	// ErrVersionExists is returned by PersistVersion when the version number is not the next one
	// of the lineage sequence.
	ErrVersionExists = errors.New("version already committed")
	// ErrLineageNotFound is returned when a lineage has no sequencing row.
	ErrLineageNotFound = errors.New("lineage not found")
)

// PurgeStats reports what a purge removed.
type PurgeStats struct {
	Versions int64
	States   int64
}

// LedgerStore persists versions and answers point-in-time state lookups for one lineage at a
// time. Implementations must make PersistVersion and PurgeBelow atomic.
type LedgerStore interface {
	// InitLineage creates the sequencing row of a lineage whose first own version is seed+1.
	InitLineage(ctx context.Context, key domain.LineageKey, seed int64) error
	Head(ctx context.Context, key domain.LineageKey) (domain.LineageHead, bool, error)
	// PersistVersion commits v. v.Number must equal head+1.
	PersistVersion(ctx context.Context, v domain.Version) error
	// FetchFeatureState returns the latest state of id with version <= asOf, tombstones included.
	FetchFeatureState(ctx context.Context, key domain.LineageKey, id string, asOf int64) (domain.Feature, bool, error)
	FetchFeatureByUUID(ctx context.Context, key domain.LineageKey, uuid string) (domain.Feature, bool, error)
	// ScanStates calls fn with the latest state of every id with version <= upTo, ordered by id.
	ScanStates(ctx context.Context, key domain.LineageKey, upTo int64, fn func(domain.Feature) error) error
	// ListVersions returns versions from..to inclusive, skipping versions purged by retention.
	ListVersions(ctx context.Context, key domain.LineageKey, from, to int64) ([]domain.Version, error)
	// PurgeBelow removes versions strictly below version. A state below the threshold survives
	// when it is still the latest state of its id as of version.
	PurgeBelow(ctx context.Context, key domain.LineageKey, version int64) (PurgeStats, error)
	// TruncateAbove removes every own version above version and lowers the head to it.
	TruncateAbove(ctx context.Context, key domain.LineageKey, version int64) error
	DropLineage(ctx context.Context, key domain.LineageKey) error
}

// Catalog holds the pointer metadata: spaces, branches and tags.
type Catalog interface {
	PutSpace(ctx context.Context, s domain.Space) error
	GetSpace(ctx context.Context, id string) (domain.Space, bool, error)
	ListSpaces(ctx context.Context) ([]domain.Space, error)
	// DeleteSpace removes the space together with its branch and tag rows.
	DeleteSpace(ctx context.Context, id string) error

	// NextNode allocates a lineage node id for a branch of space. Ids are never reused, even
	// after the space is deleted and recreated.
	NextNode(ctx context.Context, space string) (int64, error)
	PutBranch(ctx context.Context, b domain.Branch) error
	GetBranch(ctx context.Context, space, id string) (domain.Branch, bool, error)
	ListBranches(ctx context.Context, space string) ([]domain.Branch, error)
	ListAllBranches(ctx context.Context) ([]domain.Branch, error)
	DeleteBranch(ctx context.Context, space, id string) error

	PutTag(ctx context.Context, t domain.Tag) error
	GetTag(ctx context.Context, space, id string) (domain.Tag, bool, error)
	ListTags(ctx context.Context, space string) ([]domain.Tag, error)
	DeleteTag(ctx context.Context, space, id string) error
}

// Backend is a complete physical store.
type Backend interface {
	LedgerStore
	Catalog
	Close() error
}
