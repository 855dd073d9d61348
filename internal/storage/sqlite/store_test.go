package sqlite

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"geoledger/internal/domain"
	"geoledger/internal/storage"
	"geoledger/internal/storage/storagetest"
)

func TestBackendSuite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		s, err := NewStore(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestSchemaInitializationCreatesExpectedTables(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	for _, name := range []string{"spaces", "branches", "tags", "node_seq"} {
		var cnt int
		require.NoError(t, s.catalog.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&cnt))
		require.Equal(t, 1, cnt, "catalog table %s missing", name)
	}
	ledger, err := s.ledgerDB(domain.MainLineage("roads"))
	require.NoError(t, err)
	for _, name := range []string{"lineage_head", "versions", "feature_states", "purge_guard"} {
		var cnt int
		require.NoError(t, ledger.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&cnt))
		require.Equal(t, 1, cnt, "ledger table %s missing", name)
	}
}

func seed(t *testing.T, s *Store, key domain.LineageKey) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.InitLineage(ctx, key, 0))
	require.NoError(t, s.PersistVersion(ctx, domain.Version{Key: key, Number: 1, Author: "a", CreatedAt: time.Now(), Changes: []domain.Change{
		{Op: domain.OpInsert, Feature: domain.Feature{ID: "f1", Geometry: orb.LineString{{1, 2}, {3, 4}}, Properties: map[string]any{"lanes": 2.0}, NS: domain.Namespace{Version: 1, UUID: "u1"}}},
	}}))
}

func TestStatesAreAppendOnlyViaTriggers(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	key := domain.MainLineage("roads")
	seed(t, s, key)

	db, err := s.ledgerDB(key)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE feature_states SET op='U' WHERE feature_id='f1'`)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "append-only"), "got %v", err)
	_, err = db.Exec(`DELETE FROM feature_states WHERE feature_id='f1'`)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "append-only"), "got %v", err)
	_, err = db.Exec(`DELETE FROM versions WHERE version=1`)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "append-only"), "got %v", err)

	var open int
	require.NoError(t, db.QueryRow(`SELECT open FROM purge_guard WHERE id=1`).Scan(&open))
	require.Equal(t, 0, open)
}

func TestPurgeGuardClosesAfterPurge(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	key := domain.MainLineage("roads")
	seed(t, s, key)

	_, err = s.PurgeBelow(ctx, key, 1)
	require.NoError(t, err)
	db, err := s.ledgerDB(key)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM feature_states WHERE feature_id='f1'`)
	require.Error(t, err, "guard must be closed again after a purge commits")
}

func TestRecoveryReopenWALDatabases(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	key := domain.MainLineage("roads")
	{
		s, err := NewStore(dir)
		require.NoError(t, err)
		seed(t, s, key)
		require.NoError(t, s.PutSpace(ctx, domain.Space{ID: "roads", Active: true}))
		require.NoError(t, s.Close())
	}

	s2, err := NewStore(dir)
	require.NoError(t, err)
	defer s2.Close()
	f, ok, err := s2.FetchFeatureState(ctx, key, "f1", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, orb.LineString{{1, 2}, {3, 4}}, f.Geometry)
	require.Equal(t, 2.0, f.Properties["lanes"])
	_, ok, err = s2.GetSpace(ctx, "roads")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBoundingBoxColumnsPopulated(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	key := domain.MainLineage("roads")
	seed(t, s, key)

	db, err := s.ledgerDB(key)
	require.NoError(t, err)
	var minX, minY, maxX, maxY float64
	require.NoError(t, db.QueryRow(`SELECT min_x, min_y, max_x, max_y FROM feature_states WHERE feature_id='f1'`).Scan(&minX, &minY, &maxX, &maxY))
	require.Equal(t, []float64{1, 2, 3, 4}, []float64{minX, minY, maxX, maxY})
}

func TestSQLiteWALModeEnabled(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	var mode string
	require.NoError(t, s.catalog.QueryRow(`PRAGMA journal_mode;`).Scan(&mode))
	require.Equal(t, "wal", strings.ToLower(mode))
}
