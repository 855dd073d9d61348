package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulmach/orb/encoding/wkb"

	"geoledger/internal/domain"
	"geoledger/internal/storage"
)

const stateColumns = `feature_id, version, op, geometry, ns_json, properties_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) InitLineage(ctx context.Context, key domain.LineageKey, seed int64) error {
	db, err := s.ledgerDB(key)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO lineage_head(space, node, head, min_version) VALUES(?, ?, ?, ?)
ON CONFLICT(space, node) DO NOTHING`, key.Space, key.Node, seed, seed)
	if err != nil {
		return fmt.Errorf("init lineage %s: %w", key, err)
	}
	return nil
}

func (s *Store) Head(ctx context.Context, key domain.LineageKey) (domain.LineageHead, bool, error) {
	db, err := s.ledgerDB(key)
	if err != nil {
		return domain.LineageHead{}, false, err
	}
	return headOf(ctx, db, key)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func headOf(ctx context.Context, q querier, key domain.LineageKey) (domain.LineageHead, bool, error) {
	var h domain.LineageHead
	err := q.QueryRowContext(ctx, `SELECT head, min_version FROM lineage_head WHERE space=? AND node=?`, key.Space, key.Node).Scan(&h.Head, &h.MinVersion)
	if err == sql.ErrNoRows {
		return domain.LineageHead{}, false, nil
	}
	if err != nil {
		return domain.LineageHead{}, false, err
	}
	return h, true, nil
}

func (s *Store) PersistVersion(ctx context.Context, v domain.Version) error {
	db, err := s.ledgerDB(v.Key)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	head, ok, err := headOf(ctx, tx, v.Key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("persist version %s@%d: %w", v.Key, v.Number, storage.ErrLineageNotFound)
	}
	if v.Number != head.Head+1 {
		return fmt.Errorf("persist version %s@%d (head %d): %w", v.Key, v.Number, head.Head, storage.ErrVersionExists)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE lineage_head SET head=? WHERE space=? AND node=?`, v.Number, v.Key.Space, v.Key.Node); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO versions(space, node, version, author, created_at_utc_ns) VALUES(?, ?, ?, ?, ?)`,
		v.Key.Space, v.Key.Node, v.Number, v.Author, v.CreatedAt.UTC().UnixNano()); err != nil {
		return err
	}
	for _, c := range v.Changes {
		if err := insertState(ctx, tx, v.Key, v.Number, c); err != nil {
			return fmt.Errorf("insert state %q: %w", c.Feature.ID, err)
		}
	}
	return tx.Commit()
}

func insertState(ctx context.Context, tx *sql.Tx, key domain.LineageKey, version int64, c domain.Change) error {
	f := c.Feature
	ns, err := json.Marshal(f.NS)
	if err != nil {
		return err
	}
	props := f.Properties
	if props == nil {
		props = map[string]any{}
	}
	pj, err := json.Marshal(props)
	if err != nil {
		return err
	}
	var geom []byte
	var minX, minY, maxX, maxY any
	if f.Geometry != nil {
		geom, err = wkb.Marshal(f.Geometry)
		if err != nil {
			return fmt.Errorf("encode geometry: %w", err)
		}
		b := f.Geometry.Bound()
		minX, minY, maxX, maxY = b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()
	}
	deleted := 0
	if f.NS.Deleted {
		deleted = 1
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO feature_states(
	space, node, version, feature_id, op, uuid, deleted,
	geometry, min_x, min_y, max_x, max_y, ns_json, properties_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.Space, key.Node, version, f.ID, c.Op.String(), f.NS.UUID, deleted,
		geom, minX, minY, maxX, maxY, string(ns), string(pj))
	return err
}

func scanState(row rowScanner) (domain.Change, int64, error) {
	var (
		id, op, ns, props string
		version           int64
		geom              []byte
	)
	if err := row.Scan(&id, &version, &op, &geom, &ns, &props); err != nil {
		return domain.Change{}, 0, err
	}
	f := domain.Feature{ID: id}
	if err := json.Unmarshal([]byte(ns), &f.NS); err != nil {
		return domain.Change{}, 0, fmt.Errorf("decode namespace of %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(props), &f.Properties); err != nil {
		return domain.Change{}, 0, fmt.Errorf("decode properties of %q: %w", id, err)
	}
	if len(geom) > 0 {
		g, err := wkb.Unmarshal(geom)
		if err != nil {
			return domain.Change{}, 0, fmt.Errorf("decode geometry of %q: %w", id, err)
		}
		f.Geometry = g
	}
	o, err := domain.ParseOp(op)
	if err != nil {
		return domain.Change{}, 0, err
	}
	return domain.Change{Op: o, Feature: f}, version, nil
}

func (s *Store) FetchFeatureState(ctx context.Context, key domain.LineageKey, id string, asOf int64) (domain.Feature, bool, error) {
	db, err := s.ledgerDB(key)
	if err != nil {
		return domain.Feature{}, false, err
	}
	row := db.QueryRowContext(ctx, `
SELECT `+stateColumns+`
FROM feature_states
WHERE space=? AND node=? AND feature_id=? AND version<=?
ORDER BY version DESC
LIMIT 1`, key.Space, key.Node, id, asOf)
	c, _, err := scanState(row)
	if err == sql.ErrNoRows {
		return domain.Feature{}, false, nil
	}
	if err != nil {
		return domain.Feature{}, false, err
	}
	return c.Feature, true, nil
}

func (s *Store) FetchFeatureByUUID(ctx context.Context, key domain.LineageKey, uuid string) (domain.Feature, bool, error) {
	db, err := s.ledgerDB(key)
	if err != nil {
		return domain.Feature{}, false, err
	}
	row := db.QueryRowContext(ctx, `
SELECT `+stateColumns+`
FROM feature_states
WHERE space=? AND node=? AND uuid=?
LIMIT 1`, key.Space, key.Node, uuid)
	c, _, err := scanState(row)
	if err == sql.ErrNoRows {
		return domain.Feature{}, false, nil
	}
	if err != nil {
		return domain.Feature{}, false, err
	}
	return c.Feature, true, nil
}

func (s *Store) ScanStates(ctx context.Context, key domain.LineageKey, upTo int64, fn func(domain.Feature) error) error {
	db, err := s.ledgerDB(key)
	if err != nil {
		return err
	}
	rows, err := db.QueryContext(ctx, `
SELECT s.feature_id, s.version, s.op, s.geometry, s.ns_json, s.properties_json
FROM feature_states s
JOIN (
	SELECT feature_id, MAX(version) AS v
	FROM feature_states
	WHERE space=? AND node=? AND version<=?
	GROUP BY feature_id
) latest ON s.feature_id = latest.feature_id AND s.version = latest.v
WHERE s.space=? AND s.node=?
ORDER BY s.feature_id`, key.Space, key.Node, upTo, key.Space, key.Node)
	if err != nil {
		return err
	}
	defer rows.Close()

	var states []domain.Feature
	for rows.Next() {
		c, _, err := scanState(rows)
		if err != nil {
			return err
		}
		states = append(states, c.Feature)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, f := range states {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListVersions(ctx context.Context, key domain.LineageKey, from, to int64) ([]domain.Version, error) {
	db, err := s.ledgerDB(key)
	if err != nil {
		return nil, err
	}
	head, ok, err := headOf(ctx, db, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("list versions %s: %w", key, storage.ErrLineageNotFound)
	}
	if from < head.MinVersion {
		from = head.MinVersion
	}
	rows, err := db.QueryContext(ctx, `
SELECT version, author, created_at_utc_ns
FROM versions
WHERE space=? AND node=? AND version BETWEEN ? AND ?
ORDER BY version`, key.Space, key.Node, from, to)
	if err != nil {
		return nil, err
	}
	var out []domain.Version
	index := map[int64]int{}
	for rows.Next() {
		var v domain.Version
		var createdNs int64
		if err := rows.Scan(&v.Number, &v.Author, &createdNs); err != nil {
			rows.Close()
			return nil, err
		}
		v.Key = key
		v.CreatedAt = time.Unix(0, createdNs).UTC()
		index[v.Number] = len(out)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(out) == 0 {
		return nil, nil
	}

	states, err := db.QueryContext(ctx, `
SELECT `+stateColumns+`
FROM feature_states
WHERE space=? AND node=? AND version BETWEEN ? AND ?
ORDER BY version, feature_id`, key.Space, key.Node, out[0].Number, out[len(out)-1].Number)
	if err != nil {
		return nil, err
	}
	defer states.Close()
	for states.Next() {
		c, version, err := scanState(states)
		if err != nil {
			return nil, err
		}
		i, ok := index[version]
		if !ok {
			continue
		}
		out[i].Changes = append(out[i].Changes, c)
	}
	return out, states.Err()
}

// withPurgeGuard runs fn in a transaction with the append-only delete triggers lifted.
func (s *Store) withPurgeGuard(ctx context.Context, key domain.LineageKey, fn func(tx *sql.Tx) error) error {
	db, err := s.ledgerDB(key)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE purge_guard SET open=1 WHERE id=1`); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE purge_guard SET open=0 WHERE id=1`); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) PurgeBelow(ctx context.Context, key domain.LineageKey, version int64) (storage.PurgeStats, error) {
	var stats storage.PurgeStats
	err := s.withPurgeGuard(ctx, key, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM feature_states
WHERE space=? AND node=? AND version<? AND EXISTS (
	SELECT 1 FROM feature_states newer
	WHERE newer.space=feature_states.space
		AND newer.node=feature_states.node
		AND newer.feature_id=feature_states.feature_id
		AND newer.version>feature_states.version
		AND newer.version<=?
)`, key.Space, key.Node, version, version)
		if err != nil {
			return err
		}
		stats.States, _ = res.RowsAffected()
		res, err = tx.ExecContext(ctx, `DELETE FROM versions WHERE space=? AND node=? AND version<?`, key.Space, key.Node, version)
		if err != nil {
			return err
		}
		stats.Versions, _ = res.RowsAffected()
		_, err = tx.ExecContext(ctx, `UPDATE lineage_head SET min_version=MAX(min_version, ?) WHERE space=? AND node=?`, version, key.Space, key.Node)
		return err
	})
	if err != nil {
		return storage.PurgeStats{}, fmt.Errorf("purge %s below %d: %w", key, version, err)
	}
	return stats, nil
}

func (s *Store) TruncateAbove(ctx context.Context, key domain.LineageKey, version int64) error {
	err := s.withPurgeGuard(ctx, key, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM feature_states WHERE space=? AND node=? AND version>?`, key.Space, key.Node, version); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM versions WHERE space=? AND node=? AND version>?`, key.Space, key.Node, version); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE lineage_head SET head=MIN(head, ?) WHERE space=? AND node=?`, version, key.Space, key.Node)
		return err
	})
	if err != nil {
		return fmt.Errorf("truncate %s above %d: %w", key, version, err)
	}
	return nil
}

func (s *Store) DropLineage(ctx context.Context, key domain.LineageKey) error {
	err := s.withPurgeGuard(ctx, key, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM feature_states WHERE space=? AND node=?`,
			`DELETE FROM versions WHERE space=? AND node=?`,
			`DELETE FROM lineage_head WHERE space=? AND node=?`,
		} {
			if _, err := tx.ExecContext(ctx, q, key.Space, key.Node); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("drop lineage %s: %w", key, err)
	}
	return nil
}
