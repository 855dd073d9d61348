package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"geoledger/internal/domain"
)

func (s *Store) PutSpace(ctx context.Context, sp domain.Space) error {
	doc, err := json.Marshal(sp)
	if err != nil {
		return err
	}
	_, err = s.catalog.ExecContext(ctx, `
INSERT INTO spaces(id, doc, updated_at_utc_ns) VALUES(?, ?, ?)
ON CONFLICT(id) DO UPDATE SET doc=excluded.doc, updated_at_utc_ns=excluded.updated_at_utc_ns`,
		sp.ID, string(doc), sp.UpdatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("put space %q: %w", sp.ID, err)
	}
	return nil
}

func (s *Store) GetSpace(ctx context.Context, id string) (domain.Space, bool, error) {
	var doc string
	err := s.catalog.QueryRowContext(ctx, `SELECT doc FROM spaces WHERE id=?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return domain.Space{}, false, nil
	}
	if err != nil {
		return domain.Space{}, false, err
	}
	var sp domain.Space
	if err := json.Unmarshal([]byte(doc), &sp); err != nil {
		return domain.Space{}, false, fmt.Errorf("decode space %q: %w", id, err)
	}
	return sp, true, nil
}

func (s *Store) ListSpaces(ctx context.Context) ([]domain.Space, error) {
	rows, err := s.catalog.QueryContext(ctx, `SELECT doc FROM spaces ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Space
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var sp domain.Space
		if err := json.Unmarshal([]byte(doc), &sp); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSpace(ctx context.Context, id string) error {
	tx, err := s.catalog.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM tags WHERE space=?`,
		`DELETE FROM branches WHERE space=?`,
		`DELETE FROM spaces WHERE id=?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete space %q: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *Store) NextNode(ctx context.Context, space string) (int64, error) {
	tx, err := s.catalog.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO node_seq(space, next) VALUES(?, 1)
ON CONFLICT(space) DO UPDATE SET next=next+1`, space); err != nil {
		return 0, err
	}
	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT next FROM node_seq WHERE space=?`, space).Scan(&next); err != nil {
		return 0, err
	}
	return next, tx.Commit()
}

func (s *Store) PutBranch(ctx context.Context, b domain.Branch) error {
	doc, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = s.catalog.ExecContext(ctx, `
INSERT INTO branches(space, id, node, doc) VALUES(?, ?, ?, ?)
ON CONFLICT(space, id) DO UPDATE SET node=excluded.node, doc=excluded.doc`,
		b.Space, b.ID, b.Node, string(doc))
	if err != nil {
		return fmt.Errorf("put branch %s/%s: %w", b.Space, b.ID, err)
	}
	return nil
}

func (s *Store) GetBranch(ctx context.Context, space, id string) (domain.Branch, bool, error) {
	var doc string
	err := s.catalog.QueryRowContext(ctx, `SELECT doc FROM branches WHERE space=? AND id=?`, space, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return domain.Branch{}, false, nil
	}
	if err != nil {
		return domain.Branch{}, false, err
	}
	var b domain.Branch
	if err := json.Unmarshal([]byte(doc), &b); err != nil {
		return domain.Branch{}, false, fmt.Errorf("decode branch %s/%s: %w", space, id, err)
	}
	return b, true, nil
}

func (s *Store) ListBranches(ctx context.Context, space string) ([]domain.Branch, error) {
	return s.queryBranches(ctx, `SELECT doc FROM branches WHERE space=? ORDER BY id`, space)
}

func (s *Store) ListAllBranches(ctx context.Context) ([]domain.Branch, error) {
	return s.queryBranches(ctx, `SELECT doc FROM branches ORDER BY space, id`)
}

func (s *Store) queryBranches(ctx context.Context, q string, args ...any) ([]domain.Branch, error) {
	rows, err := s.catalog.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Branch
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var b domain.Branch
		if err := json.Unmarshal([]byte(doc), &b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) DeleteBranch(ctx context.Context, space, id string) error {
	_, err := s.catalog.ExecContext(ctx, `DELETE FROM branches WHERE space=? AND id=?`, space, id)
	return err
}

func (s *Store) PutTag(ctx context.Context, t domain.Tag) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	system := 0
	if t.System {
		system = 1
	}
	_, err = s.catalog.ExecContext(ctx, `
INSERT INTO tags(space, id, node, version, system, doc) VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(space, id) DO UPDATE SET node=excluded.node, version=excluded.version, system=excluded.system, doc=excluded.doc`,
		t.Key.Space, t.ID, t.Key.Node, t.Version, system, string(doc))
	if err != nil {
		return fmt.Errorf("put tag %s/%s: %w", t.Key.Space, t.ID, err)
	}
	return nil
}

func (s *Store) GetTag(ctx context.Context, space, id string) (domain.Tag, bool, error) {
	var doc string
	err := s.catalog.QueryRowContext(ctx, `SELECT doc FROM tags WHERE space=? AND id=?`, space, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return domain.Tag{}, false, nil
	}
	if err != nil {
		return domain.Tag{}, false, err
	}
	var t domain.Tag
	if err := json.Unmarshal([]byte(doc), &t); err != nil {
		return domain.Tag{}, false, fmt.Errorf("decode tag %s/%s: %w", space, id, err)
	}
	return t, true, nil
}

func (s *Store) ListTags(ctx context.Context, space string) ([]domain.Tag, error) {
	rows, err := s.catalog.QueryContext(ctx, `SELECT doc FROM tags WHERE space=?`, space)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Tag
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var t domain.Tag
		if err := json.Unmarshal([]byte(doc), &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteTag(ctx context.Context, space, id string) error {
	_, err := s.catalog.ExecContext(ctx, `DELETE FROM tags WHERE space=? AND id=?`, space, id)
	return err
}
