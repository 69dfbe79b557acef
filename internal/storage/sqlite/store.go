// Package sqlite persists the route and usage documents. Routes are stored
// as JSON documents keyed by id; load/save are idempotent so the quota
// enforcer can rewrite a route on every commit.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/polyrelay/polyrelay/internal/route"
)

// Store is a SQLite implementation of the route document store.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS routes (
		id TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)
	return err
}

// LoadRoutes returns every stored route. Legacy bare-number limit and usage
// values normalize during JSON decoding.
func (s *Store) LoadRoutes(ctx context.Context) ([]*route.Route, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM routes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()

	var routes []*route.Route
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		var r route.Route
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, fmt.Errorf("decode route document: %w", err)
		}
		routes = append(routes, &r)
	}
	return routes, rows.Err()
}

// SaveRoute upserts the full route document.
func (s *Store) SaveRoute(ctx context.Context, r *route.Route) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode route document: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO routes (id, document, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		r.ID, string(doc), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save route %s: %w", r.ID, err)
	}
	return nil
}

// DeleteRoute removes a route document. Deleting a missing route is not an
// error.
func (s *Store) DeleteRoute(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete route %s: %w", id, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
