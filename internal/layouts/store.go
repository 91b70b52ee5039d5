// Package layouts persists named window placements per project.
package layouts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no layout matches.
var ErrNotFound = errors.New("layout not found")

// WindowPlacement is one saved window.
type WindowPlacement struct {
	AppName   string `json:"appName,omitempty"`
	Class     string `json:"class,omitempty"`
	AppID     string `json:"appId,omitempty"`
	Workspace int    `json:"workspace"`
	Floating  bool   `json:"floating"`
}

// Layout is a named snapshot of a project's window placements.
type Layout struct {
	ID        string            `json:"id"`
	Project   string            `json:"project"`
	Name      string            `json:"name"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Windows   []WindowPlacement `json:"windows"`
}

// Store is a SQLite-backed layout store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save stores l, replacing any layout with the same project and name. The
// stored layout keeps its original ID and creation time.
func (s *Store) Save(ctx context.Context, l Layout) (Layout, error) {
	if l.Name == "" {
		return Layout{}, errors.New("layout name is required")
	}
	now := s.now().UTC()
	if existing, err := s.Get(ctx, l.Project, l.Name); err == nil {
		l.ID = existing.ID
		l.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		return Layout{}, err
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	if l.Windows == nil {
		l.Windows = []WindowPlacement{}
	}
	data, err := json.Marshal(l.Windows)
	if err != nil {
		return Layout{}, fmt.Errorf("encode windows: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO layouts(layout_id, project, name, created_at, updated_at, windows_json)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(project, name) DO UPDATE SET
	updated_at=excluded.updated_at,
	windows_json=excluded.windows_json
`, l.ID, l.Project, l.Name, ts(l.CreatedAt), ts(l.UpdatedAt), string(data))
	if err != nil {
		return Layout{}, fmt.Errorf("save layout: %w", err)
	}
	return l, nil
}

// Get returns the layout named name for project.
func (s *Store) Get(ctx context.Context, project, name string) (Layout, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT layout_id, project, name, created_at, updated_at, windows_json
FROM layouts WHERE project = ? AND name = ?`, project, name)
	l, err := scanLayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Layout{}, fmt.Errorf("%s/%s: %w", project, name, ErrNotFound)
	}
	return l, err
}

// List returns layouts ordered by project then name. An empty project lists all.
func (s *Store) List(ctx context.Context, project string) ([]Layout, error) {
	query := `SELECT layout_id, project, name, created_at, updated_at, windows_json FROM layouts`
	var args []any
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY project, name`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list layouts: %w", err)
	}
	defer rows.Close()
	var out []Layout
	for rows.Next() {
		l, err := scanLayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate layouts: %w", err)
	}
	return out, nil
}

// Delete removes the named layout.
func (s *Store) Delete(ctx context.Context, project, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM layouts WHERE project = ? AND name = ?`, project, name)
	if err != nil {
		return fmt.Errorf("delete layout: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete layout: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", project, name, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLayout(row scanner) (Layout, error) {
	var (
		l                Layout
		created, updated string
		windows          string
	)
	if err := row.Scan(&l.ID, &l.Project, &l.Name, &created, &updated, &windows); err != nil {
		return Layout{}, err
	}
	var err error
	if l.CreatedAt, err = parseTS(created); err != nil {
		return Layout{}, fmt.Errorf("parse created_at: %w", err)
	}
	if l.UpdatedAt, err = parseTS(updated); err != nil {
		return Layout{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if err := json.Unmarshal([]byte(windows), &l.Windows); err != nil {
		return Layout{}, fmt.Errorf("decode windows: %w", err)
	}
	return l, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
