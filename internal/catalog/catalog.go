// Package catalog persists generated tools in SQLite so earlier work can be
// looked up again.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a tool ID is unknown.
var ErrNotFound = errors.New("tool not found")

// DefaultLimit is used when a listing asks for no explicit limit.
const DefaultLimit = 20

// Tool is one generated deliverable.
type Tool struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Code        string    `json:"code"`
	Task        string    `json:"task"`
	Language    string    `json:"language"`
	Platform    string    `json:"platform"`
	UserID      string    `json:"user_id"`
	CreatedAt   time.Time `json:"created_at"`
	// Score is the search relevance; zero outside Search.
	Score int `json:"score,omitempty"`
}

// Store manages tool persistence in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tools (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			code        TEXT NOT NULL DEFAULT '',
			task        TEXT NOT NULL,
			language    TEXT NOT NULL DEFAULT '',
			platform    TEXT NOT NULL DEFAULT '',
			user_id     TEXT NOT NULL DEFAULT '',
			created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_tools_created_at
			ON tools(created_at);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts a tool, assigning an ID and timestamp when missing.
func (s *Store) Save(ctx context.Context, t *Tool) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Name == "" {
		t.Name = t.Task
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tools (id, name, description, code, task, language, platform, user_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, t.Code, t.Task, t.Language, t.Platform, t.UserID, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving tool: %w", err)
	}
	return nil
}

// Get retrieves a tool by ID.
func (s *Store) Get(ctx context.Context, id string) (*Tool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, code, task, language, platform, user_id, created_at
		 FROM tools WHERE id = ?`, id,
	)
	t, err := scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// Recent returns the newest tools first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Tool, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, code, task, language, platform, user_id, created_at
		 FROM tools ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tools []*Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

// Search finds tools similar to query. Each query word that appears in the
// name, description or task adds one to the score; results are ordered by
// score, then recency. An empty query lists recent tools.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]*Tool, error) {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return s.Recent(ctx, limit)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	// Build a WHERE clause matching any word in name, description or task.
	var conditions []string
	var args []any
	for _, w := range words {
		conditions = append(conditions, "(lower(name) LIKE ? ESCAPE '\\' OR lower(description) LIKE ? ESCAPE '\\' OR lower(task) LIKE ? ESCAPE '\\')")
		pattern := "%" + escapeLike(w) + "%"
		args = append(args, pattern, pattern, pattern)
	}

	q := fmt.Sprintf(
		`SELECT id, name, description, code, task, language, platform, user_id, created_at
		 FROM tools
		 WHERE %s
		 ORDER BY created_at DESC
		 LIMIT ?`,
		strings.Join(conditions, " OR "),
	)
	args = append(args, limit*3) // fetch more than needed before ranking

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("searching tools: %w", err)
	}
	defer rows.Close()

	var results []*Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		hay := strings.ToLower(t.Name + " " + t.Description + " " + t.Task)
		for _, w := range words {
			if strings.Contains(hay, w) {
				t.Score++
			}
		}
		results = append(results, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTool(row scannable) (*Tool, error) {
	t := &Tool{}
	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &t.Code, &t.Task,
		&t.Language, &t.Platform, &t.UserID, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}
