package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite keeps a short history of exported states in a SQLite database.
type SQLite struct {
	db      *sql.DB
	cfg     *sqliteConfig
	actorID string

	saveStmt  *sql.Stmt
	loadStmt  *sql.Stmt
	pruneStmt *sql.Stmt
}

// SQLiteOption configures the SQLite snapshotter
type SQLiteOption func(*sqliteConfig)

type sqliteConfig struct {
	path        string
	busyTimeout time.Duration
	retain      int
}

func defaultSQLiteConfig() *sqliteConfig {
	return &sqliteConfig{
		busyTimeout: 5 * time.Second,
		retain:      10,
	}
}

// WithBusyTimeout sets the SQLite busy timeout
// Default is 5 seconds
func WithBusyTimeout(timeout time.Duration) SQLiteOption {
	return func(c *sqliteConfig) {
		c.busyTimeout = timeout
	}
}

// WithRetain sets how many snapshots are kept per actor
// Default is 10
func WithRetain(n int) SQLiteOption {
	return func(c *sqliteConfig) {
		if n > 0 {
			c.retain = n
		}
	}
}

// NewSQLite opens (and migrates) the database at path. Snapshots are
// scoped to actorID so several nodes may share one file.
func NewSQLite(path, actorID string, opts ...SQLiteOption) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if path != ":memory:" && (strings.Contains(path, "?") || strings.Contains(path, "#")) {
		return nil, errors.New("sqlite: path cannot contain '?' or '#' characters")
	}

	cfg := defaultSQLiteConfig()
	cfg.path = path
	for _, opt := range opts {
		opt(cfg)
	}

	var dsn string
	if cfg.path == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared"
	} else {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=%d", cfg.path, cfg.busyTimeout.Milliseconds())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}

	if err := applyPragmas(db, cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply pragmas: %w", err)
	}

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}

	s := &SQLite{db: db, cfg: cfg, actorID: actorID}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: prepare statements: %w", err)
	}
	return s, nil
}

func applyPragmas(db *sql.DB, cfg *sqliteConfig) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout.Milliseconds()),
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("exec %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLite) prepareStatements() error {
	type stmtDef struct {
		dest **sql.Stmt
		sql  string
	}

	stmts := []stmtDef{
		{&s.saveStmt, "INSERT INTO snapshots (actor_id, data, created_at) VALUES (?, ?, ?)"},
		{&s.loadStmt, "SELECT data FROM snapshots WHERE actor_id = ? ORDER BY id DESC LIMIT 1"},
		{&s.pruneStmt, `DELETE FROM snapshots WHERE actor_id = ? AND id NOT IN (
			SELECT id FROM snapshots WHERE actor_id = ? ORDER BY id DESC LIMIT ?)`},
	}

	for _, def := range stmts {
		stmt, err := s.db.Prepare(def.sql)
		if err != nil {
			return fmt.Errorf("prepare %q: %w", def.sql, err)
		}
		*def.dest = stmt
	}
	return nil
}

// Save appends a snapshot and trims history beyond the retain limit.
func (s *SQLite) Save(ctx context.Context, data []byte) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.StmtContext(ctx, s.saveStmt).ExecContext(ctx, s.actorID, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("sqlite: insert snapshot: %w", err)
	}
	if _, err = tx.StmtContext(ctx, s.pruneStmt).ExecContext(ctx, s.actorID, s.actorID, s.cfg.retain); err != nil {
		return fmt.Errorf("sqlite: prune snapshots: %w", err)
	}
	return tx.Commit()
}

// Load returns the newest snapshot, or nil when none exists.
func (s *SQLite) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.loadStmt.QueryRowContext(ctx, s.actorID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load snapshot: %w", err)
	}
	return data, nil
}

// Count returns the number of retained snapshots for this actor
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM snapshots WHERE actor_id = ?", s.actorID).Scan(&n)
	return n, err
}

// Close releases prepared statements and the database handle.
func (s *SQLite) Close() error {
	for _, stmt := range []*sql.Stmt{s.saveStmt, s.loadStmt, s.pruneStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
