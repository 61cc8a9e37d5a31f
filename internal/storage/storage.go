// Package storage persists connection profiles and transfer history in a
// local SQLite database.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	pkgerrors "github.com/pkg/errors"
	_ "modernc.org/sqlite"

	ray5agent "github.com/laserkit/Ray5Agent"
)

const (
	defaultDBDirName  = ".ray5agent"
	defaultDBFileName = "ray5agent.sqlite"

	profilesTable = "connection_profiles"
	historyTable  = "transfer_history"
)

// Store is a SQLite-backed ProfileStore and TransferRecorder.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (creating if needed) the database at path. An empty path
// resolves via RAY5AGENT_DB_PATH, falling back to ~/.ray5agent/.
func NewStore(path string) (*Store, error) {
	resolved := strings.TrimSpace(path)
	if resolved == "" {
		var err error
		resolved, err = ResolveDatabasePath()
		if err != nil {
			return nil, err
		}
	} else if err := ensureDirExists(filepath.Dir(resolved)); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", resolved)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: resolved}, nil
}

// Path returns the database file backing this store.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ResolveDatabasePath returns the SQLite file path, creating the parent
// directory if necessary.
func ResolveDatabasePath() (string, error) {
	if custom := strings.TrimSpace(os.Getenv(ray5agent.EnvDatabasePath)); custom != "" {
		if err := ensureDirExists(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDirExists(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

func ensureDirExists(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "storage: create dir %s failed", path)
	}
	return nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	// One writer keeps the agent from tripping over its own locks.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	createProfiles := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			address TEXT PRIMARY KEY,
			hardware_addr TEXT NOT NULL DEFAULT '',
			first_seen_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL
		);`, quoteIdent(profilesTable))
	if _, err := db.Exec(createProfiles); err != nil {
		return pkgerrors.Wrap(err, "storage: init profiles schema failed")
	}

	createHistory := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id TEXT NOT NULL,
			address TEXT NOT NULL,
			kind TEXT NOT NULL,
			item TEXT NOT NULL,
			error TEXT,
			created_at TEXT NOT NULL
		);`, quoteIdent(historyTable))
	if _, err := db.Exec(createHistory); err != nil {
		return pkgerrors.Wrap(err, "storage: init history schema failed")
	}

	if err := ensureSQLiteColumn(db, profilesTable, "hardware_addr", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_last_seen ON %s(last_seen_at DESC);`, profilesTable, quoteIdent(profilesTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_batch ON %s(batch_id);`, historyTable, quoteIdent(historyTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_created ON %s(created_at DESC);`, historyTable, quoteIdent(historyTable)),
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "storage: init sqlite indexes failed")
		}
	}
	return nil
}

func ensureSQLiteColumn(db *sql.DB, table, column, columnType string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s);", quoteIdent(table)))
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: describe %s schema failed", table)
	}
	defer rows.Close()
	exists := false
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return pkgerrors.Wrap(err, "storage: scan sqlite table info failed")
		}
		if strings.EqualFold(name, column) {
			exists = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return pkgerrors.Wrap(err, "storage: iterate sqlite table info failed")
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", quoteIdent(table), quoteIdent(column), columnType)
	if _, err := db.Exec(stmt); err != nil {
		return pkgerrors.Wrapf(err, "storage: add column %s to %s failed", column, table)
	}
	return nil
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
