package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/infinityai/imagine/internal/replicate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding prediction history and the job queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "imagine.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for tests and maintenance.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Predictions ---

const predictionColumns = `id, version, status, output_url, error, archived_url, created_at, updated_at`

// RecordPrediction inserts or updates the history row for p. A terminal row
// is never moved back to a non-terminal status. It reports whether this call
// moved the row into a terminal status.
func (s *Store) RecordPrediction(p Prediction) (becameTerminal bool, err error) {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning record transaction: %w", err)
	}
	defer tx.Rollback()

	var prevStatus string
	err = tx.QueryRow(`SELECT status FROM predictions WHERE id = ?`, p.ID).Scan(&prevStatus)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`
			INSERT INTO predictions (`+predictionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Version, p.Status, p.OutputURL, p.Error, p.ArchivedURL,
			p.CreatedAt.UTC().Format(time.RFC3339), now.Format(time.RFC3339),
		)
		if err != nil {
			return false, fmt.Errorf("inserting prediction: %w", err)
		}
		becameTerminal = replicate.IsTerminal(p.Status)
	case err != nil:
		return false, fmt.Errorf("reading prediction: %w", err)
	default:
		if replicate.IsTerminal(prevStatus) && !replicate.IsTerminal(p.Status) {
			return false, nil
		}
		_, err = tx.Exec(`
			UPDATE predictions SET status = ?, output_url = ?, error = ?, updated_at = ?
			WHERE id = ?`,
			p.Status, p.OutputURL, p.Error, now.Format(time.RFC3339), p.ID,
		)
		if err != nil {
			return false, fmt.Errorf("updating prediction: %w", err)
		}
		becameTerminal = replicate.IsTerminal(p.Status) && !replicate.IsTerminal(prevStatus)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing prediction: %w", err)
	}
	return becameTerminal, nil
}

func (s *Store) GetPrediction(id string) (Prediction, error) {
	row := s.db.QueryRow(`SELECT `+predictionColumns+` FROM predictions WHERE id = ?`, id)
	p, err := scanPrediction(row)
	if err == sql.ErrNoRows {
		return Prediction{}, ErrNotFound
	}
	return p, err
}

// ListPredictions returns history rows, newest first.
func (s *Store) ListPredictions(limit, offset int) ([]Prediction, error) {
	rows, err := s.db.Query(`
		SELECT `+predictionColumns+` FROM predictions
		ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

func (s *Store) SetArchivedURL(id, archivedURL string) error {
	res, err := s.db.Exec(`UPDATE predictions SET archived_url = ?, updated_at = ? WHERE id = ?`,
		archivedURL, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrediction(r rowScanner) (Prediction, error) {
	var p Prediction
	var createdAt, updatedAt string
	if err := r.Scan(&p.ID, &p.Version, &p.Status, &p.OutputURL, &p.Error, &p.ArchivedURL, &createdAt, &updatedAt); err != nil {
		return Prediction{}, err
	}
	var err error
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Prediction{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Prediction{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}
