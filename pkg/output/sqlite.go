package output

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Sternrassler/tagharvest/pkg/record"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Run describes a finished harvest run.
type Run struct {
	ID          string
	Outcome     string
	UniqueCount int
	Target      int
	Terms       []string
	Cause       string
	Started     time.Time
	Finished    time.Time
}

// SQLiteStore keeps every collected record across runs. Records already
// stored are left untouched, so ids from earlier runs can seed the next one.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens or creates dir/harvest.db.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dir, SQLiteFile)

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.migrate(migrationsFS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

// Write inserts records, skipping ids that are already stored.
func (s *SQLiteStore) Write(ctx context.Context, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (id, timestamp, text, likes, retweets, replies, quotes, hashtags, mentions, author, source_term)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		hashtags, err := json.Marshal(nonNil(r.Hashtags))
		if err != nil {
			return fmt.Errorf("marshal hashtags: %w", err)
		}
		mentions, err := json.Marshal(nonNil(r.Mentions))
		if err != nil {
			return fmt.Errorf("marshal mentions: %w", err)
		}

		_, err = stmt.ExecContext(ctx,
			r.ID,
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.Text,
			r.Likes, r.Retweets, r.Replies, r.Quotes,
			string(hashtags), string(mentions),
			nullString(r.Author),
			r.SourceTerm,
		)
		if err != nil {
			return fmt.Errorf("insert record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// SeenIDs returns the ids of every stored record.
func (s *SQLiteStore) SeenIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM records")
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// get returns a stored record by id, or sql.ErrNoRows.
func (s *SQLiteStore) get(ctx context.Context, id string) (record.Record, error) {
	var (
		r                  record.Record
		ts                 string
		hashtags, mentions string
		author             sql.NullString
	)

	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, text, likes, retweets, replies, quotes, hashtags, mentions, author, source_term
		FROM records WHERE id = ?
	`, id)
	err := row.Scan(&r.ID, &ts, &r.Text, &r.Likes, &r.Retweets, &r.Replies, &r.Quotes,
		&hashtags, &mentions, &author, &r.SourceTerm)
	if err != nil {
		return record.Record{}, err
	}

	if r.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return record.Record{}, fmt.Errorf("parse timestamp: %w", err)
	}
	if err := json.Unmarshal([]byte(hashtags), &r.Hashtags); err != nil {
		return record.Record{}, fmt.Errorf("unmarshal hashtags: %w", err)
	}
	if err := json.Unmarshal([]byte(mentions), &r.Mentions); err != nil {
		return record.Record{}, fmt.Errorf("unmarshal mentions: %w", err)
	}
	r.Author = author.String
	return r, nil
}

// Count returns the number of stored records.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// RecordRun stores the summary of a run.
func (s *SQLiteStore) RecordRun(ctx context.Context, run Run) error {
	terms, err := json.Marshal(nonNil(run.Terms))
	if err != nil {
		return fmt.Errorf("marshal terms: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, outcome, unique_count, target, terms, cause, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome,
			unique_count = excluded.unique_count,
			finished_at = excluded.finished_at
	`,
		run.ID, run.Outcome, run.UniqueCount, run.Target, string(terms),
		nullString(run.Cause),
		run.Started.UTC().Format(time.RFC3339Nano),
		run.Finished.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
