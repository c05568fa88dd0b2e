package persistence

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/volback/internal/jobs"
	"github.com/MimeLyc/volback/internal/ledger"
	_ "modernc.org/sqlite"
)

// defaultMaxRuns bounds the run history table.
const defaultMaxRuns = 5000

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore is a ledger.Store and jobs.Store backed by one SQLite file.
type SQLiteStore struct {
	db      *sql.DB
	maxRuns int
}

var (
	_ ledger.Store = (*SQLiteStore)(nil)
	_ jobs.Store   = (*SQLiteStore)(nil)
)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, maxRuns: defaultMaxRuns}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		// embed.FS paths always use forward slashes.
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

func (s *SQLiteStore) Load(ctx context.Context) (ledger.Entries, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job, unit, succeeded_at FROM last_runs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := ledger.Entries{}
	for rows.Next() {
		var job, unit string
		var at time.Time
		if err := rows.Scan(&job, &unit, &at); err != nil {
			return nil, err
		}
		if ret[job] == nil {
			ret[job] = make(map[string]time.Time)
		}
		ret[job][unit] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// Save writes every entry in one transaction, so a crash leaves the previous
// ledger intact.
func (s *SQLiteStore) Save(ctx context.Context, entries ledger.Entries) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO last_runs (job, unit, succeeded_at) VALUES (?, ?, ?)
		 ON CONFLICT(job, unit) DO UPDATE SET succeeded_at=excluded.succeeded_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for job, units := range entries {
		for unit, at := range units {
			if _, err = stmt.ExecContext(ctx, job, unit, at.UTC()); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) RecordRun(ctx context.Context, run *jobs.UnitRun) error {
	if run == nil {
		return fmt.Errorf("run is nil")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO unit_runs (
			id, kind, job, unit, volume, status, error, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			error=excluded.error,
			finished_at=excluded.finished_at`,
		run.ID,
		string(run.Kind),
		run.Job,
		run.Unit,
		run.Volume,
		string(run.Status),
		run.Error,
		run.StartedAt.UTC(),
		run.FinishedAt.UTC(),
	)
	if err != nil {
		return err
	}
	_, err = s.pruneRuns(ctx)
	return err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*jobs.UnitRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, kind, job, unit, volume, status, error, started_at, finished_at
		 FROM unit_runs
		 ORDER BY started_at DESC, rowid DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.UnitRun, 0)
	for rows.Next() {
		var item jobs.UnitRun
		var kind, status string
		if err := rows.Scan(
			&item.ID,
			&kind,
			&item.Job,
			&item.Unit,
			&item.Volume,
			&status,
			&item.Error,
			&item.StartedAt,
			&item.FinishedAt,
		); err != nil {
			return nil, err
		}
		item.Kind = jobs.Kind(kind)
		item.Status = jobs.Status(status)
		ret = append(ret, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// pruneRuns drops the oldest history rows beyond maxRuns.
func (s *SQLiteStore) pruneRuns(ctx context.Context) (int64, error) {
	if s.maxRuns <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM unit_runs WHERE id IN (
			SELECT id FROM unit_runs ORDER BY started_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)`,
		s.maxRuns,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
