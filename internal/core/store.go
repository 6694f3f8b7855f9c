package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/sitedeploy/pkg/api"
)

// Store is a SQLite-backed journal of deployment history records.
type Store struct {
	db   *sql.DB
	site string
}

// JournalEntry is a history record as kept in the local journal.
type JournalEntry struct {
	api.HistoryRecord
	Site       string
	RecordedAt time.Time
}

//go:embed migrations/*.sql
var migrationFS embed.FS

// NewStore opens the journal at path and applies pending migrations.
// site tags every appended record. Use ":memory:" in tests.
func NewStore(path, site string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across queries.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, site: site}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// Append stores rec in the journal.
func (s *Store) Append(ctx context.Context, rec api.HistoryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments (id, active, status, message, author, deployer, details, site, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Active, int(rec.Status), rec.Message, rec.Author, rec.Deployer, rec.Details,
		s.site, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// List returns the newest entries first. limit <= 0 returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]JournalEntry, error) {
	q := `SELECT id, active, status, message, author, deployer, details, site, recorded_at
	      FROM deployments ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			e        JournalEntry
			status   int
			recorded string
		)
		if err := rows.Scan(&e.ID, &e.Active, &status, &e.Message, &e.Author, &e.Deployer, &e.Details, &e.Site, &recorded); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Status = api.DeploymentStatus(status)
		e.RecordedAt, _ = time.Parse(time.RFC3339Nano, recorded)
		out = append(out, e)
	}
	return out, rows.Err()
}
