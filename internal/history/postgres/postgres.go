package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/labvisor/internal/history"
)

// Sink appends events to a version_history table in PostgreSQL.
type Sink struct {
	db *sql.DB
}

// New connects using a postgres:// or postgresql:// DSN.
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty PostgreSQL DSN")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS version_history(
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			event TEXT NOT NULL,
			version_id TEXT NOT NULL,
			pid INTEGER NOT NULL,
			port INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_version_history_version ON version_history(version_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	var errText any
	if rec.Error != "" {
		errText = rec.Error
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO version_history(occurred_at, event, version_id, pid, port, status, error)
		VALUES($1, $2, $3, $4, $5, $6, $7);`,
		e.OccurredAt.UTC(), string(e.Type), rec.VersionID, rec.PID, rec.Port, rec.Status, errText)
	return err
}

// Count returns how many events were recorded for versionID.
func (s *Sink) Count(ctx context.Context, versionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM version_history WHERE version_id = $1`, versionID).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
