package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/labvisor/internal/history"
)

// Sink appends events to a version_history table in SQLite.
type Sink struct {
	db *sql.DB
}

// New opens dsn, which may be "sqlite:///path.db", "sqlite://:memory:",
// a bare path or ":memory:".
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases alive and serialises writers
	db.SetMaxOpenConns(1)
	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS version_history(
		occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		event TEXT NOT NULL,
		version_id TEXT NOT NULL,
		pid INTEGER NOT NULL,
		port INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT
	);`)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_version_history_version ON version_history(version_id);`)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	var errText any
	if rec.Error != "" {
		errText = rec.Error
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO version_history(occurred_at, event, version_id, pid, port, status, error)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), rec.VersionID, rec.PID, rec.Port, rec.Status, errText)
	return err
}

// Count returns how many events were recorded for versionID.
func (s *Sink) Count(ctx context.Context, versionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM version_history WHERE version_id = ?`, versionID).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
