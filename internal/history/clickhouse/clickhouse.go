package clickhouse

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/labvisor/internal/history"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Options selects the server, credentials and table.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink writes events to ClickHouse over the native protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(o Options) (*Sink, error) {
	if o.Table == "" {
		o.Table = "version_history"
	}
	if !tableName.MatchString(o.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", o.Table)
	}
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{Database: o.Database, Username: o.Username, Password: o.Password},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	return s.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		event String,
		occurred_at DateTime64(6),
		version_id String,
		pid UInt32,
		port UInt16,
		status String,
		error Nullable(String)
	) ENGINE = MergeTree()
	ORDER BY (version_id, occurred_at)`)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	var errText *string
	if e.Record.Error != "" {
		errText = &e.Record.Error
	}
	err := s.conn.Exec(ctx,
		`INSERT INTO `+s.table+` (event, occurred_at, version_id, pid, port, status, error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(e.Type),
		e.OccurredAt.UTC(),
		e.Record.VersionID,
		uint32(e.Record.PID),
		uint16(e.Record.Port),
		e.Record.Status,
		errText,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// Count returns how many events were recorded for versionID.
func (s *Sink) Count(ctx context.Context, versionID string) (uint64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx, `SELECT count() FROM `+s.table+` WHERE version_id = ?`, versionID).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
