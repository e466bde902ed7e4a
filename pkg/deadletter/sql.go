package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS safe_init_dead_letters (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	handler TEXT,
	lambda_name TEXT,
	aws_request_id TEXT,
	body TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_safe_init_dead_letters_created ON safe_init_dead_letters(created_at);
`

// Record is one stored dead-letter row.
type Record struct {
	ID           string    `json:"id" yaml:"id"`
	Type         string    `json:"type" yaml:"type"`
	Handler      string    `json:"handler" yaml:"handler"`
	LambdaName   string    `json:"lambda_name" yaml:"lambda_name"`
	AWSRequestID string    `json:"aws_request_id" yaml:"aws_request_id"`
	Body         string    `json:"body" yaml:"body"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
}

// SQLSink stores messages in a PostgreSQL or SQLite table.
type SQLSink struct {
	db     *sql.DB
	driver string
}

// OpenSQLSink opens dsn with driver ("postgres" or "sqlite3") and makes sure
// the table exists.
func OpenSQLSink(ctx context.Context, driver, dsn string) (*SQLSink, error) {
	if driver == "sqlite3" && !strings.Contains(dsn, "?") {
		// WAL plus a busy timeout lets the CLI read while a local run writes.
		dsn += "?_journal_mode=WAL&_busy_timeout=10000"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(1)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLSink{db: db, driver: driver}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewSQLSinkWithDB wraps an already opened database.
func NewSQLSinkWithDB(ctx context.Context, db *sql.DB, driver string) (*SQLSink, error) {
	s := &SQLSink{db: db, driver: driver}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLSink) initSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// bind rewrites ? placeholders for drivers that want $n.
func (s *SQLSink) bind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Send implements Sink.
func (s *SQLSink) Send(ctx context.Context, msg Message) error {
	body, err := msg.Body()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.bind(`
		INSERT INTO safe_init_dead_letters (id, type, handler, lambda_name, aws_request_id, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.Type, msg.Handler, msg.LambdaName, msg.AWSRequestID, string(body),
		time.Unix(msg.Timestamp, 0).UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

// List returns up to limit records, newest first.
func (s *SQLSink) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.bind(`
		SELECT id, type, handler, lambda_name, aws_request_id, body, created_at
		FROM safe_init_dead_letters
		ORDER BY created_at DESC, id
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var handler, name, reqID sql.NullString
		if err := rows.Scan(&r.ID, &r.Type, &handler, &name, &reqID, &r.Body, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		r.Handler, r.LambdaName, r.AWSRequestID = handler.String, name.String, reqID.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close implements Sink.
func (s *SQLSink) Close() error {
	return s.db.Close()
}
