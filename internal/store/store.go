package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/xiy/memory-engine/pkg/types"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

// tsLayout is fixed width so text comparison in SQL matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) (time.Time, error) { return time.Parse(tsLayout, s) }

func nullTS(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTS(*t), Valid: true}
}

func parseNullTS(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := parseTS(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

type dialect struct {
	name     string
	driver   string
	schema   string
	greatest string
}

var (
	sqliteDialect   = dialect{name: "sqlite", driver: "sqlite", schema: sqliteSchema, greatest: "MAX"}
	postgresDialect = dialect{name: "postgres", driver: "pgx", schema: postgresSchema, greatest: "GREATEST"}
)

// rebind rewrites ? placeholders to $n for postgres.
func (d dialect) rebind(q string) string {
	if d.name != "postgres" {
		return q
	}
	var sb strings.Builder
	sb.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// SQLStore persists the Medium and Durable tiers plus the failure queue and
// replay log. One query layer serves both SQLite and Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *log.Logger
}

// OpenSQLite opens and initializes an embedded SQLite store.
func OpenSQLite(ctx context.Context, dbPath string, logger *log.Logger) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open(sqliteDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return initStore(ctx, db, sqliteDialect, logger)
}

// OpenPostgres opens a Postgres store through pgx; several engine processes
// may share it.
func OpenPostgres(ctx context.Context, dsn string, logger *log.Logger) (*SQLStore, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return initStore(ctx, db, postgresDialect, logger)
}

// Open picks the backend by driver name ("sqlite" or "postgres").
func Open(ctx context.Context, driver, sqlitePath, postgresDSN string, logger *log.Logger) (*SQLStore, error) {
	switch driver {
	case "sqlite":
		return OpenSQLite(ctx, sqlitePath, logger)
	case "postgres":
		return OpenPostgres(ctx, postgresDSN, logger)
	}
	return nil, fmt.Errorf("unsupported storage driver %q", driver)
}

func initStore(ctx context.Context, db *sql.DB, d dialect, logger *log.Logger) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d, logger: logger}
	for _, stmt := range splitSQLStatements(d.schema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("run schema stmt: %w", err)
		}
	}
	logger.Debug("store initialized", "dialect", d.name)
	return s, nil
}

func splitSQLStatements(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p+";")
	}
	return out
}

// Dialect reports "sqlite" or "postgres".
func (s *SQLStore) Dialect() string { return s.dialect.name }

func (s *SQLStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(q), args...)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(q), args...)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func rowsAffected(res sql.Result, what string) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", what, err)
	}
	return n, nil
}

func marshalMetadata(meta map[string]string) (string, error) {
	if meta == nil {
		meta = map[string]string{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMetadata(s string) map[string]string {
	meta := map[string]string{}
	if err := json.Unmarshal([]byte(s), &meta); err != nil {
		return map[string]string{}
	}
	return meta
}

const defaultListLimit = 50

func limitOrDefault(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

// appendFilter adds kind, time-window and score constraints to a WHERE clause.
func appendFilter(q string, args []any, f types.Filter, scoreColumn string) (string, []any) {
	if len(f.Kinds) > 0 {
		q += " AND kind IN (" + placeholders(len(f.Kinds)) + ")\n"
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	if !f.Since.IsZero() {
		q += " AND created_at >= ?\n"
		args = append(args, formatTS(f.Since))
	}
	if !f.Until.IsZero() {
		q += " AND created_at < ?\n"
		args = append(args, formatTS(f.Until))
	}
	if f.MinScore > 0 {
		q += " AND " + scoreColumn + " >= ?\n"
		args = append(args, f.MinScore)
	}
	return q, args
}
