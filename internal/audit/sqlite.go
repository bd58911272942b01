package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLite stores audit events in a SQLite database via modernc.org/sqlite,
// with a single-writer connection and a multi-reader pool. Timestamps are
// stored as unix nanoseconds UTC.
type SQLite struct {
	write *sql.DB
	read  *sql.DB
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens the database, runs embedded migrations, and returns the
// store. dsn ":memory:" selects a shared-cache in-memory database.
func NewSQLite(dsn string) (*SQLite, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	var fullDSN string
	if dsn == ":memory:" {
		fullDSN = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		fullDSN = "file:" + dsn + "?" + pragmas
	}

	write, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &SQLite{write: write, read: read}, nil
}

// runMigrations applies embedded SQL migrations using goose.
// fs.Sub strips the "migrations/" prefix so goose sees files at the FS root.
func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

func (s *SQLite) Write(ctx context.Context, e *Event) error {
	return s.WriteBatch(ctx, []*Event{e})
}

func (s *SQLite) WriteBatch(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 18
	placeholders := make([]string, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		meta := ""
		if len(e.Metadata) > 0 {
			raw, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("encode metadata: %w", err)
			}
			meta = string(raw)
		}
		risk := e.Risk
		if risk == "" {
			risk = RiskNone
		}
		args = append(args,
			e.ID, string(e.Type), e.Timestamp.UTC().UnixNano(),
			e.Tenant, e.UserID, e.RequestID,
			e.EntityType, e.EntityCount, e.StrategyUsed,
			e.SourceIP, e.UserAgent, e.APIKeyHash,
			e.Endpoint, e.Method, e.StatusCode,
			e.ErrorMessage, string(risk), meta,
		)
	}

	query := `INSERT INTO audit_events
		(id, event_type, ts_ns, tenant_id, user_id, request_id,
		 entity_type, entity_count, strategy_used,
		 source_ip, user_agent, api_key_hash,
		 endpoint, method, status_code, error_message, risk_level, metadata)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLite) Query(ctx context.Context, f Filter) ([]*Event, error) {
	where, args := eventWhere(f)
	query := `SELECT id, event_type, ts_ns, tenant_id, user_id, request_id,
		entity_type, entity_count, strategy_used,
		source_ip, user_agent, api_key_hash,
		endpoint, method, status_code, error_message, risk_level, metadata
		FROM audit_events` + where + ` ORDER BY ts_ns DESC LIMIT ? OFFSET ?`
	args = append(args, f.EffectiveLimit(), f.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	e := &Event{}
	var typ, risk, meta string
	var tsNS int64
	err := rows.Scan(
		&e.ID, &typ, &tsNS, &e.Tenant, &e.UserID, &e.RequestID,
		&e.EntityType, &e.EntityCount, &e.StrategyUsed,
		&e.SourceIP, &e.UserAgent, &e.APIKeyHash,
		&e.Endpoint, &e.Method, &e.StatusCode,
		&e.ErrorMessage, &risk, &meta,
	)
	if err != nil {
		return nil, err
	}
	e.Type = EventType(typ)
	e.Risk = RiskLevel(risk)
	e.Timestamp = time.Unix(0, tsNS).UTC()
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return e, nil
}

// Summary aggregates in SQL rather than loading matching rows; the audit
// table can be far larger than anything worth pulling into memory.
func (s *SQLite) Summary(ctx context.Context, f Filter) (*Summary, error) {
	where, args := eventWhere(f)
	sum := &Summary{
		ByType:        make(map[EventType]int),
		ByRisk:        make(map[RiskLevel]int),
		PIIByEntity:   make(map[string]int),
		StrategyUsage: make(map[string]int),
	}

	rows, err := s.read.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM audit_events`+where+` GROUP BY event_type`, args...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			rows.Close()
			return nil, err
		}
		sum.ByType[EventType(typ)] = n
		sum.Total += n
		switch EventType(typ) {
		case EventAPIRequest:
			sum.APIRequests = n
		case EventAuthFailure:
			sum.AuthFailures = n
		case EventRateLimitExceeded:
			sum.RateLimited = n
		case EventSecretDetected, EventSecretBlocked:
			sum.SecretsFound += n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.read.QueryContext(ctx,
		`SELECT risk_level, COUNT(*) FROM audit_events`+where+` GROUP BY risk_level`, args...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var risk string
		var n int
		if err := rows.Scan(&risk, &n); err != nil {
			rows.Close()
			return nil, err
		}
		sum.ByRisk[RiskLevel(risk)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	piiWhere := where
	if piiWhere == "" {
		piiWhere = " WHERE event_type IN ('pii_detected', 'pii_anonymized')"
	} else {
		piiWhere += " AND event_type IN ('pii_detected', 'pii_anonymized')"
	}
	rows, err = s.read.QueryContext(ctx,
		`SELECT entity_type, strategy_used, SUM(MAX(entity_count, 1)), COUNT(*)
		 FROM audit_events`+piiWhere+` GROUP BY entity_type, strategy_used`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var entity, strategy string
		var weighted, count int
		if err := rows.Scan(&entity, &strategy, &weighted, &count); err != nil {
			return nil, err
		}
		if entity != "" {
			sum.PIIByEntity[entity] += weighted
		}
		if strategy != "" {
			sum.StrategyUsage[strategy] += count
		}
	}
	return sum, rows.Err()
}

func (s *SQLite) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM audit_events WHERE ts_ns < ?`, olderThan.UTC().UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func eventWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any
	if !f.Since.IsZero() {
		clauses = append(clauses, "ts_ns >= ?")
		args = append(args, f.Since.UTC().UnixNano())
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "ts_ns < ?")
		args = append(args, f.Until.UTC().UnixNano())
	}
	if f.Tenant != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, f.Tenant)
	}
	if f.RequestID != "" {
		clauses = append(clauses, "request_id = ?")
		args = append(args, f.RequestID)
	}
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = "?"
			args = append(args, string(t))
		}
		clauses = append(clauses, "event_type IN ("+strings.Join(ph, ", ")+")")
	}
	if risks := f.effectiveRisks(); risks != nil {
		if len(risks) == 0 {
			clauses = append(clauses, "1 = 0")
		} else {
			ph := make([]string, len(risks))
			for i, r := range risks {
				ph[i] = "?"
				args = append(args, string(r))
			}
			clauses = append(clauses, "risk_level IN ("+strings.Join(ph, ", ")+")")
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Ping verifies database connectivity by pinging the read pool.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both database connections.
func (s *SQLite) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
