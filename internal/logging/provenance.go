package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS adjustment_log (
	event_id        TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	rule            TEXT,
	rate            REAL NOT NULL,
	target          REAL NOT NULL,
	total_count     INTEGER NOT NULL,
	thresholds_json TEXT,
	reason          TEXT,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_adjustment_log_created ON adjustment_log(created_at);
`

// createdAtLayout is fixed width so created_at sorts chronologically as text.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Migrate creates the adjustment_log table if needed.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate adjustment_log: %w", err)
	}
	return nil
}

// #endregion schema

// #region log-decision
// LogDecision writes a provenance entry to the adjustment_log table.
func LogDecision(ctx context.Context, db *sql.DB, entry ProvenanceEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.EventID == "" {
		return fmt.Errorf("log decision: empty event id")
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO adjustment_log (event_id, kind, rule, rate, target, total_count, thresholds_json, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EventID,
		string(entry.Kind),
		nullIfEmpty(entry.Rule),
		entry.Rate,
		entry.Target,
		entry.TotalCount,
		nullIfEmpty(entry.ThresholdsJSON),
		nullIfEmpty(entry.Reason),
		entry.CreatedAt.UTC().Format(createdAtLayout),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// #endregion log-decision

// #region sink
// Log is a provenance sink over an open database.
type Log struct {
	db *sql.DB
}

// NewLog migrates db and returns a sink writing to it.
func NewLog(db *sql.DB) (*Log, error) {
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return &Log{db: db}, nil
}

// Record writes one entry.
func (l *Log) Record(ctx context.Context, entry ProvenanceEntry) error {
	return LogDecision(ctx, l.db, entry)
}

// Recent returns up to n entries, newest first. An optional kind filters
// the result.
func (l *Log) Recent(ctx context.Context, n int, kind Kind) ([]ProvenanceEntry, error) {
	query := `SELECT event_id, kind, rule, rate, target, total_count, thresholds_json, reason, created_at
		 FROM adjustment_log`
	args := []interface{}{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, n)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query adjustment_log: %w", err)
	}
	defer rows.Close()

	var out []ProvenanceEntry
	for rows.Next() {
		var (
			e                      ProvenanceEntry
			kindStr, createdAt     string
			rule, thresholds, reas sql.NullString
		)
		if err := rows.Scan(&e.EventID, &kindStr, &rule, &e.Rate, &e.Target, &e.TotalCount, &thresholds, &reas, &createdAt); err != nil {
			return nil, fmt.Errorf("scan adjustment_log: %w", err)
		}
		e.Kind = Kind(kindStr)
		e.Rule = rule.String
		e.ThresholdsJSON = thresholds.String
		e.Reason = reas.String
		e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion sink

// #region helpers
// EncodeThresholds renders a threshold snapshot for ThresholdsJSON.
func EncodeThresholds(m map[string]float64) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
