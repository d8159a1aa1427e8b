package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink persists events in a local sqlite database. Preferred over the
// file sink when the audit trail is queried often: anomaly detection reads a
// 30-day window per user on every logged event, and an indexed table makes
// that lookup cheap.
type SQLiteSink struct {
	db     *sql.DB
	config *Config
}

type SQLiteOptions struct {
	DBPath string `json:"db_path"`
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id                 TEXT PRIMARY KEY,
	type               TEXT NOT NULL,
	user_id            TEXT NOT NULL,
	credential_id      TEXT,
	action             TEXT NOT NULL,
	result             TEXT NOT NULL,
	timestamp          INTEGER NOT NULL,
	ip                 TEXT,
	user_agent         TEXT,
	session_id         TEXT,
	risk_score         REAL NOT NULL,
	anomaly_detected   INTEGER NOT NULL,
	mfa_verified       INTEGER NOT NULL,
	duration_ms        INTEGER,
	compliance_flags   TEXT,
	country            TEXT,
	city               TEXT,
	device_fingerprint TEXT,
	metadata           TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_user_time ON audit_events(user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_credential ON audit_events(credential_id);
`

// NewSQLiteSink creates a sqlite-backed audit sink
func NewSQLiteSink(config *Config) (*SQLiteSink, error) {
	var opts SQLiteOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid sqlite sink options: %w", err)
	}
	if opts.DBPath == "" {
		return nil, fmt.Errorf("db_path is required for sqlite sink")
	}

	if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit database directory: %w", err)
	}

	db, err := sql.Open("sqlite", opts.DBPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if _, err = db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	return &SQLiteSink{db: db, config: config}, nil
}

// Insert implements the Sink interface. The batch goes in one transaction
// so a failed write leaves no partial batch behind.
func (s *SQLiteSink) Insert(events []Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO audit_events
		(id, type, user_id, credential_id, action, result, timestamp, ip, user_agent,
		 session_id, risk_score, anomaly_detected, mfa_verified, duration_ms,
		 compliance_flags, country, city, device_fingerprint, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		flags := strings.Join(e.ComplianceFlags, ",")
		var meta []byte
		if len(e.Metadata) > 0 {
			meta, _ = json.Marshal(e.Metadata)
		}
		_, err = stmt.Exec(
			e.ID, string(e.Type), e.UserID, e.CredentialID, e.Action, string(e.Result),
			e.Timestamp.UTC().UnixNano(), e.IP, e.UserAgent, e.SessionID,
			e.RiskScore, boolToInt(e.AnomalyDetected), boolToInt(e.MFAVerified),
			e.DurationMs, flags, e.Country, e.City, e.DeviceFingerprint, string(meta),
		)
		if err != nil {
			return fmt.Errorf("failed to insert audit event %s: %w", e.ID, err)
		}
	}

	return tx.Commit()
}

// Query returns filtered events, newest first.
func (s *SQLiteSink) Query(options QueryOptions) (QueryResult, error) {
	where := []string{"1=1"}
	var args []interface{}

	if options.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, options.UserID)
	}
	if options.CredentialID != "" {
		where = append(where, "credential_id = ?")
		args = append(args, options.CredentialID)
	}
	if options.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(options.Type))
	}
	if options.Result != "" {
		where = append(where, "result = ?")
		args = append(args, string(options.Result))
	}
	if options.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, options.SessionID)
	}
	if options.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, options.Since.UTC().UnixNano())
	}
	if options.Until != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, options.Until.UTC().UnixNano())
	}
	if options.AnomaliesOnly {
		where = append(where, "anomaly_detected = 1")
	}

	query := "SELECT id, type, user_id, credential_id, action, result, timestamp, ip, user_agent, session_id, risk_score, anomaly_detected, mfa_verified, duration_ms, compliance_flags, country, city, device_fingerprint, metadata FROM audit_events WHERE " +
		strings.Join(where, " AND ") + " ORDER BY timestamp DESC"

	if options.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", options.Limit, options.Offset)
	} else if options.Offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", options.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e           Event
			typ, result string
			ts          int64
			anomaly     int
			mfa         int
			flags       string
			meta        string
		)
		err = rows.Scan(&e.ID, &typ, &e.UserID, &e.CredentialID, &e.Action, &result,
			&ts, &e.IP, &e.UserAgent, &e.SessionID, &e.RiskScore, &anomaly, &mfa,
			&e.DurationMs, &flags, &e.Country, &e.City, &e.DeviceFingerprint, &meta)
		if err != nil {
			return QueryResult{}, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Type = EventType(typ)
		e.Result = Result(result)
		e.Timestamp = time.Unix(0, ts).UTC()
		e.AnomalyDetected = anomaly != 0
		e.MFAVerified = mfa != 0
		if flags != "" {
			e.ComplianceFlags = strings.Split(flags, ",")
		}
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &e.Metadata)
		}
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("error reading audit events: %w", err)
	}

	var total int
	if err = s.db.QueryRow("SELECT COUNT(*) FROM audit_events").Scan(&total); err != nil {
		return QueryResult{}, fmt.Errorf("failed to count audit events: %w", err)
	}

	hasMore := options.Limit > 0 && len(events) == options.Limit

	return QueryResult{
		Events:     events,
		TotalCount: total,
		Filtered:   len(events),
		HasMore:    hasMore,
	}, nil
}

// Close implements the Sink interface
func (s *SQLiteSink) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
