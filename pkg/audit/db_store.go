package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DBStore keeps audit entries in the PostgreSQL audit_logs table
type DBStore struct {
	db *sql.DB
}

// NewDBStore creates a database-backed audit store and ensures its table exists
func NewDBStore(ctx context.Context, db *sql.DB) (*DBStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &DBStore{db: db}
	if err := s.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_logs table: %w", err)
	}
	return s, nil
}

func (s *DBStore) ensureTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		account_id TEXT,
		action VARCHAR(100) NOT NULL,
		category VARCHAR(32) NOT NULL,
		details JSONB,
		success BOOLEAN NOT NULL,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_account_id ON audit_logs(account_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_category ON audit_logs(category);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Append implements Sink
func (s *DBStore) Append(ctx context.Context, e *Entry) error {
	var details []byte
	if e.Details != nil {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
	}

	query := `
		INSERT INTO audit_logs (timestamp, account_id, action, category, details, success, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		e.Timestamp, e.AccountID, e.Action, e.Category, details, e.Success, e.ErrorMessage,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// Search implements Store
func (s *DBStore) Search(ctx context.Context, f SearchFilter) ([]*Entry, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.AccountID != nil {
		add("account_id = $%d", *f.AccountID)
	}
	if f.Category != "" {
		add("category = $%d", string(f.Category))
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if f.StartTime != nil {
		add("timestamp >= $%d", *f.StartTime)
	}
	if f.EndTime != nil {
		add("timestamp < $%d", *f.EndTime)
	}

	query := `SELECT id, timestamp, account_id, action, category, details, success, error_message FROM audit_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e       Entry
			details []byte
			errMsg  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.AccountID, &e.Action, &e.Category, &details, &e.Success, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal details: %w", err)
			}
		}
		e.ErrorMessage = errMsg.String
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit logs: %w", err)
	}
	return entries, nil
}

// DeleteBefore implements Store
func (s *DBStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE timestamp < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted audit logs: %w", err)
	}
	return n, nil
}
