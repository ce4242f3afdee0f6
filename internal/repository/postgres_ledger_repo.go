package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/FilipeAphrody/auth-service/internal/domain"
)

// PostgresLedger implements domain.SecurityLedger on the security_events table.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Append inserts an immutable record. The schema allows user_id to be NULL
// (e.g. anonymous failed login).
func (l *PostgresLedger) Append(ctx context.Context, e *domain.SecurityEvent) error {
	var metaJSON []byte
	if len(e.Metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}

	var uid sql.NullString
	if e.UserID != "" {
		uid.String = e.UserID
		uid.Valid = true
	}

	query := `
		INSERT INTO security_events (id, event_type, user_id, ip_address, user_agent, device_fingerprint, metadata, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := l.db.ExecContext(ctx, query,
		e.ID, e.Type, uid, e.IPAddress, e.UserAgent, e.DeviceFingerprint, metaJSON, e.Description, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append security event: %w", err)
	}
	return nil
}

func (l *PostgresLedger) ListByUser(ctx context.Context, userID string, limit int) ([]domain.SecurityEvent, error) {
	query := `
		SELECT id, event_type, COALESCE(user_id::text, ''), ip_address, user_agent, device_fingerprint, metadata, description, created_at
		FROM security_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := l.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list security events: %w", err)
	}
	defer rows.Close()

	out := []domain.SecurityEvent{}
	for rows.Next() {
		var e domain.SecurityEvent
		var meta []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.UserID, &e.IPAddress, &e.UserAgent, &e.DeviceFingerprint, &meta, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) CountByIP(ctx context.Context, eventType domain.EventType, ip string, since time.Time) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM security_events
		WHERE event_type = $1 AND ip_address = $2 AND created_at >= $3`, eventType, ip, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count security events: %w", err)
	}
	return n, nil
}
