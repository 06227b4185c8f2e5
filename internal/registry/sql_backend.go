package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gowa-gateway/database"
	"gowa-gateway/internal/model"
)

const createTable = `
CREATE TABLE IF NOT EXISTS wa_sessions (
	id             VARCHAR(128) PRIMARY KEY,
	label          TEXT NOT NULL,
	auto_start     BOOLEAN NOT NULL,
	webhook_url    TEXT NOT NULL,
	webhook_secret TEXT NOT NULL,
	owner_id       VARCHAR(64) NOT NULL,
	created_at     BIGINT NOT NULL
)`

// SQLBackend keeps session metadata in the wa_sessions table. Works with
// postgres, mysql and sqlite.
type SQLBackend struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSQLBackend creates the table if needed.
func NewSQLBackend(ctx context.Context, db *sql.DB, dialect database.Dialect) (*SQLBackend, error) {
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return nil, fmt.Errorf("create wa_sessions: %w", err)
	}
	return &SQLBackend{db: db, dialect: dialect}, nil
}

func (b *SQLBackend) Load(ctx context.Context) ([]model.SessionMeta, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, label, auto_start, webhook_url, webhook_secret, owner_id, created_at
		FROM wa_sessions
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query wa_sessions: %w", err)
	}
	defer rows.Close()

	var out []model.SessionMeta
	for rows.Next() {
		var (
			m         model.SessionMeta
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.Label, &m.AutoStart, &m.WebhookURL, &m.WebhookSecret, &m.OwnerID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan wa_sessions: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (b *SQLBackend) Save(ctx context.Context, meta model.SessionMeta) error {
	query := `
		INSERT INTO wa_sessions (id, label, auto_start, webhook_url, webhook_secret, owner_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if b.dialect == database.MySQL {
		query += `
		ON DUPLICATE KEY UPDATE
			label = VALUES(label),
			auto_start = VALUES(auto_start),
			webhook_url = VALUES(webhook_url),
			webhook_secret = VALUES(webhook_secret),
			owner_id = VALUES(owner_id)`
	} else {
		query += `
		ON CONFLICT (id) DO UPDATE SET
			label = excluded.label,
			auto_start = excluded.auto_start,
			webhook_url = excluded.webhook_url,
			webhook_secret = excluded.webhook_secret,
			owner_id = excluded.owner_id`
	}

	_, err := b.db.ExecContext(ctx, b.rebind(query),
		meta.ID, meta.Label, meta.AutoStart, meta.WebhookURL, meta.WebhookSecret, meta.OwnerID, meta.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", meta.ID, err)
	}
	return nil
}

func (b *SQLBackend) Delete(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM wa_sessions WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// rebind turns ? placeholders into $n for postgres.
func (b *SQLBackend) rebind(query string) string {
	if b.dialect != database.Postgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
