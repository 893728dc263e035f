// Package outbox 在本地 SQLite 中保存未能送达的终态报告，等待后续重投。
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Record 是一条待投递的报告。
type Record struct {
	ID        string
	Key       string
	JobID     string
	Payload   []byte
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Outbox 基于 SQLite 的待投递队列。
type Outbox struct {
	db *sql.DB
}

// Open 打开或创建 path 处的数据库。
func Open(path string) (*Outbox, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", path, err)
	}
	// modernc 驱动下单连接避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
	o, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return o, nil
}

// New 在已有连接上建表。
func New(db *sql.DB) (*Outbox, error) {
	o := &Outbox{db: db}
	if err := o.migrate(); err != nil {
		return nil, fmt.Errorf("migrate outbox: %w", err)
	}
	return o, nil
}

func (o *Outbox) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS report_outbox (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		job_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	if _, err := o.db.ExecContext(context.Background(), query); err != nil {
		return err
	}
	_, err := o.db.ExecContext(context.Background(),
		`CREATE INDEX IF NOT EXISTS report_outbox_created ON report_outbox (created_at)`)
	return err
}

// Save 写入记录，同一幂等键只保留一条。
func (o *Outbox) Save(ctx context.Context, rec Record) error {
	if rec.ID == "" || rec.Key == "" {
		return errors.New("outbox record requires id and idempotency key")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	query := `INSERT INTO report_outbox (id, idempotency_key, job_id, payload, attempts, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (idempotency_key) DO UPDATE SET
		attempts = report_outbox.attempts + excluded.attempts,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at`
	_, err := o.db.ExecContext(ctx, query,
		rec.ID, rec.Key, rec.JobID, rec.Payload, rec.Attempts, rec.LastError,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert outbox record: %w", err)
	}
	return nil
}

// Pending 按创建时间返回最多 limit 条记录。
func (o *Outbox) Pending(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 32
	}
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, idempotency_key, job_id, payload, attempts, last_error, created_at, updated_at
		FROM report_outbox
		ORDER BY created_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Key, &rec.JobID, &rec.Payload, &rec.Attempts, &rec.LastError, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// MarkAttempt 记录一次失败的重投。
func (o *Outbox) MarkAttempt(ctx context.Context, id, lastErr string) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE report_outbox SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ?`, lastErr, time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// Delete 删除已送达的记录。
func (o *Outbox) Delete(ctx context.Context, id string) error {
	_, err := o.db.ExecContext(ctx, `DELETE FROM report_outbox WHERE id = ?`, id)
	return err
}

// Count 返回待投递数量。
func (o *Outbox) Count(ctx context.Context) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM report_outbox`).Scan(&n)
	return n, err
}

// Close 关闭数据库。
func (o *Outbox) Close() error { return o.db.Close() }
