package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"cinebot/internal/directory"
	logx "cinebot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; scans page through short queries instead of holding it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Upsert(ctx context.Context, r directory.Recipient) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(id, name, last_seen) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, last_seen=excluded.last_seen`,
		r.ID, r.Name, r.LastSeen.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert %d: %w", r.ID, err)
	}
	return nil
}

func (s *sqliteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipients`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count: %w", err)
	}
	return n, nil
}

func (s *sqliteStore) Scan(ctx context.Context) iter.Seq2[directory.Recipient, error] {
	return directory.Keyset(ctx, directory.DefaultPageSize, s.page)
}

func (s *sqliteStore) page(ctx context.Context, after int64, limit int) ([]directory.Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, last_seen FROM recipients WHERE id > ? ORDER BY id LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: scan: %w", err)
	}
	defer rows.Close()

	out := make([]directory.Recipient, 0, limit)
	for rows.Next() {
		var (
			r  directory.Recipient
			ms int64
		)
		if err := rows.Scan(&r.ID, &r.Name, &ms); err != nil {
			return nil, fmt.Errorf("storage: scan row: %w", err)
		}
		r.LastSeen = time.UnixMilli(ms)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: scan: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM recipients WHERE id = ?`, id); err != nil {
		return fmt.Errorf("storage: delete %d: %w", id, err)
	}
	return nil
}

func (s *sqliteStore) DeleteInactive(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recipients WHERE last_seen < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("storage: delete inactive: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_name, action, target, kind, body, sent, perm_fail, trans_fail, total, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorName), e.Action, nullStr(e.Target),
		nullStr(e.Kind), nullStr(truncateBody(e.Body)), e.Sent, e.PermanentlyFailed, e.TransientlyFailed,
		e.Total, nullStr(e.Error), e.TookMS,
	)
	if err != nil {
		return fmt.Errorf("storage: append audit: %w", err)
	}
	return nil
}

func (s *sqliteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, actor_id, COALESCE(actor_name,''), action, COALESCE(target,''), COALESCE(kind,''), COALESCE(body,''),
		        sent, perm_fail, trans_fail, total, COALESCE(err,''), took_ms
		   FROM audit ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			at string
		)
		if err := rows.Scan(&at, &e.ActorID, &e.ActorName, &e.Action, &e.Target, &e.Kind, &e.Body,
			&e.Sent, &e.PermanentlyFailed, &e.TransientlyFailed, &e.Total, &e.Error, &e.TookMS); err != nil {
			return nil, fmt.Errorf("storage: recent audit row: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
