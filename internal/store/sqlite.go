package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "ratchet/pkg/logx"
)

//go:embed schema.sql
var schemaFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single
	// connection also keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, e *Entity) error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("entity id is required")
	}
	if strings.TrimSpace(e.Type) == "" || strings.TrimSpace(e.State) == "" {
		return errors.New("entity type and state are required")
	}
	if e.Changed.IsZero() {
		e.Changed = time.Now()
	}
	e.Ready = true
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities(id, type, state, ready, changed_at, attempted_at, lease_expires_at, payload)
		 VALUES(?,?,?,1,?,NULL,NULL,?)`,
		e.ID, e.Type, e.State, e.Changed.UnixMilli(), e.Payload,
	)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, state, ready, changed_at, attempted_at, lease_expires_at, payload
		 FROM entities WHERE id = ?`, id)
	return scanEntity(row)
}

func (s *sqliteStore) SetReady(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE entities SET ready = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) FetchReadyBatch(ctx context.Context, typ string, states []string, limit int, now time.Time) ([]*Entity, error) {
	if limit <= 0 || len(states) == 0 {
		return nil, nil
	}
	q := `SELECT id, type, state, ready, changed_at, attempted_at, lease_expires_at, payload
	      FROM entities
	      WHERE type = ? AND ready = 1
	        AND state IN (` + placeholders(len(states)) + `)
	        AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
	      ORDER BY attempted_at IS NOT NULL, attempted_at ASC
	      LIMIT ?`
	args := make([]any, 0, len(states)+3)
	args = append(args, typ)
	for _, st := range states {
		args = append(args, st)
	}
	args = append(args, now.UnixMilli(), limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TryAcquireLease(ctx context.Context, id string, now, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET lease_expires_at = ?
		 WHERE id = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)`,
		until.UnixMilli(), id, now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) ReleaseLease(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entities SET lease_expires_at = NULL WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ExtendLease(ctx context.Context, id string, now, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET lease_expires_at = ?
		 WHERE id = ? AND lease_expires_at > ?`,
		until.UnixMilli(), id, now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) MarkAttempted(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET ready = 0, attempted_at = ? WHERE id = ?`,
		now.UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) ApplyTransition(ctx context.Context, id, state string, now time.Time, delayed bool) error {
	var (
		res sql.Result
		err error
	)
	if delayed {
		res, err = s.db.ExecContext(ctx,
			`UPDATE entities SET state = ?, changed_at = ?, attempted_at = ?, ready = 0, lease_expires_at = NULL
			 WHERE id = ?`,
			state, now.UnixMilli(), now.UnixMilli(), id,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE entities SET state = ?, changed_at = ?, attempted_at = NULL, ready = 1, lease_expires_at = NULL
			 WHERE id = ?`,
			state, now.UnixMilli(), id,
		)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) BulkMarkReady(ctx context.Context, typ string, rules []RetryRule, now time.Time) (int64, error) {
	var total int64
	for _, r := range rules {
		if r.Interval <= 0 {
			continue
		}
		cutoff := now.Add(-r.Interval).UnixMilli()
		res, err := s.db.ExecContext(ctx,
			`UPDATE entities SET ready = 1
			 WHERE type = ? AND state = ? AND ready = 0
			   AND (attempted_at IS NULL OR attempted_at <= ?)`,
			typ, r.State, cutoff,
		)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *sqliteStore) ClearExpiredLeases(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET lease_expires_at = NULL
		 WHERE id IN (SELECT id FROM entities WHERE lease_expires_at <= ? LIMIT ?)`,
		now.UnixMilli(), limit,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) DeleteDue(ctx context.Context, typ, state string, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entities
		 WHERE id IN (SELECT id FROM entities WHERE type = ? AND state = ? AND changed_at <= ? LIMIT ?)`,
		typ, state, cutoff.UnixMilli(), limit,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) ReadyCount(ctx context.Context, typ string, states []string, now time.Time) (int64, error) {
	if len(states) == 0 {
		return 0, nil
	}
	q := `SELECT COUNT(*) FROM entities
	      WHERE type = ? AND ready = 1
	        AND state IN (` + placeholders(len(states)) + `)
	        AND (lease_expires_at IS NULL OR lease_expires_at <= ?)`
	args := make([]any, 0, len(states)+2)
	args = append(args, typ)
	for _, st := range states {
		args = append(args, st)
	}
	args = append(args, now.UnixMilli())

	var n int64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var (
		e         Entity
		ready     int64
		changed   int64
		attempted sql.NullInt64
		lease     sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.Type, &e.State, &ready, &changed, &attempted, &lease, &e.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Ready = ready != 0
	e.Changed = time.UnixMilli(changed)
	if attempted.Valid {
		t := time.UnixMilli(attempted.Int64)
		e.Attempted = &t
	}
	if lease.Valid {
		t := time.UnixMilli(lease.Int64)
		e.LeaseExpires = &t
	}
	return &e, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
