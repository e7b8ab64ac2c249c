//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "paystream/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
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

func (s *sqliteStore) LoadLedger(ctx context.Context) (*LedgerState, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}

	st := &LedgerState{
		Schedules: map[string]ScheduleRecord{},
		Escrow:    map[string]uint64{},
	}
	empty := true

	rows, err := s.db.QueryContext(ctx, `SELECT recipient FROM registry ORDER BY pos`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			_ = rows.Close()
			return nil, err
		}
		st.Registry = append(st.Registry, r)
		empty = false
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT recipient, amount, interval_ns, last_paid FROM schedules`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			r        string
			amount   int64
			interval int64
			lastPaid string
		)
		if err := rows.Scan(&r, &amount, &interval, &lastPaid); err != nil {
			_ = rows.Close()
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, lastPaid)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("schedules.last_paid for %q: %w", r, err)
		}
		st.Schedules[r] = ScheduleRecord{
			Amount:   uint64(amount),
			Interval: time.Duration(interval),
			LastPaid: t,
		}
		empty = false
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT recipient, balance FROM escrow`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			r string
			b int64
		)
		if err := rows.Scan(&r, &b); err != nil {
			_ = rows.Close()
			return nil, err
		}
		st.Escrow[r] = uint64(b)
		empty = false
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'balance'`).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		v, perr := strconv.ParseUint(raw, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("meta.balance: %w", perr)
		}
		st.Balance = v
		empty = false
	}

	if empty {
		return nil, nil
	}
	return st, nil
}

func (s *sqliteStore) SaveRegistry(ctx context.Context, recipients []string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM registry`); err != nil {
		_ = tx.Rollback()
		return err
	}
	for i, r := range recipients {
		if _, err := tx.ExecContext(ctx, `INSERT INTO registry(pos, recipient) VALUES(?,?)`, i, r); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) UpsertSchedule(ctx context.Context, recipient string, rec ScheduleRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(recipient, amount, interval_ns, last_paid) VALUES(?,?,?,?)
		 ON CONFLICT(recipient) DO UPDATE SET amount=excluded.amount, interval_ns=excluded.interval_ns, last_paid=excluded.last_paid`,
		recipient, int64(rec.Amount), int64(rec.Interval), rec.LastPaid.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, recipient string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE recipient = ?`, recipient)
	return err
}

func (s *sqliteStore) PutEscrow(ctx context.Context, recipient string, balance uint64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escrow(recipient, balance) VALUES(?,?)
		 ON CONFLICT(recipient) DO UPDATE SET balance=excluded.balance`,
		recipient, int64(balance),
	)
	return err
}

func (s *sqliteStore) PutBalance(ctx context.Context, balance uint64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES('balance', ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		strconv.FormatUint(balance, 10),
	)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, type, recipient, amount, balance, detail) VALUES(?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Type, nullStr(e.Recipient), int64(e.Amount), int64(e.Balance), nullStr(e.Detail),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT until FROM dedup WHERE key = ? AND until > ?`,
		key, time.Now().UnixMilli(),
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
