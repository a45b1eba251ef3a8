package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trades-relay/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS idempotency_entries (
	key TEXT PRIMARY KEY,
	outcome TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	reserved_at INTEGER NOT NULL,
	finalized_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_idempotency_outcome ON idempotency_entries(outcome, finalized_at);
`

// SQLite 将去重记录持久化，进行中的记录在重启后仍然保留。
type SQLite struct {
	db *sql.DB
}

// NewSQLite 初始化表结构。
func NewSQLite(ctx context.Context, st *store.Store) (*SQLite, error) {
	if st == nil {
		return nil, fmt.Errorf("idempotency: store 不能为空")
	}
	if err := st.Migrate(ctx, schema); err != nil {
		return nil, fmt.Errorf("idempotency: %w", err)
	}
	return &SQLite{db: st.DB()}, nil
}

func (s *SQLite) CheckAndReserve(ctx context.Context, key string, now time.Time) (Reservation, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_entries (key, outcome, reserved_at) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING`,
		key, string(OutcomeInFlight), now.UnixNano(),
	)
	if err != nil {
		return Duplicate, fmt.Errorf("idempotency: 预留失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Duplicate, fmt.Errorf("idempotency: 读取影响行数失败: %w", err)
	}
	if n == 0 {
		return Duplicate, nil
	}
	return Fresh, nil
}

func (s *SQLite) Finalize(ctx context.Context, key string, outcome Outcome, detail string, now time.Time) error {
	if !outcome.Terminal() {
		return ErrNotTerminal
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_entries SET outcome = ?, detail = ?, finalized_at = ? WHERE key = ? AND outcome = ?`,
		string(outcome), detail, now.UnixNano(), key, string(OutcomeInFlight),
	)
	if err != nil {
		return fmt.Errorf("idempotency: 写入终态失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency: 读取影响行数失败: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.Get(ctx, key); err != nil {
		return err
	}
	return ErrAlreadyFinal
}

func (s *SQLite) Evict(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_entries WHERE outcome != ? AND finalized_at IS NOT NULL AND finalized_at <= ?`,
		string(OutcomeInFlight), now.Add(-retention).UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("idempotency: 清理过期记录失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency: 读取影响行数失败: %w", err)
	}
	return int(n), nil
}

func (s *SQLite) Get(ctx context.Context, key string) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, outcome, detail, reserved_at, finalized_at FROM idempotency_entries WHERE key = ?`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("idempotency: 查询记录失败: %w", err)
	}
	return e, nil
}

func (s *SQLite) InFlight(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, outcome, detail, reserved_at, finalized_at FROM idempotency_entries WHERE outcome = ? ORDER BY reserved_at`,
		string(OutcomeInFlight))
	if err != nil {
		return nil, fmt.Errorf("idempotency: 查询进行中记录失败: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("idempotency: 解析记录失败: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("idempotency: 读取记录失败: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e         Entry
		outcome   string
		reserved  int64
		finalized sql.NullInt64
	)
	if err := sc.Scan(&e.Key, &outcome, &e.Detail, &reserved, &finalized); err != nil {
		return Entry{}, err
	}
	e.Outcome = Outcome(outcome)
	e.ReservedAt = time.Unix(0, reserved).UTC()
	if finalized.Valid {
		e.FinalizedAt = time.Unix(0, finalized.Int64).UTC()
	}
	return e, nil
}
