package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meeboter/coordinator/internal/domain"
)

// Pool-local queue: one platform's own wait list, used only when
// that platform is the sole enabled deployment target.

func (s *PostgresStore) AddToLocalQueue(ctx context.Context, botID int64, priority int, timeout time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pool_queue_entries (bot_id, priority, queued_at, timeout_at)
		VALUES ($1, $2, NOW(), NOW() + $3)
		ON CONFLICT (bot_id) DO UPDATE SET priority = EXCLUDED.priority, timeout_at = EXCLUDED.timeout_at
	`, botID, priority, timeout)
	if err != nil {
		return fmt.Errorf("add to local queue: %w", err)
	}
	return nil
}

func (s *PostgresStore) LocalQueueHead(ctx context.Context) (*domain.PoolQueueEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, bot_id, priority, queued_at, timeout_at FROM pool_queue_entries
		ORDER BY priority ASC, queued_at ASC
		LIMIT 1
	`)
	var e domain.PoolQueueEntry
	err := row.Scan(&e.ID, &e.BotID, &e.Priority, &e.QueuedAt, &e.TimeoutAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("local queue head: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) RemoveFromLocalQueue(ctx context.Context, botID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pool_queue_entries WHERE bot_id = $1`, botID)
	if err != nil {
		return fmt.Errorf("remove from local queue: %w", err)
	}
	return nil
}

// ExpireLocalQueue deletes every entry past its timeout and returns the
// affected bot ids so the caller can transition them to FATAL.
func (s *PostgresStore) ExpireLocalQueue(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM pool_queue_entries WHERE timeout_at <= NOW() RETURNING bot_id
	`)
	if err != nil {
		return nil, fmt.Errorf("expire local queue: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired local queue entry: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) LocalQueueStats(ctx context.Context) (QueueStats, error) {
	return queueStats(ctx, s.pool, "pool_queue_entries", "")
}

// Global wait queue: shared across every enabled platform once
// more than one is configured.

func (s *PostgresStore) AddToGlobalQueue(ctx context.Context, botID int64, priority int, timeout time.Duration) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO global_queue_entries (bot_id, priority, status, queued_at, timeout_at)
		VALUES ($1, $2, 'WAITING', NOW(), NOW() + $3)
		ON CONFLICT (bot_id) DO UPDATE SET priority = EXCLUDED.priority, timeout_at = EXCLUDED.timeout_at, status = 'WAITING'
	`, botID, priority, timeout)
	if err != nil {
		return 0, fmt.Errorf("add to global queue: %w", err)
	}

	var position int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM global_queue_entries
		WHERE status = 'WAITING' AND (priority, queued_at) <= (
			SELECT priority, queued_at FROM global_queue_entries WHERE bot_id = $1
		)
	`, botID).Scan(&position)
	if err != nil {
		return 0, fmt.Errorf("global queue position: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return position, nil
}

func (s *PostgresStore) GlobalQueuePosition(ctx context.Context, botID int64) (int, error) {
	var position int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM global_queue_entries
		WHERE status = 'WAITING' AND (priority, queued_at) <= (
			SELECT priority, queued_at FROM global_queue_entries WHERE bot_id = $1 AND status = 'WAITING'
		)
	`, botID).Scan(&position)
	if err == pgx.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("global queue position: %w", err)
	}
	return position, nil
}

func (s *PostgresStore) ExpireGlobalQueue(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM global_queue_entries WHERE timeout_at <= NOW() RETURNING bot_id
	`)
	if err != nil {
		return nil, fmt.Errorf("expire global queue: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired global queue entry: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NextGlobalQueueHead atomically claims the oldest-highest-priority
// WAITING entry by marking it PROCESSING, so two router pump goroutines
// never attempt to place the same bot (SKIP LOCKED).
func (s *PostgresStore) NextGlobalQueueHead(ctx context.Context) (*domain.GlobalQueueEntry, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE global_queue_entries SET status = 'PROCESSING'
		WHERE id = (
			SELECT id FROM global_queue_entries
			WHERE status = 'WAITING'
			ORDER BY priority ASC, queued_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, bot_id, priority, queued_at, timeout_at, status
	`)
	var e domain.GlobalQueueEntry
	var status string
	err := row.Scan(&e.ID, &e.BotID, &e.Priority, &e.QueuedAt, &e.TimeoutAt, &status)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next global queue head: %w", err)
	}
	e.Status = domain.GlobalQueueStatus(status)
	return &e, nil
}

// RevertGlobalQueueEntry puts a PROCESSING entry back to WAITING after a
// placement attempt was refused, so it remains eligible for the next pump.
func (s *PostgresStore) RevertGlobalQueueEntry(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE global_queue_entries SET status = 'WAITING' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revert global queue entry %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) DeleteGlobalQueueEntry(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM global_queue_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete global queue entry %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) GlobalQueueStats(ctx context.Context) (QueueStats, error) {
	return queueStats(ctx, s.pool, "global_queue_entries", "WHERE status = 'WAITING'")
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queueStats(ctx context.Context, q querier, table, where string) (QueueStats, error) {
	var stats QueueStats
	var oldest *time.Time
	var meanSeconds *float64
	err := q.QueryRow(ctx, fmt.Sprintf(`
		SELECT COUNT(*), MIN(queued_at), AVG(EXTRACT(EPOCH FROM (NOW() - queued_at)))
		FROM %s %s
	`, table, where)).Scan(&stats.Length, &oldest, &meanSeconds)
	if err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	if oldest != nil {
		stats.OldestMs = time.Since(*oldest).Milliseconds()
	}
	if meanSeconds != nil {
		stats.MeanWaitMs = int64(*meanSeconds * 1000)
	}
	return stats, nil
}
