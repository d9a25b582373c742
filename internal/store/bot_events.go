package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/meeboter/coordinator/internal/domain"
)

// InsertEvents batch-inserts a flushed event queue in one round trip
// via pgx's CopyFrom.
func (s *PostgresStore) InsertEvents(ctx context.Context, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{e.BotID, string(e.Type), e.EventTime, e.Payload}
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"bot_events"},
		[]string{"bot_id", "type", "event_time", "payload"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

// ListHeartbeatTimedOutBots implements the heartbeat-timeout monitor's
// selection: bots mid-call whose heartbeat is stale or missing, and
// bots stuck in DEPLOYING either with a stale heartbeat or never having
// sent one at all within 30 minutes of creation.
func (s *PostgresStore) ListHeartbeatTimedOutBots(ctx context.Context) ([]*domain.Bot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, data, created_at, updated_at FROM bots
		WHERE
			(status IN ('JOINING_CALL', 'IN_WAITING_ROOM', 'IN_CALL', 'LEAVING')
				AND (last_heartbeat_at IS NULL OR last_heartbeat_at < NOW() - INTERVAL '10 minutes'))
			OR (status = 'DEPLOYING' AND last_heartbeat_at < NOW() - INTERVAL '10 minutes')
			OR (status = 'DEPLOYING' AND last_heartbeat_at IS NULL AND created_at < NOW() - INTERVAL '30 minutes')
	`)
	if err != nil {
		return nil, fmt.Errorf("list heartbeat timed out bots: %w", err)
	}
	defer rows.Close()

	var out []*domain.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListReadyToDeployBots backs the scheduled-start poller: bots
// created with a future StartTime sit in READY_TO_DEPLOY until that time
// enters ImmediateDeployWindow. StartTime lives in the JSONB document, not
// a projected column, so filtering by window happens in the caller.
func (s *PostgresStore) ListReadyToDeployBots(ctx context.Context) ([]*domain.Bot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, data, created_at, updated_at FROM bots WHERE status = 'READY_TO_DEPLOY'
	`)
	if err != nil {
		return nil, fmt.Errorf("list ready to deploy bots: %w", err)
	}
	defer rows.Close()

	var out []*domain.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
