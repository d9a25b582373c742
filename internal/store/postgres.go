package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meeboter/coordinator/internal/domain"
	"github.com/meeboter/coordinator/internal/errs"
)

// PostgresStore is the pgx-backed implementation of Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bots (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			log_level TEXT NOT NULL DEFAULT 'INFO',
			deployment_platform TEXT,
			platform_identifier TEXT,
			deployment_error TEXT,
			last_heartbeat_at TIMESTAMPTZ,
			recording_url TEXT,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_user_id ON bots(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_status ON bots(status)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_deployment_platform ON bots(deployment_platform) WHERE deployment_platform IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_bots_last_heartbeat ON bots(last_heartbeat_at) WHERE last_heartbeat_at IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS pool_slots (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			platform TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'IDLE',
			assigned_bot_id BIGINT REFERENCES bots(id) ON DELETE SET NULL,
			application_uuid TEXT NOT NULL DEFAULT '',
			error_message TEXT,
			recovery_attempts INTEGER NOT NULL DEFAULT 0,
			last_used_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pool_slots_status ON pool_slots(status, platform)`,
		`CREATE INDEX IF NOT EXISTS idx_pool_slots_app_uuid ON pool_slots(application_uuid) WHERE application_uuid <> ''`,

		`CREATE TABLE IF NOT EXISTS pool_queue_entries (
			id BIGSERIAL PRIMARY KEY,
			bot_id BIGINT NOT NULL UNIQUE REFERENCES bots(id) ON DELETE CASCADE,
			priority INTEGER NOT NULL DEFAULT 0,
			queued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			timeout_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pool_queue_order ON pool_queue_entries(priority DESC, queued_at ASC)`,

		`CREATE TABLE IF NOT EXISTS global_queue_entries (
			id BIGSERIAL PRIMARY KEY,
			bot_id BIGINT NOT NULL UNIQUE REFERENCES bots(id) ON DELETE CASCADE,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'WAITING',
			queued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			timeout_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_global_queue_order ON global_queue_entries(status, priority DESC, queued_at ASC)`,

		`CREATE TABLE IF NOT EXISTS bot_events (
			id BIGSERIAL PRIMARY KEY,
			bot_id BIGINT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			event_time TIMESTAMPTZ NOT NULL,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_events_bot_id ON bot_events(bot_id, event_time DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// botRow mirrors the JSONB-stored projection of domain.Bot; columns that
// are queried or joined on (status, log level, platform, identifier,
// heartbeat, recording url) are pulled out and kept in sync redundantly
// alongside the JSONB blob.
func scanBot(row pgx.Row) (*domain.Bot, error) {
	var data []byte
	var id int64
	var createdAt, updatedAt time.Time
	if err := row.Scan(&id, &data, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var b domain.Bot
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bot %d: %w", id, err)
	}
	b.ID = id
	b.CreatedAt = createdAt
	b.UpdatedAt = updatedAt
	return &b, nil
}

func (s *PostgresStore) CreateBot(ctx context.Context, bot *domain.Bot) error {
	now := time.Now().UTC()
	bot.CreatedAt = now
	bot.UpdatedAt = now
	if bot.Status == "" {
		bot.Status = domain.StatusReadyToDeploy
	}
	if bot.LogLevel == "" {
		bot.LogLevel = domain.LogInfo
	}

	data, err := json.Marshal(bot)
	if err != nil {
		return fmt.Errorf("encode bot: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO bots (user_id, status, log_level, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING id
	`, bot.UserID, string(bot.Status), string(bot.LogLevel), data, now).Scan(&bot.ID)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBot(ctx context.Context, id int64) (*domain.Bot, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, data, created_at, updated_at FROM bots WHERE id = $1`, id)
	bot, err := scanBot(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bot %d: %w", id, err)
	}
	return bot, nil
}

func (s *PostgresStore) DeleteBot(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM bots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete bot %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListBots(ctx context.Context, userID string, page, pageSize int) ([]*domain.Bot, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	if page < 0 {
		page = 0
	}
	offset := page * pageSize

	var rows pgx.Rows
	var err error
	if userID == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT id, data, created_at, updated_at FROM bots
			ORDER BY created_at DESC LIMIT $1 OFFSET $2
		`, pageSize, offset)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, data, created_at, updated_at FROM bots
			WHERE user_id = $1
			ORDER BY created_at DESC LIMIT $2 OFFSET $3
		`, userID, pageSize, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
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

func (s *PostgresStore) GetBotOwner(ctx context.Context, id int64) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx, `SELECT user_id FROM bots WHERE id = $1`, id).Scan(&userID)
	if err == pgx.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get bot owner %d: %w", id, err)
	}
	return userID, nil
}

// mutateBot loads, mutates, and writes back the JSONB document for bot id
// inside a single round trip, keeping the status/log_level/platform
// projection columns in sync. Mirrors the read-modify-write shape the
// teacher uses for function_state transitions.
func (s *PostgresStore) UpdateBot(ctx context.Context, id int64, patch BotPatch) error {
	return s.mutateBot(ctx, id, func(b *domain.Bot) error {
		if patch.DisplayName != nil {
			b.DisplayName = *patch.DisplayName
		}
		if patch.AvatarURL != nil {
			b.AvatarURL = *patch.AvatarURL
		}
		if patch.RecordingEnabled != nil {
			b.RecordingEnabled = *patch.RecordingEnabled
		}
		if patch.ChatEnabled != nil {
			b.ChatEnabled = *patch.ChatEnabled
		}
		if patch.WebhookURL != nil {
			b.WebhookURL = *patch.WebhookURL
		}
		if patch.HeartbeatIntervalMs != nil {
			b.HeartbeatIntervalMs = *patch.HeartbeatIntervalMs
		}
		if patch.LeaveTimeouts != nil {
			b.LeaveTimeouts = *patch.LeaveTimeouts
		}
		return nil
	})
}

func (s *PostgresStore) mutateBot(ctx context.Context, id int64, mutate func(b *domain.Bot) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT id, data, created_at, updated_at FROM bots WHERE id = $1 FOR UPDATE`, id)
	bot, err := scanBot(row)
	if err == pgx.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load bot %d: %w", id, err)
	}

	if err := mutate(bot); err != nil {
		return err
	}
	bot.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(bot)
	if err != nil {
		return fmt.Errorf("encode bot: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE bots SET data = $1, status = $2, log_level = $3,
			deployment_platform = $4, platform_identifier = $5,
			deployment_error = $6, last_heartbeat_at = $7, recording_url = $8,
			updated_at = $9
		WHERE id = $10
	`, data, string(bot.Status), string(bot.LogLevel),
		nullableString(string(bot.DeploymentPlatform)), nullableString(bot.PlatformIdentifier),
		nullableString(bot.DeploymentError), bot.LastHeartbeatAt, nullableString(bot.RecordingURL),
		bot.UpdatedAt, id)
	if err != nil {
		return fmt.Errorf("update bot %d: %w", id, err)
	}

	return tx.Commit(ctx)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *PostgresStore) SetBotDeploying(ctx context.Context, id int64) error {
	return s.mutateBot(ctx, id, func(b *domain.Bot) error {
		b.Status = domain.StatusDeploying
		return nil
	})
}

func (s *PostgresStore) PersistPlacement(ctx context.Context, id int64, platform domain.DeployPlatform, identifier string) error {
	return s.mutateBot(ctx, id, func(b *domain.Bot) error {
		b.Status = domain.StatusDeploying
		b.DeploymentPlatform = platform
		b.PlatformIdentifier = identifier
		return nil
	})
}

func (s *PostgresStore) PersistQueued(ctx context.Context, id int64) error {
	return s.mutateBot(ctx, id, func(b *domain.Bot) error {
		b.Status = domain.StatusQueued
		return nil
	})
}

func (s *PostgresStore) PersistFatal(ctx context.Context, id int64, reason string) error {
	return s.mutateBot(ctx, id, func(b *domain.Bot) error {
		b.Status = domain.StatusFatal
		b.DeploymentError = reason
		return nil
	})
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id int64, status domain.Status) error {
	return s.mutateBot(ctx, id, func(b *domain.Bot) error {
		if status != b.Status && !b.CanTransitionTo(status) {
			return errs.Validationf("bot %d is in terminal status %s, cannot transition to %s", b.ID, b.Status, status)
		}
		b.Status = status
		return nil
	})
}

// HeartbeatLookup is the read half of the heartbeat fast-path; the
// intake layer runs this and HeartbeatTouch concurrently rather than
// inside one transaction, trading strict consistency for latency.
func (s *PostgresStore) HeartbeatLookup(ctx context.Context, id int64) (domain.Status, domain.LogLevel, error) {
	var status, level string
	err := s.pool.QueryRow(ctx, `SELECT status, log_level FROM bots WHERE id = $1`, id).Scan(&status, &level)
	if err == pgx.ErrNoRows {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("heartbeat lookup %d: %w", id, err)
	}
	return domain.Status(status), domain.LogLevel(level), nil
}

func (s *PostgresStore) HeartbeatTouch(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE bots SET last_heartbeat_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("heartbeat touch %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatusWithRecording implements the status-update transaction:
// it enforces the DONE+recording precondition before committing and
// returns the callback URL and platform identifier the caller needs for
// the fire-and-forget webhook and adapter release.
func (s *PostgresStore) UpdateStatusWithRecording(ctx context.Context, id int64, status domain.Status, recordingURL string, speakers []domain.SpeakerEvent) (string, string, error) {
	var callbackURL, platformIdentifier string

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT id, data, created_at, updated_at FROM bots WHERE id = $1 FOR UPDATE`, id)
	bot, err := scanBot(row)
	if err == pgx.ErrNoRows {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("load bot %d: %w", id, err)
	}

	if status == domain.StatusDone && bot.RecordingEnabled && recordingURL == "" {
		return "", "", fmt.Errorf("%w: recording_url required transitioning to DONE with recording enabled", errs.ErrValidation)
	}

	if status != bot.Status && !bot.CanTransitionTo(status) {
		return "", "", errs.Validationf("bot %d is in terminal status %s, cannot transition to %s", bot.ID, bot.Status, status)
	}

	bot.Status = status
	if recordingURL != "" {
		bot.RecordingURL = recordingURL
	}
	if len(speakers) > 0 {
		bot.SpeakerTimeline = append(bot.SpeakerTimeline, speakers...)
	}
	bot.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(bot)
	if err != nil {
		return "", "", fmt.Errorf("encode bot: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE bots SET data = $1, status = $2, recording_url = $3, updated_at = $4 WHERE id = $5
	`, data, string(bot.Status), nullableString(bot.RecordingURL), bot.UpdatedAt, id)
	if err != nil {
		return "", "", fmt.Errorf("update bot %d: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", "", fmt.Errorf("commit: %w", err)
	}

	callbackURL = bot.WebhookURL
	platformIdentifier = bot.PlatformIdentifier
	return callbackURL, platformIdentifier, nil
}

func (s *PostgresStore) AddScreenshot(ctx context.Context, id int64, shot domain.Screenshot) error {
	return s.mutateBot(ctx, id, func(b *domain.Bot) error {
		b.AddScreenshot(shot)
		return nil
	})
}

func (s *PostgresStore) UpdateLogLevel(ctx context.Context, id int64, level domain.LogLevel) error {
	return s.mutateBot(ctx, id, func(b *domain.Bot) error {
		b.LogLevel = level
		return nil
	})
}

func (s *PostgresStore) ActiveCount(ctx context.Context, platform domain.DeployPlatform) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM bots
		WHERE deployment_platform = $1 AND status = ANY($2)
	`, string(platform), activeStatusList()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("active count for %s: %w", platform, err)
	}
	return count, nil
}

func activeStatusList() []string {
	out := make([]string, 0, len(domain.ActiveStatuses))
	for st := range domain.ActiveStatuses {
		out = append(out, string(st))
	}
	return out
}

// GetPoolSlotConfig serves the bot-container's own config fetch: it looks
// the slot up by its application UUID and, if a bot is currently
// assigned, returns that bot's projection. A bot already in a terminal
// status is refused: the container asking for its config has no job left
// to do and should exit rather than boot against a finished bot.
func (s *PostgresStore) GetPoolSlotConfig(ctx context.Context, applicationUUID string) (*domain.BotConfig, bool, error) {
	var assignedBotID *int64
	err := s.pool.QueryRow(ctx, `
		SELECT assigned_bot_id FROM pool_slots WHERE application_uuid = $1
	`, applicationUUID).Scan(&assignedBotID)
	if err == pgx.ErrNoRows {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup slot config %s: %w", applicationUUID, err)
	}
	if assignedBotID == nil {
		return nil, false, nil
	}
	bot, err := s.GetBot(ctx, *assignedBotID)
	if err != nil {
		return nil, false, err
	}
	if bot.Status.IsTerminal() {
		return nil, false, errs.Validationf("bot %d is already in terminal status %s, container should exit", bot.ID, bot.Status)
	}
	return bot.Config(), true, nil
}
