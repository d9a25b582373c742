package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meeboter/coordinator/internal/domain"
)

// slotLockKey returns a deterministic pg_advisory_xact_lock key scoped to
// one platform's pool, so concurrent new-slot reservations for different
// platforms never block each other.
func slotLockKey(platform domain.MeetingPlatform) int64 {
	h := fnv.New64a()
	h.Write([]byte("pool_slot:"))
	h.Write([]byte(platform))
	return int64(h.Sum64())
}

func scanSlot(row pgx.Row) (*domain.PoolSlot, error) {
	var s domain.PoolSlot
	var errMsg, appUUID *string
	var lastUsed *time.Time
	if err := row.Scan(&s.ID, &s.Name, &s.Platform, &s.Status, &s.AssignedBotID,
		&appUUID, &errMsg, &s.RecoveryAttempts, &lastUsed, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if appUUID != nil {
		s.ApplicationUUID = *appUUID
	}
	if errMsg != nil {
		s.ErrorMessage = *errMsg
	}
	s.LastUsedAt = lastUsed
	return &s, nil
}

const slotColumns = `id, name, platform, status, assigned_bot_id, application_uuid, error_message, recovery_attempts, last_used_at, created_at, updated_at`

// AcquireIdleSlot atomically claims one IDLE slot for platform and assigns
// botID to it, using FOR UPDATE SKIP LOCKED so concurrent acquisitions
// never contend on the same candidate row. Candidates are ordered by
// last_used_at ascending with NULLS FIRST so a never-used slot is handed
// out before any previously-used one, and among used slots the
// least-recently-used is reused first.
func (s *PostgresStore) AcquireIdleSlot(ctx context.Context, platform domain.MeetingPlatform, botID int64) (*domain.PoolSlot, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE pool_slots SET
			status = 'DEPLOYING',
			assigned_bot_id = $1,
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM pool_slots
			WHERE status = 'IDLE' AND platform = $2
			ORDER BY last_used_at ASC NULLS FIRST
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+slotColumns, botID, string(platform))

	slot, err := scanSlot(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire idle slot: %w", err)
	}
	return slot, nil
}

// ReserveNewSlot creates a new pool slot placeholder for platform under an
// advisory lock so two concurrent deploys never allocate the same slot
// name (overflow path). The slot starts in DEPLOYING with a
// "pending-<uuid>" application UUID until the adapter reports the real
// backend identifier.
func (s *PostgresStore) ReserveNewSlot(ctx context.Context, platform domain.MeetingPlatform, botID int64) (*domain.PoolSlot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, slotLockKey(platform)); err != nil {
		return nil, fmt.Errorf("acquire slot lock: %w", err)
	}

	var total int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM pool_slots`).Scan(&total); err != nil {
		return nil, fmt.Errorf("count pool slots: %w", err)
	}
	if total >= domain.MaxPoolSize {
		return nil, fmt.Errorf("%w: pool at max size %d", ErrPoolFull, domain.MaxPoolSize)
	}

	// Gap-fill: find the lowest unused NNN for pool-<platform>-NNN.
	rows, err := tx.Query(ctx, `SELECT name FROM pool_slots WHERE platform = $1`, string(platform))
	if err != nil {
		return nil, fmt.Errorf("list slot names: %w", err)
	}
	used := map[int]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan slot name: %w", err)
		}
		var n int
		fmt.Sscanf(name, "pool-"+string(platform)+"-%d", &n)
		used[n] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list slot names: %w", err)
	}

	next := 1
	for used[next] {
		next++
	}
	name := fmt.Sprintf("pool-%s-%03d", platform, next)
	placeholder := "pending-" + uuid.NewString()

	row := tx.QueryRow(ctx, `
		INSERT INTO pool_slots (name, platform, status, assigned_bot_id, application_uuid, created_at, updated_at)
		VALUES ($1, $2, 'DEPLOYING', $3, $4, NOW(), NOW())
		RETURNING `+slotColumns, name, string(platform), botID, placeholder)

	slot, err := scanSlot(row)
	if err != nil {
		return nil, fmt.Errorf("reserve new slot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return slot, nil
}

// ErrPoolFull is returned by ReserveNewSlot when the pool is already at
// domain.MaxPoolSize; callers should fall back to the local wait queue.
var ErrPoolFull = fmt.Errorf("pool full")

func (s *PostgresStore) SetSlotApplicationUUID(ctx context.Context, slotID int64, appUUID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE pool_slots SET application_uuid = $1, updated_at = NOW() WHERE id = $2`, appUUID, slotID)
	if err != nil {
		return fmt.Errorf("set slot application uuid %d: %w", slotID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSlotReservation removes a slot whose backend placement failed
// before it ever became HEALTHY, so the placeholder never lingers.
func (s *PostgresStore) DeleteSlotReservation(ctx context.Context, slotID int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pool_slots WHERE id = $1`, slotID)
	if err != nil {
		return fmt.Errorf("delete slot reservation %d: %w", slotID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetSlot(ctx context.Context, slotID int64) (*domain.PoolSlot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+slotColumns+` FROM pool_slots WHERE id = $1`, slotID)
	slot, err := scanSlot(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get slot %d: %w", slotID, err)
	}
	return slot, nil
}

func (s *PostgresStore) GetSlotByApplicationUUID(ctx context.Context, appUUID string) (*domain.PoolSlot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+slotColumns+` FROM pool_slots WHERE application_uuid = $1`, appUUID)
	slot, err := scanSlot(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get slot by application uuid %s: %w", appUUID, err)
	}
	return slot, nil
}

func (s *PostgresStore) SetSlotHealthy(ctx context.Context, slotID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pool_slots SET status = 'HEALTHY', error_message = NULL, recovery_attempts = 0, updated_at = NOW()
		WHERE id = $1
	`, slotID)
	if err != nil {
		return fmt.Errorf("set slot healthy %d: %w", slotID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetSlotError(ctx context.Context, slotID int64, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pool_slots SET status = 'ERROR', error_message = $1, updated_at = NOW()
		WHERE id = $2
	`, reason, slotID)
	if err != nil {
		return fmt.Errorf("set slot error %d: %w", slotID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseSlot returns a slot to IDLE, clearing its bot assignment and
// stamping last_used_at, which orders AcquireIdleSlot's least-recently-used
// pick.
func (s *PostgresStore) ReleaseSlot(ctx context.Context, slotID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pool_slots SET status = 'IDLE', assigned_bot_id = NULL, last_used_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, slotID)
	if err != nil {
		return fmt.Errorf("release slot %d: %w", slotID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecreateSlotApplication replaces a slot's backend application in place
// (used when a HEALTHY slot's container dies and must be redeployed
// without changing the slot's logical name).
func (s *PostgresStore) RecreateSlotApplication(ctx context.Context, slotID int64, newAppUUID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pool_slots SET application_uuid = $1, status = 'DEPLOYING', updated_at = NOW()
		WHERE id = $2
	`, newAppUUID, slotID)
	if err != nil {
		return fmt.Errorf("recreate slot application %d: %w", slotID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ResetSlotFromRecovery(ctx context.Context, slotID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pool_slots SET status = 'IDLE', error_message = NULL, assigned_bot_id = NULL, recovery_attempts = 0, updated_at = NOW()
		WHERE id = $1
	`, slotID)
	if err != nil {
		return fmt.Errorf("reset slot from recovery %d: %w", slotID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IncrementSlotRecoveryAttempts(ctx context.Context, slotID int64) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE pool_slots SET recovery_attempts = recovery_attempts + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING recovery_attempts
	`, slotID).Scan(&attempts)
	if err == pgx.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment slot recovery attempts %d: %w", slotID, err)
	}
	return attempts, nil
}

func (s *PostgresStore) ForceSlotHealthy(ctx context.Context, slotID int64) error {
	return s.SetSlotHealthy(ctx, slotID)
}

func (s *PostgresStore) ListSlotsByStatus(ctx context.Context, statuses ...domain.SlotStatus) ([]*domain.PoolSlot, error) {
	strs := make([]string, len(statuses))
	for i, st := range statuses {
		strs[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+slotColumns+` FROM pool_slots WHERE status = ANY($1) ORDER BY id ASC`, strs)
	if err != nil {
		return nil, fmt.Errorf("list slots by status: %w", err)
	}
	defer rows.Close()

	var out []*domain.PoolSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		out = append(out, slot)
	}
	return out, rows.Err()
}

// ListStaleDeployingSlots finds slots stuck in DEPLOYING past olderThan,
// the slot-recovery monitor's primary signal.
func (s *PostgresStore) ListStaleDeployingSlots(ctx context.Context, olderThan time.Duration) ([]*domain.PoolSlot, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := s.pool.Query(ctx, `
		SELECT `+slotColumns+` FROM pool_slots WHERE status = 'DEPLOYING' AND updated_at < $1 ORDER BY id ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale deploying slots: %w", err)
	}
	defer rows.Close()

	var out []*domain.PoolSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		out = append(out, slot)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListAllSlots(ctx context.Context) ([]*domain.PoolSlot, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+slotColumns+` FROM pool_slots ORDER BY platform, name`)
	if err != nil {
		return nil, fmt.Errorf("list all slots: %w", err)
	}
	defer rows.Close()

	var out []*domain.PoolSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		out = append(out, slot)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PoolStats(ctx context.Context) (PoolStats, error) {
	var stats PoolStats
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM pool_slots GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("pool stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan pool stats: %w", err)
		}
		switch domain.SlotStatus(status) {
		case domain.SlotIdle:
			stats.Idle = count
		case domain.SlotDeploying:
			stats.Deploying = count
		case domain.SlotHealthy:
			stats.Healthy = count
		case domain.SlotError:
			stats.Error = count
		}
		stats.Total += count
	}
	stats.MaxSize = domain.MaxPoolSize
	return stats, rows.Err()
}
