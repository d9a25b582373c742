// Package backend defines the common platform-adapter contract.
// Three concrete adapters implement PlatformAdapter: the pool adapter
// (internal/pool), the batch container-runtime adapter
// (internal/clusteradapter), and the batch cloud-task adapter
// (internal/taskadapter). Domain code dispatches through this interface
// only and never branches on which concrete adapter it holds.
package backend

import (
	"context"

	"github.com/meeboter/coordinator/internal/domain"
)

// DeployResult is returned by a successful PlatformAdapter.Deploy call.
// SlotName is set only by the pool adapter.
type DeployResult struct {
	Identifier string
	SlotName   string
	// Queued is true when the adapter accepted the bot onto its own
	// local wait queue instead of placing it immediately (pool adapter
	// overflow path). Identifier is empty in that case.
	Queued          bool
	QueuePosition   int
	EstimatedWaitMs int64
}

// Status is the common domain status enum that every adapter-specific
// mapper translates its backend's raw strings into.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusStopped   Status = "STOPPED"
)

// PlatformAdapter is the contract every execution backend implements.
// Implementations MUST NOT block Deploy on image pull or container start
// completion; that work happens in a background task.
type PlatformAdapter interface {
	// Name identifies the adapter for routing, logging, and metrics.
	Name() domain.DeployPlatform

	// Deploy creates (or queues) one container for bot. On success with
	// a non-empty Identifier the external resource exists and will
	// imminently run. Refusal is returned as an error satisfying
	// errs.IsRefused; any other error is a failure (errs.IsFailed).
	Deploy(ctx context.Context, bot *domain.BotConfig) (*DeployResult, error)

	// Stop is idempotent; "not found" is treated as success.
	Stop(ctx context.Context, identifier string) error

	// Status maps the backend's current state for identifier to the
	// common Status enum via this adapter's mapper.
	Status(ctx context.Context, identifier string) (Status, error)

	// Release returns the resource to available state. For pool
	// adapters this returns the slot; for batch adapters it is a no-op.
	Release(ctx context.Context, botID int64) error

	// ProcessQueue pumps this adapter's own local queue, if it has one.
	// Batch adapters no-op; the pool adapter drains its local queue.
	ProcessQueue(ctx context.Context) error
}
