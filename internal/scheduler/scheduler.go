// Package scheduler runs the scheduled-start poller: bots created
// with a future StartTime sit in READY_TO_DEPLOY until that time enters
// orchestrator.ImmediateDeployWindow, at which point this package deploys
// them the same way an immediate createBot call would.
// Built around robfig/cron/v3: a cron.Cron instance, Start/Stop lifecycle
// methods, and one cron.AddFunc job running a single fixed-interval poll
// over READY_TO_DEPLOY bots rather than one entry per stored schedule.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meeboter/coordinator/internal/logging"
	"github.com/meeboter/coordinator/internal/orchestrator"
	"github.com/meeboter/coordinator/internal/store"
)

// PollInterval is how often the poller scans for bots whose scheduled
// start has entered the immediate-deploy window.
const PollInterval = 30 * time.Second

// Scheduler polls for due scheduled-start bots and deploys them.
type Scheduler struct {
	cron  *cron.Cron
	store store.Store
	orch  *orchestrator.Orchestrator
}

// New constructs a Scheduler bound to st and orch.
func New(st store.Store, orch *orchestrator.Orchestrator) *Scheduler {
	return &Scheduler{
		cron:  cron.New(),
		store: st,
		orch:  orch,
	}
}

// Start runs one poll synchronously, so bots already due don't wait out
// the first interval, then registers the recurring poll and starts the
// cron scheduler.
func (s *Scheduler) Start() error {
	s.poll(context.Background())
	if _, err := s.cron.AddFunc("@every 30s", func() { s.poll(context.Background()) }); err != nil {
		return err
	}
	s.cron.Start()
	logging.Op().Info("scheduled-start poller started", "interval", PollInterval)
	return nil
}

// Stop stops the cron scheduler.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// poll implements this component's scheduled-start check: every READY_TO_DEPLOY bot
// whose StartTime has entered ImmediateDeployWindow is deployed.
func (s *Scheduler) poll(ctx context.Context) {
	bots, err := s.store.ListReadyToDeployBots(ctx)
	if err != nil {
		logging.Op().Error("scheduled-start poll: list ready bots failed", "error", err)
		return
	}

	now := time.Now()
	for _, bot := range bots {
		if !orchestrator.ShouldDeployImmediately(bot.StartTime, now) {
			continue
		}
		if _, err := s.orch.Deploy(ctx, bot.ID, orchestrator.DefaultDeployQueueTimeout); err != nil {
			logging.Op().Error("scheduled-start deploy failed", "bot_id", bot.ID, "error", err)
		} else {
			logging.Op().Info("scheduled-start deployed bot", "bot_id", bot.ID)
		}
	}
}
