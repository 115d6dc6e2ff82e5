package cron

import (
	"context"
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/lyzr/conductor/cmd/scheduler/clients"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/models"
	"github.com/lyzr/conductor/common/redis"
	"github.com/lyzr/conductor/common/repository"
)

const (
	// DefaultTickInterval is how often the driver scans for due entries.
	DefaultTickInterval = 30 * time.Second

	// lockTTL bounds how long a firing replica blocks the others.
	lockTTL = 60 * time.Second
)

// Driver fires cron triggers. Every replica runs one; the per-firing Redis
// lock keyed by (workflow, minute bucket) keeps them from double-firing.
// Firings missed while no replica was up are not backfilled.
type Driver struct {
	triggerRepo *repository.TriggerIndexRepository
	engine      *clients.EngineClient
	redis       *redis.Client
	log         *logger.Logger
	interval    time.Duration
}

// DriverOpts contains options for creating a cron Driver
type DriverOpts struct {
	TriggerRepo  *repository.TriggerIndexRepository
	Engine       *clients.EngineClient
	Redis        *redis.Client
	Logger       *logger.Logger
	TickInterval time.Duration
}

// NewDriver creates a new cron driver
func NewDriver(opts *DriverOpts) *Driver {
	interval := opts.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Driver{
		triggerRepo: opts.TriggerRepo,
		engine:      opts.Engine,
		redis:       opts.Redis,
		log:         opts.Logger,
		interval:    interval,
	}
}

// Run ticks until the context ends
func (d *Driver) Run(ctx context.Context) {
	d.log.Info("cron driver started", "interval", d.interval.String())

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			d.log.Info("cron driver stopped")
			return
		case now := <-ticker.C:
			d.Tick(ctx, last, now)
			last = now
		}
	}
}

// Tick fires every active cron entry whose next firing after `from` falls at
// or before `to`
func (d *Driver) Tick(ctx context.Context, from, to time.Time) {
	entries, err := d.triggerRepo.ListActiveBySubtype(ctx, models.TriggerCron)
	if err != nil {
		d.log.Error("failed to load cron entries", "error", err)
		return
	}

	for _, entry := range entries {
		due, expr, ok := d.nextFiring(entry, from)
		if !ok || due.After(to) {
			continue
		}
		d.fire(ctx, entry, expr, due)
	}
}

// nextFiring parses the entry's schedule and computes its next firing
// strictly after `from`
func (d *Driver) nextFiring(entry *models.TriggerIndexEntry, from time.Time) (time.Time, string, bool) {
	cfg, err := entry.DecodeConfig()
	if err != nil {
		d.log.Warn("cron entry has bad config", "workflow_id", entry.WorkflowID, "error", err)
		return time.Time{}, "", false
	}

	expr, _ := cfg["cron_expression"].(string)
	if expr == "" {
		expr, _ = cfg["expression"].(string)
	}
	if expr == "" {
		return time.Time{}, "", false
	}

	spec := expr
	if tz, _ := cfg["timezone"].(string); tz != "" && tz != "UTC" {
		spec = "CRON_TZ=" + tz + " " + expr
	}

	sched, err := robfig.ParseStandard(spec)
	if err != nil {
		d.log.Warn("cron entry has invalid expression", "workflow_id", entry.WorkflowID, "expression", expr)
		return time.Time{}, "", false
	}

	return sched.Next(from), expr, true
}

// fire starts one execution for a due entry, guarded by the distributed lock
func (d *Driver) fire(ctx context.Context, entry *models.TriggerIndexEntry, expr string, due time.Time) {
	bucket := due.Truncate(time.Minute).Unix()
	lockKey := fmt.Sprintf("cron:%s:%d", entry.WorkflowID, bucket)

	won, err := redis.TryWithLock(ctx, d.redis, lockKey, lockTTL, func(ctx context.Context) error {
		input := map[string]interface{}{
			"fired_at":        due.UTC().Format(time.RFC3339),
			"cron_expression": expr,
		}

		resp, err := d.engine.Execute(ctx, entry.WorkflowID, "", &clients.ExecuteRequest{
			TriggerInfo: &models.TriggerInfo{
				Type:      entry.TriggerType,
				Subtype:   entry.TriggerSubtype,
				NodeID:    entry.NodeID,
				InputData: input,
			},
			InputData: input,
		})
		if err != nil {
			return err
		}

		d.log.Info("cron trigger fired",
			"workflow_id", entry.WorkflowID,
			"execution_id", resp.ExecutionID,
			"due", due.UTC().Format(time.RFC3339),
		)
		return nil
	})

	if err != nil {
		d.log.Error("cron firing failed", "workflow_id", entry.WorkflowID, "error", err)
	} else if !won {
		d.log.Debug("cron firing skipped, lock held elsewhere", "workflow_id", entry.WorkflowID)
	}
}
