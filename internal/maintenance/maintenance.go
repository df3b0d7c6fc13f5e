// Package maintenance runs periodic upkeep over the message store: the
// per-conversation cap is re-asserted, logs of conversations that no longer
// exist in the workspace tree are purged, and the backend gets a chance to
// compact itself. The schedule is a cron expression evaluated with gronx.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/internal/store"
)

// DefaultSchedule runs nightly at 03:00 local time.
const DefaultSchedule = "0 3 * * *"

// Tree names the conversations that still exist. The workspace manager
// satisfies it.
type Tree interface {
	ConvIDs() []ids.ConvID
}

// Runner executes one store's maintenance pass on a cron schedule.
type Runner struct {
	store  store.MessageStore
	tree   Tree
	expr   string
	logger *slog.Logger
}

// New validates the schedule and builds a runner. An empty schedule means
// DefaultSchedule.
func New(st store.MessageStore, tree Tree, schedule string, logger *slog.Logger) (*Runner, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid maintenance schedule %q", schedule)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: st, tree: tree, expr: schedule, logger: logger}, nil
}

// Run blocks until ctx is done, firing RunOnce at each schedule tick. Pass
// failures are logged, never fatal.
func (r *Runner) Run(ctx context.Context) error {
	for {
		next, err := gronx.NextTickAfter(r.expr, time.Now(), false)
		if err != nil {
			return fmt.Errorf("next tick for %q: %w", r.expr, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
		if err := r.RunOnce(ctx); err != nil {
			r.logger.Warn("maintenance pass failed", "error", err)
		}
	}
}

// RunOnce executes a single maintenance pass.
func (r *Runner) RunOnce(ctx context.Context) error {
	started := time.Now()

	live := r.tree.ConvIDs()
	for _, id := range live {
		if err := r.store.Trim(id, store.MaxMessages); err != nil {
			return fmt.Errorf("trim conv %d: %w", int(id), err)
		}
	}

	purged, err := r.purgeOrphans(live)
	if err != nil {
		return err
	}

	if m, ok := r.store.(store.Maintainer); ok {
		if err := m.Maintain(ctx); err != nil {
			return fmt.Errorf("backend maintain: %w", err)
		}
	}

	r.logger.Info("maintenance pass complete",
		"conversations", len(live),
		"purged", purged,
		"took", time.Since(started).Round(time.Millisecond),
	)
	return nil
}

// purgeOrphans drops stored logs whose conversation left the workspace tree.
func (r *Runner) purgeOrphans(live []ids.ConvID) (int, error) {
	lister, ok := r.store.(store.Lister)
	if !ok {
		return 0, nil
	}
	stored, err := lister.ListConversations()
	if err != nil {
		return 0, fmt.Errorf("list conversations: %w", err)
	}

	alive := make(map[ids.ConvID]bool, len(live))
	for _, id := range live {
		alive[id] = true
	}
	var orphans []ids.ConvID
	for _, id := range stored {
		if !alive[id] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	if bp, ok := r.store.(store.BulkPurger); ok {
		if err := bp.PurgeMany(orphans); err != nil {
			return 0, fmt.Errorf("purge orphans: %w", err)
		}
		return len(orphans), nil
	}
	for _, id := range orphans {
		if err := r.store.Purge(id); err != nil {
			return 0, fmt.Errorf("purge conv %d: %w", int(id), err)
		}
	}
	return len(orphans), nil
}
