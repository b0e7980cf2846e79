package ledger

import (
	"context"
	"log"
	"time"

	"github.com/cakranode/control-plane/control_plane/observability"
	"github.com/cakranode/control-plane/control_plane/store"
)

// Janitor is the administrative sweep for stuck and stale commands.
// There is no cancel action in the command vocabulary, so a pending command
// that no node ever claims would otherwise sit forever; the janitor fails
// it with error "expired" after maxPendingAge. Terminal commands are
// garbage-collected after the retention window to bound storage.
type Janitor struct {
	ledger        *Ledger
	store         store.Store
	interval      time.Duration
	maxPendingAge time.Duration
	retention     time.Duration
}

func NewJanitor(l *Ledger, s store.Store, interval, maxPendingAge, retention time.Duration) *Janitor {
	return &Janitor{
		ledger:        l,
		store:         s,
		interval:      interval,
		maxPendingAge: maxPendingAge,
		retention:     retention,
	}
}

func (j *Janitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *Janitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	log.Printf("[JANITOR] Starting command janitor (Interval: %v, MaxPendingAge: %v, Retention: %v)",
		j.interval, j.maxPendingAge, j.retention)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs one expiry plus garbage-collection pass.
func (j *Janitor) RunOnce(ctx context.Context) {
	now := time.Now()

	expired, err := j.store.ListPendingCommands(ctx, "", j.maxPendingAge, now)
	if err != nil {
		log.Printf("[JANITOR] Failed to list expired commands: %v", err)
	} else {
		for _, cmd := range expired {
			// Routed through Complete so listeners see the failure too.
			if err := j.ledger.Complete(ctx, cmd.ID, store.CommandFailed, nil, "expired"); err != nil {
				log.Printf("[JANITOR] Failed to expire command %s: %v", cmd.ID, err)
				continue
			}
			observability.CommandsExpired.Inc()
		}
		if len(expired) > 0 {
			log.Printf("[JANITOR] Expired %d stuck pending command(s)", len(expired))
		}
	}

	removed, err := j.store.DeleteCommandsBefore(ctx, now.Add(-j.retention))
	if err != nil {
		log.Printf("[JANITOR] Command GC failed: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("[JANITOR] Garbage-collected %d terminal command(s)", removed)
	}
}
