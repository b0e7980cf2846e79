package presence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cakranode/control-plane/control_plane/errs"
	"github.com/cakranode/control-plane/control_plane/observability"
	"github.com/cakranode/control-plane/control_plane/store"
)

// StaleAfter is the heartbeat staleness bound. A node that has not phoned
// home for longer than this reads as offline no matter what the stored
// status says.
const StaleAfter = 90 * time.Second

// Tracker maintains node online/offline state from periodic heartbeats.
// Effective status is derived at read time rather than trusted from the
// stored field: a crashed node produces no heartbeat to trigger any sweep,
// so the sweep alone can never be authoritative.
type Tracker struct {
	store      store.Store
	staleAfter time.Duration
	now        func() time.Time
}

func NewTracker(s store.Store) *Tracker {
	return &Tracker{
		store:      s,
		staleAfter: StaleAfter,
		now:        time.Now,
	}
}

// RecordHeartbeat refreshes the node's presence and appends a stats sample
// when one is provided.
func (t *Tracker) RecordHeartbeat(ctx context.Context, node *store.Node, stats *store.StatsSample) error {
	now := t.now()
	node.LastHeartbeat = &now
	// Maintenance is operator-set; a heartbeat does not override it.
	if node.Status != "maintenance" {
		node.Status = "online"
	}
	if err := t.store.UpdateNode(ctx, node); err != nil {
		return errs.Transport("update node heartbeat", err)
	}
	observability.Heartbeats.Inc()

	if stats != nil {
		stats.ID = uuid.NewString()
		stats.NodeID = node.ID
		stats.CreatedAt = now
		if err := t.store.AppendStats(ctx, stats); err != nil {
			// Stats are advisory; presence already succeeded.
			return errs.Transport("append stats", err)
		}
	}
	return nil
}

// EffectiveStatus computes the status callers should see. A stored "online"
// older than the staleness bound reads as "offline" even though the stored
// field only changes on the next heartbeat or monitor sweep.
func (t *Tracker) EffectiveStatus(node *store.Node) string {
	if node.Status == "maintenance" {
		return "maintenance"
	}
	if node.Status != "online" {
		return node.Status
	}
	if node.LastHeartbeat == nil {
		return "offline"
	}
	if t.now().Sub(*node.LastHeartbeat) > t.staleAfter {
		return "offline"
	}
	return "online"
}
