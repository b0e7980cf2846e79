package presence

import (
	"context"
	"log"
	"time"

	"github.com/cakranode/control-plane/control_plane/observability"
	"github.com/cakranode/control-plane/control_plane/store"
)

// Monitor periodically corrects stored node status for stale heartbeats.
// The derived EffectiveStatus is still what callers trust; the sweep just
// keeps the stored field and the online-nodes gauge from drifting forever.
type Monitor struct {
	store    store.Store
	tracker  *Tracker
	interval time.Duration
}

func NewMonitor(s store.Store, tracker *Tracker, interval time.Duration) *Monitor {
	return &Monitor{
		store:    s,
		tracker:  tracker,
		interval: interval,
	}
}

func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("[PRESENCE] Starting node liveness monitor (Interval: %v, StaleAfter: %v)", m.interval, m.tracker.staleAfter)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	nodes, err := m.store.ListNodes(ctx)
	if err != nil {
		log.Printf("[PRESENCE] Failed to list nodes: %v", err)
		return
	}

	online := 0
	for _, node := range nodes {
		effective := m.tracker.EffectiveStatus(node)
		if effective == "online" {
			online++
		}
		if node.Status == "online" && effective == "offline" {
			log.Printf("[PRESENCE] Node %s heartbeat expired (Last: %v). Marking OFFLINE.", node.ID, node.LastHeartbeat)
			node.Status = "offline"
			if err := m.store.UpdateNode(ctx, node); err != nil {
				log.Printf("[PRESENCE] Failed to mark node %s offline: %v", node.ID, err)
			}
		}
	}
	observability.OnlineNodes.Set(float64(online))
}
