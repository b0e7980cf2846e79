package presence

import (
	"context"
	"testing"
	"time"

	"github.com/cakranode/control-plane/control_plane/store"
)

func trackerAt(s store.Store, now time.Time) *Tracker {
	t := NewTracker(s)
	t.now = func() time.Time { return now }
	return t
}

func TestEffectiveStatus_StalenessBoundary(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Now()

	cases := []struct {
		name string
		ago  time.Duration
		want string
	}{
		{"just under the bound", 89 * time.Second, "online"},
		{"exactly at the bound", 90 * time.Second, "online"},
		{"just past the bound", 91 * time.Second, "offline"},
		{"long gone", time.Hour, "offline"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := trackerAt(s, now)
			hb := now.Add(-tc.ago)
			node := &store.Node{ID: "n", Status: "online", LastHeartbeat: &hb}
			if got := tr.EffectiveStatus(node); got != tc.want {
				t.Errorf("Heartbeat %v ago: expected %s, got %s", tc.ago, tc.want, got)
			}
		})
	}
}

func TestEffectiveStatus_NeverHeartbeated(t *testing.T) {
	tr := trackerAt(store.NewMemoryStore(), time.Now())
	node := &store.Node{ID: "n", Status: "online"}
	if got := tr.EffectiveStatus(node); got != "offline" {
		t.Errorf("No heartbeat at all should be offline, got %s", got)
	}
}

func TestEffectiveStatus_MaintenanceExempt(t *testing.T) {
	now := time.Now()
	tr := trackerAt(store.NewMemoryStore(), now)

	stale := now.Add(-time.Hour)
	node := &store.Node{ID: "n", Status: "maintenance", LastHeartbeat: &stale}
	if got := tr.EffectiveStatus(node); got != "maintenance" {
		t.Errorf("Maintenance should not decay to offline, got %s", got)
	}
}

func TestRecordHeartbeat_DoesNotOverrideMaintenance(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	tr := trackerAt(s, now)

	node := &store.Node{ID: "n", Status: "maintenance"}
	s.CreateNode(ctx, node)

	if err := tr.RecordHeartbeat(ctx, node, nil); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	got, _ := s.GetNode(ctx, "n")
	if got.Status != "maintenance" {
		t.Errorf("Heartbeat flipped maintenance to %s", got.Status)
	}
	if got.LastHeartbeat == nil || !got.LastHeartbeat.Equal(now) {
		t.Errorf("Heartbeat timestamp not recorded: %v", got.LastHeartbeat)
	}
}

func TestRecordHeartbeat_AppendsStats(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	tr := trackerAt(s, time.Now())

	node := &store.Node{ID: "n", Status: "offline"}
	s.CreateNode(ctx, node)

	sample := &store.StatsSample{CPUUsage: 42.5, RAMUsed: 1024, RAMTotal: 4096, BotCount: 3}
	if err := tr.RecordHeartbeat(ctx, node, sample); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}

	got, _ := s.GetNode(ctx, "n")
	if got.Status != "online" {
		t.Errorf("Heartbeat should set online, got %s", got.Status)
	}
	latest, err := s.LatestStats(ctx, "n")
	if err != nil || latest == nil {
		t.Fatalf("LatestStats: %v %v", latest, err)
	}
	if latest.CPUUsage != 42.5 || latest.BotCount != 3 {
		t.Errorf("Stats sample mangled: %+v", latest)
	}
	if latest.ID == "" || latest.NodeID != "n" {
		t.Errorf("Sample identity not stamped: %+v", latest)
	}
}

func TestMonitorSweep_MarksStaleOffline(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	tr := trackerAt(s, now)

	stale := now.Add(-5 * time.Minute)
	fresh := now.Add(-10 * time.Second)
	s.CreateNode(ctx, &store.Node{ID: "stale", Status: "online", LastHeartbeat: &stale})
	s.CreateNode(ctx, &store.Node{ID: "fresh", Status: "online", LastHeartbeat: &fresh})

	m := NewMonitor(s, tr, time.Minute)
	m.sweep(ctx)

	got, _ := s.GetNode(ctx, "stale")
	if got.Status != "offline" {
		t.Errorf("Stale node not marked offline: %s", got.Status)
	}
	got, _ = s.GetNode(ctx, "fresh")
	if got.Status != "online" {
		t.Errorf("Fresh node flipped: %s", got.Status)
	}
}
