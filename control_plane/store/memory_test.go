package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestCommand(id, nodeID string, createdAt time.Time) *Command {
	return &Command{
		ID:        id,
		UserID:    "user-1",
		NodeID:    nodeID,
		BotID:     "bot-1",
		Action:    "start",
		Status:    CommandPending,
		CreatedAt: createdAt,
	}
}

func TestClaimPendingCommands_FIFOOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	// Insert out of creation order on purpose.
	for _, offset := range []int{3, 1, 4, 0, 2} {
		cmd := newTestCommand(fmt.Sprintf("cmd-%d", offset), "node-1", base.Add(time.Duration(offset)*time.Second))
		if err := s.CreateCommand(ctx, cmd); err != nil {
			t.Fatalf("CreateCommand: %v", err)
		}
	}

	claimed, err := s.ClaimPendingCommands(ctx, "node-1", 10, time.Now())
	if err != nil {
		t.Fatalf("ClaimPendingCommands: %v", err)
	}
	if len(claimed) != 5 {
		t.Fatalf("Expected 5 claimed commands, got %d", len(claimed))
	}
	for i, cmd := range claimed {
		want := fmt.Sprintf("cmd-%d", i)
		if cmd.ID != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, cmd.ID)
		}
		if cmd.Status != CommandProcessing {
			t.Errorf("Claimed command %s not processing: %s", cmd.ID, cmd.Status)
		}
		if cmd.ProcessedAt == nil {
			t.Errorf("Claimed command %s missing ProcessedAt", cmd.ID)
		}
	}
}

func TestClaimPendingCommands_NoDoubleClaim(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 50; i++ {
		cmd := newTestCommand(fmt.Sprintf("cmd-%02d", i), "node-1", base.Add(time.Duration(i)*time.Millisecond))
		if err := s.CreateCommand(ctx, cmd); err != nil {
			t.Fatalf("CreateCommand: %v", err)
		}
	}

	// Ten concurrent claimers; no command may be handed out twice.
	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimPendingCommands(ctx, "node-1", 10, time.Now())
			if err != nil {
				t.Errorf("ClaimPendingCommands: %v", err)
				return
			}
			mu.Lock()
			for _, cmd := range claimed {
				seen[cmd.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Fatalf("Expected all 50 commands claimed, got %d", len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("Command %s claimed %d times", id, count)
		}
	}
}

func TestClaimPendingCommands_ScopedToNode(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	s.CreateCommand(ctx, newTestCommand("cmd-a", "node-1", now))
	s.CreateCommand(ctx, newTestCommand("cmd-b", "node-2", now))

	claimed, err := s.ClaimPendingCommands(ctx, "node-1", 10, time.Now())
	if err != nil {
		t.Fatalf("ClaimPendingCommands: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "cmd-a" {
		t.Fatalf("Expected only node-1's command, got %v", claimed)
	}
}

func TestFinishCommand_DuplicateIsNoOp(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.CreateCommand(ctx, newTestCommand("cmd-1", "node-1", time.Now()))
	if _, err := s.ClaimPendingCommands(ctx, "node-1", 1, time.Now()); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	applied, err := s.FinishCommand(ctx, "cmd-1", CommandCompleted, map[string]interface{}{"ok": true}, "", time.Now())
	if err != nil {
		t.Fatalf("FinishCommand: %v", err)
	}
	if !applied {
		t.Fatal("First completion should apply")
	}

	// Second completion with a different outcome must not take.
	applied, err = s.FinishCommand(ctx, "cmd-1", CommandFailed, nil, "boom", time.Now())
	if err != nil {
		t.Fatalf("FinishCommand duplicate: %v", err)
	}
	if applied {
		t.Fatal("Duplicate completion should be a no-op")
	}

	cmd, _ := s.GetCommand(ctx, "cmd-1")
	if cmd.Status != CommandCompleted {
		t.Errorf("First terminal result lost, status now %s", cmd.Status)
	}
	if cmd.Error != "" {
		t.Errorf("Duplicate overwrote error field: %q", cmd.Error)
	}
}

func TestFindBot_MatchesTriple(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	bot := &Bot{
		ID:       "bot-1",
		UserID:   "user-1",
		NodeID:   "node-1",
		Username: "steve",
		ServerIP: "mc.example.com",
		Status:   "stopped",
	}
	if err := s.CreateBot(ctx, bot); err != nil {
		t.Fatalf("CreateBot: %v", err)
	}

	found, err := s.FindBot(ctx, "user-1", "node-1", "steve", "mc.example.com")
	if err != nil {
		t.Fatalf("FindBot: %v", err)
	}
	if found == nil || found.ID != "bot-1" {
		t.Fatalf("Expected bot-1, got %v", found)
	}

	// Same triple under another user is a different bot.
	if found, _ := s.FindBot(ctx, "user-2", "node-1", "steve", "mc.example.com"); found != nil {
		t.Fatalf("Triple matched across users: %v", found)
	}
	if found, _ := s.FindBot(ctx, "user-1", "node-1", "steve", "other.example.com"); found != nil {
		t.Fatalf("Triple matched with different server: %v", found)
	}
}

func TestListLogs_RespectsClearPoint(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	bot := &Bot{ID: "bot-1", UserID: "user-1", NodeID: "node-1", Username: "steve", ServerIP: "a", Status: "running"}
	if err := s.CreateBot(ctx, bot); err != nil {
		t.Fatalf("CreateBot: %v", err)
	}

	old := time.Now().Add(-time.Hour)
	s.AppendLogs(ctx, "bot-1", []*LogEntry{
		{ID: "l1", BotID: "bot-1", LogType: "info", Message: "old line", CreatedAt: old},
	})

	if err := s.ClearLogs(ctx, "bot-1", time.Now().Add(-30*time.Minute)); err != nil {
		t.Fatalf("ClearLogs: %v", err)
	}

	s.AppendLogs(ctx, "bot-1", []*LogEntry{
		{ID: "l2", BotID: "bot-1", LogType: "info", Message: "new line", CreatedAt: time.Now()},
	})

	logs, err := s.ListLogs(ctx, "bot-1", 100)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].ID != "l2" {
		t.Fatalf("Expected only the post-clear entry, got %v", logs)
	}
}

func TestListPendingCommands_AgeFilter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	s.CreateCommand(ctx, newTestCommand("fresh", "node-1", now.Add(-10*time.Second)))
	s.CreateCommand(ctx, newTestCommand("stale", "node-1", now.Add(-5*time.Minute)))

	stale, err := s.ListPendingCommands(ctx, "", time.Minute, now)
	if err != nil {
		t.Fatalf("ListPendingCommands: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "stale" {
		t.Fatalf("Expected only the stale command, got %v", stale)
	}
}

func TestDeleteCommandsBefore_KeepsPending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	s.CreateCommand(ctx, newTestCommand("pending-old", "node-1", now.Add(-48*time.Hour)))
	done := newTestCommand("done-old", "node-1", now.Add(-48*time.Hour))
	s.CreateCommand(ctx, done)
	s.ClaimPendingCommands(ctx, "node-1", 10, now)
	s.FinishCommand(ctx, "done-old", CommandCompleted, nil, "", now.Add(-47*time.Hour))

	// pending-old was claimed above too; re-create a genuinely pending one.
	s.CreateCommand(ctx, newTestCommand("pending-new", "node-1", now.Add(-48*time.Hour)))

	removed, err := s.DeleteCommandsBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteCommandsBefore: %v", err)
	}
	if removed != 1 {
		t.Fatalf("Expected 1 removed, got %d", removed)
	}
	if cmd, _ := s.GetCommand(ctx, "done-old"); cmd != nil {
		t.Error("Terminal command past retention should be gone")
	}
	if cmd, _ := s.GetCommand(ctx, "pending-new"); cmd == nil {
		t.Error("Pending command must survive retention GC")
	}
}
