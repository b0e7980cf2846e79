package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cakranode/control-plane/control_plane/errs"
	"github.com/cakranode/control-plane/control_plane/store"
	"github.com/cakranode/control-plane/control_plane/streaming"
)

func seedCommand(t *testing.T, s store.Store, id string) *store.Command {
	t.Helper()
	cmd := &store.Command{
		ID:        id,
		UserID:    "user-1",
		NodeID:    "node-1",
		BotID:     "bot-1",
		Action:    "stop",
		Status:    store.CommandPending,
		CreatedAt: time.Now(),
	}
	if err := s.CreateCommand(context.Background(), cmd); err != nil {
		t.Fatalf("CreateCommand: %v", err)
	}
	return cmd
}

func finish(t *testing.T, s store.Store, id string) {
	t.Helper()
	if _, err := s.FinishCommand(context.Background(), id, store.CommandCompleted, map[string]interface{}{"ok": true}, "", time.Now()); err != nil {
		t.Fatalf("FinishCommand: %v", err)
	}
}
func TestPollAwaitResult_ReturnsTerminal(t *testing.T) {
	s := store.NewMemoryStore()
	tr := NewPollTransport(s)
	tr.awaitAttempts = 5
	tr.awaitInterval = 10 * time.Millisecond

	cmd := seedCommand(t, s, "cmd-1")

	go func() {
		time.Sleep(25 * time.Millisecond)
		s.FinishCommand(context.Background(), cmd.ID, store.CommandCompleted, nil, "", time.Now())
	}()

	got, err := tr.AwaitResult(context.Background(), cmd.ID)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	if got.Status != store.CommandCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
}

func TestPollAwaitResult_TimeoutIsUnknownNotFailed(t *testing.T) {
	s := store.NewMemoryStore()
	tr := NewPollTransport(s)
	tr.awaitAttempts = 3
	tr.awaitInterval = 5 * time.Millisecond

	cmd := seedCommand(t, s, "cmd-1")

	got, err := tr.AwaitResult(context.Background(), cmd.ID)
	var timeout *errs.UpstreamTimeout
	if !errors.As(err, &timeout) {
		t.Fatalf("Expected UpstreamTimeout, got %v", err)
	}
	// The last observed state comes back with the timeout: the caller can
	// show "in flight" instead of nothing.
	if got == nil || got.ID != cmd.ID {
		t.Errorf("Expected last observed command, got %v", got)
	}
	if got.Terminal() {
		t.Errorf("Timed-out command must not read as terminal: %s", got.Status)
	}
}

func TestPollAwaitResult_UnknownCommand(t *testing.T) {
	s := store.NewMemoryStore()
	tr := NewPollTransport(s)
	tr.awaitAttempts = 2
	tr.awaitInterval = time.Millisecond

	_, err := tr.AwaitResult(context.Background(), "ghost")
	var nf *errs.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Expected NotFoundError, got %v", err)
	}
}

func TestPushAnnounce_ReachesSubscriber(t *testing.T) {
	s := store.NewMemoryStore()
	bus := streaming.NewMemoryBus()
	tr := NewPushTransport(s, bus)

	events := make(chan streaming.Event, 1)
	sub, err := bus.Subscribe(streaming.NodeCommandTopic("node-1"), func(e streaming.Event) {
		events <- e
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	cmd := seedCommand(t, s, "cmd-1")
	if err := tr.Announce(context.Background(), cmd); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	select {
	case e := <-events:
		if e.Topic != streaming.NodeCommandTopic("node-1") {
			t.Errorf("Wrong topic: %s", e.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("Announcement never reached the subscriber")
	}
}

func TestPushAwaitResult_HearsPublishedResult(t *testing.T) {
	s := store.NewMemoryStore()
	bus := streaming.NewMemoryBus()
	tr := NewPushTransport(s, bus)
	tr.awaitAttempts = 50
	tr.awaitInterval = 20 * time.Millisecond

	cmd := seedCommand(t, s, "cmd-1")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(30 * time.Millisecond)
		s.FinishCommand(context.Background(), cmd.ID, store.CommandCompleted, map[string]interface{}{"ok": true}, "", time.Now())
		done, _ := s.GetCommand(context.Background(), cmd.ID)
		tr.PublishResult(context.Background(), done)
	}()

	start := time.Now()
	got, err := tr.AwaitResult(context.Background(), cmd.ID)
	wg.Wait()
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	if got.Status != store.CommandCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Push result took %v; should not have waited for polling", elapsed)
	}
}

func TestPushAwaitResult_CompletedBeforeSubscribe(t *testing.T) {
	s := store.NewMemoryStore()
	bus := streaming.NewMemoryBus()
	tr := NewPushTransport(s, bus)
	tr.awaitAttempts = 5
	tr.awaitInterval = 10 * time.Millisecond

	cmd := seedCommand(t, s, "cmd-1")
	finish(t, s, cmd.ID)

	// No publish at all: the pre-subscribe store check must catch it.
	got, err := tr.AwaitResult(context.Background(), cmd.ID)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	if !got.Terminal() {
		t.Errorf("Expected terminal command, got %s", got.Status)
	}
}

func TestSweeper_ReannouncesStalePending(t *testing.T) {
	s := store.NewMemoryStore()
	bus := streaming.NewMemoryBus()
	tr := NewPushTransport(s, bus)

	stale := &store.Command{
		ID: "stale", UserID: "u", NodeID: "node-1", Action: "stop",
		Status: store.CommandPending, CreatedAt: time.Now().Add(-5 * time.Minute),
	}
	fresh := &store.Command{
		ID: "fresh", UserID: "u", NodeID: "node-1", Action: "stop",
		Status: store.CommandPending, CreatedAt: time.Now(),
	}
	s.CreateCommand(context.Background(), stale)
	s.CreateCommand(context.Background(), fresh)

	events := make(chan streaming.Event, 4)
	sub, _ := bus.Subscribe(streaming.NodeCommandTopic("node-1"), func(e streaming.Event) {
		events <- e
	})
	defer sub.Unsubscribe()

	w := NewSweeper(s, tr, time.Minute, time.Minute)
	w.sweep(context.Background())

	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("Sweep did not re-announce the stale command")
	}
	select {
	case e := <-events:
		t.Fatalf("Sweep announced a fresh command too: %s", e.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}
