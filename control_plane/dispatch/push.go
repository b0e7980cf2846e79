package dispatch

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/cakranode/control-plane/control_plane/errs"
	"github.com/cakranode/control-plane/control_plane/observability"
	"github.com/cakranode/control-plane/control_plane/store"
	"github.com/cakranode/control-plane/control_plane/streaming"
)

// PushTransport publishes commands on a per-node channel and results on a
// per-command channel, so connected subscribers see them without polling
// latency. Delivery is at-least-once at best: a dropped connection misses
// the publish, and the command sits pending until the reconciliation sweep
// or a fallback poll picks it up.
type PushTransport struct {
	store         store.Store
	bus           streaming.Bus
	awaitAttempts int
	awaitInterval time.Duration
}

func NewPushTransport(s store.Store, bus streaming.Bus) *PushTransport {
	return &PushTransport{
		store:         s,
		bus:           bus,
		awaitAttempts: defaultAwaitAttempts,
		awaitInterval: defaultAwaitInterval,
	}
}

func (t *PushTransport) Announce(ctx context.Context, cmd *store.Command) error {
	observability.PushDeliveries.WithLabelValues("node_commands").Inc()
	return t.bus.Publish(ctx, streaming.NodeCommandTopic(cmd.NodeID), cmd)
}

func (t *PushTransport) PublishResult(ctx context.Context, cmd *store.Command) error {
	observability.PushDeliveries.WithLabelValues("command_result").Inc()
	return t.bus.Publish(ctx, streaming.CommandResultTopic(cmd.ID), cmd)
}

func (t *PushTransport) AwaitResult(ctx context.Context, commandID string) (*store.Command, error) {
	results := make(chan *store.Command, 1)
	sub, err := t.bus.Subscribe(streaming.CommandResultTopic(commandID), func(event streaming.Event) {
		var cmd store.Command
		if err := json.Unmarshal(event.Payload, &cmd); err != nil {
			log.Printf("[DISPATCH] Malformed result event for %s: %v", commandID, err)
			return
		}
		select {
		case results <- &cmd:
		default:
		}
	})
	if err != nil {
		return nil, errs.Transport("subscribe result", err)
	}
	defer sub.Unsubscribe()

	// The command may have completed before the subscription was in place,
	// and a publish can be lost outright, so every interval tick also
	// re-reads the store.
	var last *store.Command
	deadline := time.NewTimer(time.Duration(t.awaitAttempts) * t.awaitInterval)
	defer deadline.Stop()
	ticker := time.NewTicker(t.awaitInterval)
	defer ticker.Stop()

	check := func() (*store.Command, bool, error) {
		cmd, err := t.store.GetCommand(ctx, commandID)
		if err != nil {
			return nil, false, errs.Transport("get command", err)
		}
		if cmd == nil {
			return nil, false, errs.NotFound("command", commandID)
		}
		return cmd, cmd.Terminal(), nil
	}

	if cmd, done, err := check(); err != nil {
		return nil, err
	} else if done {
		return cmd, nil
	} else {
		last = cmd
	}

	for {
		select {
		case cmd := <-results:
			if cmd.Terminal() {
				return cmd, nil
			}
		case <-ticker.C:
			cmd, done, err := check()
			if err != nil {
				return last, err
			}
			if done {
				return cmd, nil
			}
			last = cmd
		case <-deadline.C:
			return last, &errs.UpstreamTimeout{CommandID: commandID}
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}

func (t *PushTransport) Close() error {
	return t.bus.Close()
}

// Sweeper re-announces pending commands that have sat unclaimed longer than
// the staleness bound. Mandatory in push-primary deployments: it is the
// poll fallback that turns fire-and-forget pub/sub into at-least-once
// delivery.
type Sweeper struct {
	store      store.Store
	transport  Transport
	interval   time.Duration
	staleAfter time.Duration
}

func NewSweeper(s store.Store, t Transport, interval, staleAfter time.Duration) *Sweeper {
	return &Sweeper{
		store:      s,
		transport:  t,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

func (w *Sweeper) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	log.Printf("[DISPATCH] Starting reconciliation sweep (Interval: %v, StaleAfter: %v)", w.interval, w.staleAfter)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Sweeper) sweep(ctx context.Context) {
	observability.ReconcileSweeps.Inc()

	stale, err := w.store.ListPendingCommands(ctx, "", w.staleAfter, time.Now())
	if err != nil {
		log.Printf("[DISPATCH] Sweep failed to list pending commands: %v", err)
		return
	}
	for _, cmd := range stale {
		if err := w.transport.Announce(ctx, cmd); err != nil {
			log.Printf("[DISPATCH] Sweep failed to re-announce command %s: %v", cmd.ID, err)
		}
	}
	if len(stale) > 0 {
		log.Printf("[DISPATCH] Sweep re-announced %d stale pending command(s)", len(stale))
	}
}
