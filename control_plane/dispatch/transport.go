package dispatch

import (
	"context"
	"time"

	"github.com/cakranode/control-plane/control_plane/errs"
	"github.com/cakranode/control-plane/control_plane/store"
)

// Transport makes a pending command visible to its target node and carries
// the node's result back to whoever is awaiting it. The two implementations
// (poll and push) must be interchangeable from the ledger's point of view.
type Transport interface {
	// Announce makes a freshly issued command visible to its node. For the
	// poll transport this is a no-op: the node's next ClaimNext picks it up.
	Announce(ctx context.Context, cmd *store.Command) error

	// PublishResult propagates a terminal command to listeners.
	PublishResult(ctx context.Context, cmd *store.Command) error

	// AwaitResult blocks until the command reaches a terminal status or the
	// bounded wait expires. On expiry it returns the last observed command
	// together with an UpstreamTimeout: the outcome is unknown, not failed.
	AwaitResult(ctx context.Context, commandID string) (*store.Command, error)

	Close() error
}

const (
	// Result waits are bounded: 20 attempts at 1s, then the caller treats
	// the command as "sent, outcome unknown".
	defaultAwaitAttempts = 20
	defaultAwaitInterval = time.Second
)

// PollTransport is the store-and-forward strategy. Nodes discover commands
// by calling the claim endpoint on an interval; results are discovered by
// point reads. No delivery bookkeeping beyond the command row itself.
type PollTransport struct {
	store         store.Store
	awaitAttempts int
	awaitInterval time.Duration
}

func NewPollTransport(s store.Store) *PollTransport {
	return &PollTransport{
		store:         s,
		awaitAttempts: defaultAwaitAttempts,
		awaitInterval: defaultAwaitInterval,
	}
}

func (t *PollTransport) Announce(ctx context.Context, cmd *store.Command) error {
	return nil
}

func (t *PollTransport) PublishResult(ctx context.Context, cmd *store.Command) error {
	return nil
}

func (t *PollTransport) AwaitResult(ctx context.Context, commandID string) (*store.Command, error) {
	var last *store.Command
	for attempt := 0; attempt < t.awaitAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(t.awaitInterval):
			case <-ctx.Done():
				return last, ctx.Err()
			}
		}
		cmd, err := t.store.GetCommand(ctx, commandID)
		if err != nil {
			return last, errs.Transport("get command", err)
		}
		if cmd == nil {
			return nil, errs.NotFound("command", commandID)
		}
		last = cmd
		if cmd.Terminal() {
			return cmd, nil
		}
	}
	return last, &errs.UpstreamTimeout{CommandID: commandID}
}

func (t *PollTransport) Close() error {
	return nil
}
