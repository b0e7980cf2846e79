package ledger

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cakranode/control-plane/control_plane/auth"
	"github.com/cakranode/control-plane/control_plane/dispatch"
	"github.com/cakranode/control-plane/control_plane/errs"
	"github.com/cakranode/control-plane/control_plane/observability"
	"github.com/cakranode/control-plane/control_plane/store"
)

// Actions a command may carry. The ledger rejects everything else.
var validActions = map[string]bool{
	"start":   true,
	"stop":    true,
	"restart": true,
	"exec":    true,
	"create":  true,
	"delete":  true,
}

// Ledger owns the lifecycle of Command records: creation, the forward-only
// transition through pending, processing and the terminal statuses, and the
// idempotency rules around duplicate completion. Delivery itself is the
// transport's job; the ledger never reorders or collapses commands —
// conflicting commands for one bot are delivered in creation order and the
// node resolves the resulting state.
type Ledger struct {
	store     store.Store
	transport dispatch.Transport
}

func New(s store.Store, t dispatch.Transport) *Ledger {
	return &Ledger{store: s, transport: t}
}

// IssueCommand validates, authorizes and persists a new pending command,
// then announces it to the target node. Announce failures are secondary:
// the store row is the source of truth and the node will still discover it
// via polling or the reconciliation sweep.
func (l *Ledger) IssueCommand(ctx context.Context, issuer *auth.Identity, nodeID, botID, action string, payload map[string]interface{}) (*store.Command, error) {
	if !validActions[action] {
		return nil, errs.Validation("invalid action %q", action)
	}
	if nodeID == "" {
		return nil, errs.Validation("node_id is required")
	}

	if botID != "" {
		bot, err := l.store.GetBot(ctx, botID)
		if err != nil {
			return nil, errs.Transport("get bot", err)
		}
		if bot == nil {
			return nil, errs.NotFound("bot", botID)
		}
		if !auth.CanActOnBot(issuer, bot) {
			return nil, errs.Permission("you do not own this bot")
		}
	}

	if err := validatePayload(action, payload); err != nil {
		return nil, err
	}

	cmd := &store.Command{
		ID:        uuid.NewString(),
		UserID:    issuer.UserID,
		NodeID:    nodeID,
		BotID:     botID,
		Action:    action,
		Payload:   payload,
		Status:    store.CommandPending,
		CreatedAt: time.Now(),
	}
	if err := l.store.CreateCommand(ctx, cmd); err != nil {
		return nil, errs.Transport("create command", err)
	}
	observability.CommandsIssued.WithLabelValues(action).Inc()

	if err := l.transport.Announce(ctx, cmd); err != nil {
		log.Printf("[LEDGER] Command %s persisted but announce failed: %v", cmd.ID, err)
	}
	return cmd, nil
}

func validatePayload(action string, payload map[string]interface{}) error {
	switch action {
	case "exec":
		cmdStr, _ := payload["command"].(string)
		if cmdStr == "" {
			return errs.Validation("exec requires a non-empty command in payload")
		}
	case "start", "restart":
		// The node reconstructs the connection from the payload alone, so
		// it has to be self-contained.
		for _, field := range []string{"username", "server_ip"} {
			val, _ := payload[field].(string)
			if val == "" {
				return errs.Validation("%s requires %s in payload", action, field)
			}
		}
	}
	return nil
}

// ClaimNext atomically hands up to limit pending commands for a node to the
// caller, oldest first, transitioning each to processing. Safe under
// concurrent claims for the same node.
func (l *Ledger) ClaimNext(ctx context.Context, nodeID string, limit int) ([]*store.Command, error) {
	if limit <= 0 {
		limit = 10
	}
	claimed, err := l.store.ClaimPendingCommands(ctx, nodeID, limit, time.Now())
	if err != nil {
		return nil, errs.Transport("claim commands", err)
	}
	if len(claimed) > 0 {
		observability.CommandsClaimed.WithLabelValues("poll").Add(float64(len(claimed)))
	}
	return claimed, nil
}

// Complete moves a command to completed or failed. Completing an already
// terminal command is a logged no-op: redelivery under the push transport
// or a retried node acknowledgement may call this twice.
func (l *Ledger) Complete(ctx context.Context, commandID string, status string, result map[string]interface{}, errMsg string) error {
	if status != store.CommandCompleted && status != store.CommandFailed {
		return errs.Validation("invalid terminal status %q", status)
	}

	applied, err := l.store.FinishCommand(ctx, commandID, status, result, errMsg, time.Now())
	if err != nil {
		return errs.Transport("finish command", err)
	}
	if !applied {
		observability.DuplicateCompletions.Inc()
		log.Printf("[LEDGER] Ignoring duplicate completion for command %s", commandID)
		return nil
	}
	observability.CommandsCompleted.WithLabelValues(status).Inc()

	cmd, err := l.store.GetCommand(ctx, commandID)
	if err != nil || cmd == nil {
		log.Printf("[LEDGER] Completed command %s but could not re-read it: %v", commandID, err)
		return nil
	}

	if err := l.transport.PublishResult(ctx, cmd); err != nil {
		log.Printf("[LEDGER] Result for command %s stored but publish failed: %v", commandID, err)
	}

	// A confirmed delete is when the tombstoned bot actually goes away.
	if cmd.Action == "delete" && status == store.CommandCompleted && cmd.BotID != "" {
		if err := l.store.DeleteBot(ctx, cmd.BotID); err != nil {
			log.Printf("[LEDGER] Node confirmed delete of bot %s but cleanup failed: %v", cmd.BotID, err)
		}
	}
	return nil
}

// Get is the point read used by result listeners.
func (l *Ledger) Get(ctx context.Context, commandID string) (*store.Command, error) {
	cmd, err := l.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, errs.Transport("get command", err)
	}
	if cmd == nil {
		return nil, errs.NotFound("command", commandID)
	}
	return cmd, nil
}

// AwaitResult delegates the bounded result wait to the transport.
func (l *Ledger) AwaitResult(ctx context.Context, commandID string) (*store.Command, error) {
	return l.transport.AwaitResult(ctx, commandID)
}
