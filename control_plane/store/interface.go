package store

import (
	"context"
	"time"
)

// Store defines the methods required of a storage backend.
// It abstracts over Postgres (durable), Redis (fast keyed documents) and
// an in-memory implementation used by tests and single-node dev mode.
//
// Point lookups return (nil, nil) when the record is absent.
type Store interface {
	// Node operations
	CreateNode(ctx context.Context, node *Node) error
	GetNode(ctx context.Context, nodeID string) (*Node, error)
	GetNodeByAccessToken(ctx context.Context, token string) (*Node, error)
	ListNodes(ctx context.Context) ([]*Node, error)
	UpdateNode(ctx context.Context, node *Node) error
	DeleteNode(ctx context.Context, nodeID string) error

	// Bot operations
	CreateBot(ctx context.Context, bot *Bot) error
	GetBot(ctx context.Context, botID string) (*Bot, error)
	FindBot(ctx context.Context, userID, nodeID, username, serverIP string) (*Bot, error)
	ListBotsByUser(ctx context.Context, userID string) ([]*Bot, error)
	ListBotsByNode(ctx context.Context, nodeID string) ([]*Bot, error)
	UpdateBot(ctx context.Context, bot *Bot) error
	DeleteBot(ctx context.Context, botID string) error

	// Command operations
	CreateCommand(ctx context.Context, cmd *Command) error
	GetCommand(ctx context.Context, commandID string) (*Command, error)

	// ClaimPendingCommands atomically flips up to limit pending commands for
	// nodeID to processing, oldest first, stamping ProcessedAt. A command is
	// never claimed twice: the flip is conditional on the current status
	// still being pending.
	ClaimPendingCommands(ctx context.Context, nodeID string, limit int, now time.Time) ([]*Command, error)

	// FinishCommand moves a command to a terminal status. It returns
	// (false, nil) if the command was already terminal, so callers can treat
	// duplicate completion as a no-op.
	FinishCommand(ctx context.Context, commandID string, status string, result map[string]interface{}, errMsg string, now time.Time) (bool, error)

	// ListPendingCommands returns pending commands for a node (or all nodes
	// when nodeID is empty) older than the given age. Used by the
	// reconciliation sweep and the expiry janitor.
	ListPendingCommands(ctx context.Context, nodeID string, olderThan time.Duration, now time.Time) ([]*Command, error)

	// DeleteCommandsBefore garbage-collects terminal commands completed
	// before the cutoff. Returns the number removed.
	DeleteCommandsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Log operations
	AppendLogs(ctx context.Context, botID string, entries []*LogEntry) error
	ListLogs(ctx context.Context, botID string, limit int) ([]*LogEntry, error)
	ClearLogs(ctx context.Context, botID string, clearedAt time.Time) error

	// Stats operations
	AppendStats(ctx context.Context, sample *StatsSample) error
	LatestStats(ctx context.Context, nodeID string) (*StatsSample, error)
}
