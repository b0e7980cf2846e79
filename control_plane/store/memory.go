package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore holds the in-memory state of nodes, bots and commands.
// It implements the Store interface and backs tests and single-process
// dev mode.
type MemoryStore struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	bots     map[string]*Bot
	commands map[string]*Command
	logs     map[string][]*LogEntry    // keyed by botID
	stats    map[string][]*StatsSample // keyed by nodeID
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:    make(map[string]*Node),
		bots:     make(map[string]*Bot),
		commands: make(map[string]*Command),
		logs:     make(map[string][]*LogEntry),
		stats:    make(map[string][]*StatsSample),
	}
}

// --- Node Operations ---

func (s *MemoryStore) CreateNode(ctx context.Context, node *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *node
	s.nodes[node.ID] = &cp
	return nil
}

func (s *MemoryStore) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

func (s *MemoryStore) GetNodeByAccessToken(ctx context.Context, token string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if token == "" {
		return nil, nil
	}
	for _, n := range s.nodes {
		if n.AccessToken == token {
			cp := *n
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListNodes(ctx context.Context) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		cp := *n
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) UpdateNode(ctx context.Context, node *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[node.ID]; !ok {
		return nil
	}
	cp := *node
	s.nodes[node.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteNode(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, nodeID)
	return nil
}

// --- Bot Operations ---

func (s *MemoryStore) CreateBot(ctx context.Context, bot *Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *bot
	s.bots[bot.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBot(ctx context.Context, botID string) (*Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bots[botID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) FindBot(ctx context.Context, userID, nodeID, username, serverIP string) (*Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bots {
		if b.UserID == userID && b.NodeID == nodeID && b.Username == username && b.ServerIP == serverIP {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListBotsByUser(ctx context.Context, userID string) ([]*Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Bot, 0)
	for _, b := range s.bots {
		if b.UserID == userID {
			cp := *b
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ListBotsByNode(ctx context.Context, nodeID string) ([]*Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Bot, 0)
	for _, b := range s.bots {
		if b.NodeID == nodeID {
			cp := *b
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) UpdateBot(ctx context.Context, bot *Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bots[bot.ID]; !ok {
		return nil
	}
	cp := *bot
	s.bots[bot.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteBot(ctx context.Context, botID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bots, botID)
	delete(s.logs, botID)
	return nil
}

// --- Command Operations ---

func (s *MemoryStore) CreateCommand(ctx context.Context, cmd *Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cmd
	s.commands[cmd.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCommand(ctx context.Context, commandID string) (*Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commands[commandID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ClaimPendingCommands(ctx context.Context, nodeID string, limit int, now time.Time) ([]*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]*Command, 0)
	for _, c := range s.commands {
		if c.NodeID == nodeID && c.Status == CommandPending {
			pending = append(pending, c)
		}
	}
	// FIFO by creation time. Tie-break on ID for determinism.
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	claimed := make([]*Command, 0, limit)
	for _, c := range pending {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		// The status check above happened under the same lock, so the flip
		// is atomic with respect to concurrent claimers.
		c.Status = CommandProcessing
		t := now
		c.ProcessedAt = &t
		cp := *c
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (s *MemoryStore) FinishCommand(ctx context.Context, commandID string, status string, result map[string]interface{}, errMsg string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[commandID]
	if !ok {
		return false, nil
	}
	if c.Status == CommandCompleted || c.Status == CommandFailed {
		return false, nil
	}
	c.Status = status
	c.Result = result
	c.Error = errMsg
	t := now
	c.CompletedAt = &t
	return true, nil
}

func (s *MemoryStore) ListPendingCommands(ctx context.Context, nodeID string, olderThan time.Duration, now time.Time) ([]*Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Command, 0)
	for _, c := range s.commands {
		if c.Status != CommandPending {
			continue
		}
		if nodeID != "" && c.NodeID != nodeID {
			continue
		}
		if now.Sub(c.CreatedAt) < olderThan {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) DeleteCommandsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, c := range s.commands {
		if c.Terminal() && c.CompletedAt != nil && c.CompletedAt.Before(cutoff) {
			delete(s.commands, id)
			removed++
		}
	}
	return removed, nil
}

// --- Log Operations ---

func (s *MemoryStore) AppendLogs(ctx context.Context, botID string, entries []*LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		cp := *e
		s.logs[botID] = append(s.logs[botID], &cp)
	}
	return nil
}

func (s *MemoryStore) ListLogs(ctx context.Context, botID string, limit int) ([]*LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.logs[botID]

	// Entries older than the clear tombstone are invisible to readers even
	// though bulk deletion may not have happened yet.
	var clearedAt *time.Time
	if b, ok := s.bots[botID]; ok {
		clearedAt = b.LogsClearedAt
	}

	result := make([]*LogEntry, 0, len(entries))
	for _, e := range entries {
		if clearedAt != nil && !e.CreatedAt.After(*clearedAt) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (s *MemoryStore) ClearLogs(ctx context.Context, botID string, clearedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.logs, botID)
	if b, ok := s.bots[botID]; ok {
		t := clearedAt
		b.LogsClearedAt = &t
	}
	return nil
}

// --- Stats Operations ---

func (s *MemoryStore) AppendStats(ctx context.Context, sample *StatsSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sample
	s.stats[sample.NodeID] = append(s.stats[sample.NodeID], &cp)
	return nil
}

func (s *MemoryStore) LatestStats(ctx context.Context, nodeID string) (*StatsSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	samples := s.stats[nodeID]
	if len(samples) == 0 {
		return nil, nil
	}
	cp := *samples[len(samples)-1]
	return &cp, nil
}
