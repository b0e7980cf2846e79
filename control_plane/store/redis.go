package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cakranode/control-plane/control_plane/observability"
)

// maxLogEntries caps the per-bot log list so runaway bots cannot grow Redis
// without bound.
const maxLogEntries = 1000

// maxStatsSamples caps the per-node stats history.
const maxStatsSamples = 288

// claimScript atomically flips one command from pending to processing.
// Returns the updated JSON document, or false when the command is missing
// or no longer pending (claimed by a concurrent poller).
const claimScript = `
	local raw = redis.call("get", KEYS[1])
	if not raw then
		return false
	end
	local cmd = cjson.decode(raw)
	if cmd.status ~= "pending" then
		return false
	end
	cmd.status = "processing"
	cmd.processed_at = ARGV[1]
	local out = cjson.encode(cmd)
	redis.call("set", KEYS[1], out)
	return out
`

// finishScript atomically moves one command to a terminal status.
// Returns 1 on transition, 0 when the command was already terminal, -1 when
// it does not exist.
const finishScript = `
	local raw = redis.call("get", KEYS[1])
	if not raw then
		return -1
	end
	local cmd = cjson.decode(raw)
	if cmd.status == "completed" or cmd.status == "failed" then
		return 0
	end
	cmd.status = ARGV[1]
	if ARGV[2] ~= "" then
		cmd.result = cjson.decode(ARGV[2])
	end
	if ARGV[3] ~= "" then
		cmd.error = ARGV[3]
	end
	cmd.completed_at = ARGV[4]
	redis.call("set", KEYS[1], cjson.encode(cmd))
	return 1
`

// RedisStore implements the Store interface using Redis keyed JSON documents.
type RedisStore struct {
	client *redis.Client

	// Preloaded Lua script SHAs for atomic command transitions
	claimSHA  string
	finishSHA string
}

func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	// Preload scripts so claim/finish never send script text per call
	claimSHA, err := client.ScriptLoad(ctx, claimScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload claim script: " + err.Error())
	}
	finishSHA, err := client.ScriptLoad(ctx, finishScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload finish script: " + err.Error())
	}

	return &RedisStore{
		client:    client,
		claimSHA:  claimSHA,
		finishSHA: finishSHA,
	}, nil
}

// Client exposes the underlying connection for the pub/sub bus, which shares
// the same Redis deployment.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// --- Node Operations ---

func (s *RedisStore) CreateNode(ctx context.Context, node *Node) error {
	return s.setJSON(ctx, Key(ResourceNode, node.ID), node)
}

func (s *RedisStore) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	var node Node
	ok, err := s.getJSON(ctx, Key(ResourceNode, nodeID), &node)
	if err != nil || !ok {
		return nil, err
	}
	return &node, nil
}

func (s *RedisStore) GetNodeByAccessToken(ctx context.Context, token string) (*Node, error) {
	if token == "" {
		return nil, nil
	}
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.AccessToken == token {
			return n, nil
		}
	}
	return nil, nil
}

func (s *RedisStore) ListNodes(ctx context.Context) ([]*Node, error) {
	iter := s.client.Scan(ctx, 0, Prefix(ResourceNode)+"*", 0).Iterator()
	var nodes []*Node
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var node Node
		if err := json.Unmarshal(data, &node); err == nil {
			nodes = append(nodes, &node)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].CreatedAt.Before(nodes[j].CreatedAt) })
	return nodes, nil
}

func (s *RedisStore) UpdateNode(ctx context.Context, node *Node) error {
	return s.setJSON(ctx, Key(ResourceNode, node.ID), node)
}

func (s *RedisStore) DeleteNode(ctx context.Context, nodeID string) error {
	return s.client.Del(ctx, Key(ResourceNode, nodeID)).Err()
}

// --- Bot Operations ---

func (s *RedisStore) CreateBot(ctx context.Context, bot *Bot) error {
	return s.setJSON(ctx, Key(ResourceBot, bot.ID), bot)
}

func (s *RedisStore) GetBot(ctx context.Context, botID string) (*Bot, error) {
	var bot Bot
	ok, err := s.getJSON(ctx, Key(ResourceBot, botID), &bot)
	if err != nil || !ok {
		return nil, err
	}
	return &bot, nil
}

func (s *RedisStore) FindBot(ctx context.Context, userID, nodeID, username, serverIP string) (*Bot, error) {
	bots, err := s.ListBotsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, b := range bots {
		if b.NodeID == nodeID && b.Username == username && b.ServerIP == serverIP {
			return b, nil
		}
	}
	return nil, nil
}

func (s *RedisStore) listBots(ctx context.Context, match func(*Bot) bool) ([]*Bot, error) {
	iter := s.client.Scan(ctx, 0, Prefix(ResourceBot)+"*", 0).Iterator()
	var bots []*Bot
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var bot Bot
		if err := json.Unmarshal(data, &bot); err == nil && match(&bot) {
			b := bot
			bots = append(bots, &b)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].CreatedAt.Before(bots[j].CreatedAt) })
	return bots, nil
}

func (s *RedisStore) ListBotsByUser(ctx context.Context, userID string) ([]*Bot, error) {
	return s.listBots(ctx, func(b *Bot) bool { return b.UserID == userID })
}

func (s *RedisStore) ListBotsByNode(ctx context.Context, nodeID string) ([]*Bot, error) {
	return s.listBots(ctx, func(b *Bot) bool { return b.NodeID == nodeID })
}

func (s *RedisStore) UpdateBot(ctx context.Context, bot *Bot) error {
	return s.setJSON(ctx, Key(ResourceBot, bot.ID), bot)
}

func (s *RedisStore) DeleteBot(ctx context.Context, botID string) error {
	return s.client.Del(ctx, Key(ResourceBot, botID), LogKey(botID)).Err()
}

// --- Command Operations ---

func (s *RedisStore) CreateCommand(ctx context.Context, cmd *Command) error {
	start := time.Now()
	defer func() {
		observability.StoreLatency.WithLabelValues("create_command").Observe(time.Since(start).Seconds())
	}()
	return s.setJSON(ctx, Key(ResourceCommand, cmd.ID), cmd)
}

func (s *RedisStore) GetCommand(ctx context.Context, commandID string) (*Command, error) {
	var cmd Command
	ok, err := s.getJSON(ctx, Key(ResourceCommand, commandID), &cmd)
	if err != nil || !ok {
		return nil, err
	}
	return &cmd, nil
}

func (s *RedisStore) ClaimPendingCommands(ctx context.Context, nodeID string, limit int, now time.Time) ([]*Command, error) {
	start := time.Now()
	defer func() {
		observability.StoreLatency.WithLabelValues("claim").Observe(time.Since(start).Seconds())
	}()

	// Candidate selection is a scan; the actual claim is the per-command
	// conditional Lua flip, so concurrent claimers can race on the list but
	// never claim the same command twice.
	candidates, err := s.ListPendingCommands(ctx, nodeID, 0, now)
	if err != nil {
		return nil, err
	}

	claimed := make([]*Command, 0, limit)
	for _, c := range candidates {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		res, err := s.client.EvalSha(ctx, s.claimSHA,
			[]string{Key(ResourceCommand, c.ID)},
			now.UTC().Format(time.RFC3339Nano),
		).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // lost the race
			}
			return nil, err
		}
		raw, ok := res.(string)
		if !ok {
			continue
		}
		var cmd Command
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			return nil, fmt.Errorf("failed to unmarshal claimed command %s: %w", c.ID, err)
		}
		claimed = append(claimed, &cmd)
	}
	return claimed, nil
}

func (s *RedisStore) FinishCommand(ctx context.Context, commandID string, status string, result map[string]interface{}, errMsg string, now time.Time) (bool, error) {
	start := time.Now()
	defer func() {
		observability.StoreLatency.WithLabelValues("finish").Observe(time.Since(start).Seconds())
	}()

	resultJSON := ""
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return false, fmt.Errorf("failed to marshal result: %w", err)
		}
		resultJSON = string(data)
	}

	res, err := s.client.EvalSha(ctx, s.finishSHA,
		[]string{Key(ResourceCommand, commandID)},
		status, resultJSON, errMsg, now.UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return false, err
	}
	val, ok := res.(int64)
	if !ok {
		return false, errors.New("unexpected return type from finish script")
	}
	return val == 1, nil
}

func (s *RedisStore) ListPendingCommands(ctx context.Context, nodeID string, olderThan time.Duration, now time.Time) ([]*Command, error) {
	iter := s.client.Scan(ctx, 0, Prefix(ResourceCommand)+"*", 0).Iterator()
	var commands []*Command
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		if cmd.Status != CommandPending {
			continue
		}
		if nodeID != "" && cmd.NodeID != nodeID {
			continue
		}
		if now.Sub(cmd.CreatedAt) < olderThan {
			continue
		}
		c := cmd
		commands = append(commands, &c)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(commands, func(i, j int) bool {
		if commands[i].CreatedAt.Equal(commands[j].CreatedAt) {
			return commands[i].ID < commands[j].ID
		}
		return commands[i].CreatedAt.Before(commands[j].CreatedAt)
	})
	return commands, nil
}

func (s *RedisStore) DeleteCommandsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	iter := s.client.Scan(ctx, 0, Prefix(ResourceCommand)+"*", 0).Iterator()
	removed := 0
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		if cmd.Terminal() && cmd.CompletedAt != nil && cmd.CompletedAt.Before(cutoff) {
			if err := s.client.Del(ctx, key).Err(); err == nil {
				removed++
			}
		}
	}
	return removed, iter.Err()
}

// --- Log Operations ---

func (s *RedisStore) AppendLogs(ctx context.Context, botID string, entries []*LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal log entry: %w", err)
		}
		values = append(values, data)
	}
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, LogKey(botID), values...)
	pipe.LTrim(ctx, LogKey(botID), -maxLogEntries, -1)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListLogs(ctx context.Context, botID string, limit int) ([]*LogEntry, error) {
	if limit <= 0 {
		limit = maxLogEntries
	}
	raw, err := s.client.LRange(ctx, LogKey(botID), int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}

	var clearedAt *time.Time
	if bot, err := s.GetBot(ctx, botID); err == nil && bot != nil {
		clearedAt = bot.LogsClearedAt
	}

	entries := make([]*LogEntry, 0, len(raw))
	for _, item := range raw {
		var e LogEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		if clearedAt != nil && !e.CreatedAt.After(*clearedAt) {
			continue
		}
		entry := e
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (s *RedisStore) ClearLogs(ctx context.Context, botID string, clearedAt time.Time) error {
	bot, err := s.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	if bot != nil {
		// Tombstone first so readers stop seeing old lines even if the list
		// delete below fails.
		t := clearedAt
		bot.LogsClearedAt = &t
		if err := s.UpdateBot(ctx, bot); err != nil {
			return err
		}
	}
	return s.client.Del(ctx, LogKey(botID)).Err()
}

// --- Stats Operations ---

func (s *RedisStore) AppendStats(ctx context.Context, sample *StatsSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal stats sample: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, StatsKey(sample.NodeID), data)
	pipe.LTrim(ctx, StatsKey(sample.NodeID), -maxStatsSamples, -1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) LatestStats(ctx context.Context, nodeID string) (*StatsSample, error) {
	raw, err := s.client.LIndex(ctx, StatsKey(nodeID), -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var sample StatsSample
	if err := json.Unmarshal([]byte(raw), &sample); err != nil {
		return nil, err
	}
	return &sample, nil
}
