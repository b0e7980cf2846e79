package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Node Operations ---

const nodeColumns = `id, name, location, ip_address, status, last_heartbeat, access_token, created_by, created_at`

func scanNode(row pgx.Row) (*Node, error) {
	var n Node
	err := row.Scan(&n.ID, &n.Name, &n.Location, &n.IPAddress, &n.Status,
		&n.LastHeartbeat, &n.AccessToken, &n.CreatedBy, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *PostgresStore) CreateNode(ctx context.Context, node *Node) error {
	query := `
		INSERT INTO nodes (id, name, location, ip_address, status, last_heartbeat, access_token, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.pool.Exec(ctx, query,
		node.ID, node.Name, node.Location, node.IPAddress, node.Status,
		node.LastHeartbeat, node.AccessToken, node.CreatedBy, node.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	return scanNode(s.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, nodeID))
}

func (s *PostgresStore) GetNodeByAccessToken(ctx context.Context, token string) (*Node, error) {
	if token == "" {
		return nil, nil
	}
	return scanNode(s.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE access_token = $1`, token))
}

func (s *PostgresStore) ListNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Name, &n.Location, &n.IPAddress, &n.Status,
			&n.LastHeartbeat, &n.AccessToken, &n.CreatedBy, &n.CreatedAt); err != nil {
			return nil, err
		}
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

func (s *PostgresStore) UpdateNode(ctx context.Context, node *Node) error {
	query := `
		UPDATE nodes SET name = $2, location = $3, ip_address = $4, status = $5,
			last_heartbeat = $6, access_token = $7
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query,
		node.ID, node.Name, node.Location, node.IPAddress, node.Status,
		node.LastHeartbeat, node.AccessToken,
	)
	return err
}

func (s *PostgresStore) DeleteNode(ctx context.Context, nodeID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, nodeID)
	return err
}

// --- Bot Operations ---

const botColumns = `id, user_id, owner_email, node_id, username, server_ip, server_port, status,
	auto_reconnect, offline_mode, error_message, logs_cleared_at, created_at, updated_at`

func scanBot(row pgx.Row) (*Bot, error) {
	var b Bot
	err := row.Scan(&b.ID, &b.UserID, &b.OwnerEmail, &b.NodeID, &b.Username, &b.ServerIP,
		&b.ServerPort, &b.Status, &b.AutoReconnect, &b.OfflineMode, &b.ErrorMessage,
		&b.LogsClearedAt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) CreateBot(ctx context.Context, bot *Bot) error {
	query := `
		INSERT INTO bots (id, user_id, owner_email, node_id, username, server_ip, server_port, status,
			auto_reconnect, offline_mode, error_message, logs_cleared_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.pool.Exec(ctx, query,
		bot.ID, bot.UserID, bot.OwnerEmail, bot.NodeID, bot.Username, bot.ServerIP,
		bot.ServerPort, bot.Status, bot.AutoReconnect, bot.OfflineMode, bot.ErrorMessage,
		bot.LogsClearedAt, bot.CreatedAt, bot.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetBot(ctx context.Context, botID string) (*Bot, error) {
	return scanBot(s.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, botID))
}

func (s *PostgresStore) FindBot(ctx context.Context, userID, nodeID, username, serverIP string) (*Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots
		WHERE user_id = $1 AND node_id = $2 AND username = $3 AND server_ip = $4`
	return scanBot(s.pool.QueryRow(ctx, query, userID, nodeID, username, serverIP))
}

func (s *PostgresStore) listBots(ctx context.Context, query string, args ...interface{}) ([]*Bot, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []*Bot
	for rows.Next() {
		var b Bot
		if err := rows.Scan(&b.ID, &b.UserID, &b.OwnerEmail, &b.NodeID, &b.Username, &b.ServerIP,
			&b.ServerPort, &b.Status, &b.AutoReconnect, &b.OfflineMode, &b.ErrorMessage,
			&b.LogsClearedAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		bots = append(bots, &b)
	}
	return bots, rows.Err()
}

func (s *PostgresStore) ListBotsByUser(ctx context.Context, userID string) ([]*Bot, error) {
	return s.listBots(ctx, `SELECT `+botColumns+` FROM bots WHERE user_id = $1 ORDER BY created_at ASC`, userID)
}

func (s *PostgresStore) ListBotsByNode(ctx context.Context, nodeID string) ([]*Bot, error) {
	return s.listBots(ctx, `SELECT `+botColumns+` FROM bots WHERE node_id = $1 ORDER BY created_at ASC`, nodeID)
}

func (s *PostgresStore) UpdateBot(ctx context.Context, bot *Bot) error {
	query := `
		UPDATE bots SET node_id = $2, username = $3, server_ip = $4, server_port = $5, status = $6,
			auto_reconnect = $7, offline_mode = $8, error_message = $9, logs_cleared_at = $10, updated_at = $11
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query,
		bot.ID, bot.NodeID, bot.Username, bot.ServerIP, bot.ServerPort, bot.Status,
		bot.AutoReconnect, bot.OfflineMode, bot.ErrorMessage, bot.LogsClearedAt, bot.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) DeleteBot(ctx context.Context, botID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM bots WHERE id = $1`, botID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM bot_logs WHERE bot_id = $1`, botID)
	return err
}

// --- Command Operations ---

const commandColumns = `id, user_id, node_id, bot_id, action, payload, status, result, error,
	created_at, processed_at, completed_at`

func scanCommand(row pgx.Row) (*Command, error) {
	var c Command
	err := row.Scan(&c.ID, &c.UserID, &c.NodeID, &c.BotID, &c.Action, &c.Payload, &c.Status,
		&c.Result, &c.Error, &c.CreatedAt, &c.ProcessedAt, &c.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateCommand(ctx context.Context, cmd *Command) error {
	query := `
		INSERT INTO commands (id, user_id, node_id, bot_id, action, payload, status, result, error,
			created_at, processed_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.pool.Exec(ctx, query,
		cmd.ID, cmd.UserID, cmd.NodeID, cmd.BotID, cmd.Action, cmd.Payload, cmd.Status,
		cmd.Result, cmd.Error, cmd.CreatedAt, cmd.ProcessedAt, cmd.CompletedAt,
	)
	return err
}

func (s *PostgresStore) GetCommand(ctx context.Context, commandID string) (*Command, error) {
	return scanCommand(s.pool.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = $1`, commandID))
}

func (s *PostgresStore) ClaimPendingCommands(ctx context.Context, nodeID string, limit int, now time.Time) ([]*Command, error) {
	// SKIP LOCKED keeps concurrent pollers for the same node from blocking
	// on each other; the status predicate keeps them from double-claiming.
	query := `
		WITH next AS (
			SELECT id FROM commands
			WHERE node_id = $1 AND status = 'pending'
			ORDER BY created_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE commands SET status = 'processing', processed_at = $3
		FROM next WHERE commands.id = next.id AND commands.status = 'pending'
		RETURNING ` + commandColumns
	rows, err := s.pool.Query(ctx, query, nodeID, limit, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []*Command
	for rows.Next() {
		var c Command
		if err := rows.Scan(&c.ID, &c.UserID, &c.NodeID, &c.BotID, &c.Action, &c.Payload, &c.Status,
			&c.Result, &c.Error, &c.CreatedAt, &c.ProcessedAt, &c.CompletedAt); err != nil {
			return nil, err
		}
		commands = append(commands, &c)
	}
	return commands, rows.Err()
}

func (s *PostgresStore) FinishCommand(ctx context.Context, commandID string, status string, result map[string]interface{}, errMsg string, now time.Time) (bool, error) {
	query := `
		UPDATE commands SET status = $2, result = $3, error = $4, completed_at = $5
		WHERE id = $1 AND status NOT IN ('completed', 'failed')
	`
	tag, err := s.pool.Exec(ctx, query, commandID, status, result, errMsg, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListPendingCommands(ctx context.Context, nodeID string, olderThan time.Duration, now time.Time) ([]*Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands
		WHERE status = 'pending' AND ($1 = '' OR node_id = $1) AND created_at <= $2
		ORDER BY created_at ASC, id ASC`
	rows, err := s.pool.Query(ctx, query, nodeID, now.Add(-olderThan))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []*Command
	for rows.Next() {
		var c Command
		if err := rows.Scan(&c.ID, &c.UserID, &c.NodeID, &c.BotID, &c.Action, &c.Payload, &c.Status,
			&c.Result, &c.Error, &c.CreatedAt, &c.ProcessedAt, &c.CompletedAt); err != nil {
			return nil, err
		}
		commands = append(commands, &c)
	}
	return commands, rows.Err()
}

func (s *PostgresStore) DeleteCommandsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM commands WHERE status IN ('completed', 'failed') AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Log Operations ---

func (s *PostgresStore) AppendLogs(ctx context.Context, botID string, entries []*LogEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO bot_logs (id, bot_id, log_type, message, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, botID, e.LogType, e.Message, e.Metadata, e.CreatedAt,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) ListLogs(ctx context.Context, botID string, limit int) ([]*LogEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	// The clear tombstone, not physical deletion, is what hides old lines.
	query := `
		SELECT l.id, l.bot_id, l.log_type, l.message, l.metadata, l.created_at
		FROM bot_logs l
		LEFT JOIN bots b ON b.id = l.bot_id
		WHERE l.bot_id = $1 AND (b.logs_cleared_at IS NULL OR l.created_at > b.logs_cleared_at)
		ORDER BY l.created_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, botID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.BotID, &e.LogType, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Oldest first for display
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *PostgresStore) ClearLogs(ctx context.Context, botID string, clearedAt time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE bots SET logs_cleared_at = $2 WHERE id = $1`, botID, clearedAt); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM bot_logs WHERE bot_id = $1 AND created_at <= $2`, botID, clearedAt)
	return err
}

// --- Stats Operations ---

func (s *PostgresStore) AppendStats(ctx context.Context, sample *StatsSample) error {
	query := `
		INSERT INTO node_stats (id, node_id, cpu_usage, ram_used, ram_total, disk_used, disk_total,
			network_upload, network_download, bot_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.pool.Exec(ctx, query,
		sample.ID, sample.NodeID, sample.CPUUsage, sample.RAMUsed, sample.RAMTotal,
		sample.DiskUsed, sample.DiskTotal, sample.NetworkUpload, sample.NetworkDownload,
		sample.BotCount, sample.CreatedAt,
	)
	return err
}

func (s *PostgresStore) LatestStats(ctx context.Context, nodeID string) (*StatsSample, error) {
	query := `
		SELECT id, node_id, cpu_usage, ram_used, ram_total, disk_used, disk_total,
			network_upload, network_download, bot_count, created_at
		FROM node_stats WHERE node_id = $1 ORDER BY created_at DESC LIMIT 1
	`
	var sm StatsSample
	err := s.pool.QueryRow(ctx, query, nodeID).Scan(
		&sm.ID, &sm.NodeID, &sm.CPUUsage, &sm.RAMUsed, &sm.RAMTotal, &sm.DiskUsed, &sm.DiskTotal,
		&sm.NetworkUpload, &sm.NetworkDownload, &sm.BotCount, &sm.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sm, nil
}
