package store

import (
	"time"
)

// Node represents a registered worker host.
type Node struct {
	ID            string     `json:"id" db:"id"`
	Name          string     `json:"name" db:"name"`
	Location      string     `json:"location" db:"location"`
	IPAddress     string     `json:"ip_address" db:"ip_address"` // "auto" until the node registers
	Status        string     `json:"status" db:"status"`         // "online", "offline", "maintenance"
	LastHeartbeat *time.Time `json:"last_heartbeat" db:"last_heartbeat"`
	AccessToken   string     `json:"access_token,omitempty" db:"access_token"` // per-node secret, shown once
	CreatedBy     string     `json:"created_by" db:"created_by"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// Bot is one managed worker process definition plus its last-known status.
// Owned by exactly one user, assigned to one node.
type Bot struct {
	ID            string     `json:"id" db:"id"`
	UserID        string     `json:"user_id" db:"user_id"`
	OwnerEmail    string     `json:"owner_email" db:"owner_email"`
	NodeID        string     `json:"node_id" db:"node_id"`
	Username      string     `json:"username" db:"username"`
	ServerIP      string     `json:"server_ip" db:"server_ip"`
	ServerPort    int        `json:"server_port" db:"server_port"`
	Status        string     `json:"status" db:"status"` // "stopped", "starting", "running", "stopping", "error", "deleted"
	AutoReconnect bool       `json:"auto_reconnect" db:"auto_reconnect"`
	OfflineMode   bool       `json:"offline_mode" db:"offline_mode"`
	ErrorMessage  string     `json:"error_message,omitempty" db:"error_message"`
	LogsClearedAt *time.Time `json:"logs_cleared_at,omitempty" db:"logs_cleared_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Command statuses. A command only moves forward through these.
const (
	CommandPending    = "pending"
	CommandProcessing = "processing"
	CommandCompleted  = "completed"
	CommandFailed     = "failed"
)

// Command is one directed instruction from the control plane to a node,
// optionally targeting a bot.
type Command struct {
	ID          string                 `json:"id" db:"id"`
	UserID      string                 `json:"user_id" db:"user_id"`
	NodeID      string                 `json:"node_id" db:"node_id"`
	BotID       string                 `json:"bot_id,omitempty" db:"bot_id"` // empty for node-wide ops
	Action      string                 `json:"action" db:"action"`           // "start", "stop", "restart", "exec", "create", "delete"
	Payload     map[string]interface{} `json:"payload,omitempty" db:"payload"`
	Status      string                 `json:"status" db:"status"`
	Result      map[string]interface{} `json:"result,omitempty" db:"result"`
	Error       string                 `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty" db:"processed_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
}

// Terminal reports whether the command has reached a final status.
func (c *Command) Terminal() bool {
	return c.Status == CommandCompleted || c.Status == CommandFailed
}

// LogEntry is one append-only line of bot output.
type LogEntry struct {
	ID        string                 `json:"id" db:"id"`
	BotID     string                 `json:"bot_id" db:"bot_id"`
	LogType   string                 `json:"log_type" db:"log_type"` // "info", "warn", "error", "server", "chat"
	Message   string                 `json:"message" db:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// StatsSample is a periodic node resource snapshot. Append-only,
// most-recent-wins for display.
type StatsSample struct {
	ID              string    `json:"id" db:"id"`
	NodeID          string    `json:"node_id" db:"node_id"`
	CPUUsage        float64   `json:"cpu_usage" db:"cpu_usage"`
	RAMUsed         int64     `json:"ram_used" db:"ram_used"`
	RAMTotal        int64     `json:"ram_total" db:"ram_total"`
	DiskUsed        int64     `json:"disk_used" db:"disk_used"`
	DiskTotal       int64     `json:"disk_total" db:"disk_total"`
	NetworkUpload   int64     `json:"network_upload" db:"network_upload"`
	NetworkDownload int64     `json:"network_download" db:"network_download"`
	BotCount        int       `json:"bot_count" db:"bot_count"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
