package store

import (
	"fmt"
)

// Resource type for Redis keys
type Resource string

const (
	ResourceNode    Resource = "nodes"
	ResourceBot     Resource = "bots"
	ResourceCommand Resource = "commands"
)

// Key constructs a fully qualified Redis key for a resource.
// Format: cakranode:{resource}:{id}
func Key(resource Resource, id string) string {
	return fmt.Sprintf("cakranode:%s:%s", resource, id)
}

// Prefix constructs a scan pattern prefix for a resource.
// Format: cakranode:{resource}:
func Prefix(resource Resource) string {
	return fmt.Sprintf("cakranode:%s:", resource)
}

// LogKey is the Redis list key holding a bot's log entries.
func LogKey(botID string) string {
	return "cakranode:logs:" + botID
}

// StatsKey is the Redis list key holding a node's stats samples.
func StatsKey(nodeID string) string {
	return "cakranode:stats:" + nodeID
}
