package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsIssued tracks commands created by the ledger, by action.
	CommandsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_commands_issued_total",
		Help: "Total number of commands issued, by action",
	}, []string{"action"})

	// CommandsClaimed tracks commands handed to nodes, by transport.
	CommandsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_commands_claimed_total",
		Help: "Total number of commands claimed by nodes",
	}, []string{"transport"})

	// CommandsCompleted tracks terminal transitions, by final status.
	CommandsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_commands_completed_total",
		Help: "Total number of commands reaching a terminal status",
	}, []string{"status"})

	// CommandsExpired counts commands failed by the expiry janitor.
	CommandsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_commands_expired_total",
		Help: "Commands marked failed after exceeding the pending age bound",
	})

	// DuplicateCompletions counts Complete calls that hit a terminal command.
	DuplicateCompletions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_duplicate_completions_total",
		Help: "Completion reports ignored because the command was already terminal",
	})

	// PushDeliveries tracks push notifications published per topic class.
	PushDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_push_deliveries_total",
		Help: "Push notifications published to the streaming bus",
	}, []string{"topic"})

	// ReconcileSweeps counts reconciliation sweep runs and the commands they
	// re-announced.
	ReconcileSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_reconcile_sweeps_total",
		Help: "Reconciliation sweep iterations",
	})

	// OnlineNodes is the number of nodes with a fresh heartbeat.
	OnlineNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_online_nodes",
		Help: "Nodes currently considered online by the presence monitor",
	})

	// Heartbeats counts heartbeat calls accepted.
	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_heartbeats_total",
		Help: "Heartbeats recorded",
	})

	// WSClients is the number of connected WebSocket clients.
	WSClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_ws_clients",
		Help: "Connected WebSocket clients by kind",
	}, []string{"kind"})

	// APIRateLimited counts requests rejected by storm protection.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_api_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"endpoint"})

	// StoreLatency observes latency of hot-path store operations.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_store_latency_seconds",
		Help:    "Latency of store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// IdentityVerifyRetries counts retried identity-provider calls.
	IdentityVerifyRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_identity_verify_retries_total",
		Help: "Identity verification attempts beyond the first",
	})
)
