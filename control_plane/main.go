package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cakranode/control-plane/control_plane/auth"
	"github.com/cakranode/control-plane/control_plane/dispatch"
	"github.com/cakranode/control-plane/control_plane/idempotency"
	"github.com/cakranode/control-plane/control_plane/ledger"
	"github.com/cakranode/control-plane/control_plane/middleware"
	"github.com/cakranode/control-plane/control_plane/presence"
	"github.com/cakranode/control-plane/control_plane/store"
	"github.com/cakranode/control-plane/control_plane/streaming"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx := context.Background()

	// Storage backend. Postgres for durability, Redis for fast keyed
	// documents, memory for single-node dev and tests.
	var (
		s          store.Store
		redisStore *store.RedisStore
		err        error
	)
	switch {
	case os.Getenv("DATABASE_URL") != "":
		s, err = store.NewPostgresStore(ctx, os.Getenv("DATABASE_URL"))
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		log.Println("[CONFIG] Using Postgres store")
	case os.Getenv("REDIS_ADDR") != "":
		redisStore, err = store.NewRedisStore(os.Getenv("REDIS_ADDR"), os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		s = redisStore
		log.Printf("[CONFIG] Using Redis store at %s", os.Getenv("REDIS_ADDR"))
	default:
		s = store.NewMemoryStore()
		log.Println("[CONFIG] Using in-memory store (ephemeral, dev only)")
	}

	// Transport. Poll is the default; push adds a bus so connected nodes
	// hear about commands without polling latency. Claiming stays on the
	// poll endpoint either way.
	var (
		bus       streaming.Bus
		transport dispatch.Transport
	)
	if envOr("TRANSPORT", "poll") == "push" {
		if redisStore != nil {
			bus = streaming.NewRedisBus(redisStore.Client())
			log.Println("[CONFIG] Push transport over Redis pub/sub")
		} else {
			bus = streaming.NewMemoryBus()
			log.Println("[CONFIG] Push transport over in-process bus (single instance only)")
		}
		transport = dispatch.NewPushTransport(s, bus)

		// Mandatory with push: re-announces anything a dropped connection
		// missed, which is what makes delivery at-least-once.
		sweeper := dispatch.NewSweeper(s, transport, 30*time.Second, 60*time.Second)
		sweeper.Start(ctx)
	} else {
		transport = dispatch.NewPollTransport(s)
		log.Println("[CONFIG] Poll transport")
	}

	ldg := ledger.New(s, transport)

	// Expire abandoned pending commands and GC terminal ones.
	janitor := ledger.NewJanitor(ldg, s, time.Minute, 10*time.Minute, 24*time.Hour)
	janitor.Start(ctx)

	tracker := presence.NewTracker(s)
	monitor := presence.NewMonitor(s, tracker, 30*time.Second)
	monitor.Start(ctx)

	identityURL := os.Getenv("IDENTITY_URL")
	if identityURL == "" {
		log.Fatal("IDENTITY_URL is required")
	}
	verifier := auth.NewHTTPVerifier(identityURL, os.Getenv("IDENTITY_SERVICE_KEY"), os.Getenv("ADMIN_EMAIL"))

	idemStore := idempotency.NewStore(time.Hour)

	api := NewAPI(s, verifier, ldg, transport, tracker, bus, idemStore, os.Getenv("NODE_SECRET_KEY"))
	go api.nodeHub.Run(ctx)

	addr := envOr("LISTEN_ADDR", ":8080")
	log.Printf("Control plane listening on %s", addr)

	handler := middleware.CORSMiddleware(api.routes())
	log.Fatal(http.ListenAndServe(addr, handler))
}

// routes builds the full HTTP surface. Node agent endpoints are not behind
// AuthMiddleware: they authenticate with the node secret, or a user
// credential on the dual-path rule.
func (a *API) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/node/register", a.handleRegisterNode)
	mux.HandleFunc("/api/node/heartbeat", a.handleHeartbeat)
	mux.HandleFunc("/api/node/poll", a.handlePollCommands)
	mux.HandleFunc("/api/node/result", a.handleCommandResult)
	mux.HandleFunc("/api/node/status", a.handleBotStatus)
	mux.HandleFunc("/api/node/logs", a.handleAppendLogs)

	authed := func(h http.HandlerFunc) http.Handler {
		return middleware.AuthMiddleware(a.verifier, h)
	}

	mux.Handle("/api/nodes", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			a.handleListNodes(w, r)
			return
		}
		a.withIdempotency(a.handleCreateNode)(w, r)
	}))
	mux.Handle("/api/nodes/available", authed(a.handleAvailableNodes))
	mux.Handle("/api/nodes/update", authed(a.handleUpdateNode))
	mux.Handle("/api/nodes/delete", authed(a.handleDeleteNode))

	mux.Handle("/api/bots", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			a.handleListBots(w, r)
			return
		}
		a.withIdempotency(a.handleCreateBot)(w, r)
	}))
	mux.Handle("/api/bots/command", authed(a.withIdempotency(a.handleBotCommand)))
	mux.Handle("/api/bots/delete", authed(a.handleDeleteBot))
	mux.Handle("/api/bots/logs", authed(a.handleBotLogs))
	mux.Handle("/api/bots/logs/clear", authed(a.handleClearLogs))

	mux.Handle("/api/commands", authed(a.handleGetCommand))
	mux.Handle("/api/commands/wait", authed(a.handleWaitCommand))
	mux.Handle("/api/admin/backlog", authed(a.handlePendingBacklog))

	// Streams carry their own auth (query-string credentials).
	mux.HandleFunc("/api/stream/commands", a.handleCommandStream)
	mux.HandleFunc("/api/stream/bots", a.handleBotStatusStream)

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}
