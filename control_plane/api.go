package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/cakranode/control-plane/control_plane/auth"
	"github.com/cakranode/control-plane/control_plane/dispatch"
	"github.com/cakranode/control-plane/control_plane/errs"
	"github.com/cakranode/control-plane/control_plane/idempotency"
	"github.com/cakranode/control-plane/control_plane/ledger"
	"github.com/cakranode/control-plane/control_plane/middleware"
	"github.com/cakranode/control-plane/control_plane/observability"
	"github.com/cakranode/control-plane/control_plane/presence"
	"github.com/cakranode/control-plane/control_plane/store"
	"github.com/cakranode/control-plane/control_plane/streaming"
)

type API struct {
	store     store.Store
	verifier  auth.Verifier
	ledger    *ledger.Ledger
	transport dispatch.Transport
	tracker   *presence.Tracker
	bus       streaming.Bus       // nil in pure poll deployments
	events    streaming.Publisher // bus when present, log audit trail otherwise

	nodeHub     *NodeHub
	idempotency *idempotency.Store

	// Legacy deployment-wide node secret; per-node access tokens are
	// authoritative when present.
	sharedNodeSecret string

	// Storm protection
	heartbeatLimiter *rate.Limiter
	commandLimiter   *rate.Limiter
}

func NewAPI(s store.Store, verifier auth.Verifier, l *ledger.Ledger, transport dispatch.Transport, tracker *presence.Tracker, bus streaming.Bus, idemStore *idempotency.Store, sharedNodeSecret string) *API {
	api := &API{
		store:            s,
		verifier:         verifier,
		ledger:           l,
		transport:        transport,
		tracker:          tracker,
		bus:              bus,
		idempotency:      idemStore,
		sharedNodeSecret: sharedNodeSecret,
		// Allow 100 heartbeats/sec, burst 200
		heartbeatLimiter: rate.NewLimiter(rate.Limit(100), 200),
		// Allow 20 command issues/sec, burst 40
		commandLimiter: rate.NewLimiter(rate.Limit(20), 40),
	}
	if bus != nil {
		api.events = bus
	} else {
		api.events = streaming.NewLogPublisher()
	}
	api.nodeHub = NewNodeHub(api)
	return api
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps taxonomy errors to boundary status codes. Unexpected
// errors read as 500 without leaking internals.
func writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("[API] Internal error: %v", err)
		msg = "Internal Server Error"
	}
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}

// writeRateLimitError writes a 429 response with a jittered Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000)) // Seconds
	http.Error(w, "Too Many Requests (Storm Protection Active)", http.StatusTooManyRequests)
}

// --- Identity helpers ---

// identity resolves the request's bearer credential directly. Used by
// handlers that are not behind AuthMiddleware because they also accept a
// node secret (the dual-path rule).
func (a *API) identity(r *http.Request) (*auth.Identity, error) {
	if ident, err := middleware.GetIdentityFromContext(r.Context()); err == nil {
		return ident, nil
	}
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
		return a.verifier.Resolve(r.Context(), authHeader[7:])
	}
	return nil, errs.Auth("missing credential")
}

// authorizeNodeCall enforces the dual-path rule for node-facing mutations:
// either the correct node secret or a user credential entitled to the
// target. Secret mismatch and missing user auth both come back as the same
// PermissionError so callers cannot probe which path failed.
func (a *API) authorizeNodeCall(r *http.Request, secret string, node *store.Node, bot *store.Bot) error {
	if secret != "" {
		if auth.NodeSecretValid(secret, node, a.sharedNodeSecret) {
			return nil
		}
		return errs.Permission("invalid secret key")
	}
	ident, err := a.identity(r)
	if err != nil {
		return errs.Permission("invalid secret key")
	}
	if bot != nil {
		if !auth.CanActOnBot(ident, bot) {
			return errs.Permission("invalid secret key")
		}
		return nil
	}
	if !ident.IsAdmin {
		return errs.Permission("invalid secret key")
	}
	return nil
}

// sanitizeNode strips the access token: it is shown exactly once, at
// creation.
func sanitizeNode(n *store.Node) *store.Node {
	cp := *n
	cp.AccessToken = ""
	return &cp
}

// --- Idempotency wrapper ---

// Wrapper for capturing the response so it can be replayed.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idempotency.Get(key); found {
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idempotency.Set(key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

// getBotForCaller loads a bot and checks the caller may act on it.
func (a *API) getBotForCaller(r *http.Request, botID string) (*store.Bot, *auth.Identity, error) {
	ident, err := a.identity(r)
	if err != nil {
		return nil, nil, err
	}
	bot, err := a.store.GetBot(r.Context(), botID)
	if err != nil {
		return nil, nil, errs.Transport("get bot", err)
	}
	if bot == nil {
		return nil, nil, errs.NotFound("bot", botID)
	}
	if !auth.CanActOnBot(ident, bot) {
		return nil, nil, errs.Permission("you do not own this bot")
	}
	return bot, ident, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Validation("invalid request body")
	}
	return nil
}
