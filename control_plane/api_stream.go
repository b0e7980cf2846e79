package main

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cakranode/control-plane/control_plane/auth"
	"github.com/cakranode/control-plane/control_plane/observability"
	"github.com/cakranode/control-plane/control_plane/streaming"
)

const wsReadTimeout = 60 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for local dev (CORS)
		return true
	},
}

// handleCommandStream is the node's push channel. The node authenticates
// with its secret in the query string, then receives every command
// announcement for itself as a JSON frame. Announcements are advisory:
// the node still claims over the poll endpoint before acting.
func (a *API) handleCommandStream(w http.ResponseWriter, r *http.Request) {
	if a.bus == nil {
		http.Error(w, "Push transport not enabled", http.StatusNotImplemented)
		return
	}

	nodeID := r.URL.Query().Get("node_id")
	secret := r.URL.Query().Get("secret_key")
	if nodeID == "" || secret == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	node, err := a.store.GetNode(r.Context(), nodeID)
	if err != nil || node == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !auth.NodeSecretValid(secret, node, a.sharedNodeSecret) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed for node %s: %v", nodeID, err)
		return
	}

	a.nodeHub.Register(conn, nodeID)
	defer a.nodeHub.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	// Read pump to detect disconnections
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Node %s stream error: %v", nodeID, err)
			}
			break
		}
	}
}

// handleBotStatusStream streams live status updates for one bot to its
// owner. Ends when the client disconnects.
func (a *API) handleBotStatusStream(w http.ResponseWriter, r *http.Request) {
	if a.bus == nil {
		http.Error(w, "Push transport not enabled", http.StatusNotImplemented)
		return
	}

	botID := r.URL.Query().Get("bot_id")
	if botID == "" {
		http.Error(w, "bot_id is required", http.StatusBadRequest)
		return
	}

	// Browsers cannot set headers on WebSocket dials, so the credential
	// may arrive in the query string instead.
	if r.Header.Get("Authorization") == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
	}
	bot, _, err := a.getBotForCaller(r, botID)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed for bot stream %s: %v", botID, err)
		return
	}
	defer conn.Close()

	observability.WSClients.WithLabelValues("ui").Inc()
	defer observability.WSClients.WithLabelValues("ui").Dec()

	frames := make(chan []byte, 16)
	sub, err := a.bus.Subscribe(streaming.BotStatusTopic(bot.ID), func(event streaming.Event) {
		select {
		case frames <- event.Payload:
		default:
		}
	})
	if err != nil {
		log.Printf("[WS] Subscribe for bot %s failed: %v", botID, err)
		return
	}
	defer sub.Unsubscribe()

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			return
		case payload := <-frames:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
