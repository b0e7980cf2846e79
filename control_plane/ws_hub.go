package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cakranode/control-plane/control_plane/observability"
	"github.com/cakranode/control-plane/control_plane/streaming"
)

const (
	maxWSConnections = 200
	wsWriteTimeout   = 5 * time.Second
	wsPingInterval   = 30 * time.Second
)

// NodeHub manages WebSocket connections from node agents and fans command
// announcements out to them. One bus subscription per connected node,
// opened when the first connection for that node registers and closed when
// the last one leaves.
type NodeHub struct {
	// clients maps connection to node ID
	clients    map[*websocket.Conn]string
	subs       map[string]streaming.Subscription
	register   chan nodeRegistration
	unregister chan *websocket.Conn
	deliver    chan nodeDelivery
	mu         sync.RWMutex
	api        *API
}

type nodeRegistration struct {
	conn   *websocket.Conn
	nodeID string
}

type nodeDelivery struct {
	nodeID  string
	payload []byte
}

// NewNodeHub creates a new WebSocket hub.
func NewNodeHub(api *API) *NodeHub {
	return &NodeHub{
		clients:    make(map[*websocket.Conn]string),
		subs:       make(map[string]streaming.Subscription),
		register:   make(chan nodeRegistration),
		unregister: make(chan *websocket.Conn),
		deliver:    make(chan nodeDelivery, 64),
		api:        api,
	}
}

// Run starts the hub's main loop.
func (h *NodeHub) Run(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			// Connection cap to prevent overload
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("[WS] Connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[reg.conn] = reg.nodeID
			first := h.countLocked(reg.nodeID) == 1
			h.mu.Unlock()
			if first {
				h.subscribeNode(reg.nodeID)
			}
			observability.WSClients.WithLabelValues("node").Inc()
			log.Printf("[WS] Node %s connected. Total clients: %d", reg.nodeID, h.ClientCount())

		case conn := <-h.unregister:
			h.mu.Lock()
			nodeID, ok := h.clients[conn]
			if ok {
				delete(h.clients, conn)
				conn.Close()
			}
			last := ok && h.countLocked(nodeID) == 0
			var sub streaming.Subscription
			if last {
				sub = h.subs[nodeID]
				delete(h.subs, nodeID)
			}
			h.mu.Unlock()
			if ok {
				observability.WSClients.WithLabelValues("node").Dec()
			}
			if sub != nil {
				if err := sub.Unsubscribe(); err != nil {
					log.Printf("[WS] Unsubscribe for node %s failed: %v", nodeID, err)
				}
			}

		case d := <-h.deliver:
			h.broadcast(d.nodeID, d.payload)

		case <-ticker.C:
			h.pingAll()
		}
	}
}

// countLocked counts connections for a node. Caller holds h.mu.
func (h *NodeHub) countLocked(nodeID string) int {
	n := 0
	for _, id := range h.clients {
		if id == nodeID {
			n++
		}
	}
	return n
}

// subscribeNode attaches the hub to the node's command topic so that
// announcements reach every connection for that node.
func (h *NodeHub) subscribeNode(nodeID string) {
	if h.api.bus == nil {
		return
	}
	topic := streaming.NodeCommandTopic(nodeID)
	sub, err := h.api.bus.Subscribe(topic, func(event streaming.Event) {
		select {
		case h.deliver <- nodeDelivery{nodeID: nodeID, payload: event.Payload}:
		default:
			log.Printf("[WS] Delivery queue full, dropping announcement for node %s", nodeID)
		}
	})
	if err != nil {
		log.Printf("[WS] Subscribe to %s failed: %v", topic, err)
		return
	}
	h.mu.Lock()
	h.subs[nodeID] = sub
	h.mu.Unlock()
}

// broadcast writes a payload to every connection registered for a node.
func (h *NodeHub) broadcast(nodeID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, id := range h.clients {
		if id != nodeID {
			continue
		}
		// Write deadline prevents blocking on dead connections
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("[WS] Write to node %s failed: %v", nodeID, err)
			go h.Unregister(conn)
		}
	}
	observability.PushDeliveries.WithLabelValues("node_commands").Inc()
}

// pingAll sends a control ping to every connection; dead peers surface as
// write errors and get unregistered.
func (h *NodeHub) pingAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			go h.Unregister(conn)
		}
	}
}

// shutdown gracefully closes all client connections and subscriptions.
func (h *NodeHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("[WS] Shutting down hub with %d clients", len(h.clients))

	for conn := range h.clients {
		conn.Close()
	}
	for _, sub := range h.subs {
		sub.Unsubscribe()
	}
	h.clients = make(map[*websocket.Conn]string)
	h.subs = make(map[string]streaming.Subscription)
}

// Register adds a new node connection.
func (h *NodeHub) Register(conn *websocket.Conn, nodeID string) {
	h.register <- nodeRegistration{conn: conn, nodeID: nodeID}
}

// Unregister removes a node connection.
func (h *NodeHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *NodeHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
