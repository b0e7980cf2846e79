package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cakranode/control-plane/control_plane/errs"
	"github.com/cakranode/control-plane/control_plane/store"
)

// handleRegisterNode is the node bootstrap call. The node proves itself with
// the access token minted at creation; a wrong token mutates nothing.
func (a *API) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		AccessToken string `json:"access_token"`
		IPAddress   string `json:"ip_address"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AccessToken == "" {
		writeError(w, errs.Auth("access token required"))
		return
	}
	if req.IPAddress == "" {
		writeError(w, errs.Validation("ip_address is required"))
		return
	}

	node, err := a.store.GetNodeByAccessToken(r.Context(), req.AccessToken)
	if err != nil {
		writeError(w, errs.Transport("lookup node by token", err))
		return
	}
	if node == nil {
		writeError(w, errs.Auth("invalid access token"))
		return
	}

	if req.IPAddress != "auto" {
		node.IPAddress = req.IPAddress
	}
	if err := a.tracker.RecordHeartbeat(r.Context(), node, nil); err != nil {
		writeError(w, err)
		return
	}

	log.Printf("[NODE] Node %s (%s) registered from %s", node.ID, node.Name, req.IPAddress)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Node registered",
		"node":    sanitizeNode(node),
	})
}

// handleHeartbeat refreshes node presence and appends a stats sample when
// the node sends one. Dual-path auth: node secret or admin bearer.
func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !a.heartbeatLimiter.Allow() {
		a.writeRateLimitError(w, "heartbeat")
		return
	}

	var req struct {
		NodeID    string             `json:"node_id"`
		SecretKey string             `json:"secret_key"`
		Stats     *store.StatsSample `json:"stats"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NodeID == "" {
		writeError(w, errs.Validation("node_id is required"))
		return
	}

	node, err := a.store.GetNode(r.Context(), req.NodeID)
	if err != nil {
		writeError(w, errs.Transport("get node", err))
		return
	}
	if node == nil {
		writeError(w, errs.NotFound("node", req.NodeID))
		return
	}
	if err := a.authorizeNodeCall(r, req.SecretKey, node, nil); err != nil {
		writeError(w, err)
		return
	}

	if err := a.tracker.RecordHeartbeat(r.Context(), node, req.Stats); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Heartbeat received",
	})
}

// handleCreateNode provisions a node host. Admin only. The minted access
// token appears in this response and nowhere else afterwards.
func (a *API) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ident, err := a.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ident.IsAdmin {
		writeError(w, errs.Permission("admin access required"))
		return
	}

	var req struct {
		Name      string `json:"name"`
		Location  string `json:"location"`
		IPAddress string `json:"ip_address"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" || req.Location == "" {
		writeError(w, errs.Validation("name and location are required"))
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = "auto"
	}

	node := &store.Node{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Location:    req.Location,
		IPAddress:   req.IPAddress,
		Status:      "offline",
		AccessToken: uuid.NewString(),
		CreatedBy:   ident.UserID,
		CreatedAt:   time.Now(),
	}
	if err := a.store.CreateNode(r.Context(), node); err != nil {
		writeError(w, errs.Transport("create node", err))
		return
	}

	log.Printf("[NODE] Node %s (%s) created by %s", node.ID, node.Name, ident.UserID)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"message": "Node created. Save the access token: it will not be shown again.",
		"node":    node,
	})
}

// nodeView is the listing shape: stored fields plus the derived status and
// the latest resource snapshot.
type nodeView struct {
	*store.Node
	EffectiveStatus string             `json:"effective_status"`
	Stats           *store.StatsSample `json:"stats,omitempty"`
	BotCount        int                `json:"bot_count"`
}

func (a *API) nodeViews(ctx context.Context, nodes []*store.Node) []*nodeView {
	views := make([]*nodeView, 0, len(nodes))
	for _, n := range nodes {
		view := &nodeView{
			Node:            sanitizeNode(n),
			EffectiveStatus: a.tracker.EffectiveStatus(n),
		}
		if stats, err := a.store.LatestStats(ctx, n.ID); err == nil {
			view.Stats = stats
		}
		if bots, err := a.store.ListBotsByNode(ctx, n.ID); err == nil {
			view.BotCount = len(bots)
		}
		views = append(views, view)
	}
	return views
}

func (a *API) handleListNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := a.identity(r); err != nil {
		writeError(w, err)
		return
	}

	nodes, err := a.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, errs.Transport("list nodes", err))
		return
	}
	writeJSON(w, http.StatusOK, a.nodeViews(r.Context(), nodes))
}

// handleAvailableNodes lists nodes a user can assign bots to: effectively
// online, not in maintenance.
func (a *API) handleAvailableNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := a.identity(r); err != nil {
		writeError(w, err)
		return
	}

	nodes, err := a.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, errs.Transport("list nodes", err))
		return
	}
	available := make([]*store.Node, 0, len(nodes))
	for _, n := range nodes {
		if a.tracker.EffectiveStatus(n) == "online" {
			available = append(available, n)
		}
	}
	writeJSON(w, http.StatusOK, a.nodeViews(r.Context(), available))
}

// handleUpdateNode is the admin edit: name, location, IP, maintenance flag.
func (a *API) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ident, err := a.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ident.IsAdmin {
		writeError(w, errs.Permission("admin access required"))
		return
	}

	var req struct {
		NodeID    string  `json:"node_id"`
		Name      *string `json:"name"`
		Location  *string `json:"location"`
		IPAddress *string `json:"ip_address"`
		Status    *string `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NodeID == "" {
		writeError(w, errs.Validation("node_id is required"))
		return
	}

	node, err := a.store.GetNode(r.Context(), req.NodeID)
	if err != nil {
		writeError(w, errs.Transport("get node", err))
		return
	}
	if node == nil {
		writeError(w, errs.NotFound("node", req.NodeID))
		return
	}

	if req.Name != nil {
		node.Name = *req.Name
	}
	if req.Location != nil {
		node.Location = *req.Location
	}
	if req.IPAddress != nil {
		node.IPAddress = *req.IPAddress
	}
	if req.Status != nil {
		switch *req.Status {
		case "online", "offline", "maintenance":
			node.Status = *req.Status
		default:
			writeError(w, errs.Validation("invalid status %q", *req.Status))
			return
		}
	}

	if err := a.store.UpdateNode(r.Context(), node); err != nil {
		writeError(w, errs.Transport("update node", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Node updated",
		"node":    sanitizeNode(node),
	})
}

// handleDeleteNode removes a node host. Rejected while any bot still
// references it: the bots have to be removed or reassigned first.
func (a *API) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ident, err := a.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ident.IsAdmin {
		writeError(w, errs.Permission("admin access required"))
		return
	}

	var req struct {
		NodeID string `json:"node_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NodeID == "" {
		writeError(w, errs.Validation("node_id is required"))
		return
	}

	node, err := a.store.GetNode(r.Context(), req.NodeID)
	if err != nil {
		writeError(w, errs.Transport("get node", err))
		return
	}
	if node == nil {
		writeError(w, errs.NotFound("node", req.NodeID))
		return
	}

	bots, err := a.store.ListBotsByNode(r.Context(), req.NodeID)
	if err != nil {
		writeError(w, errs.Transport("list bots by node", err))
		return
	}
	if len(bots) > 0 {
		writeError(w, errs.Conflict("cannot delete node with %d active bot(s); stop all bots first", len(bots)))
		return
	}

	if err := a.store.DeleteNode(r.Context(), req.NodeID); err != nil {
		writeError(w, errs.Transport("delete node", err))
		return
	}

	log.Printf("[NODE] Node %s deleted by %s", req.NodeID, ident.UserID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Node deleted successfully",
	})
}
