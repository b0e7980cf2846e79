package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cakranode/control-plane/control_plane/errs"
)

// handlePollCommands is the node's claim call: up to limit pending commands
// flip to processing and come back oldest first. Claiming is the only way
// a command leaves pending, in push deployments too.
func (a *API) handlePollCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		NodeID    string `json:"node_id"`
		SecretKey string `json:"secret_key"`
		Limit     int    `json:"limit"`
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

	claimed, err := a.ledger.ClaimNext(r.Context(), req.NodeID, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"commands": claimed,
	})
}

// handleCommandResult is the node's completion report. Reporting a command
// that already finished is acknowledged without changing anything, so a
// node can retry the call safely.
func (a *API) handleCommandResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		NodeID    string                 `json:"node_id"`
		SecretKey string                 `json:"secret_key"`
		CommandID string                 `json:"command_id"`
		Status    string                 `json:"status"`
		Result    map[string]interface{} `json:"result"`
		Error     string                 `json:"error"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NodeID == "" || req.CommandID == "" || req.Status == "" {
		writeError(w, errs.Validation("node_id, command_id and status are required"))
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

	cmd, err := a.ledger.Get(r.Context(), req.CommandID)
	if err != nil {
		writeError(w, err)
		return
	}
	if cmd.NodeID != req.NodeID {
		writeError(w, errs.Permission("command belongs to another node"))
		return
	}

	if err := a.ledger.Complete(r.Context(), req.CommandID, req.Status, req.Result, req.Error); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Result recorded",
	})
}

// handleGetCommand is the point read for command status, scoped to the
// issuer (or admin).
func (a *API) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ident, err := a.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	commandID := r.URL.Query().Get("command_id")
	if commandID == "" {
		writeError(w, errs.Validation("command_id is required"))
		return
	}

	cmd, err := a.ledger.Get(r.Context(), commandID)
	if err != nil {
		writeError(w, err)
		return
	}
	if cmd.UserID != ident.UserID && !ident.IsAdmin {
		writeError(w, errs.Permission("you did not issue this command"))
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// handleWaitCommand blocks for a command's result with the transport's
// bounded wait. A timeout comes back 202 with the last observed state.
func (a *API) handleWaitCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ident, err := a.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	commandID := r.URL.Query().Get("command_id")
	if commandID == "" {
		writeError(w, errs.Validation("command_id is required"))
		return
	}

	cmd, err := a.ledger.Get(r.Context(), commandID)
	if err != nil {
		writeError(w, err)
		return
	}
	if cmd.UserID != ident.UserID && !ident.IsAdmin {
		writeError(w, errs.Permission("you did not issue this command"))
		return
	}

	done, err := a.ledger.AwaitResult(r.Context(), commandID)
	if err != nil {
		var timeout *errs.UpstreamTimeout
		if errors.As(err, &timeout) {
			writeJSON(w, http.StatusAccepted, map[string]interface{}{
				"success": true,
				"message": "Command still in flight",
				"command": done,
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"command": done,
	})
}

// handlePendingBacklog is the admin view of unclaimed commands, the same
// query the reconciliation sweep runs.
func (a *API) handlePendingBacklog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
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

	var olderThan time.Duration
	if raw := r.URL.Query().Get("older_than_seconds"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			olderThan = time.Duration(n) * time.Second
		}
	}

	pending, err := a.store.ListPendingCommands(r.Context(), r.URL.Query().Get("node_id"), olderThan, time.Now())
	if err != nil {
		writeError(w, errs.Transport("list pending commands", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"count":    len(pending),
		"commands": pending,
	})
}
