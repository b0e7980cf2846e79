package main

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cakranode/control-plane/control_plane/errs"
	"github.com/cakranode/control-plane/control_plane/store"
	"github.com/cakranode/control-plane/control_plane/streaming"
)

// commandPayload builds the self-contained payload a node needs to act on a
// bot without a read-back to the control plane.
func commandPayload(bot *store.Bot) map[string]interface{} {
	return map[string]interface{}{
		"bot_id":         bot.ID,
		"username":       bot.Username,
		"server_ip":      bot.ServerIP,
		"server_port":    bot.ServerPort,
		"auto_reconnect": bot.AutoReconnect,
		"offline_mode":   bot.OfflineMode,
	}
}

// handleCreateBot creates or updates a bot definition and queues a create
// command to its node. Repeats with the same (node, username, server)
// triple update the existing record instead of duplicating it.
func (a *API) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ident, err := a.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		NodeID        string `json:"node_id"`
		Username      string `json:"username"`
		ServerIP      string `json:"server_ip"`
		ServerPort    int    `json:"server_port"`
		AutoReconnect bool   `json:"auto_reconnect"`
		OfflineMode   bool   `json:"offline_mode"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NodeID == "" || req.Username == "" || req.ServerIP == "" {
		writeError(w, errs.Validation("node_id, username and server_ip are required"))
		return
	}
	if req.ServerPort == 0 {
		req.ServerPort = 25565
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
	if a.tracker.EffectiveStatus(node) != "online" {
		writeError(w, errs.Conflict("node %s is not available", node.Name))
		return
	}

	now := time.Now()
	bot, err := a.store.FindBot(r.Context(), ident.UserID, req.NodeID, req.Username, req.ServerIP)
	if err != nil {
		writeError(w, errs.Transport("find bot", err))
		return
	}
	if bot != nil {
		bot.ServerPort = req.ServerPort
		bot.AutoReconnect = req.AutoReconnect
		bot.OfflineMode = req.OfflineMode
		bot.Status = "starting"
		bot.ErrorMessage = ""
		bot.UpdatedAt = now
		if err := a.store.UpdateBot(r.Context(), bot); err != nil {
			writeError(w, errs.Transport("update bot", err))
			return
		}
	} else {
		bot = &store.Bot{
			ID:            uuid.NewString(),
			UserID:        ident.UserID,
			OwnerEmail:    ident.Email,
			NodeID:        req.NodeID,
			Username:      req.Username,
			ServerIP:      req.ServerIP,
			ServerPort:    req.ServerPort,
			Status:        "starting",
			AutoReconnect: req.AutoReconnect,
			OfflineMode:   req.OfflineMode,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := a.store.CreateBot(r.Context(), bot); err != nil {
			writeError(w, errs.Transport("create bot", err))
			return
		}
	}

	cmd, err := a.ledger.IssueCommand(r.Context(), ident, bot.NodeID, bot.ID, "create", commandPayload(bot))
	if err != nil {
		writeError(w, err)
		return
	}

	// Block for the node's first result so the caller gets any interactive
	// auth material (device code, link) in the same response. On timeout
	// the command is still in flight, not lost.
	done, err := a.ledger.AwaitResult(r.Context(), cmd.ID)
	if err != nil {
		var timeout *errs.UpstreamTimeout
		if errors.As(err, &timeout) {
			writeJSON(w, http.StatusAccepted, map[string]interface{}{
				"success":    true,
				"message":    "Bot queued; node has not reported back yet",
				"bot":        bot,
				"command_id": cmd.ID,
			})
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":    true,
		"message":    "Bot created",
		"bot":        bot,
		"command_id": cmd.ID,
		"result":     done.Result,
	})
}

func (a *API) handleListBots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ident, err := a.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	userID := ident.UserID
	if target := r.URL.Query().Get("user_id"); target != "" && target != ident.UserID {
		if !ident.IsAdmin {
			writeError(w, errs.Permission("admin access required to list another user's bots"))
			return
		}
		userID = target
	}

	bots, err := a.store.ListBotsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, errs.Transport("list bots", err))
		return
	}
	writeJSON(w, http.StatusOK, bots)
}

// handleBotCommand queues a lifecycle command against a bot the caller is
// entitled to. Pass wait=true to block for the node's result.
func (a *API) handleBotCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.commandLimiter.Allow() {
		a.writeRateLimitError(w, "bot_command")
		return
	}

	var req struct {
		BotID   string                 `json:"bot_id"`
		Action  string                 `json:"action"`
		Payload map[string]interface{} `json:"payload"`
		Wait    bool                   `json:"wait"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.BotID == "" || req.Action == "" {
		writeError(w, errs.Validation("bot_id and action are required"))
		return
	}

	bot, ident, err := a.getBotForCaller(r, req.BotID)
	if err != nil {
		writeError(w, err)
		return
	}

	payload := req.Payload
	switch req.Action {
	case "start", "restart", "create":
		// Connection details always come from the stored record, not the
		// caller's payload.
		payload = commandPayload(bot)
	case "exec":
		if payload == nil {
			payload = map[string]interface{}{}
		}
	}

	cmd, err := a.ledger.IssueCommand(r.Context(), ident, bot.NodeID, bot.ID, req.Action, payload)
	if err != nil {
		writeError(w, err)
		return
	}

	// Optimistic status so the caller's next read reflects intent; the
	// node's status report is authoritative and overwrites this.
	switch req.Action {
	case "start", "restart", "create":
		bot.Status = "starting"
	case "stop":
		bot.Status = "stopping"
	case "delete":
		bot.Status = "deleted"
	}
	bot.UpdatedAt = time.Now()
	if err := a.store.UpdateBot(r.Context(), bot); err != nil {
		log.Printf("[BOT] Command %s queued but status update failed: %v", cmd.ID, err)
	}

	if req.Wait {
		done, err := a.ledger.AwaitResult(r.Context(), cmd.ID)
		if err != nil {
			var timeout *errs.UpstreamTimeout
			if errors.As(err, &timeout) {
				writeJSON(w, http.StatusAccepted, map[string]interface{}{
					"success":    true,
					"message":    "Command queued; node has not reported back yet",
					"command_id": cmd.ID,
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
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"message":    "Command queued",
		"command_id": cmd.ID,
	})
}

// handleDeleteBot tombstones the bot and queues a delete command. The
// record is physically removed once the node confirms the delete.
func (a *API) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		BotID string `json:"bot_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.BotID == "" {
		writeError(w, errs.Validation("bot_id is required"))
		return
	}

	bot, ident, err := a.getBotForCaller(r, req.BotID)
	if err != nil {
		writeError(w, err)
		return
	}

	cmd, err := a.ledger.IssueCommand(r.Context(), ident, bot.NodeID, bot.ID, "delete", nil)
	if err != nil {
		writeError(w, err)
		return
	}

	bot.Status = "deleted"
	bot.UpdatedAt = time.Now()
	if err := a.store.UpdateBot(r.Context(), bot); err != nil {
		writeError(w, errs.Transport("update bot", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"message":    "Bot deletion queued",
		"command_id": cmd.ID,
	})
}

// handleBotStatus is the node's status report for a bot it hosts.
// Dual-path auth: node secret or an entitled user credential.
func (a *API) handleBotStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		NodeID       string `json:"node_id"`
		SecretKey    string `json:"secret_key"`
		BotID        string `json:"bot_id"`
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NodeID == "" || req.BotID == "" || req.Status == "" {
		writeError(w, errs.Validation("node_id, bot_id and status are required"))
		return
	}
	switch req.Status {
	case "stopped", "starting", "running", "stopping", "error":
	default:
		writeError(w, errs.Validation("invalid status %q", req.Status))
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

	bot, err := a.store.GetBot(r.Context(), req.BotID)
	if err != nil {
		writeError(w, errs.Transport("get bot", err))
		return
	}
	if bot == nil {
		writeError(w, errs.NotFound("bot", req.BotID))
		return
	}

	if err := a.authorizeNodeCall(r, req.SecretKey, node, bot); err != nil {
		writeError(w, err)
		return
	}

	// A tombstoned bot stays deleted until the pending delete confirms.
	if bot.Status != "deleted" {
		bot.Status = req.Status
	}
	bot.ErrorMessage = req.ErrorMessage
	bot.UpdatedAt = time.Now()
	if err := a.store.UpdateBot(r.Context(), bot); err != nil {
		writeError(w, errs.Transport("update bot", err))
		return
	}

	if err := a.events.Publish(r.Context(), streaming.BotStatusTopic(bot.ID), bot); err != nil {
		log.Printf("[BOT] Status stored but publish failed: %v", err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Status updated",
	})
}

// handleBotLogs serves the owner-visible log tail. Entries from before the
// last clear never come back.
func (a *API) handleBotLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	botID := r.URL.Query().Get("bot_id")
	if botID == "" {
		writeError(w, errs.Validation("bot_id is required"))
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	bot, _, err := a.getBotForCaller(r, botID)
	if err != nil {
		writeError(w, err)
		return
	}

	logs, err := a.store.ListLogs(r.Context(), bot.ID, limit)
	if err != nil {
		writeError(w, errs.Transport("list logs", err))
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// handleAppendLogs ingests a batch of log lines from a node.
func (a *API) handleAppendLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		NodeID    string `json:"node_id"`
		SecretKey string `json:"secret_key"`
		BotID     string `json:"bot_id"`
		Logs      []struct {
			LogType  string                 `json:"log_type"`
			Message  string                 `json:"message"`
			Metadata map[string]interface{} `json:"metadata"`
		} `json:"logs"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NodeID == "" || req.BotID == "" || len(req.Logs) == 0 {
		writeError(w, errs.Validation("node_id, bot_id and logs are required"))
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
	bot, err := a.store.GetBot(r.Context(), req.BotID)
	if err != nil {
		writeError(w, errs.Transport("get bot", err))
		return
	}
	if bot == nil {
		writeError(w, errs.NotFound("bot", req.BotID))
		return
	}
	if err := a.authorizeNodeCall(r, req.SecretKey, node, bot); err != nil {
		writeError(w, err)
		return
	}

	now := time.Now()
	entries := make([]*store.LogEntry, 0, len(req.Logs))
	for _, l := range req.Logs {
		logType := l.LogType
		if logType == "" {
			logType = "info"
		}
		entries = append(entries, &store.LogEntry{
			ID:        uuid.NewString(),
			BotID:     bot.ID,
			LogType:   logType,
			Message:   l.Message,
			Metadata:  l.Metadata,
			CreatedAt: now,
		})
	}
	if err := a.store.AppendLogs(r.Context(), bot.ID, entries); err != nil {
		writeError(w, errs.Transport("append logs", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"stored":  len(entries),
	})
}

// handleClearLogs marks the owner's clear point; earlier entries stop
// being served even if the backend removal lags.
func (a *API) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		BotID string `json:"bot_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.BotID == "" {
		writeError(w, errs.Validation("bot_id is required"))
		return
	}

	bot, _, err := a.getBotForCaller(r, req.BotID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := a.store.ClearLogs(r.Context(), bot.ID, time.Now()); err != nil {
		writeError(w, errs.Transport("clear logs", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Logs cleared",
	})
}
