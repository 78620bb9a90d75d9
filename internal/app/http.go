package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"skyrelay/telemetry-server/internal/command"
	"skyrelay/telemetry-server/internal/model"
	"skyrelay/telemetry-server/internal/store"
)

const queryTimeout = 2 * time.Second

// Handler serves the pull surface, the health probes and the /ws channel.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /readyz", a.handleReadyz)
	mux.HandleFunc("GET /api/drones", a.handleAgents)
	mux.HandleFunc("GET /api/drones/{id}", a.handleAgent)
	mux.HandleFunc("GET /api/drones/{id}/history", a.handleHistory)
	mux.HandleFunc("POST /api/drones/{id}/command", a.handleCommand)
	mux.HandleFunc("GET /api/telemetry", a.handleTelemetry)
	mux.HandleFunc("GET /api/commands", a.handleCommands)
	mux.HandleFunc("GET /api/ingestion-errors", a.handleIngestionErrors)
	mux.HandleFunc("GET /api/hub/sessions", a.handleSessions)
	mux.HandleFunc("POST /api/admin/wipe", a.handleWipeDatabase)
	mux.Handle("GET /ws", a.hub)
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !a.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleAgents(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, struct {
		Drones []model.Agent `json:"drones"`
	}{Drones: a.registry.Agents()})
}

func (a *App) handleAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := a.registry.Agent(r.PathValue("id"))
	if errors.Is(err, errors.NotFound) {
		http.Error(w, "drone not found", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, agent)
}

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	token := r.URL.Query().Get("timeRange")
	if token == "" {
		token = model.DefaultTimeRange
	}
	since, err := model.TimeRangeStart(token, a.clock.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	readings, err := a.readings.Readings(ctx, store.ReadingFilter{
		DroneID:   id,
		Since:     since,
		Ascending: true,
		Limit:     store.MaxReadingLimit,
	})
	if err != nil {
		a.logger.Error("failed to load history", "agent", id, "error", err)
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}

	a.writeJSON(w, http.StatusOK, struct {
		DroneID   string          `json:"droneId"`
		TimeRange string          `json:"timeRange"`
		Readings  []model.Reading `json:"readings"`
	}{DroneID: id, TimeRange: token, Readings: nonNil(readings)})
}

func (a *App) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ReadingFilter{DroneID: q.Get("droneId")}

	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			http.Error(w, "since must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
		filter.Since = ts
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > store.MaxReadingLimit {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("status"); v != "" {
		status := model.Status(v)
		if !status.Valid() {
			http.Error(w, "unknown status", http.StatusBadRequest)
			return
		}
		filter.Status = status
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	readings, err := a.readings.Readings(ctx, filter)
	if err != nil {
		a.logger.Error("failed to load readings", "error", err)
		http.Error(w, "failed to load readings", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		Readings []model.Reading `json:"readings"`
	}{Readings: nonNil(readings)})
}

type commandReply struct {
	Success   bool   `json:"success"`
	RequestID string `json:"requestId,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (a *App) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command    string         `json:"command"`
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, commandReply{Error: "invalid payload"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	cmd, err := a.commands.Send(ctx, r.PathValue("id"), req.Command, req.Parameters)
	switch {
	case err == nil:
		a.writeJSON(w, http.StatusAccepted, commandReply{Success: true, RequestID: cmd.RequestID})
	case errors.Is(err, command.ErrAgentOffline):
		a.writeJSON(w, http.StatusConflict, commandReply{Error: "agent offline"})
	case errors.Is(err, errors.NotFound):
		a.writeJSON(w, http.StatusNotFound, commandReply{Error: "drone not found"})
	case errors.Is(err, errors.NotValid):
		a.writeJSON(w, http.StatusBadRequest, commandReply{Error: err.Error()})
	default:
		a.logger.Error("command failed", "agent", r.PathValue("id"), "error", err)
		a.writeJSON(w, http.StatusInternalServerError, commandReply{Error: "failed to send command"})
	}
}

func (a *App) handleCommands(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	commands, err := a.store.Commands(ctx, r.URL.Query().Get("droneId"), limit)
	if err != nil {
		a.logger.Error("failed to load commands", "error", err)
		http.Error(w, "failed to load commands", http.StatusInternalServerError)
		return
	}
	if commands == nil {
		commands = []model.Command{}
	}
	a.writeJSON(w, http.StatusOK, struct {
		Commands []model.Command `json:"commands"`
	}{Commands: commands})
}

func (a *App) handleIngestionErrors(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	entries, err := a.store.IngestionErrors(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load ingestion errors", "error", err)
		http.Error(w, "failed to load ingestion errors", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.IngestionError{}
	}
	a.writeJSON(w, http.StatusOK, struct {
		Errors []model.IngestionError `json:"errors"`
	}{Errors: entries})
}

func (a *App) handleSessions(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{"sessions": a.hub.Sessions()})
}

func (a *App) handleWipeDatabase(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.ToLower(strings.TrimSpace(body.Confirm)) != "wipe" {
		http.Error(w, "confirmation required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	wipers := []func(context.Context) error{a.store.WipeData}
	if a.readings != readingBackend(a.store) {
		wipers = append(wipers, a.readings.WipeData)
	}
	for _, wipe := range wipers {
		if err := wipe(ctx); err != nil {
			a.logger.Error("wipe: failed", "error", err)
			http.Error(w, "failed to wipe data", http.StatusInternalServerError)
			return
		}
	}

	a.logger.Warn("wipe: all telemetry cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func nonNil(readings []model.Reading) []model.Reading {
	if readings == nil {
		return []model.Reading{}
	}
	return readings
}
