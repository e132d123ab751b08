package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kuleshov01/new-max-bot/internal/models"
	"github.com/kuleshov01/new-max-bot/internal/store"
)

type createBotRequest struct {
	Name    string       `json:"name"`
	Token   string       `json:"token"`
	BaseURL string       `json:"base_url"`
	Flow    *models.Flow `json:"flow,omitempty"`
}

type statusResult struct {
	ID     int64            `json:"id"`
	Status models.BotStatus `json:"status"`
}

type flowSaved struct {
	Nodes    int      `json:"nodes"`
	Warnings []string `json:"warnings,omitempty"`
}

func botID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid bot id %q", raw)
	}
	return id, nil
}

// withID parses the bot id or answers 400.
func withID(op string, next func(w http.ResponseWriter, r *http.Request, id int64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := botID(r)
		if err != nil {
			slog.Warn("Server."+op+": bad bot id", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		next(w, r, id)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, op string, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		slog.Warn("Server."+op+": failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) listBotsHandler(w http.ResponseWriter, r *http.Request) {
	bots, err := s.store.ListBots(r.Context())
	if err != nil {
		writeError(w, "listBotsHandler", err)
		return
	}
	out := make([]models.Bot, len(bots))
	for i, b := range bots {
		out[i] = b.Redacted()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

func (s *Server) createBotHandler(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if !decodeJSON(w, r, "createBotHandler", &req) {
		return
	}
	b := models.Bot{Name: req.Name, Token: req.Token, BaseURL: req.BaseURL}
	if err := b.Validate(); err != nil {
		writeError(w, "createBotHandler", err)
		return
	}
	if req.Flow != nil {
		if err := req.Flow.Validate(); err != nil {
			writeError(w, "createBotHandler", err)
			return
		}
	}

	created, err := s.store.CreateBot(r.Context(), b)
	if err != nil {
		writeError(w, "createBotHandler", err)
		return
	}
	if req.Flow != nil {
		if err := s.store.SaveFlow(r.Context(), created.ID, req.Flow); err != nil {
			writeError(w, "createBotHandler", err)
			return
		}
	}
	slog.Info("Server.createBotHandler: bot created", "bot_id", created.ID, "name", created.Name)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Bot created", created.Redacted()))
}

func (s *Server) getBotHandler(w http.ResponseWriter, r *http.Request, id int64) {
	b, err := s.store.GetBot(r.Context(), id)
	if err != nil {
		writeError(w, "getBotHandler", err)
		return
	}
	if status, err := s.bots.Status(r.Context(), id); err == nil {
		b.Status = status
	}
	writeJSONResponse(w, http.StatusOK, models.Success(b.Redacted()))
}

func (s *Server) updateBotHandler(w http.ResponseWriter, r *http.Request, id int64) {
	var u store.BotUpdate
	if !decodeJSON(w, r, "updateBotHandler", &u) {
		return
	}
	b, err := s.store.UpdateBot(r.Context(), id, u)
	if err != nil {
		writeError(w, "updateBotHandler", err)
		return
	}
	// a running worker keeps its old token until restarted
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Bot updated", b.Redacted()))
}

func (s *Server) deleteBotHandler(w http.ResponseWriter, r *http.Request, id int64) {
	if _, err := s.store.GetBot(r.Context(), id); err != nil {
		writeError(w, "deleteBotHandler", err)
		return
	}
	if err := s.bots.Stop(r.Context(), id); err != nil {
		writeError(w, "deleteBotHandler", err)
		return
	}
	if err := s.store.DeleteBot(r.Context(), id); err != nil {
		writeError(w, "deleteBotHandler", err)
		return
	}
	slog.Info("Server.deleteBotHandler: bot deleted", "bot_id", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Bot deleted", nil))
}

func (s *Server) lifecycleHandler(op string, action func(ctx context.Context, id int64) error) http.HandlerFunc {
	name := op + "Handler"
	return withID(name, func(w http.ResponseWriter, r *http.Request, id int64) {
		if err := action(r.Context(), id); err != nil {
			writeError(w, name, err)
			return
		}
		status, err := s.bots.Status(r.Context(), id)
		if err != nil {
			writeError(w, name, err)
			return
		}
		slog.Info("Server."+name+": done", "bot_id", id, "status", status)
		writeJSONResponse(w, http.StatusOK, models.Success(statusResult{ID: id, Status: status}))
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request, id int64) {
	status, err := s.bots.Status(r.Context(), id)
	if err != nil {
		writeError(w, "statusHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(statusResult{ID: id, Status: status}))
}

func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request, id int64) {
	f, err := s.store.GetFlow(r.Context(), id)
	if err != nil {
		writeError(w, "getFlowHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(f))
}

func (s *Server) saveFlowHandler(w http.ResponseWriter, r *http.Request, id int64) {
	var f models.Flow
	if !decodeJSON(w, r, "saveFlowHandler", &f) {
		return
	}
	if err := s.store.SaveFlow(r.Context(), id, &f); err != nil {
		writeError(w, "saveFlowHandler", err)
		return
	}
	warnings := f.Lint()
	slog.Info("Server.saveFlowHandler: flow saved", "bot_id", id, "nodes", len(f.Nodes), "warnings", len(warnings))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow saved", flowSaved{Nodes: len(f.Nodes), Warnings: warnings}))
}

func (s *Server) getLogsHandler(w http.ResponseWriter, r *http.Request, id int64) {
	limit := store.DefaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = n
	}
	if _, err := s.store.GetBot(r.Context(), id); err != nil {
		writeError(w, "getLogsHandler", err)
		return
	}
	logs, err := s.store.GetLogs(r.Context(), id, limit)
	if err != nil {
		writeError(w, "getLogsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(logs))
}

func (s *Server) clearLogsHandler(w http.ResponseWriter, r *http.Request, id int64) {
	if err := s.store.ClearLogs(r.Context(), id); err != nil {
		writeError(w, "clearLogsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Logs cleared", nil))
}
