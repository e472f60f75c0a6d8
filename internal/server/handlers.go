package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"channelctl/internal/controller"
	"channelctl/internal/models"
	"channelctl/internal/observability/logging"
	"channelctl/internal/storage"
)

type handlers struct {
	ctrl     controller.Controller
	serverID string
	logger   *slog.Logger
}

var (
	errStatisticsNotLoaded = errors.New("statistics have not been loaded")
	errChannelNotFound     = errors.New("channel not found")
	errServerIDRequired    = errors.New("server id is required")
)

type errorResponse struct {
	Error     string `json:"error"`
	Unit      *int   `json:"unit,omitempty"`
	Committed *int   `json:"committed,omitempty"`
}

type statisticsResponse struct {
	Kind       string            `json:"kind"`
	LoadedAt   time.Time         `json:"loadedAt"`
	Statistics models.Statistics `json:"statistics"`
}

type resetRequest struct {
	Channels map[string][]int `json:"channels"`
	Statuses []string         `json:"statuses"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// statusFor maps controller and storage failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrInvalidChannelID),
		errors.Is(err, controller.ErrNoStatuses),
		errors.Is(err, controller.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, errStatisticsNotLoaded), errors.Is(err, errChannelNotFound):
		return http.StatusNotFound
	case storage.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorResponse{Error: err.Error()}
	var unitErr *controller.UnitError
	if errors.As(err, &unitErr) {
		body.Unit = &unitErr.Index
		body.Committed = &unitErr.Index
	}
	if status >= http.StatusInternalServerError {
		logger := logging.LoggerFromContext(r.Context())
		if logger == nil {
			logger = h.logger
		}
		logger.Error("admin request failed", "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func (h *handlers) badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{"status": "ok", "serverId": h.serverID}
	if loadedAt, ok := h.ctrl.StatisticsLoadedAt(); ok {
		payload["statisticsLoadedAt"] = loadedAt
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *handlers) listChannels(w http.ResponseWriter, r *http.Request) {
	identities, err := h.ctrl.Identities(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identities)
}

func (h *handlers) lookupChannel(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("id")
	localID, found, err := h.ctrl.Lookup(r.Context(), channelID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !found {
		h.fail(w, r, fmt.Errorf("%w: %s", errChannelNotFound, channelID))
		return
	}
	writeJSON(w, http.StatusOK, models.ChannelIdentity{ChannelID: channelID, LocalChannelID: localID})
}

func (h *handlers) ensureChannel(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("id")
	localID, err := h.ctrl.GetOrCreate(r.Context(), channelID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ChannelIdentity{ChannelID: channelID, LocalChannelID: localID})
}

func (h *handlers) removeChannel(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Remove(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) deleteMessages(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.DeleteAllMessages(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) statistics(w http.ResponseWriter, r *http.Request) {
	kind := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("kind")))
	if kind == "" {
		kind = "current"
	}
	if kind != "current" && kind != "total" {
		h.badRequest(w, fmt.Errorf("unknown statistics kind %q", kind))
		return
	}
	pair, ok := h.ctrl.StatisticsSnapshot()
	if !ok {
		h.fail(w, r, errStatisticsNotLoaded)
		return
	}
	snapshot := pair.Current
	if kind == "total" {
		snapshot = pair.Total
	}
	writeJSON(w, http.StatusOK, statisticsResponse{Kind: kind, LoadedAt: pair.LoadedAt, Statistics: snapshot})
}

func (h *handlers) reloadStatistics(w http.ResponseWriter, r *http.Request) {
	serverID := firstNonEmpty(r.URL.Query().Get("serverId"), h.serverID)
	if serverID == "" {
		h.badRequest(w, errServerIDRequired)
		return
	}
	if err := h.ctrl.ReloadStatistics(r.Context(), serverID); err != nil {
		h.fail(w, r, err)
		return
	}
	pair, _ := h.ctrl.StatisticsSnapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"serverId": serverID,
		"loadedAt": pair.LoadedAt,
		"channels": pair.Current.Len(),
	})
}

func (h *handlers) resetStatistics(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(r, &req); err != nil {
		h.badRequest(w, fmt.Errorf("decode reset request: %w", err))
		return
	}
	if len(req.Channels) == 0 {
		h.badRequest(w, errors.New("at least one channel is required"))
		return
	}
	statuses := make([]models.Status, 0, len(req.Statuses))
	for _, raw := range req.Statuses {
		status, err := models.ParseStatus(raw)
		if err != nil {
			h.badRequest(w, err)
			return
		}
		statuses = append(statuses, status)
	}
	grouping := make(controller.Grouping, len(req.Channels))
	for channelID, connectors := range req.Channels {
		ids := make([]models.MetaDataID, 0, len(connectors))
		for _, connector := range connectors {
			ids = append(ids, models.MetaDataID(connector))
		}
		grouping[channelID] = ids
	}

	if err := h.ctrl.ResetStatistics(r.Context(), grouping, statuses); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) resetAllStatistics(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.ResetAllStatistics(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
