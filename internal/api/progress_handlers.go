package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/order-history-scraper/internal/progress"
	"github.com/JakeFAU/order-history-scraper/internal/stats"
)

// LatestEvents is the read model behind the progress routes.
// sinks.LatestSink satisfies it.
type LatestEvents interface {
	Get(purpose string) (progress.Event, bool)
	Current() (progress.Event, bool)
	Purposes() []string
}

// ProgressHandler exposes read-only session progress endpoints.
type ProgressHandler struct {
	latest LatestEvents
	logger *zap.Logger
}

// NewProgressHandler wires the read model and logger.
func NewProgressHandler(latest LatestEvents, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{latest: latest, logger: logger}
}

// Current handles GET /v1/progress. It returns {"progress": {...}} for the
// most recently started purpose, 404 before any session has started, or 503
// when progress tracking is disabled.
func (h *ProgressHandler) Current(w http.ResponseWriter, _ *http.Request) {
	if h.latest == nil {
		writeError(w, http.StatusServiceUnavailable, "progress tracking unavailable")
		return
	}
	evt, ok := h.latest.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "no session yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": toProgressDTO(evt)})
}

// Get handles GET /v1/progress/{purpose}.
func (h *ProgressHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.latest == nil {
		writeError(w, http.StatusServiceUnavailable, "progress tracking unavailable")
		return
	}
	purpose := strings.TrimSpace(chi.URLParam(r, "purpose"))
	if purpose == "" {
		writeError(w, http.StatusBadRequest, "purpose is required")
		return
	}
	evt, ok := h.latest.Get(purpose)
	if !ok {
		writeError(w, http.StatusNotFound, "purpose not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": toProgressDTO(evt)})
}

// Purposes handles GET /v1/progress/purposes.
func (h *ProgressHandler) Purposes(w http.ResponseWriter, _ *http.Request) {
	if h.latest == nil {
		writeError(w, http.StatusServiceUnavailable, "progress tracking unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purposes": h.latest.Purposes()})
}

func toProgressDTO(evt progress.Event) progressDTO {
	return progressDTO{
		SessionID:  evt.SessionUUID().String(),
		Purpose:    evt.Purpose,
		Stage:      string(evt.Stage),
		Statistics: evt.Stats,
		URL:        evt.URL,
		Note:       evt.Note,
		At:         evt.TS,
	}
}

type progressDTO struct {
	SessionID  string         `json:"session_id"`
	Purpose    string         `json:"purpose"`
	Stage      string         `json:"stage"`
	Statistics stats.Snapshot `json:"statistics"`
	URL        string         `json:"url,omitempty"`
	Note       string         `json:"note,omitempty"`
	At         time.Time      `json:"at"`
}
