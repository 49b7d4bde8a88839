package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/soullab/maia-voice/pkg/core"
	"github.com/soullab/maia-voice/pkg/core/capture"
	"github.com/soullab/maia-voice/pkg/gateway/config"
)

type sessionJSON struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	OrgID       string     `json:"org_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
	AutoStarted bool       `json:"auto_started"`
	Active      bool       `json:"active"`
}

func toSessionJSON(s capture.Session) sessionJSON {
	return sessionJSON{
		ID:          s.ID,
		UserID:      s.UserID,
		OrgID:       s.OrgID,
		StartedAt:   s.StartedAt,
		StoppedAt:   s.StoppedAt,
		AutoStarted: s.AutoStarted,
		Active:      s.Active(),
	}
}

// SessionStartHandler handles POST /v1/session/start.
type SessionStartHandler struct {
	Config   config.Config
	Captures *capture.Service
	Logger   *slog.Logger
}

func (h SessionStartHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		UserID      string `json:"user_id"`
		OrgID       string `json:"org_id"`
		AutoStarted bool   `json:"auto_started"`
	}
	if err := decodeJSON(r, h.Config.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("user_id is required", "user_id"))
		return
	}

	sess, alreadyActive, err := h.Captures.Start(r.Context(), req.UserID, req.OrgID, req.AutoStarted)
	if err != nil {
		h.Logger.Error("session start failed", "user_id", req.UserID, "error", err)
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if alreadyActive {
		status = http.StatusOK
	}
	writeJSON(w, status, struct {
		Session       sessionJSON `json:"session"`
		AlreadyActive bool        `json:"already_active"`
	}{toSessionJSON(sess), alreadyActive})
}

// SessionStopHandler handles POST /v1/session/stop.
type SessionStopHandler struct {
	Config   config.Config
	Captures *capture.Service
	Logger   *slog.Logger
}

func (h SessionStopHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(r, h.Config.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("session_id is required", "session_id"))
		return
	}

	sess, err := h.Captures.Stop(r.Context(), req.SessionID)
	if err != nil {
		h.Logger.Error("session stop failed", "session_id", req.SessionID, "error", err)
		writeError(w, r, err)
		return
	}
	if sess == nil {
		writeError(w, r, core.NewNotFoundError("no active session with that id"))
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Session sessionJSON `json:"session"`
	}{toSessionJSON(*sess)})
}

// SessionStatusHandler handles GET /v1/session/status.
type SessionStatusHandler struct {
	Config   config.Config
	Captures *capture.Service
	Logger   *slog.Logger
}

func (h SessionStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("user_id is required", "user_id"))
		return
	}
	orgID := strings.TrimSpace(r.URL.Query().Get("org_id"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	active, err := h.Captures.Active(r.Context(), userID, orgID)
	if err != nil {
		h.Logger.Error("session status failed", "user_id", userID, "error", err)
		writeError(w, r, err)
		return
	}
	recent, err := h.Captures.Recent(r.Context(), userID, orgID, limit)
	if err != nil {
		h.Logger.Error("recent sessions failed", "user_id", userID, "error", err)
		writeError(w, r, err)
		return
	}

	resp := struct {
		Active         bool           `json:"active"`
		Session        *sessionJSON   `json:"session,omitempty"`
		Notes          []capture.Note `json:"notes,omitempty"`
		RecentSessions []sessionJSON  `json:"recent_sessions"`
	}{RecentSessions: make([]sessionJSON, 0, len(recent))}

	if active != nil {
		resp.Active = true
		sj := toSessionJSON(*active)
		resp.Session = &sj
		notes, err := h.Captures.Notes(r.Context(), active.ID)
		if err != nil {
			h.Logger.Error("session notes failed", "session_id", active.ID, "error", err)
			writeError(w, r, err)
			return
		}
		resp.Notes = notes
	}
	for _, s := range recent {
		resp.RecentSessions = append(resp.RecentSessions, toSessionJSON(s))
	}
	writeJSON(w, http.StatusOK, resp)
}
