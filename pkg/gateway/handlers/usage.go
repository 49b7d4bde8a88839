package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/soullab/maia-voice/pkg/billing"
	"github.com/soullab/maia-voice/pkg/core"
	"github.com/soullab/maia-voice/pkg/core/quota"
	"github.com/soullab/maia-voice/pkg/gateway/config"
)

// UsageCheckHandler handles POST /v1/usage/check: a dry-run quota decision
// for an estimated request, without consuming anything.
type UsageCheckHandler struct {
	Config   config.Config
	Gate     *quota.Gate
	Resolver billing.Resolver
	Logger   *slog.Logger
}

func (h UsageCheckHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		UserID      string `json:"user_id"`
		RequestType string `json:"request_type"`
		Size        int    `json:"size"`
	}
	if err := decodeJSON(r, h.Config.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("user_id is required", "user_id"))
		return
	}

	var reqType quota.RequestType
	switch req.RequestType {
	case "", string(quota.RequestChatText):
		reqType = quota.RequestChatText
	case string(quota.RequestChatVoice):
		reqType = quota.RequestChatVoice
	default:
		writeError(w, r, core.NewInvalidRequestErrorWithParam("unknown request_type", "request_type"))
		return
	}

	tier, err := h.Resolver.TierFor(r.Context(), req.UserID)
	if err != nil {
		h.Logger.Error("tier resolution failed", "user_id", req.UserID, "error", err)
		writeError(w, r, core.NewCollaboratorError("billing", err))
		return
	}
	if err := h.Gate.Ensure(r.Context(), req.UserID, tier); err != nil {
		h.Logger.Error("quota provisioning failed", "user_id", req.UserID, "error", err)
		writeError(w, r, err)
		return
	}

	cost := h.Gate.CostFor(r.Context(), req.UserID, reqType, req.Size)
	dec := h.Gate.Check(r.Context(), req.UserID, cost)

	status := http.StatusOK
	if !dec.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, struct {
		Allowed       bool         `json:"allowed"`
		Reason        string       `json:"reason,omitempty"`
		EstimatedCost int64        `json:"estimated_cost"`
		Quota         *quota.Quota `json:"quota,omitempty"`
	}{dec.Allowed, dec.Reason, cost, dec.Quota})
}

// UsageSummaryHandler handles GET /v1/usage/summary for one user.
type UsageSummaryHandler struct {
	Config config.Config
	Gate   *quota.Gate
	Logger *slog.Logger
}

func (h UsageSummaryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("user_id is required", "user_id"))
		return
	}
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))

	sum, err := h.Gate.UserSummary(r.Context(), userID, days)
	if err != nil {
		h.Logger.Error("usage summary failed", "user_id", userID, "error", err)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// UsageSystemHandler handles GET /v1/usage/system across all users.
type UsageSystemHandler struct {
	Config config.Config
	Gate   *quota.Gate
	Logger *slog.Logger
}

func (h UsageSystemHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	sum, err := h.Gate.SystemSummary(r.Context(), days)
	if err != nil {
		h.Logger.Error("system summary failed", "error", err)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
