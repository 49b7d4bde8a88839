package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/soullab/maia-voice/pkg/billing"
	"github.com/soullab/maia-voice/pkg/core"
	"github.com/soullab/maia-voice/pkg/core/arbiter"
	"github.com/soullab/maia-voice/pkg/core/quota"
	"github.com/soullab/maia-voice/pkg/gateway/config"
	"github.com/soullab/maia-voice/pkg/gateway/mw"
)

// ChatHandler handles POST /v1/chat: one user turn through the arbiter.
type ChatHandler struct {
	Config        config.Config
	Conversations *Conversations
	Gate          *quota.Gate
	Resolver      billing.Resolver
	Logger        *slog.Logger
}

func (h ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		UserID string `json:"user_id"`
		OrgID  string `json:"org_id"`
		Text   string `json:"text"`
		Mode   string `json:"mode"`
		Voice  bool   `json:"voice"`
		Mood   string `json:"mood"`
	}
	if err := decodeJSON(r, h.Config.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("user_id is required", "user_id"))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("text is required", "text"))
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

	arb := h.Conversations.For(req.UserID, req.OrgID)
	if req.Mode != "" {
		arb.SetMode(req.Mode)
	}

	out, err := arb.HandleUtterance(r.Context(), arbiter.Utterance{
		UserID:      req.UserID,
		OrgID:       req.OrgID,
		Text:        req.Text,
		TimestampMS: time.Now().UnixMilli(),
		Voice:       req.Voice,
		Mood:        req.Mood,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if out.Denied != nil {
		reqID, _ := mw.RequestIDFrom(r.Context())
		coreErr := core.NewQuotaExceededError(out.Denied.Reason)
		coreErr.RequestID = reqID
		writeJSON(w, http.StatusTooManyRequests, struct {
			Error *core.Error  `json:"error"`
			Quota *quota.Quota `json:"quota,omitempty"`
		}{coreErr, out.Denied.Quota})
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Mode   string `json:"mode"`
		Reply  string `json:"reply,omitempty"`
		Spoken bool   `json:"spoken"`
	}{out.Mode.String(), out.ReplyText, out.Spoken})
}
