package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/soullab/maia-voice/pkg/billing"
	"github.com/soullab/maia-voice/pkg/collab"
	"github.com/soullab/maia-voice/pkg/core/arbiter"
	"github.com/soullab/maia-voice/pkg/core/backchannel"
	"github.com/soullab/maia-voice/pkg/core/capture"
	"github.com/soullab/maia-voice/pkg/core/convo"
	"github.com/soullab/maia-voice/pkg/core/quota"
	"github.com/soullab/maia-voice/pkg/core/voicelock"
	"github.com/soullab/maia-voice/pkg/gateway/config"
	"github.com/soullab/maia-voice/pkg/store/memory"
)

type testEnv struct {
	cfg      config.Config
	store    *memory.Store
	gate     *quota.Gate
	captures *capture.Service
	convs    *Conversations
	resolver billing.Resolver
	logger   *slog.Logger
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := memory.New()
	gate := quota.NewGate(store, logger, quota.WithClock(clock))
	captures := capture.NewService(store, logger, capture.WithClock(clock))

	gen := collab.GeneratorFunc(func(_ context.Context, _, _ string) (collab.Reply, error) {
		return collab.Reply{Text: "Tell me more.", InputTokens: 8, OutputTokens: 4}, nil
	})

	convs := NewConversations(func() *arbiter.Arbiter {
		return arbiter.New(arbiter.Config{
			Lock:      voicelock.New(voicelock.WithClock(clock)),
			Buffer:    convo.New(convo.WithClock(clock)),
			Acks:      backchannel.New(backchannel.Config{}, nil, logger, backchannel.WithClock(clock)),
			Gate:      gate,
			Captures:  captures,
			Generator: gen,
			Synth:     collab.NopSynthesizer{},
			Logger:    logger,
			Clock:     clock,
		})
	})

	return &testEnv{
		cfg:      config.Config{MaxBodyBytes: 1 << 20},
		store:    store,
		gate:     gate,
		captures: captures,
		convs:    convs,
		resolver: billing.NewStatic(quota.TierFoundation, nil),
		logger:   logger,
		now:      now,
	}
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSessionStart_CreatesThenReuses(t *testing.T) {
	env := newTestEnv(t)
	h := SessionStartHandler{Config: env.cfg, Captures: env.captures, Logger: env.logger}

	rec := postJSON(t, h, "/v1/session/start", `{"user_id":"u1","org_id":"o1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first start: status = %d body=%s", rec.Code, rec.Body.String())
	}
	var first struct {
		Session       sessionJSON `json:"session"`
		AlreadyActive bool        `json:"already_active"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.AlreadyActive || !first.Session.Active {
		t.Errorf("first = %+v", first)
	}

	rec = postJSON(t, h, "/v1/session/start", `{"user_id":"u1","org_id":"o1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("second start: status = %d", rec.Code)
	}
	var second struct {
		Session       sessionJSON `json:"session"`
		AlreadyActive bool        `json:"already_active"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &second)
	if !second.AlreadyActive {
		t.Error("second start must reuse the active session")
	}
	if second.Session.ID != first.Session.ID {
		t.Errorf("session id changed: %q vs %q", second.Session.ID, first.Session.ID)
	}
}

func TestSessionStart_RequiresUserID(t *testing.T) {
	env := newTestEnv(t)
	h := SessionStartHandler{Config: env.cfg, Captures: env.captures, Logger: env.logger}

	rec := postJSON(t, h, "/v1/session/start", `{"org_id":"o1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSessionStop_UnknownIs404(t *testing.T) {
	env := newTestEnv(t)
	h := SessionStopHandler{Config: env.cfg, Captures: env.captures, Logger: env.logger}

	rec := postJSON(t, h, "/v1/session/stop", `{"session_id":"cap_nope"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestSessionStatus_ReportsActiveNotesAndRecent(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.captures.Start(context.Background(), "u1", "o1", false)
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if err := env.captures.Record(context.Background(), "u1", "o1", "remember the lake"); err != nil {
		t.Fatalf("seed note: %v", err)
	}

	h := SessionStatusHandler{Config: env.cfg, Captures: env.captures, Logger: env.logger}
	req := httptest.NewRequest(http.MethodGet, "/v1/session/status?user_id=u1&org_id=o1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Active         bool           `json:"active"`
		Notes          []capture.Note `json:"notes"`
		RecentSessions []sessionJSON  `json:"recent_sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Active || len(resp.RecentSessions) != 1 {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Notes) != 1 || resp.Notes[0].Text != "remember the lake" {
		t.Errorf("notes = %+v", resp.Notes)
	}
}

func TestUsageCheck_ProvisionsAndAllows(t *testing.T) {
	env := newTestEnv(t)
	h := UsageCheckHandler{Config: env.cfg, Gate: env.gate, Resolver: env.resolver, Logger: env.logger}

	rec := postJSON(t, h, "/v1/usage/check", `{"user_id":"u1","request_type":"chat-text","size":120}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Allowed       bool  `json:"allowed"`
		EstimatedCost int64 `json:"estimated_cost"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Allowed || resp.EstimatedCost != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestUsageCheck_DeniesWhenExhausted(t *testing.T) {
	env := newTestEnv(t)
	env.store.SeedQuota(quota.Quota{
		UserID:         "u1",
		Tier:           quota.TierFoundation,
		PeriodStart:    quota.PeriodStart(env.now),
		ConsumedUnits:  100,
		AllowanceUnits: 100,
	})
	h := UsageCheckHandler{Config: env.cfg, Gate: env.gate, Resolver: env.resolver, Logger: env.logger}

	rec := postJSON(t, h, "/v1/usage/check", `{"user_id":"u1","size":120}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Allowed || resp.Reason == "" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestUsageCheck_RejectsUnknownRequestType(t *testing.T) {
	env := newTestEnv(t)
	h := UsageCheckHandler{Config: env.cfg, Gate: env.gate, Resolver: env.resolver, Logger: env.logger}

	rec := postJSON(t, h, "/v1/usage/check", `{"user_id":"u1","request_type":"image"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUsageSummary_RequiresUserID(t *testing.T) {
	env := newTestEnv(t)
	h := UsageSummaryHandler{Config: env.cfg, Gate: env.gate, Logger: env.logger}

	req := httptest.NewRequest(http.MethodGet, "/v1/usage/summary", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestChat_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	h := ChatHandler{Config: env.cfg, Conversations: env.convs, Gate: env.gate, Resolver: env.resolver, Logger: env.logger}

	rec := postJSON(t, h, "/v1/chat", `{"user_id":"u1","text":"I had a strange dream"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Mode  string `json:"mode"`
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Mode != "dialogue" || resp.Reply != "Tell me more." {
		t.Errorf("resp = %+v", resp)
	}

	// The turn consumed quota.
	entries, _ := env.store.UsageSince(context.Background(), "u1", time.Time{})
	if len(entries) != 1 {
		t.Errorf("usage entries = %d", len(entries))
	}
}

func TestChat_QuotaExhaustedIs429(t *testing.T) {
	env := newTestEnv(t)
	env.store.SeedQuota(quota.Quota{
		UserID:         "u1",
		Tier:           quota.TierFoundation,
		PeriodStart:    quota.PeriodStart(env.now),
		ConsumedUnits:  100,
		AllowanceUnits: 100,
	})
	h := ChatHandler{Config: env.cfg, Conversations: env.convs, Gate: env.gate, Resolver: env.resolver, Logger: env.logger}

	rec := postJSON(t, h, "/v1/chat", `{"user_id":"u1","text":"hello"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Type != "quota_exceeded_error" || resp.Error.Reason == "" {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestChat_ListeningModeReturnsNoReply(t *testing.T) {
	env := newTestEnv(t)
	h := ChatHandler{Config: env.cfg, Conversations: env.convs, Gate: env.gate, Resolver: env.resolver, Logger: env.logger}

	rec := postJSON(t, h, "/v1/chat", `{"user_id":"u1","text":"just listening please","mode":"listening"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Mode  string `json:"mode"`
		Reply string `json:"reply"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Mode != "listening" || resp.Reply != "" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestChat_RejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t)
	h := ChatHandler{Config: env.cfg, Conversations: env.convs, Gate: env.gate, Resolver: env.resolver, Logger: env.logger}

	rec := postJSON(t, h, "/v1/chat", `{"user_id":"u1","unknown_field":1,"text":"hi"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("body = %q", rec.Body.String())
	}
}
