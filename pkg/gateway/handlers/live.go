package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soullab/maia-voice/pkg/billing"
	"github.com/soullab/maia-voice/pkg/core"
	"github.com/soullab/maia-voice/pkg/core/arbiter"
	"github.com/soullab/maia-voice/pkg/core/backchannel"
	"github.com/soullab/maia-voice/pkg/core/quota"
	"github.com/soullab/maia-voice/pkg/gateway/config"
	"github.com/soullab/maia-voice/pkg/gateway/lifecycle"
	"github.com/soullab/maia-voice/pkg/gateway/live/protocol"
	"github.com/soullab/maia-voice/pkg/gateway/mw"
	"github.com/soullab/maia-voice/pkg/gateway/ratelimit"
)

// LiveHandler handles /v1/live websocket sessions: a hello handshake, then a
// stream of utterance/listening frames arbitrated per conversation.
type LiveHandler struct {
	Config        config.Config
	Conversations *Conversations
	Gate          *quota.Gate
	Resolver      billing.Resolver
	Logger        *slog.Logger
	Limiter       *ratelimit.Limiter
	Lifecycle     *lifecycle.Lifecycle
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, core.NewInvalidRequestError("method not allowed"))
		return
	}
	if h.Lifecycle.IsDraining() {
		reqID, _ := mw.RequestIDFrom(r.Context())
		err := core.NewAPIError("gateway is draining")
		err.Code = "draining"
		err.RequestID = reqID
		writeJSON(w, http.StatusServiceUnavailable, struct {
			Error *core.Error `json:"error"`
		}{err})
		return
	}
	if !h.originAllowed(r) {
		writeError(w, r, core.NewAuthenticationError("origin is not allowed"))
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.LiveMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.LiveMaxMessageBytes)
	}

	hello, ok := h.readHello(conn)
	if !ok {
		return
	}

	principal := "anonymous"
	if p, pok := mw.PrincipalFrom(r.Context()); pok {
		principal = ratelimit.PrincipalKeyFromAPIKey(p.APIKey)
	}
	if h.Limiter != nil {
		dec := h.Limiter.AcquireLiveSession(principal, time.Now())
		if !dec.Allowed {
			h.writeWSError(conn, "session", "rate_limited", "too many active live sessions", true, nil)
			return
		}
		defer dec.Permit.Release()
	}

	tier, err := h.Resolver.TierFor(r.Context(), hello.UserID)
	if err != nil {
		h.Logger.Error("tier resolution failed", "user_id", hello.UserID, "error", err)
		h.writeWSError(conn, "session", "billing_unavailable", "could not resolve subscription tier", true, nil)
		return
	}
	if err := h.Gate.Ensure(r.Context(), hello.UserID, tier); err != nil {
		h.Logger.Error("quota provisioning failed", "user_id", hello.UserID, "error", err)
		h.writeWSError(conn, "session", "quota_unavailable", "could not provision quota", true, nil)
		return
	}

	arb := h.Conversations.For(hello.UserID, hello.OrgID)
	if hello.Mode != "" {
		arb.SetMode(hello.Mode)
	}

	release := h.Lifecycle.SessionStarted()
	defer release()

	sessionID := "live_" + randHexLive(10)
	if err := h.writeFrame(conn, protocol.ServerReady{
		Type:      "ready",
		SessionID: sessionID,
		Mode:      arb.Mode().String(),
	}); err != nil {
		return
	}

	h.Logger.Info("live session started",
		"session_id", sessionID, "user_id", hello.UserID, "mode", arb.Mode().String())

	deadline := time.Now().Add(h.Config.WSMaxSessionDuration)
	pingTicker := time.NewTicker(h.Config.LiveWSPingInterval)
	defer pingTicker.Stop()

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			select {
			case frames <- data:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.Config.LiveWSWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if time.Now().After(deadline) {
				h.writeWSError(conn, "session", "session_expired", "max session duration reached", true, nil)
				return
			}
			if h.Lifecycle.IsDraining() {
				h.writeWSError(conn, "session", "draining", "gateway is draining", true, nil)
				return
			}
		case err := <-readErr:
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.Logger.Debug("live read ended", "session_id", sessionID, "error", err)
			}
			return
		case data := <-frames:
			if done := h.handleFrame(r, conn, arb, hello, sessionID, data); done {
				return
			}
		}
	}
}

// handleFrame dispatches one decoded client frame. Returns true when the
// session should end.
func (h LiveHandler) handleFrame(r *http.Request, conn *websocket.Conn, arb *arbiter.Arbiter, hello protocol.ClientHello, sessionID string, data []byte) bool {
	decoded, err := protocol.DecodeClientMessage(data)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			h.writeWSError(conn, "message", de.Code, de.Message, false, nil)
		} else {
			h.writeWSError(conn, "message", "bad_request", "invalid frame", false, nil)
		}
		return false
	}

	switch msg := decoded.(type) {
	case protocol.ClientHello:
		h.writeWSError(conn, "message", "bad_request", "duplicate hello", false, nil)
		return false

	case protocol.ClientSetMode:
		mode := arb.SetMode(msg.Mode)
		return h.writeFrame(conn, protocol.ServerMode{Type: "mode", Mode: mode.String()}) != nil

	case protocol.ClientListening:
		acked := arb.Listen(r.Context(), backchannel.Signal{
			InterimTextLength: msg.InterimLength,
			UserPause:         time.Duration(msg.PauseMS) * time.Millisecond,
			Mood:              msg.Mood,
		})
		return h.writeFrame(conn, protocol.ServerAck{Type: "ack", Acked: acked}) != nil

	case protocol.ClientUtterance:
		out, err := arb.HandleUtterance(r.Context(), arbiter.Utterance{
			UserID:      hello.UserID,
			OrgID:       hello.OrgID,
			Text:        msg.Text,
			TimestampMS: time.Now().UnixMilli(),
			Voice:       msg.Voice,
			Mood:        msg.Mood,
		})
		if err != nil {
			h.Logger.Warn("live utterance failed",
				"session_id", sessionID, "user_id", hello.UserID, "error", err)
			h.writeWSError(conn, "turn", "collaborator_error", "turn failed", false, nil)
			return false
		}
		if out.Denied != nil {
			return h.writeFrame(conn, protocol.ServerDenied{Type: "denied", Reason: out.Denied.Reason}) != nil
		}
		return h.writeFrame(conn, protocol.ServerReply{
			Type:   "reply",
			Text:   out.ReplyText,
			Spoken: out.Spoken,
			Mode:   out.Mode.String(),
		}) != nil

	case protocol.ClientBye:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(h.Config.LiveWSWriteTimeout))
		return true

	default:
		h.writeWSError(conn, "message", "bad_request", "unknown message type", false, nil)
		return false
	}
}

func (h LiveHandler) readHello(conn *websocket.Conn) (protocol.ClientHello, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(h.Config.LiveHandshakeTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	msgType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.writeWSError(conn, "session", "bad_request", "failed to read hello", true, nil)
		return protocol.ClientHello{}, false
	}
	if msgType != websocket.TextMessage {
		h.writeWSError(conn, "session", "bad_request", "first frame must be hello", true, nil)
		return protocol.ClientHello{}, false
	}

	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		h.writeWSError(conn, "session", "bad_request", "invalid hello frame", true, nil)
		return protocol.ClientHello{}, false
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		h.writeWSError(conn, "session", "bad_request", "first frame must be hello", true, nil)
		return protocol.ClientHello{}, false
	}
	if strings.TrimSpace(hello.ProtocolVersion) != protocol.ProtocolVersion1 {
		h.writeWSError(conn, "session", "unsupported_version", "unsupported protocol_version", true, nil)
		return protocol.ClientHello{}, false
	}
	return hello, true
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients.
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h LiveHandler) writeFrame(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.Config.LiveWSWriteTimeout))
	return conn.WriteJSON(v)
}

func (h LiveHandler) writeWSError(conn *websocket.Conn, scope, code, message string, fatal bool, details map[string]any) {
	_ = h.writeFrame(conn, protocol.ServerError{
		Type:    "error",
		Scope:   scope,
		Code:    code,
		Message: message,
		Fatal:   fatal,
		Details: details,
	})
	if fatal {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code),
			time.Now().Add(h.Config.LiveWSWriteTimeout))
	}
}

func randHexLive(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format("20060102150405.000000000")))
	}
	return hex.EncodeToString(b)
}
