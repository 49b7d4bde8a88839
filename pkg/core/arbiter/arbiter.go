// Package arbiter routes each completed user utterance through the mode
// machine: dialogue generates and speaks under the voice lock and the quota
// gate, listening only buffers and acknowledges, transcription only
// records. It is the single place where the per-turn side-effect contract
// lives.
package arbiter

import (
	"context"
	"log/slog"
	"time"

	"github.com/soullab/maia-voice/pkg/collab"
	"github.com/soullab/maia-voice/pkg/core"
	"github.com/soullab/maia-voice/pkg/core/backchannel"
	"github.com/soullab/maia-voice/pkg/core/capture"
	"github.com/soullab/maia-voice/pkg/core/convo"
	"github.com/soullab/maia-voice/pkg/core/quota"
	"github.com/soullab/maia-voice/pkg/core/voicelock"
)

// DefaultMaxContextChars bounds the rendered recent-context string handed
// to the generation collaborator.
const DefaultMaxContextChars = 4000

// Utterance is one completed user input entering the arbiter.
type Utterance struct {
	UserID      string
	OrgID       string
	Text        string
	TimestampMS int64
	// Voice requests that a successful reply be spoken.
	Voice bool
	// Mood propagates to backchannel phrase selection in listening mode.
	Mood string
}

// Outcome reports what the arbiter did with an utterance.
type Outcome struct {
	Mode      Mode
	ReplyText string
	Spoken    bool
	// Denied is set when the quota gate blocked generation; the utterance
	// produced no reply and no usage.
	Denied *quota.Decision
}

// Arbiter coordinates the per-turn pipeline. The mode is per-Arbiter state
// (one Arbiter per conversation session).
type Arbiter struct {
	lock     *voicelock.Lock
	buffer   *convo.Buffer
	acks     *backchannel.Scheduler
	gate     *quota.Gate
	captures *capture.Service
	gen      collab.Generator
	tts      collab.Synthesizer
	logger   *slog.Logger

	maxContextChars int
	now             func() time.Time

	mode Mode
}

// Config wires an Arbiter's collaborators.
type Config struct {
	Lock      *voicelock.Lock
	Buffer    *convo.Buffer
	Acks      *backchannel.Scheduler
	Gate      *quota.Gate
	Captures  *capture.Service
	Generator collab.Generator
	Synth     collab.Synthesizer
	Logger    *slog.Logger

	MaxContextChars int
	Clock           func() time.Time
}

// New creates an Arbiter starting in dialogue mode.
func New(cfg Config) *Arbiter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = DefaultMaxContextChars
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Arbiter{
		lock:            cfg.Lock,
		buffer:          cfg.Buffer,
		acks:            cfg.Acks,
		gate:            cfg.Gate,
		captures:        cfg.Captures,
		gen:             cfg.Generator,
		tts:             cfg.Synth,
		logger:          cfg.Logger,
		maxContextChars: cfg.MaxContextChars,
		now:             cfg.Clock,
		mode:            ModeDialogue,
	}
}

// Mode returns the active mode.
func (a *Arbiter) Mode() Mode { return a.mode }

// SetMode switches the active mode. Unknown values revert to dialogue.
func (a *Arbiter) SetMode(raw string) Mode {
	m, ok := ParseMode(raw)
	if !ok {
		a.logger.Warn("unknown mode, reverting to dialogue", "mode", raw)
	}
	a.mode = m
	return m
}

// HandleUtterance runs one completed utterance through the active mode.
//
// Ordering contract: the quota check completes before the generation call
// starts; usage is logged strictly after it finishes (success or failure);
// the voice lock is released on every synthesis exit path.
func (a *Arbiter) HandleUtterance(ctx context.Context, u Utterance) (Outcome, error) {
	if u.TimestampMS == 0 {
		u.TimestampMS = a.now().UnixMilli()
	}

	switch a.mode {
	case ModeListening:
		return a.handleListening(ctx, u)
	case ModeTranscription:
		return a.handleTranscription(ctx, u)
	default:
		return a.handleDialogue(ctx, u)
	}
}

func (a *Arbiter) handleDialogue(ctx context.Context, u Utterance) (Outcome, error) {
	out := Outcome{Mode: ModeDialogue}

	a.buffer.Add(convo.Turn{Role: convo.RoleUser, Text: u.Text, TimestampMS: u.TimestampMS})

	reqType := quota.RequestChatText
	if u.Voice {
		reqType = quota.RequestChatVoice
	}
	estimated := a.gate.CostFor(ctx, u.UserID, quota.RequestChatText, len(u.Text))

	decision := a.gate.Check(ctx, u.UserID, estimated)
	if !decision.Allowed {
		a.logger.Warn("quota denied", "user_id", u.UserID, "reason", decision.Reason)
		out.Denied = &decision
		return out, nil
	}

	reply, genErr := a.gen.Generate(ctx, a.buffer.RecentText(a.maxContextChars), u.Text)

	// Usage reflects what actually happened, including partial cost of
	// failed calls. A log failure after a successful generation is a
	// non-critical side path: logged and swallowed.
	entry := quota.Entry{
		UserID:       u.UserID,
		RequestType:  reqType,
		Cost:         a.actualCost(ctx, u.UserID, reply),
		InputTokens:  reply.InputTokens,
		OutputTokens: reply.OutputTokens,
		Success:      genErr == nil,
	}
	if err := a.gate.LogUsage(ctx, entry); err != nil {
		a.logger.Error("usage log write failed", "user_id", u.UserID, "error", err)
	}

	if genErr != nil {
		// No fabricated replies: surface the failure as-is.
		return out, core.NewCollaboratorError("generation", genErr)
	}

	out.ReplyText = reply.Text
	a.buffer.Add(convo.Turn{Role: convo.RoleAssistant, Text: reply.Text, TimestampMS: a.now().UnixMilli()})

	if u.Voice && a.tts != nil {
		if err := a.speak(ctx, reply.Text, ""); err != nil {
			return out, core.NewCollaboratorError("synthesis", err)
		}
		out.Spoken = true
	}
	return out, nil
}

func (a *Arbiter) handleListening(ctx context.Context, u Utterance) (Outcome, error) {
	// Listening never generates and never takes the voice lock: the buffer
	// accumulates context and the scheduler may emit a short ack.
	a.buffer.Add(convo.Turn{Role: convo.RoleUser, Text: u.Text, TimestampMS: u.TimestampMS})
	if a.acks != nil {
		a.acks.MaybeAck(ctx, backchannel.Signal{
			InterimTextLength: len(u.Text),
			Mood:              u.Mood,
		})
		// A completed utterance is a turn boundary.
		a.acks.ResetTurn()
	}
	return Outcome{Mode: ModeListening}, nil
}

func (a *Arbiter) handleTranscription(ctx context.Context, u Utterance) (Outcome, error) {
	// Passive recording only: no acknowledgement, no generation.
	if err := a.captures.Record(ctx, u.UserID, u.OrgID, u.Text); err != nil {
		return Outcome{Mode: ModeTranscription}, err
	}
	return Outcome{Mode: ModeTranscription}, nil
}

// speak wraps the synthesis collaborator in the voice lock. Unlock runs in
// a deferred path so an error or cancellation mid-synthesis cannot leave
// capture permanently muted.
func (a *Arbiter) speak(ctx context.Context, text, styleHint string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.tts.Speak(ctx, text, styleHint)
}

// Listen exposes the lock-aware backchannel hook for live transcripts: it
// only fires while nothing is being spoken and the mode is
// listening-oriented.
func (a *Arbiter) Listen(ctx context.Context, sig backchannel.Signal) bool {
	if a.mode != ModeListening || a.acks == nil {
		return false
	}
	if a.lock.IsLocked() {
		return false
	}
	return a.acks.MaybeAck(ctx, sig)
}

// actualCost converts the collaborator's reported usage into ledger units.
// When no usage was reported (hard failure before any generation), the
// entry is explicitly zero-cost. Sizes here are always characters, so the
// text cost scale applies to voice turns too; the voice request type is a
// label on the ledger entry, not a different formula. Audio-second costing
// belongs to callers that know the clip duration.
func (a *Arbiter) actualCost(ctx context.Context, userID string, reply collab.Reply) int64 {
	produced := reply.InputTokens + reply.OutputTokens
	if produced <= 0 && reply.Text == "" {
		return 0
	}
	size := len(reply.Text)
	if produced > 0 {
		// Rough chars-per-token expansion keeps token-reporting and
		// text-only collaborators on the same scale.
		size = produced * 4
	}
	return a.gate.CostFor(ctx, userID, quota.RequestChatText, size)
}
