// Package backchannel emits short acknowledgement utterances ("mm-hm")
// during live listening, throttled so they never become a second voice
// stream competing with the user.
package backchannel

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Defaults for the throttling policy.
const (
	DefaultMinInterval     = 3500 * time.Millisecond
	DefaultMaxAcksPerTurn  = 2
	DefaultInterimMinChars = 40
	DefaultMinPause        = 600 * time.Millisecond
)

// Signal describes the listening state at the moment of a possible
// acknowledgement.
type Signal struct {
	// InterimTextLength is the length of the accumulated interim
	// transcript for the current turn.
	InterimTextLength int
	// UserPause is how long the user has been silent.
	UserPause time.Duration
	// Mood selects the phrase set; unknown moods use the neutral set.
	Mood string
}

// SpeakFunc emits one acknowledgement phrase with a style hint.
type SpeakFunc func(ctx context.Context, phrase, styleHint string) error

// Config tunes the throttling policy. Zero values take the defaults.
type Config struct {
	MinInterval     time.Duration
	MaxAcksPerTurn  int
	InterimMinChars int
	MinPause        time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.MaxAcksPerTurn <= 0 {
		c.MaxAcksPerTurn = DefaultMaxAcksPerTurn
	}
	if c.InterimMinChars <= 0 {
		c.InterimMinChars = DefaultInterimMinChars
	}
	if c.MinPause <= 0 {
		c.MinPause = DefaultMinPause
	}
	return c
}

// Scheduler decides, per signal, whether to emit an acknowledgement.
type Scheduler struct {
	cfg    Config
	speak  SpeakFunc
	logger *slog.Logger
	now    func() time.Time
	pick   func(n int) int

	mu           sync.Mutex
	lastAck      time.Time
	acksThisTurn int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithPick injects the phrase selector. Used by tests.
func WithPick(pick func(n int) int) Option {
	return func(s *Scheduler) { s.pick = pick }
}

// New creates a Scheduler emitting through speak.
func New(cfg Config, speak SpeakFunc, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cfg:    cfg.withDefaults(),
		speak:  speak,
		logger: logger,
		now:    time.Now,
		pick:   rand.Intn,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaybeAck applies the throttling policy in order and emits one phrase when
// every gate passes. Returns true when an acknowledgement was emitted.
//
// Emission failures are logged and swallowed: a missed "mm-hm" must never
// fail the surrounding turn.
func (s *Scheduler) MaybeAck(ctx context.Context, sig Signal) bool {
	s.mu.Lock()
	now := s.now()

	if !s.lastAck.IsZero() && now.Sub(s.lastAck) < s.cfg.MinInterval {
		s.mu.Unlock()
		return false
	}
	if s.acksThisTurn >= s.cfg.MaxAcksPerTurn {
		s.mu.Unlock()
		return false
	}
	// An acknowledgement needs sustained listening: either substantial
	// accumulated speech or a meaningful pause.
	if sig.InterimTextLength < s.cfg.InterimMinChars && sig.UserPause < s.cfg.MinPause {
		s.mu.Unlock()
		return false
	}

	phrases := phrasesFor(sig.Mood)
	phrase := phrases[s.pick(len(phrases))]
	style := styleFor(sig.Mood)

	s.lastAck = now
	s.acksThisTurn++
	s.mu.Unlock()

	if s.speak != nil {
		if err := s.speak(ctx, phrase, style); err != nil {
			s.logger.Warn("backchannel emit failed", "error", err)
		}
	}
	return true
}

// ResetTurn clears the per-turn acknowledgement counter. Call at turn
// boundaries.
func (s *Scheduler) ResetTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acksThisTurn = 0
}

// AcksThisTurn reports the acknowledgements emitted in the current turn.
func (s *Scheduler) AcksThisTurn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acksThisTurn
}
