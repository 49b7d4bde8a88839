// Package convo holds the short-term rolling transcript used to supply
// recent context to the generation collaborator.
package convo

import (
	"strings"
	"sync"
	"time"
)

// DefaultWindow is how long a turn survives in the buffer.
const DefaultWindow = 30 * time.Second

// Role identifies the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance. Immutable once appended.
type Turn struct {
	Role        Role
	Text        string
	TimestampMS int64
}

// Buffer is a bounded, time-windowed transcript. Eviction is lazy: it runs
// on every Add and RecentText call, never on a timer, so an idle buffer
// still reports stale turns as absent once any method is invoked.
type Buffer struct {
	now    func() time.Time
	window time.Duration

	mu    sync.Mutex
	turns []Turn
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock injects the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// WithWindow overrides the retention window.
func WithWindow(d time.Duration) Option {
	return func(b *Buffer) { b.window = d }
}

// New creates an empty Buffer.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		now:    time.Now,
		window: DefaultWindow,
		turns:  make([]Turn, 0, 16),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add appends a turn and evicts everything older than the window.
func (b *Buffer) Add(turn Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = append(b.turns, turn)
	b.evictLocked()
}

// Len reports the number of surviving turns after eviction.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictLocked()
	return len(b.turns)
}

// RecentText renders the surviving turns as "{Role}: {text}" lines joined
// by newline, truncated to the last maxChars characters when the rendered
// string exceeds the limit. Truncation keeps the tail: the most recent
// context matters more than the opening.
func (b *Buffer) RecentText(maxChars int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictLocked()

	if maxChars <= 0 || len(b.turns) == 0 {
		return ""
	}

	lines := make([]string, 0, len(b.turns))
	for _, t := range b.turns {
		lines = append(lines, renderRole(t.Role)+": "+t.Text)
	}
	rendered := strings.Join(lines, "\n")

	runes := []rune(rendered)
	if len(runes) <= maxChars {
		return rendered
	}
	return string(runes[len(runes)-maxChars:])
}

func (b *Buffer) evictLocked() {
	cutoff := b.now().UnixMilli() - b.window.Milliseconds()
	i := 0
	for i < len(b.turns) && b.turns[i].TimestampMS < cutoff {
		i++
	}
	if i > 0 {
		b.turns = append(b.turns[:0], b.turns[i:]...)
	}
}

func renderRole(r Role) string {
	switch r {
	case RoleAssistant:
		return "Assistant"
	default:
		return "User"
	}
}
