// Package voicelock coordinates microphone capture against synthesized
// speech playback. While the lock is engaged the system is speaking and
// live capture must stay muted, otherwise the microphone picks up the
// synthesized voice and feeds it back as user speech.
package voicelock

import (
	"sync"
	"time"
)

// DefaultStaleAfter is the sanity window for a lock that was never
// released. Synthesis is wrapped in deferred unlocks, so a lock engaged
// longer than this indicates an abnormal termination; it is force-reset on
// the next observation rather than leaving capture permanently disabled.
const DefaultStaleAfter = 30 * time.Second

// Listener receives the new locked state on every actual transition.
type Listener func(locked bool)

// Lock is the process-wide speaking flag. Lock/Unlock are idempotent and
// last-write-wins: correctness depends on the synthesis path locking before
// audio starts and unlocking on every exit path, not on queuing here.
//
// Construct instances explicitly and inject them; tests get isolated locks
// instead of shared ambient state.
type Lock struct {
	now        func() time.Time
	staleAfter time.Duration

	mu        sync.Mutex
	locked    bool
	lockedAt  time.Time
	nextSubID int
	subs      map[int]Listener
	subOrder  []int
}

// Option configures a Lock.
type Option func(*Lock)

// WithClock injects the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Lock) { l.now = now }
}

// WithStaleAfter overrides the stale-lock sanity window. Zero disables the
// guard.
func WithStaleAfter(d time.Duration) Option {
	return func(l *Lock) { l.staleAfter = d }
}

// New creates an unlocked Lock.
func New(opts ...Option) *Lock {
	l := &Lock{
		now:        time.Now,
		staleAfter: DefaultStaleAfter,
		subs:       make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock marks the system as speaking. No-op when already locked: subscribers
// are notified once per actual transition, not per call.
func (l *Lock) Lock() {
	l.mu.Lock()
	if l.locked {
		l.lockedAt = l.now()
		l.mu.Unlock()
		return
	}
	l.locked = true
	l.lockedAt = l.now()
	listeners := l.snapshotLocked()
	l.mu.Unlock()

	notify(listeners, true)
}

// Unlock marks the system as not speaking. No-op when already unlocked.
func (l *Lock) Unlock() {
	l.mu.Lock()
	if !l.locked {
		l.mu.Unlock()
		return
	}
	l.locked = false
	listeners := l.snapshotLocked()
	l.mu.Unlock()

	notify(listeners, false)
}

// IsLocked reports whether the system is currently speaking. A lock engaged
// longer than the stale window is force-reset here so a lost unlock cannot
// silence the microphone forever.
func (l *Lock) IsLocked() bool {
	l.mu.Lock()
	if l.locked && l.staleAfter > 0 && l.now().Sub(l.lockedAt) > l.staleAfter {
		l.locked = false
		listeners := l.snapshotLocked()
		l.mu.Unlock()
		notify(listeners, false)
		return false
	}
	locked := l.locked
	l.mu.Unlock()
	return locked
}

// Reset forces the unlocked state and notifies if a transition happened.
// Used for cleanup after abnormal termination.
func (l *Lock) Reset() {
	l.Unlock()
}

// Subscribe registers a listener invoked with the new state on every
// transition, in registration order. The returned function unsubscribes.
func (l *Lock) Subscribe(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSubID
	l.nextSubID++
	l.subs[id] = fn
	l.subOrder = append(l.subOrder, id)

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
		for i, other := range l.subOrder {
			if other == id {
				l.subOrder = append(l.subOrder[:i], l.subOrder[i+1:]...)
				break
			}
		}
	}
}

func (l *Lock) snapshotLocked() []Listener {
	out := make([]Listener, 0, len(l.subs))
	for _, id := range l.subOrder {
		if fn, ok := l.subs[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

// notify runs listeners outside the mutex. A panicking listener must not
// prevent the remaining listeners from observing the transition.
func notify(listeners []Listener, locked bool) {
	for _, fn := range listeners {
		func() {
			defer func() { _ = recover() }()
			fn(locked)
		}()
	}
}
