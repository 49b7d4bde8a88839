// Package lifecycle holds shared process state for graceful shutdown.
package lifecycle

import "sync/atomic"

// Lifecycle is a tiny process lifecycle state holder shared across handlers.
// It is used for readiness draining during graceful shutdown and for counting
// live websocket sessions so shutdown can wait for them.
type Lifecycle struct {
	draining     atomic.Bool
	liveSessions atomic.Int64
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// SessionStarted registers a live session. Returns a release function; calling
// it more than once is harmless.
func (l *Lifecycle) SessionStarted() func() {
	if l == nil {
		return func() {}
	}
	l.liveSessions.Add(1)
	var done atomic.Bool
	return func() {
		if done.CompareAndSwap(false, true) {
			l.liveSessions.Add(-1)
		}
	}
}

func (l *Lifecycle) LiveSessions() int64 {
	if l == nil {
		return 0
	}
	return l.liveSessions.Load()
}
