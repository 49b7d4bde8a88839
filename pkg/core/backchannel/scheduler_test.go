package backchannel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type emitRecorder struct {
	mu      sync.Mutex
	phrases []string
	styles  []string
	err     error
}

func (r *emitRecorder) speak(_ context.Context, phrase, style string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phrases = append(r.phrases, phrase)
	r.styles = append(r.styles, style)
	return r.err
}

func (r *emitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.phrases)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(rec *emitRecorder, start time.Time) (*Scheduler, *time.Time) {
	current := start
	s := New(Config{}, rec.speak, quietLogger(),
		WithClock(func() time.Time { return current }),
		WithPick(func(int) int { return 0 }),
	)
	return s, &current
}

func TestScheduler_EmitsOnSustainedSpeech(t *testing.T) {
	rec := &emitRecorder{}
	s, _ := newTestScheduler(rec, time.Unix(1000, 0))

	ok := s.MaybeAck(context.Background(), Signal{InterimTextLength: 50})
	if !ok {
		t.Fatal("expected ack for long interim transcript")
	}
	if rec.count() != 1 {
		t.Fatalf("got %d emissions, want 1", rec.count())
	}
}

func TestScheduler_EmitsOnMeaningfulPause(t *testing.T) {
	rec := &emitRecorder{}
	s, _ := newTestScheduler(rec, time.Unix(1000, 0))

	ok := s.MaybeAck(context.Background(), Signal{InterimTextLength: 5, UserPause: 700 * time.Millisecond})
	if !ok {
		t.Fatal("expected ack for meaningful pause")
	}
}

func TestScheduler_RejectsWithoutSustainedListening(t *testing.T) {
	rec := &emitRecorder{}
	s, _ := newTestScheduler(rec, time.Unix(1000, 0))

	ok := s.MaybeAck(context.Background(), Signal{InterimTextLength: 10, UserPause: 100 * time.Millisecond})
	if ok || rec.count() != 0 {
		t.Error("expected no ack for short transcript and short pause")
	}
}

func TestScheduler_MinIntervalBetweenAcks(t *testing.T) {
	rec := &emitRecorder{}
	s, clock := newTestScheduler(rec, time.Unix(1000, 0))

	sig := Signal{InterimTextLength: 50}
	if !s.MaybeAck(context.Background(), sig) {
		t.Fatal("first ack should pass")
	}

	*clock = clock.Add(DefaultMinInterval - time.Millisecond)
	if s.MaybeAck(context.Background(), sig) {
		t.Error("ack inside the minimum interval should be rejected")
	}

	*clock = clock.Add(2 * time.Millisecond)
	if !s.MaybeAck(context.Background(), sig) {
		t.Error("ack after the minimum interval should pass")
	}
}

func TestScheduler_PerTurnCap(t *testing.T) {
	rec := &emitRecorder{}
	s, clock := newTestScheduler(rec, time.Unix(1000, 0))

	sig := Signal{InterimTextLength: 50}
	for i := 0; i < 5; i++ {
		s.MaybeAck(context.Background(), sig)
		*clock = clock.Add(DefaultMinInterval + time.Second)
	}

	if rec.count() != DefaultMaxAcksPerTurn {
		t.Errorf("emitted %d acks in one turn, cap is %d", rec.count(), DefaultMaxAcksPerTurn)
	}

	s.ResetTurn()
	if !s.MaybeAck(context.Background(), sig) {
		t.Error("expected ack after ResetTurn")
	}
}

func TestScheduler_MoodSelectsPhraseSetAndStyle(t *testing.T) {
	rec := &emitRecorder{}
	s, _ := newTestScheduler(rec, time.Unix(1000, 0))

	s.MaybeAck(context.Background(), Signal{InterimTextLength: 50, Mood: "warm"})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.phrases[0] != phraseSets["warm"][0] {
		t.Errorf("phrase = %q, want first warm phrase", rec.phrases[0])
	}
	if rec.styles[0] != "warm" {
		t.Errorf("style = %q, want warm", rec.styles[0])
	}
}

func TestScheduler_UnknownMoodFallsBackToNeutral(t *testing.T) {
	rec := &emitRecorder{}
	s, _ := newTestScheduler(rec, time.Unix(1000, 0))

	s.MaybeAck(context.Background(), Signal{InterimTextLength: 50, Mood: "electric"})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.phrases[0] != phraseSets["neutral"][0] {
		t.Errorf("phrase = %q, want first neutral phrase", rec.phrases[0])
	}
}

func TestScheduler_SpeakFailureIsSwallowed(t *testing.T) {
	rec := &emitRecorder{err: errors.New("tts down")}
	s, _ := newTestScheduler(rec, time.Unix(1000, 0))

	ok := s.MaybeAck(context.Background(), Signal{InterimTextLength: 50})
	if !ok {
		t.Error("emission failure must not surface to the caller")
	}
	if s.AcksThisTurn() != 1 {
		t.Errorf("AcksThisTurn = %d, want 1", s.AcksThisTurn())
	}
}
