// Package collab defines the external collaborator boundaries the core
// depends on: reply generation and speech synthesis. The core never
// branches on whether an implementation is real; tests and keyless runs
// swap in the no-op implementations below.
package collab

import (
	"context"
)

// Reply is the generation collaborator's output, including the token usage
// that actually accrued so the quota ledger can record real cost.
type Reply struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Generator produces reply text for a new utterance given the rendered
// recent-context string. Failures must surface as errors, never as silent
// empty text.
type Generator interface {
	Generate(ctx context.Context, recentContext, utterance string) (Reply, error)
}

// Synthesizer turns text into spoken audio. The core wraps every call with
// the voice lock; implementations only need to block until playback has
// been handed off or failed.
type Synthesizer interface {
	Speak(ctx context.Context, text, styleHint string) error
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, recentContext, utterance string) (Reply, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, recentContext, utterance string) (Reply, error) {
	return f(ctx, recentContext, utterance)
}

// SynthesizerFunc adapts a function to the Synthesizer interface.
type SynthesizerFunc func(ctx context.Context, text, styleHint string) error

// Speak implements Synthesizer.
func (f SynthesizerFunc) Speak(ctx context.Context, text, styleHint string) error {
	return f(ctx, text, styleHint)
}

// NopGenerator returns an empty reply. For tests and wiring checks only.
type NopGenerator struct{}

// Generate implements Generator.
func (NopGenerator) Generate(context.Context, string, string) (Reply, error) {
	return Reply{}, nil
}

// NopSynthesizer discards text without producing audio.
type NopSynthesizer struct{}

// Speak implements Synthesizer.
func (NopSynthesizer) Speak(context.Context, string, string) error { return nil }
