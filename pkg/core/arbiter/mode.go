package arbiter

import "strings"

// Mode is the active conversational behavior profile. Exactly one mode is
// active per session; transitions are explicit caller events, never
// timeouts.
type Mode int

const (
	// ModeDialogue is full back-and-forth: utterances are generated
	// against and, when requested, spoken.
	ModeDialogue Mode = iota
	// ModeListening acknowledges without generating full replies.
	ModeListening
	// ModeTranscription records utterances as session notes with no
	// spoken interaction at all.
	ModeTranscription
)

// String returns the canonical mode name.
func (m Mode) String() string {
	switch m {
	case ModeListening:
		return "listening"
	case ModeTranscription:
		return "transcription"
	default:
		return "dialogue"
	}
}

// ParseMode normalizes a mode string, accepting the legacy client aliases.
// Unknown values revert to the safe default, dialogue, rather than
// propagating an undefined state; ok reports whether the input was
// recognized.
func ParseMode(raw string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "dialogue", "normal":
		return ModeDialogue, true
	case "listening", "patient", "counsel":
		return ModeListening, true
	case "transcription", "session", "scribe":
		return ModeTranscription, true
	default:
		return ModeDialogue, false
	}
}
