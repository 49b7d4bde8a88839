package backchannel

// Mood-keyed acknowledgement phrase sets. Unrecognized moods fall back to
// the neutral set. These are deliberately minimal and non-substantive: a
// backchannel signals listening, it does not add content.
var phraseSets = map[string][]string{
	"neutral": {
		"Mm-hm.",
		"I'm with you.",
		"Go on.",
		"I hear you.",
	},
	"warm": {
		"Mm.",
		"I'm here.",
		"Take your time.",
		"I'm listening.",
	},
	"heavy": {
		"Mm.",
		"That sounds hard.",
		"I'm still here.",
	},
	"bright": {
		"Mm-hm!",
		"Yes.",
		"Okay, go on.",
	},
}

// styleHints maps moods to the style hint passed to the synthesizer.
var styleHints = map[string]string{
	"neutral": "soft",
	"warm":    "warm",
	"heavy":   "low",
	"bright":  "light",
}

func phrasesFor(mood string) []string {
	if set, ok := phraseSets[mood]; ok {
		return set
	}
	return phraseSets["neutral"]
}

func styleFor(mood string) string {
	if hint, ok := styleHints[mood]; ok {
		return hint
	}
	return styleHints["neutral"]
}
