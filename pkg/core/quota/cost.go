package quota

import "math"

// Cost unit granularity: one unit covers charsPerUnit characters of text or
// secondsPerUnit seconds of voice. Both divisions round up, and the tier
// multiplier is applied before a second round-up, so the gate can never
// under-bill a request.
const (
	charsPerUnit   = 400
	secondsPerUnit = 30
)

// Cost computes the integer unit cost of a request. size is characters for
// text requests and whole seconds of audio for voice requests. The result
// is always at least 1 for a non-empty request.
func Cost(t RequestType, size int, cfg TierConfig) int64 {
	if size <= 0 {
		return 0
	}

	var base int64
	switch t {
	case RequestChatVoice:
		base = ceilDiv(int64(size), secondsPerUnit)
	default:
		base = ceilDiv(int64(size), charsPerUnit)
	}

	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 1.0
	}
	scaled := int64(math.Ceil(float64(base) * mult))
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
