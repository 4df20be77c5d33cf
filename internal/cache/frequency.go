package cache

import (
	"fmt"
	"strings"
)

// Frequency is the ordinal access level of a cache key, derived from its hit
// counter. Levels compare as integers.
type Frequency int

const (
	FrequencyNever Frequency = iota
	FrequencyVeryLow
	FrequencyLow
	FrequencyMedium
	FrequencyHigh
	FrequencyVeryHigh
)

var frequencyNames = [...]string{"never", "very_low", "low", "medium", "high", "very_high"}

// minHits projects each level onto the hit count at which it starts.
var minHits = [...]int64{0, 1, 5, 20, 50, 100}

func (f Frequency) String() string {
	if f < FrequencyNever || f > FrequencyVeryHigh {
		return fmt.Sprintf("frequency(%d)", int(f))
	}
	return frequencyNames[f]
}

// MinHits returns the smallest hit count classified as f.
func (f Frequency) MinHits() int64 {
	if f < FrequencyNever {
		return 0
	}
	if f > FrequencyVeryHigh {
		f = FrequencyVeryHigh
	}
	return minHits[f]
}

// ParseFrequency parses a level name such as "medium".
func ParseFrequency(s string) (Frequency, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range frequencyNames {
		if name == s {
			return Frequency(i), nil
		}
	}
	return FrequencyNever, fmt.Errorf("unknown frequency %q", s)
}

// FrequencyOf classifies a hit counter. Negative counters count as never.
func FrequencyOf(hits int64) Frequency {
	f := FrequencyNever
	for i := len(minHits) - 1; i > 0; i-- {
		if hits >= minHits[i] {
			f = Frequency(i)
			break
		}
	}
	return f
}

// Tier is the hot/cold classification relative to an eviction threshold.
type Tier string

const (
	TierHot  Tier = "hot"
	TierCold Tier = "cold"
)

// TierOf returns hot when f is at or above threshold.
func TierOf(f, threshold Frequency) Tier {
	if f >= threshold {
		return TierHot
	}
	return TierCold
}
