package shared

import (
	"math"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════
// Numeric helpers
// ═══════════════════════════════════════════════════════════════════════════

// Finite returns v, or 0 when v is NaN or infinite.
func Finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Clamp bounds v to [lo, hi]. NaN becomes lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Clamp01 bounds v to the unit interval.
func Clamp01(v float64) float64 {
	return Clamp(v, 0, 1)
}

// ═══════════════════════════════════════════════════════════════════════════
// Identifiers
// ═══════════════════════════════════════════════════════════════════════════

// UserID identifies a user in the external auth system.
type UserID string

func (u UserID) String() string { return string(u) }

// IsValid reports whether the id is non-blank and reasonably short.
func (u UserID) IsValid() bool {
	s := strings.TrimSpace(string(u))
	return s != "" && len(s) <= 128
}
