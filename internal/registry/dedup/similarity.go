package dedup

import (
	"math"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Ratio returns the normalized similarity 2*LCS(a, b) / (|a| + |b|), measured
// in runes. Two empty strings are identical.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	return float64(2*lcsLength(ra, rb)) / float64(total)
}

// lcsLength sums the equal runs of a minimal diff. DiffTimeout 0 disables the
// half-match shortcut, so the bisection result is minimal.
func lcsLength(a, b []rune) int {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	n := 0
	for _, d := range dmp.DiffMainRunes(a, b, false) {
		if d.Type == diffmatchpatch.DiffEqual {
			n += utf8.RuneCountInString(d.Text)
		}
	}
	return n
}

// LengthBounds returns the inclusive rune-length range [lo, hi] of strings
// that can reach threshold against a string of n runes. Outside it
// 2*min(n,m)/(n+m) is already below threshold.
func LengthBounds(n int, threshold float64) (lo, hi int) {
	if threshold <= 0 {
		return 0, math.MaxInt32
	}
	if threshold > 1 {
		threshold = 1
	}
	const eps = 1e-9
	lo = int(math.Ceil(float64(n)*threshold/(2-threshold) - eps))
	hi = int(math.Floor(float64(n)*(2-threshold)/threshold + eps))
	return lo, hi
}
