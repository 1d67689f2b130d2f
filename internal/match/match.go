// Package match decides which gallery identity, if any, an embedding belongs to.
//
// The nearest single reference wins; references of the same identity are never averaged.
// Confidence is 1 - distance. It is a display heuristic that falls linearly with distance,
// not a calibrated probability.
package match

import (
	"math"

	"github.com/andresmejia3/visitwatch/internal/gallery"
	"github.com/andresmejia3/visitwatch/internal/types"
)

// DefaultThreshold is the largest Euclidean distance accepted as a match.
const DefaultThreshold = 0.55

// Matcher holds the configured threshold.
type Matcher struct {
	Threshold float64
}

// New returns a Matcher. A non-positive threshold falls back to DefaultThreshold.
func New(threshold float64) Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Matcher{Threshold: threshold}
}

// Match runs Match with the configured threshold.
func (m Matcher) Match(e types.Embedding, g *gallery.Store) types.MatchResult {
	return Match(e, g, m.Threshold)
}

// Match finds the nearest reference to e. It is Unknown with confidence 0 when the gallery is
// empty or the nearest distance is not below threshold. Ties go to the lowest index.
func Match(e types.Embedding, g *gallery.Store, threshold float64) types.MatchResult {
	idx, dMin := Nearest(e, g)
	if idx < 0 || !(dMin < threshold) {
		return types.MatchResult{}
	}
	return types.MatchResult{
		Identity:   g.Label(idx),
		Known:      true,
		Confidence: 1.0 - dMin,
	}
}

// Nearest returns the index and distance of the closest entry, or -1 for an empty gallery.
func Nearest(e types.Embedding, g *gallery.Store) (int, float64) {
	best, dMin := -1, math.Inf(1)
	for i := 0; i < g.Len(); i++ {
		if d := Distance(e, g.Embedding(i)); d < dMin {
			best, dMin = i, d
		}
	}
	return best, dMin
}

// Distances returns the distance from e to every entry, in gallery order.
func Distances(e types.Embedding, g *gallery.Store) []float64 {
	out := make([]float64, g.Len())
	for i := range out {
		out[i] = Distance(e, g.Embedding(i))
	}
	return out
}

// Distance is the Euclidean distance between two encodings.
// Mismatched lengths are treated as infinitely far apart.
func Distance(a, b types.Embedding) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
