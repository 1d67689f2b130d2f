package types

import (
	"image"
	"time"
)

// EmbeddingDim is the length of every face encoding produced by the engine.
const EmbeddingDim = 128

// Embedding is a fixed-length face encoding. Treat it as immutable once produced.
type Embedding []float64

// Region is a face bounding box in working-frame pixels.
type Region struct {
	Top    int
	Right  int
	Bottom int
	Left   int
}

// RegionFromLoc builds a Region from the engine's [top, right, bottom, left] order.
func RegionFromLoc(loc []int) (Region, bool) {
	if len(loc) != 4 {
		return Region{}, false
	}
	return Region{Top: loc[0], Right: loc[1], Bottom: loc[2], Left: loc[3]}, true
}

// Loc returns the region in the engine's [top, right, bottom, left] order.
func (r Region) Loc() []int {
	return []int{r.Top, r.Right, r.Bottom, r.Left}
}

// Rect converts the region to an image.Rectangle.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.Left, r.Top, r.Right, r.Bottom)
}

// Area is the pixel area of the region, 0 for inverted boxes.
func (r Region) Area() int {
	w, h := r.Right-r.Left, r.Bottom-r.Top
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Detection pairs a located face with its encoding.
type Detection struct {
	Region    Region
	Embedding Embedding
}

// MatchResult is the matcher's decision for one embedding.
// Known is false for "Unknown", in which case Identity is empty and Confidence is 0.
type MatchResult struct {
	Identity   string
	Known      bool
	Confidence float64
}

// Label returns the identity, or "Unknown" when nothing matched.
func (m MatchResult) Label() string {
	if !m.Known {
		return "Unknown"
	}
	return m.Identity
}

// VisitEvent is one row of the visit log.
type VisitEvent struct {
	Timestamp  time.Time
	Name       string
	Confidence float64
}
