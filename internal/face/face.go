// Package face defines the two black-box capabilities the pipeline relies on:
// finding faces in a frame and turning a face into a 128-d encoding.
package face

import (
	"context"
	"fmt"

	"github.com/andresmejia3/visitwatch/internal/frame"
	"github.com/andresmejia3/visitwatch/internal/types"
)

// Locator finds face regions in a frame.
//
// Frames are BGR. Implementations convert to RGB themselves before handing pixels to their model.
// The returned order is unspecified but must be stable within one call so that Encode results can be
// zipped with it.
type Locator interface {
	Locate(ctx context.Context, f *frame.Frame) ([]types.Region, error)
}

// Embedder encodes each region of a frame. It returns exactly one embedding per region, in order.
// Zero regions yield an empty result and no error.
type Embedder interface {
	Encode(ctx context.Context, f *frame.Frame, regions []types.Region) ([]types.Embedding, error)
}

// Engine is a Locator and Embedder backed by the same model.
type Engine interface {
	Locator
	Embedder
	Close() error
}

// Detect locates and encodes every face in f.
// Locator failures wrap types.ErrDetection, encoder failures and count mismatches wrap types.ErrEncode.
func Detect(ctx context.Context, loc Locator, emb Embedder, f *frame.Frame) ([]types.Detection, error) {
	regions, err := loc.Locate(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrDetection, err)
	}
	if len(regions) == 0 {
		return nil, nil
	}

	vecs, err := emb.Encode(ctx, f, regions)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrEncode, err)
	}
	if len(vecs) != len(regions) {
		return nil, fmt.Errorf("%w: %d regions but %d encodings", types.ErrEncode, len(regions), len(vecs))
	}

	out := make([]types.Detection, len(regions))
	for i := range regions {
		out[i] = types.Detection{Region: regions[i], Embedding: vecs[i]}
	}
	return out, nil
}

// Largest returns the index of the detection with the biggest box, or -1 for an empty slice.
func Largest(dets []types.Detection) int {
	best, bestArea := -1, -1
	for i, d := range dets {
		if a := d.Region.Area(); a > bestArea {
			best, bestArea = i, a
		}
	}
	return best
}
