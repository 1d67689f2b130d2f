package face

import (
	"context"
	"sync"

	"github.com/andresmejia3/visitwatch/internal/frame"
	"github.com/andresmejia3/visitwatch/internal/types"
)

// Scripted is an in-memory Engine that replays canned detections, one set per Locate call.
// When the script runs out, the last set is repeated. Package tests across the module drive
// sessions, captures and gallery builds with it instead of a real model.
type Scripted struct {
	mu      sync.Mutex
	frames  [][]types.Detection
	next    int
	current []types.Detection

	// LocateErr and EncodeErr, when set, are returned instead of results.
	LocateErr error
	EncodeErr error

	Locates int
	Encodes int
}

// NewScripted returns a Scripted engine that yields frames[i] on the i-th call to Locate.
func NewScripted(frames ...[]types.Detection) *Scripted {
	return &Scripted{frames: frames}
}

func (s *Scripted) Locate(ctx context.Context, f *frame.Frame) ([]types.Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Locates++
	if s.LocateErr != nil {
		return nil, s.LocateErr
	}

	s.current = nil
	if len(s.frames) > 0 {
		i := s.next
		if i >= len(s.frames) {
			i = len(s.frames) - 1
		}
		s.current = s.frames[i]
		s.next++
	}

	regions := make([]types.Region, len(s.current))
	for i, d := range s.current {
		regions[i] = d.Region
	}
	return regions, nil
}

func (s *Scripted) Encode(ctx context.Context, f *frame.Frame, regions []types.Region) ([]types.Embedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(regions) == 0 {
		return []types.Embedding{}, nil
	}
	s.Encodes++
	if s.EncodeErr != nil {
		return nil, s.EncodeErr
	}

	out := make([]types.Embedding, 0, len(regions))
	for _, r := range regions {
		for _, d := range s.current {
			if d.Region == r {
				out = append(out, d.Embedding)
				break
			}
		}
	}
	return out, nil
}

func (s *Scripted) Close() error { return nil }
