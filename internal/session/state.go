package session

import (
	"time"

	"github.com/andresmejia3/visitwatch/internal/frame"
)

// State is a session's lifecycle stage.
type State int32

const (
	Uninitialized State = iota
	Ready
	Processing
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Processing:
		return "processing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Snapshot is the state published after each frame for readers such as a banner or a status line.
// A published Snapshot is immutable; the next frame publishes a new one.
type Snapshot struct {
	// Name is the identity matched in the first face of the last frame, empty when unknown or faceless.
	Name       string
	Confidence float64
	// Face is the most recent face crop, carried over from earlier frames when the last frame had none.
	Face    *frame.Frame
	FPS     float64
	Frames  uint64
	Updated time.Time
}
