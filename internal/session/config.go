package session

import (
	"fmt"
	"time"

	"github.com/andresmejia3/visitwatch/internal/match"
)

// DedupScope controls how long a logged identity stays logged.
type DedupScope string

const (
	// ScopeProcess logs each identity at most once for the lifetime of the session.
	ScopeProcess DedupScope = "process"
	// ScopeDay logs each identity at most once per calendar day in the display timezone.
	ScopeDay DedupScope = "day"
)

const (
	DefaultWidth     = 640
	DefaultHeight    = 480
	DefaultQueueSize = 64
)

// Config holds the tunables of a session. Zero values take the defaults.
type Config struct {
	GalleryPath string
	Width       int
	Height      int
	Threshold   float64
	DedupScope  DedupScope
	// Location is the display timezone used to decide calendar days.
	Location  *time.Location
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Width == 0 {
		c.Width = DefaultWidth
	}
	if c.Height == 0 {
		c.Height = DefaultHeight
	}
	if c.Threshold == 0 {
		c.Threshold = match.DefaultThreshold
	}
	if c.DedupScope == "" {
		c.DedupScope = ScopeProcess
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// Validate rejects configurations a session cannot run with.
func (c Config) Validate() error {
	if c.Width < 1 || c.Height < 1 {
		return fmt.Errorf("invalid frame size %dx%d", c.Width, c.Height)
	}
	if c.Threshold <= 0 {
		return fmt.Errorf("invalid match threshold %v", c.Threshold)
	}
	if c.DedupScope != ScopeProcess && c.DedupScope != ScopeDay {
		return fmt.Errorf("invalid dedup scope %q (want %q or %q)", c.DedupScope, ScopeProcess, ScopeDay)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("invalid visit queue size %d", c.QueueSize)
	}
	return nil
}
