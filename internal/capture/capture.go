// Package capture collects headshots for a new identity from a live source.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/andresmejia3/visitwatch/internal/dataset"
	"github.com/andresmejia3/visitwatch/internal/face"
	"github.com/andresmejia3/visitwatch/internal/frame"
)

const (
	MinCount        = 1
	MaxCount        = 5
	DefaultCount    = 2
	DefaultTimeout  = 10 * time.Second
	DefaultInterval = 500 * time.Millisecond
)

// ErrInvalidCount is returned for a requested count outside MinCount..MaxCount.
var ErrInvalidCount = errors.New("invalid headshot count")

// Source yields the next frame of a live stream. It returns io.EOF when the stream ends.
type Source interface {
	Next(ctx context.Context) (*frame.Frame, error)
}

// Options tune a capture. Zero values take the defaults.
type Options struct {
	Count    int
	Timeout  time.Duration
	Interval time.Duration
	Logger   *slog.Logger

	// Now and Sleep replace the wall clock in tests.
	Now   func() time.Time
	Sleep func(context.Context, time.Duration)
}

// Result reports how many headshots were saved. Falling short of Requested is not an error.
type Result struct {
	Requested int
	Captured  int
	Paths     []string
}

// Missing is the number of headshots that were not captured.
func (r Result) Missing() int {
	return r.Requested - r.Captured
}

// Complete reports whether every requested headshot was saved.
func (r Result) Complete() bool {
	return r.Captured >= r.Requested
}

// Capture reads frames from src until opts.Count face crops are saved for label or the timeout passes.
// Only the first located face of a frame is kept. After each saved crop it pauses for opts.Interval
// so consecutive shots differ. Source errors other than io.EOF and save failures abort the capture;
// the timeout and the end of the stream return the partial result with no error.
func Capture(ctx context.Context, src Source, loc face.Locator, dir dataset.Dir, label string, opts Options) (Result, error) {
	opts = opts.withDefaults()
	res := Result{Requested: opts.Count}

	if opts.Count < MinCount || opts.Count > MaxCount {
		return res, fmt.Errorf("%w: %d (want %d-%d)", ErrInvalidCount, opts.Count, MinCount, MaxCount)
	}
	if err := dataset.ValidateLabel(label); err != nil {
		return res, err
	}

	deadline := opts.Now().Add(opts.Timeout)
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	for res.Captured < opts.Count && opts.Now().Before(deadline) {
		f, err := src.Next(ctx)
		if err != nil {
			if isStop(err) {
				break
			}
			return res, fmt.Errorf("read frame: %w", err)
		}
		if f.Empty() {
			continue
		}

		regions, err := loc.Locate(ctx, f)
		if err != nil {
			opts.Logger.Debug("face location failed, retrying", "error", err)
			continue
		}
		if len(regions) == 0 {
			continue
		}

		crop := f.Crop(regions[0].Rect())
		if crop == nil {
			continue
		}
		path, err := dir.SaveCapture(label, crop, opts.Now())
		if err != nil {
			return res, err
		}
		res.Captured++
		res.Paths = append(res.Paths, path)
		opts.Logger.Info("headshot saved", "label", label, "path", path, "n", res.Captured, "of", opts.Count)

		if res.Captured < opts.Count {
			opts.Sleep(ctx, opts.Interval)
		}
	}

	if !res.Complete() {
		opts.Logger.Warn("capture incomplete", "label", label, "captured", res.Captured, "requested", res.Requested)
	}
	return res, nil
}

// isStop reports whether err ends the capture without failing it.
func isStop(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded)
}

func (o Options) withDefaults() Options {
	if o.Count == 0 {
		o.Count = DefaultCount
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Interval < 0 {
		o.Interval = 0
	} else if o.Interval == 0 {
		o.Interval = DefaultInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
	return o
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
