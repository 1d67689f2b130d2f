package capture

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/visitwatch/internal/dataset"
	"github.com/andresmejia3/visitwatch/internal/face"
	"github.com/andresmejia3/visitwatch/internal/frame"
	"github.com/andresmejia3/visitwatch/internal/types"
)

// endless yields blank frames forever.
type endless struct{ served int }

func (e *endless) Next(context.Context) (*frame.Frame, error) {
	e.served++
	return frame.New(64, 64), nil
}

// finite yields n frames, then io.EOF.
type finite struct{ n int }

func (f *finite) Next(context.Context) (*frame.Frame, error) {
	if f.n == 0 {
		return nil, io.EOF
	}
	f.n--
	return frame.New(64, 64), nil
}

type broken struct{}

func (broken) Next(context.Context) (*frame.Frame, error) {
	return nil, errors.New("device unplugged")
}

// fakeClock advances by step on every Now call and by the slept duration on Sleep.
type fakeClock struct {
	t      time.Time
	step   time.Duration
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
}

var faceAt = types.Detection{Region: types.Region{Top: 8, Left: 8, Right: 40, Bottom: 48}}

func TestCapturePartialOnTimeout(t *testing.T) {
	// Two frames with a face, then faceless frames until the clock runs out.
	eng := face.NewScripted([]types.Detection{faceAt}, []types.Detection{faceAt}, nil)
	clk := &fakeClock{t: time.Unix(1700000000, 0), step: 100 * time.Millisecond}
	dir := dataset.Dir{Root: t.TempDir()}

	res, err := Capture(context.Background(), &endless{}, eng, dir, "Carol", Options{
		Count: 3,
		Now:   clk.Now,
		Sleep: clk.Sleep,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Requested)
	assert.Equal(t, 2, res.Captured)
	assert.Equal(t, 1, res.Missing())
	assert.False(t, res.Complete())
	require.Len(t, res.Paths, 2)
	for _, p := range res.Paths {
		assert.FileExists(t, p)
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		crop, err := frame.DecodeBytes(data)
		require.NoError(t, err)
		assert.Equal(t, 32, crop.Width())
		assert.Equal(t, 40, crop.Height())
	}
	assert.Equal(t, []time.Duration{DefaultInterval, DefaultInterval}, clk.sleeps)
}

func TestCaptureComplete(t *testing.T) {
	eng := face.NewScripted([]types.Detection{faceAt})
	clk := &fakeClock{t: time.Unix(1700000000, 0), step: time.Millisecond}

	res, err := Capture(context.Background(), &endless{}, eng, dataset.Dir{Root: t.TempDir()}, "Dan", Options{
		Count: 2,
		Now:   clk.Now,
		Sleep: clk.Sleep,
	})
	require.NoError(t, err)
	assert.True(t, res.Complete())
	assert.Equal(t, 0, res.Missing())
	assert.NotEqual(t, res.Paths[0], res.Paths[1])
	// No pause after the last shot.
	assert.Len(t, clk.sleeps, 1)
}

func TestCaptureStreamEnds(t *testing.T) {
	eng := face.NewScripted(nil)
	res, err := Capture(context.Background(), &finite{n: 3}, eng, dataset.Dir{Root: t.TempDir()}, "Eve", Options{Count: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Captured)
	assert.Equal(t, 3, eng.Locates)
}

func TestCaptureSourceError(t *testing.T) {
	eng := face.NewScripted()
	_, err := Capture(context.Background(), broken{}, eng, dataset.Dir{Root: t.TempDir()}, "Eve", Options{})
	assert.ErrorContains(t, err, "device unplugged")
}

func TestCaptureValidatesInput(t *testing.T) {
	eng := face.NewScripted()
	dir := dataset.Dir{Root: t.TempDir()}

	_, err := Capture(context.Background(), &endless{}, eng, dir, "Eve", Options{Count: 6})
	assert.ErrorIs(t, err, ErrInvalidCount)
	_, err = Capture(context.Background(), &endless{}, eng, dir, "Eve", Options{Count: -1})
	assert.ErrorIs(t, err, ErrInvalidCount)
	_, err = Capture(context.Background(), &endless{}, eng, dir, "../etc", Options{Count: 1})
	assert.ErrorIs(t, err, dataset.ErrInvalidLabel)
}
