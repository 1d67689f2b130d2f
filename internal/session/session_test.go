package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/visitwatch/internal/face"
	"github.com/andresmejia3/visitwatch/internal/frame"
	"github.com/andresmejia3/visitwatch/internal/gallery"
	"github.com/andresmejia3/visitwatch/internal/metrics"
	"github.com/andresmejia3/visitwatch/internal/types"
	"github.com/andresmejia3/visitwatch/internal/worker"
)

type memLog struct {
	mu     sync.Mutex
	events []types.VisitEvent
	prior  []types.VisitEvent
	fail   error
}

func (m *memLog) Append(ev types.VisitEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memLog) Read() []types.VisitEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(append([]types.VisitEvent(nil), m.prior...), m.events...)
}

func (m *memLog) Events() []types.VisitEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.VisitEvent(nil), m.events...)
}

type memMirror struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (m *memMirror) InsertVisit(_ context.Context, id uuid.UUID, _ types.VisitEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, id)
	return true, nil
}

func vec(v float64) types.Embedding {
	e := make(types.Embedding, types.EmbeddingDim)
	e[0] = v
	return e
}

var box = types.Region{Top: 100, Left: 100, Right: 200, Bottom: 200}

func at(v float64) types.Detection {
	return types.Detection{Region: box, Embedding: vec(v)}
}

// clock returns a Now func that starts at start and advances by step on every call.
func clock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	t := start.Add(-step)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(step)
		return t
	}
}

func aliceGallery(t *testing.T) *gallery.Store {
	t.Helper()
	g, err := gallery.New(
		gallery.Entry{Label: "Alice", Embedding: vec(0)},
		gallery.Entry{Label: "Bob", Embedding: vec(10)},
	)
	require.NoError(t, err)
	return g
}

func newSession(t *testing.T, eng *face.Scripted, log *memLog, cfg Config) *Session {
	t.Helper()
	s, err := New(aliceGallery(t), cfg, Deps{
		Locator:  eng,
		Embedder: eng,
		Visits:   log,
		Metrics:  metrics.Static{CPU: 10, Mem: 20},
		Now:      clock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), 100*time.Millisecond),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKnownFaceLoggedOnce(t *testing.T) {
	eng := face.NewScripted([]types.Detection{at(0.3)})
	log := &memLog{}
	s := newSession(t, eng, log, Config{})

	var logged int
	for i := 0; i < 3; i++ {
		_, res, err := s.ProcessFrame(context.Background(), frame.New(1280, 960))
		require.NoError(t, err)
		assert.Equal(t, "Alice", res.Primary.Identity)
		assert.InDelta(t, 0.70, res.Primary.Confidence, 1e-9)
		if res.Logged {
			logged++
		}
	}
	require.NoError(t, s.Close())

	assert.Equal(t, 1, logged)
	events := log.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "Alice", events[0].Name)
	assert.InDelta(t, 0.70, events[0].Confidence, 1e-9)
	assert.Equal(t, uint64(1), s.Stats().Visits)
}

func TestFarFaceIsUnknown(t *testing.T) {
	eng := face.NewScripted([]types.Detection{at(0.8)})
	log := &memLog{}
	s := newSession(t, eng, log, Config{})

	out, res, err := s.ProcessFrame(context.Background(), frame.New(640, 480))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.False(t, res.Primary.Known)
	assert.Equal(t, 0.0, res.Primary.Confidence)
	assert.Empty(t, log.Events())
	assert.Equal(t, frame.Red, out.At(box.Left, 150))
	assert.Empty(t, s.Snapshot().Name)
}

func TestAnnotatesEveryFace(t *testing.T) {
	stranger := types.Detection{Region: types.Region{Top: 300, Left: 300, Right: 380, Bottom: 380}, Embedding: vec(5)}
	eng := face.NewScripted([]types.Detection{at(0.1), stranger})
	s := newSession(t, eng, &memLog{}, Config{})

	in := frame.New(1280, 960)
	out, res, err := s.ProcessFrame(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 640, out.Width())
	assert.Equal(t, 480, out.Height())
	require.Len(t, res.Faces, 2)
	assert.True(t, res.Faces[0].Match.Known)
	assert.False(t, res.Faces[1].Match.Known)
	assert.Equal(t, frame.Green, out.At(box.Left, 150))
	assert.Equal(t, frame.Red, out.At(300, 340))

	// The last drawn face becomes the snapshot crop, the first one drives the banner.
	snap := s.Snapshot()
	assert.Equal(t, "Alice", snap.Name)
	require.NotNil(t, snap.Face)
	assert.Equal(t, 80, snap.Face.Width())

	// Input frames are left untouched.
	assert.Equal(t, frame.New(1280, 960).Pix, in.Pix)
}

func TestZeroFaceFrame(t *testing.T) {
	eng := face.NewScripted(nil)
	log := &memLog{}
	s := newSession(t, eng, log, Config{})

	out, res, err := s.ProcessFrame(context.Background(), frame.New(640, 480))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.Empty(t, res.Faces)
	assert.False(t, res.Primary.Known)
	assert.Equal(t, 1, eng.Locates)
	assert.Equal(t, 0, eng.Encodes)
	assert.Empty(t, log.Events())
	assert.Nil(t, s.Snapshot().Face)

	// Only the overlay is drawn.
	blank := frame.New(640, 480)
	assert.NotEqual(t, blank.Pix, out.Pix)
	assert.Equal(t, blank.At(320, 240), out.At(320, 240))
}

func TestEncodeFailureSkipsFrame(t *testing.T) {
	eng := face.NewScripted([]types.Detection{at(0.1)})
	eng.EncodeErr = errors.New("model crashed")
	log := &memLog{}
	s := newSession(t, eng, log, Config{})

	_, res, err := s.ProcessFrame(context.Background(), frame.New(640, 480))
	require.NoError(t, err)
	assert.ErrorIs(t, res.Skipped, types.ErrEncode)
	assert.Empty(t, res.Faces)

	eng.EncodeErr = nil
	_, res, err = s.ProcessFrame(context.Background(), frame.New(640, 480))
	require.NoError(t, err)
	assert.True(t, res.Logged)

	require.NoError(t, s.Close())
	assert.Len(t, log.Events(), 1)
	assert.Equal(t, uint64(1), s.Stats().Skipped)
}

func TestLocateFailureIsFaceless(t *testing.T) {
	eng := face.NewScripted([]types.Detection{at(0.1)})
	eng.LocateErr = errors.New("no model")
	s := newSession(t, eng, &memLog{}, Config{})

	_, res, err := s.ProcessFrame(context.Background(), frame.New(640, 480))
	require.NoError(t, err)
	assert.ErrorIs(t, res.Skipped, types.ErrDetection)
	assert.False(t, res.Logged)
}

func TestLogWriteFailureDoesNotStopProcessing(t *testing.T) {
	eng := face.NewScripted([]types.Detection{at(0.1)})
	log := &memLog{fail: types.ErrLogWrite}
	s := newSession(t, eng, log, Config{})

	for i := 0; i < 2; i++ {
		_, _, err := s.ProcessFrame(context.Background(), frame.New(640, 480))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Frames)
	assert.Equal(t, uint64(1), st.WriteFailures)
	assert.Equal(t, uint64(0), st.Visits)
}

func TestOpenFailsOnBadGallery(t *testing.T) {
	eng := face.NewScripted()
	s, err := Open(Config{GalleryPath: filepath.Join(t.TempDir(), "missing.gob")}, Deps{Locator: eng, Embedder: eng, Visits: &memLog{}})
	assert.Nil(t, s)
	assert.ErrorIs(t, err, types.ErrGalleryLoad)
}

func TestOpenLoadsGallery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encodings.gob")
	require.NoError(t, aliceGallery(t).Save(path))

	eng := face.NewScripted([]types.Detection{at(0.2)})
	s, err := Open(Config{GalleryPath: path}, Deps{Locator: eng, Embedder: eng, Visits: &memLog{}})
	require.NoError(t, err)
	defer s.Close()

	_, res, err := s.ProcessFrame(context.Background(), frame.New(640, 480))
	require.NoError(t, err)
	assert.Equal(t, "Alice", res.Primary.Identity)
}

func TestFPS(t *testing.T) {
	eng := face.NewScripted(nil)
	s := newSession(t, eng, &memLog{}, Config{})

	_, res, err := s.ProcessFrame(context.Background(), frame.New(640, 480))
	require.NoError(t, err)
	assert.InDelta(t, 10.0, res.FPS, 1e-9)
	assert.Equal(t, 10.0, res.CPU)
	assert.Equal(t, 20.0, res.Mem)
	assert.InDelta(t, 10.0, s.Snapshot().FPS, 1e-9)
}

func TestFPSZeroWhenClockStalls(t *testing.T) {
	eng := face.NewScripted(nil)
	fixed := time.Unix(100, 0)
	s, err := New(aliceGallery(t), Config{}, Deps{
		Locator: eng, Embedder: eng, Visits: &memLog{},
		Now: func() time.Time { return fixed },
	})
	require.NoError(t, err)
	defer s.Close()

	_, res, err := s.ProcessFrame(context.Background(), frame.New(640, 480))
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.FPS)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newSession(t, face.NewScripted(), &memLog{}, Config{})
	assert.Equal(t, Ready, s.State())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, Closed, s.State())

	_, _, err := s.ProcessFrame(context.Background(), frame.New(640, 480))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEmptyFrame(t *testing.T) {
	s := newSession(t, face.NewScripted(), &memLog{}, Config{})
	_, _, err := s.ProcessFrame(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestDayScope(t *testing.T) {
	eng := face.NewScripted(
		[]types.Detection{at(0.1)},
		[]types.Detection{{Region: box, Embedding: vec(10.1)}},
	)
	log := &memLog{prior: []types.VisitEvent{
		{Timestamp: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), Name: "Alice", Confidence: 0.9},
		{Timestamp: time.Date(2024, 2, 29, 8, 0, 0, 0, time.UTC), Name: "Bob", Confidence: 0.9},
	}}
	s := newSession(t, eng, log, Config{DedupScope: ScopeDay})

	_, res, err := s.ProcessFrame(context.Background(), frame.New(640, 480))
	require.NoError(t, err)
	assert.False(t, res.Logged, "Alice was already logged today")

	_, res, err = s.ProcessFrame(context.Background(), frame.New(640, 480))
	require.NoError(t, err)
	assert.True(t, res.Logged, "Bob was only logged yesterday")

	require.NoError(t, s.Close())
	events := log.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "Bob", events[0].Name)
}

func TestInvalidDedupScope(t *testing.T) {
	eng := face.NewScripted()
	_, err := New(aliceGallery(t), Config{DedupScope: "week"}, Deps{Locator: eng, Embedder: eng, Visits: &memLog{}})
	assert.Error(t, err)
}

func TestSharedGallery(t *testing.T) {
	g := aliceGallery(t)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng := face.NewScripted([]types.Detection{at(0.2)})
			s, err := New(g, Config{}, Deps{Locator: eng, Embedder: eng, Visits: &memLog{}})
			if !assert.NoError(t, err) {
				return
			}
			defer s.Close()
			for j := 0; j < 5; j++ {
				_, res, err := s.ProcessFrame(context.Background(), frame.New(640, 480))
				assert.NoError(t, err)
				assert.Equal(t, "Alice", res.Primary.Identity)
			}
		}()
	}
	wg.Wait()
}

func TestRunAndMirror(t *testing.T) {
	eng := face.NewScripted([]types.Detection{at(0.1)})
	log := &memLog{}
	mirror := &memMirror{}
	s, err := New(aliceGallery(t), Config{}, Deps{Locator: eng, Embedder: eng, Visits: log, Mirror: mirror})
	require.NoError(t, err)

	frames := make(chan *frame.Frame, 3)
	for i := 0; i < 3; i++ {
		frames <- frame.New(640, 480)
	}
	close(frames)

	var emitted int
	err = s.Run(context.Background(), frames, func(*frame.Frame) error {
		emitted++
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.Equal(t, 3, emitted)
	assert.Len(t, log.Events(), 1)
	assert.Equal(t, []uuid.UUID{s.ID}, mirror.ids)
}

func TestRunStopsOnEmitError(t *testing.T) {
	s := newSession(t, face.NewScripted(), &memLog{}, Config{})
	frames := make(chan *frame.Frame, 1)
	frames <- frame.New(640, 480)

	boom := errors.New("sink closed")
	err := s.Run(context.Background(), frames, func(*frame.Frame) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestSharedSeenSetLogsIdentityOnce(t *testing.T) {
	g := aliceGallery(t)
	log := &memLog{}
	seen := NewSeenSet()

	var sessions []*Session
	for i := 0; i < 2; i++ {
		eng := face.NewScripted([]types.Detection{at(0.2)})
		s, err := New(g, Config{}, Deps{Locator: eng, Embedder: eng, Visits: log, Seen: seen})
		require.NoError(t, err)
		sessions = append(sessions, s)
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			_, _, err := s.ProcessFrame(context.Background(), frame.New(640, 480))
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()
	for _, s := range sessions {
		require.NoError(t, s.Close())
	}

	events := log.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "Alice", events[0].Name)
	assert.True(t, seen.Has("Alice"))
}

func TestSeparateSessionsKeepTheirOwnSeenSet(t *testing.T) {
	log := &memLog{}
	for i := 0; i < 2; i++ {
		s := newSession(t, face.NewScripted([]types.Detection{at(0.2)}), log, Config{})
		_, res, err := s.ProcessFrame(context.Background(), frame.New(640, 480))
		require.NoError(t, err)
		assert.True(t, res.Logged)
		require.NoError(t, s.Close())
	}
	assert.Len(t, log.Events(), 2)
}

// gatedLog holds every Append until release is closed.
type gatedLog struct {
	memLog
	release chan struct{}
}

func (g *gatedLog) Append(ev types.VisitEvent) error {
	<-g.release
	return g.memLog.Append(ev)
}

func TestCloseAfterEngineCrashFlushesQueuedVisits(t *testing.T) {
	eng := face.NewScripted([]types.Detection{at(0.1)})
	log := &gatedLog{release: make(chan struct{})}
	mirror := &memMirror{}
	s, err := New(aliceGallery(t), Config{}, Deps{Locator: eng, Embedder: eng, Visits: log, Mirror: mirror})
	require.NoError(t, err)

	frames := make(chan *frame.Frame, 2)
	frames <- frame.New(640, 480)
	frames <- frame.New(640, 480)
	close(frames)

	crash := fmt.Errorf("%w: worker 1: broken pipe", worker.ErrCrashed)
	var emitted int
	err = s.Run(context.Background(), frames, func(*frame.Frame) error {
		emitted++
		if emitted == 2 {
			return crash
		}
		return nil
	})
	require.ErrorIs(t, err, worker.ErrCrashed)

	// The visit from the first frame is still queued behind the gate.
	assert.Empty(t, log.Events())
	assert.Equal(t, uint64(0), s.Stats().Visits)

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned before the queued visit was written")
	case <-time.After(50 * time.Millisecond):
	}
	close(log.release)
	<-closed

	events := log.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "Alice", events[0].Name)
	assert.Equal(t, uint64(1), s.Stats().Visits)
	assert.Equal(t, []uuid.UUID{s.ID}, mirror.ids)
}
