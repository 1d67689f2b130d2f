// Package session runs the per-frame recognition pipeline for one video stream.
//
// A Session resizes each frame, locates and encodes faces, matches them against a shared gallery,
// annotates the frame and records the first sighting of every known identity. Visit writes are handed
// to a background recorder so the frame loop never waits on disk or the database.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/visitwatch/internal/face"
	"github.com/andresmejia3/visitwatch/internal/frame"
	"github.com/andresmejia3/visitwatch/internal/gallery"
	"github.com/andresmejia3/visitwatch/internal/match"
	"github.com/andresmejia3/visitwatch/internal/metrics"
	"github.com/andresmejia3/visitwatch/internal/types"
	"github.com/andresmejia3/visitwatch/internal/visits"
)

var (
	// ErrClosed is returned when a frame is submitted to a closed session.
	ErrClosed = errors.New("session closed")
	// ErrBusy is returned when a frame is submitted while another one is still being processed.
	ErrBusy = errors.New("session is processing another frame")
	// ErrEmptyFrame is returned for nil or zero-sized frames.
	ErrEmptyFrame = errors.New("empty frame")
)

// VisitLog is where first sightings are recorded. *visits.Logger implements it.
type VisitLog interface {
	Append(ev types.VisitEvent) error
	Read() []types.VisitEvent
}

// Mirror receives a copy of every recorded visit. *store.Store implements it.
type Mirror interface {
	InsertVisit(ctx context.Context, sessionID uuid.UUID, ev types.VisitEvent) (bool, error)
}

// Deps are the collaborators a session drives. Locator, Embedder and Visits are required.
type Deps struct {
	Locator  face.Locator
	Embedder face.Embedder
	Visits   VisitLog
	Mirror   Mirror
	Metrics  metrics.Sampler
	Logger   *slog.Logger
	Now      func() time.Time
	// Seen is shared by sessions that should log each identity once between them.
	// A nil Seen gives the session its own set.
	Seen *SeenSet
}

// Face is one annotated detection.
type Face struct {
	Region types.Region
	Match  types.MatchResult
}

// Result describes what happened to one frame.
type Result struct {
	Faces []Face
	// Primary is the match of the first detection; it drives the banner and the visit log.
	Primary types.MatchResult
	// Logged is true when this frame produced a new visit event.
	Logged bool
	FPS    float64
	CPU    float64
	Mem    float64
	// Skipped holds the detection or encoding error that made this frame count as faceless.
	Skipped error
}

// Stats are running counters for one session.
type Stats struct {
	Frames        uint64
	Detections    uint64
	Skipped       uint64
	Visits        uint64
	WriteFailures uint64
	Dropped       uint64
}

// Session is the recognition pipeline for one stream. It processes one frame at a time.
type Session struct {
	ID uuid.UUID

	cfg     Config
	gallery *gallery.Store
	matcher match.Matcher
	deps    Deps
	log     *slog.Logger

	state atomic.Int32
	snap  atomic.Pointer[Snapshot]

	// Only touched by the goroutine currently holding the Processing state.
	prev   time.Time
	frames uint64

	seen *SeenSet

	detections    atomic.Uint64
	skipped       atomic.Uint64
	visits        atomic.Uint64
	writeFailures atomic.Uint64
	dropped       atomic.Uint64

	mu      sync.RWMutex
	closed  bool
	queue   chan types.VisitEvent
	drained chan struct{}
	once    sync.Once
}

// Open loads the gallery at cfg.GalleryPath and starts a session over it.
// A gallery that cannot be loaded is returned as an error wrapping types.ErrGalleryLoad.
func Open(cfg Config, deps Deps) (*Session, error) {
	g, err := gallery.Load(cfg.GalleryPath)
	if err != nil {
		return nil, err
	}
	return New(g, cfg, deps)
}

// New starts a session over an already loaded gallery. The gallery may be shared between sessions.
func New(g *gallery.Store, cfg Config, deps Deps) (*Session, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: no gallery", types.ErrGalleryLoad)
	}
	if deps.Locator == nil || deps.Embedder == nil {
		return nil, errors.New("session needs a face locator and embedder")
	}
	if deps.Visits == nil {
		return nil, errors.New("session needs a visit log")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Static{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Seen == nil {
		deps.Seen = NewSeenSet()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		ID:      uuid.New(),
		cfg:     cfg,
		gallery: g,
		matcher: match.New(cfg.Threshold),
		deps:    deps,
		seen:    deps.Seen,
		queue:   make(chan types.VisitEvent, cfg.QueueSize),
		drained: make(chan struct{}),
	}
	s.log = logger.With("session", s.ID.String())
	s.prev = deps.Now()

	if cfg.DedupScope == ScopeDay {
		s.seedToday()
	}
	s.snap.Store(&Snapshot{Updated: s.prev})
	s.state.Store(int32(Ready))

	go s.record()

	s.log.Info("session ready",
		"gallery_entries", g.Len(),
		"threshold", cfg.Threshold,
		"dedup", cfg.DedupScope,
		"size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
	)
	return s, nil
}

// seedToday marks identities already logged today so a restart does not log them twice.
func (s *Session) seedToday() {
	today := visits.Day(s.prev, s.cfg.Location)
	for _, ev := range visits.OnDay(s.deps.Visits.Read(), today, s.cfg.Location) {
		s.seen.Add(s.dedupKey(ev.Name, ev.Timestamp))
	}
}

func (s *Session) dedupKey(name string, at time.Time) string {
	if s.cfg.DedupScope == ScopeDay {
		return name + "|" + visits.Day(at, s.cfg.Location)
	}
	return name
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Snapshot returns the most recent published state. The returned value is never modified.
func (s *Session) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Frames:        s.Snapshot().Frames,
		Detections:    s.detections.Load(),
		Skipped:       s.skipped.Load(),
		Visits:        s.visits.Load(),
		WriteFailures: s.writeFailures.Load(),
		Dropped:       s.dropped.Load(),
	}
}

// ProcessFrame runs the pipeline on one frame and returns the annotated working-size frame.
// Detection and encoding failures are not errors: the frame is treated as having no faces.
// The input frame is never modified.
func (s *Session) ProcessFrame(ctx context.Context, in *frame.Frame) (*frame.Frame, Result, error) {
	if in.Empty() {
		return nil, Result{}, ErrEmptyFrame
	}
	if !s.state.CompareAndSwap(int32(Ready), int32(Processing)) {
		if s.State() == Closed {
			return nil, Result{}, ErrClosed
		}
		return nil, Result{}, ErrBusy
	}
	defer s.state.CompareAndSwap(int32(Processing), int32(Ready))

	var res Result

	small := in.Resize(s.cfg.Width, s.cfg.Height)
	if small == in {
		small = in.Clone()
	}

	dets, err := face.Detect(ctx, s.deps.Locator, s.deps.Embedder, small)
	if err != nil {
		s.skipped.Add(1)
		res.Skipped = err
		s.log.Debug("frame skipped", "error", err)
		dets = nil
	}
	s.detections.Add(uint64(len(dets)))

	now := s.deps.Now()

	if len(dets) > 0 {
		res.Primary = s.matcher.Match(dets[0].Embedding, s.gallery)
	}

	var crop *frame.Frame
	res.Faces = make([]Face, 0, len(dets))
	for _, d := range dets {
		m := s.matcher.Match(d.Embedding, s.gallery)
		res.Faces = append(res.Faces, Face{Region: d.Region, Match: m})
		if c := small.Crop(d.Region.Rect()); c != nil {
			crop = c
		}
	}
	for _, fc := range res.Faces {
		annotate(small, fc)
	}

	if res.Primary.Known {
		key := s.dedupKey(res.Primary.Identity, now)
		if s.seen.Add(key) {
			ev := types.VisitEvent{Timestamp: now, Name: res.Primary.Identity, Confidence: res.Primary.Confidence}
			if s.enqueue(ev) {
				res.Logged = true
			} else {
				s.seen.Remove(key)
			}
		}
	}

	delta := now.Sub(s.prev).Seconds()
	if delta > 0 {
		res.FPS = 1 / delta
	}
	s.prev = now

	res.CPU, res.Mem = s.deps.Metrics.Sample(ctx)
	small.DrawOverlay(
		fmt.Sprintf("FPS: %.1f", res.FPS),
		fmt.Sprintf("CPU: %.0f%%", res.CPU),
		fmt.Sprintf("RAM: %.0f%%", res.Mem),
	)

	s.frames++
	s.publish(res, crop, now)
	return small, res, nil
}

func annotate(f *frame.Frame, fc Face) {
	c, label := frame.Red, "Unknown"
	if fc.Match.Known {
		c, label = frame.Green, fmt.Sprintf("%s (%.2f)", fc.Match.Identity, fc.Match.Confidence)
	}
	r := fc.Region.Rect()
	f.DrawBox(r, c, frame.BoxThickness)
	f.DrawLabel(r.Min.X, r.Min.Y-10, label, c)
}

func (s *Session) publish(res Result, crop *frame.Frame, now time.Time) {
	prev := s.snap.Load()
	next := &Snapshot{
		Name:       res.Primary.Identity,
		Confidence: res.Primary.Confidence,
		Face:       prev.Face,
		FPS:        res.FPS,
		Frames:     s.frames,
		Updated:    now,
	}
	if crop != nil {
		next.Face = crop
	}
	if next.Name != prev.Name {
		s.log.Info("banner changed", "name", next.Name, "confidence", next.Confidence)
	}
	s.snap.Store(next)
}

// enqueue hands an event to the recorder without blocking. It reports false when the event was dropped.
func (s *Session) enqueue(ev types.VisitEvent) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.queue <- ev:
		return true
	default:
		s.dropped.Add(1)
		s.log.Warn("visit queue full, dropping event", "name", ev.Name)
		return false
	}
}

func (s *Session) record() {
	defer close(s.drained)
	for ev := range s.queue {
		if err := s.deps.Visits.Append(ev); err != nil {
			s.writeFailures.Add(1)
			s.log.Error("failed to record visit", "name", ev.Name, "error", err)
			continue
		}
		s.visits.Add(1)
		s.log.Info("visit recorded", "name", ev.Name, "confidence", ev.Confidence)

		if s.deps.Mirror == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := s.deps.Mirror.InsertVisit(ctx, s.ID, ev); err != nil {
			s.log.Warn("failed to mirror visit", "name", ev.Name, "error", err)
		}
		cancel()
	}
}

// Close stops accepting frames and waits for queued visit writes to finish. It is safe to call twice.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.state.Store(int32(Closed))
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		<-s.drained
		st := s.Stats()
		s.log.Info("session closed", "frames", st.Frames, "visits", st.Visits, "write_failures", st.WriteFailures)
	})
	<-s.drained
	return nil
}

// Run processes frames until the channel closes or ctx is done. Each annotated frame is handed
// to emit before the next frame is taken; an emit error stops the run.
func (s *Session) Run(ctx context.Context, frames <-chan *frame.Frame, emit func(*frame.Frame) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			out, _, err := s.ProcessFrame(ctx, f)
			if errors.Is(err, ErrEmptyFrame) {
				continue
			}
			if err != nil {
				return err
			}
			if emit != nil {
				if err := emit(out); err != nil {
					return err
				}
			}
		}
	}
}
