package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/visitwatch/internal/dataset"
	"github.com/andresmejia3/visitwatch/internal/frame"
	"github.com/andresmejia3/visitwatch/internal/gallery"
	"github.com/andresmejia3/visitwatch/internal/metrics"
	"github.com/andresmejia3/visitwatch/internal/session"
	"github.com/andresmejia3/visitwatch/internal/utils"
	"github.com/andresmejia3/visitwatch/internal/visits"
	"github.com/andresmejia3/visitwatch/internal/worker"
)

// frameBuffer is how many decoded frames may wait ahead of a session.
const frameBuffer = 4

var watchOpts Options

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Recognize faces on one or more video inputs and log visits",
	Long: `Runs one recognition session per input. Inputs can be capture devices (/dev/video0),
video files, or any URL ffmpeg can read. Sessions share one gallery and one visit log.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runWatch(cmd.Context(), watchOpts)
	},
}

func init() {
	watchCmd.Flags().StringArrayVarP(&watchOpts.Inputs, "input", "i", []string{"/dev/video0"}, "Video input, repeat for several cameras")
	watchCmd.Flags().StringVarP(&watchOpts.OutputPath, "output", "o", "", "Write annotated frames as MJPEG to this file, or - for stdout")
	watchCmd.Flags().Float64VarP(&watchOpts.Threshold, "threshold", "t", 0, "Face matching threshold, lower is stricter (default: $VISITWATCH_THRESHOLD)")
	watchCmd.Flags().StringVar(&watchOpts.EngineCmd, "engine-cmd", "", "Face engine command line (default: $VISITWATCH_ENGINE_CMD)")
	watchCmd.Flags().StringVarP(&watchOpts.DebugFrames, "debug-frames", "d", "", "Save the annotated frame of every banner change under this directory")
	watchCmd.Flags().StringVar(&watchOpts.DedupScope, "dedup", "", "Visit dedup scope: process or day (default: $VISITWATCH_DEDUP_SCOPE)")

	rootCmd.AddCommand(watchCmd)
}

// streamSummary is what one input reports back once its session ends.
type streamSummary struct {
	Input   string
	Session string
	Stats   session.Stats
	Elapsed time.Duration
	Err     error
}

// runWatch orchestrates the watch: gallery, one engine and session per input, ffmpeg streaming and the summary.
func runWatch(ctx context.Context, opts Options) error {
	if err := validateWatchFlags(&opts); err != nil {
		utils.ShowError(os.Stderr, "Invalid flags", err, nil)
		return err
	}

	g, err := loadGallery(ctx)
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to load gallery", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "🗂️  Gallery: %d reference encodings\n", g.Len())
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d engine(s)...\n", len(opts.Inputs))

	var out *utils.MJPEGWriter
	if opts.OutputPath != "" {
		w, closeOut, err := openOutput(opts.OutputPath)
		if err != nil {
			utils.ShowError(os.Stderr, "Failed to open output", err, nil)
			return err
		}
		defer closeOut()
		out = utils.NewMJPEGWriter(w, frame.DefaultQuality)
	}

	log := visits.NewLogger(Cfg.LogPath)
	seen := session.NewSeenSet()
	results := runStreams(ctx, opts.Inputs, func(ctx context.Context, i int, input string) streamSummary {
		return watchStream(ctx, i, input, streamDeps{Gallery: g, Log: log, Seen: seen, Out: out}, opts)
	})

	printWatchSummary(os.Stderr, results, log)

	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

// runStreams runs one stream per input and waits for all of them. An engine crash on one input
// cancels the others, so every session still closes and flushes its visits before the process exits.
func runStreams(ctx context.Context, inputs []string, run func(ctx context.Context, id int, input string) streamSummary) []streamSummary {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]streamSummary, len(inputs))
	var wg sync.WaitGroup
	for i, input := range inputs {
		wg.Add(1)
		go func(i int, input string) {
			defer wg.Done()
			results[i] = run(ctx, i, input)
			if errors.Is(results[i].Err, worker.ErrCrashed) {
				cancel()
			}
		}(i, input)
	}
	wg.Wait()
	return results
}

// streamDeps is what every input shares.
type streamDeps struct {
	Gallery *gallery.Store
	Log     *visits.Logger
	Seen    *session.SeenSet
	Out     *utils.MJPEGWriter
}

// watchStream runs one input to completion. Failures are reported in the summary; the session
// is always closed first so visits it already accepted reach the log.
func watchStream(ctx context.Context, id int, input string, sd streamDeps, opts Options) (sum streamSummary) {
	sum.Input = input
	logger := Logger.With("input", input)
	out := sd.Out

	w, err := startEngine(id, opts.EngineCmd)
	if err != nil {
		sum.Err = err
		utils.ShowError(os.Stderr, "Worker startup failed", err, nil)
		return sum
	}
	defer w.Close()

	deps := session.Deps{
		Locator:  w,
		Embedder: w,
		Visits:   sd.Log,
		Metrics:  metrics.NewCollector(),
		Logger:   logger,
		Seen:     sd.Seen,
	}
	if DB != nil {
		deps.Mirror = DB
	}
	s, err := session.New(sd.Gallery, session.Config{
		Width:      Cfg.FrameWidth,
		Height:     Cfg.FrameHeight,
		Threshold:  opts.Threshold,
		DedupScope: session.DedupScope(opts.DedupScope),
		Location:   visits.LoadLocation(Cfg.DisplayTZ),
	}, deps)
	if err != nil {
		sum.Err = err
		utils.ShowError(os.Stderr, "Failed to start session", err, nil)
		return sum
	}
	sum.Session = s.ID.String()
	defer func() {
		s.Close()
		sum.Stats = s.Stats()
	}()

	// Cancelling sctx stops both ffmpeg and the frame pump.
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ffmpeg := utils.NewFFmpegCmd(sctx, input)
	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		sum.Err = err
		utils.ShowError(os.Stderr, "Failed to create FFmpeg stdout pipe", err, nil)
		return sum
	}
	defer ffmpegOut.Close() // Ensure pipe is closed to prevent leaks/zombies

	if err := ffmpeg.Start(); err != nil {
		sum.Err = err
		utils.ShowError(os.Stderr, "Failed to start FFmpeg", err, nil)
		return sum
	}
	fmt.Fprintf(os.Stderr, "📼 Watching %s (session %s)\n", input, sum.Session[:8])

	var bar *progressbar.ProgressBar
	if len(opts.Inputs) == 1 {
		if total := utils.GetTotalFrames(ctx, input); total > 0 {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("🔍 Watching"),
				progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
				progressbar.OptionShowCount(),
			)
		}
	}

	var debugDir string
	if opts.DebugFrames != "" {
		debugDir = filepath.Join(opts.DebugFrames, utils.SourceID(input))
		if err := os.MkdirAll(debugDir, 0755); err != nil {
			logger.Warn("debug frames disabled", "error", err)
			debugDir = ""
		}
	}

	frames, readErr := utils.NewFrameReader(ffmpegOut).Pump(sctx, frameBuffer)

	lastName := ""
	emit := func(f *frame.Frame) error {
		// A dead engine would otherwise turn every remaining frame into a silent skip.
		if err := w.Err(); err != nil {
			return err
		}
		if bar != nil {
			bar.Add(1)
		}
		if out != nil {
			if err := out.WriteFrame(f); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
		}
		if snap := s.Snapshot(); debugDir != "" && snap.Name != lastName {
			lastName = snap.Name
			if snap.Name != "" {
				saveDebugFrame(debugDir, snap, f)
			}
		}
		return nil
	}

	start := time.Now()
	runErr := s.Run(ctx, frames, emit)
	sum.Elapsed = time.Since(start)
	if bar != nil {
		bar.Finish()
	}

	// Stop ffmpeg if we are the ones ending the stream, then reap it.
	if runErr != nil {
		cancel()
	}
	ffmpegErr := ffmpeg.Wait()
	pumpErr := <-readErr

	switch {
	case errors.Is(runErr, worker.ErrCrashed):
		sum.Err = runErr
		w.Close()
		utils.ShowError(os.Stderr, fmt.Sprintf("Face engine crashed on %s", input), runErr, engineLogs(w))
	case runErr != nil && !errors.Is(runErr, context.Canceled):
		sum.Err = runErr
		utils.ShowError(os.Stderr, fmt.Sprintf("Session on %s failed", input), runErr, nil)
	case ctx.Err() != nil:
		// Ctrl+C is a normal way to stop watching.
	case pumpErr != nil:
		sum.Err = pumpErr
		utils.ShowError(os.Stderr, "Frame reader failed", pumpErr, nil)
	case ffmpegErr != nil:
		sum.Err = ffmpegErr
		utils.ShowError(os.Stderr, fmt.Sprintf("FFmpeg failed on %s", input), ffmpegErr, ffmpeg)
	}
	return sum
}

// loadGallery reads the snapshot file, falling back to the database mirror when the file is unusable.
func loadGallery(ctx context.Context) (*gallery.Store, error) {
	g, err := gallery.Load(Cfg.GalleryPath)
	if err == nil || DB == nil {
		return g, err
	}
	Logger.Warn("gallery file unusable, loading from database", "path", Cfg.GalleryPath, "error", err)
	return DB.LoadGallery(ctx)
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "-" {
		return os.Stdout, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func saveDebugFrame(dir string, snap *session.Snapshot, f *frame.Frame) {
	name := fmt.Sprintf("%06d_%s.jpg", snap.Frames, dataset.FileStem(snap.Name))
	data, err := f.JPEG(frame.DefaultQuality)
	if err == nil {
		err = os.WriteFile(filepath.Join(dir, name), data, 0644)
	}
	if err != nil {
		Logger.Warn("failed to save debug frame", "error", err)
	}
}

// validateWatchFlags fills unset flags from the config and rejects bad values before any process starts.
func validateWatchFlags(opts *Options) error {
	if len(opts.Inputs) == 0 {
		return errors.New("at least one --input is required")
	}
	seen := make(map[string]bool, len(opts.Inputs))
	for _, in := range opts.Inputs {
		if seen[in] {
			return fmt.Errorf("input %s given twice", in)
		}
		seen[in] = true
		if utils.IsLiveInput(in) {
			continue
		}
		info, err := os.Stat(in)
		if err != nil {
			return fmt.Errorf("input %s: %w", in, err)
		}
		if info.IsDir() {
			return fmt.Errorf("input %s is a directory, expected a video file", in)
		}
	}
	if opts.OutputPath != "" && len(opts.Inputs) > 1 {
		return errors.New("--output only supports a single input")
	}

	if opts.Threshold == 0 {
		opts.Threshold = Cfg.Threshold
	}
	if opts.Threshold <= 0 || opts.Threshold > 1.0 {
		return fmt.Errorf("threshold must be between 0.0 and 1.0, got %f", opts.Threshold)
	}
	if opts.EngineCmd == "" {
		opts.EngineCmd = Cfg.EngineCmd
	}
	if opts.DedupScope == "" {
		opts.DedupScope = Cfg.DedupScope
	}
	switch session.DedupScope(opts.DedupScope) {
	case session.ScopeProcess, session.ScopeDay:
	default:
		return fmt.Errorf("dedup scope must be process or day, got %q", opts.DedupScope)
	}
	return nil
}

func printWatchSummary(w io.Writer, results []streamSummary, log *visits.Logger) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 WATCH SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")

	var frames, detections uint64
	for _, r := range results {
		fmt.Fprintf(w, "\n📼 %s (%s)\n", r.Input, fmtTime(r.Elapsed.Seconds()))
		fmt.Fprintf(w, "   Frames: %d  Faces: %d  Skipped: %d\n", r.Stats.Frames, r.Stats.Detections, r.Stats.Skipped)
		fmt.Fprintf(w, "   Visits logged: %d", r.Stats.Visits)
		if r.Stats.WriteFailures > 0 || r.Stats.Dropped > 0 {
			fmt.Fprintf(w, "  (failed: %d, dropped: %d)", r.Stats.WriteFailures, r.Stats.Dropped)
		}
		fmt.Fprintln(w)
		frames += r.Stats.Frames
		detections += r.Stats.Detections
	}

	loc := visits.LoadLocation(Cfg.DisplayTZ)
	today := visits.FirstSeen(visits.OnDay(log.Read(), visits.Day(time.Now(), loc), loc))
	if len(today) > 0 {
		fmt.Fprintf(w, "\n👤 Seen today:\n")
		for _, ev := range today {
			fmt.Fprintf(w, "   %s  %s (%.2f)\n", ev.Timestamp.In(loc).Format(time.TimeOnly), ev.Name, ev.Confidence)
		}
	}

	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "🎞️  Total Frames:            %d\n", frames)
	fmt.Fprintf(w, "👁️  Total Face Detections:   %d\n", detections)
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
