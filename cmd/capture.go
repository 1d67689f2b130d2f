package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/visitwatch/internal/capture"
	"github.com/andresmejia3/visitwatch/internal/dataset"
	"github.com/andresmejia3/visitwatch/internal/utils"
)

var captureOpts struct {
	Input     string
	EngineCmd string
	Count     int
	Timeout   time.Duration
	Interval  time.Duration
}

var captureCmd = &cobra.Command{
	Use:   "capture <label>",
	Short: "Capture headshots of a person into the dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runCapture(cmd.Context(), args[0])
	},
}

func init() {
	captureCmd.Flags().IntVarP(&captureOpts.Count, "count", "n", capture.DefaultCount, fmt.Sprintf("Number of headshots (%d-%d)", capture.MinCount, capture.MaxCount))
	captureCmd.Flags().StringVarP(&captureOpts.Input, "input", "i", "/dev/video0", "Video input to capture from")
	captureCmd.Flags().DurationVar(&captureOpts.Timeout, "timeout", 0, "Give up after this long (default: $VISITWATCH_CAPTURE_TIMEOUT)")
	captureCmd.Flags().DurationVar(&captureOpts.Interval, "interval", 0, "Pause between shots (default: $VISITWATCH_CAPTURE_INTERVAL)")
	captureCmd.Flags().StringVar(&captureOpts.EngineCmd, "engine-cmd", "", "Face engine command line (default: $VISITWATCH_ENGINE_CMD)")
	rootCmd.AddCommand(captureCmd)
}

func runCapture(ctx context.Context, label string) error {
	if captureOpts.Count < capture.MinCount || captureOpts.Count > capture.MaxCount {
		err := fmt.Errorf("%w: %d", capture.ErrInvalidCount, captureOpts.Count)
		utils.ShowError(os.Stderr, "Invalid headshot count", err, nil)
		return err
	}
	if err := dataset.ValidateLabel(label); err != nil {
		utils.ShowError(os.Stderr, "Invalid label", err, nil)
		return err
	}
	input := captureOpts.Input

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := startEngine(0, firstNonEmpty(captureOpts.EngineCmd, Cfg.EngineCmd))
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ffmpeg := utils.NewFFmpegCmd(sctx, input)
	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		utils.Die("Failed to create FFmpeg stdout pipe", err, nil)
	}
	if err := ffmpeg.Start(); err != nil {
		utils.Die("Failed to start FFmpeg", err, nil)
	}
	defer func() {
		cancel()
		ffmpeg.Wait()
	}()

	timeout := captureOpts.Timeout
	if timeout == 0 {
		timeout = Cfg.CaptureTimeout
	}
	interval := captureOpts.Interval
	if interval == 0 {
		interval = Cfg.CaptureInterval
	}

	fmt.Fprintf(os.Stderr, "📸 Look at the camera, %s...\n", label)
	res, err := capture.Capture(sctx, utils.NewFrameReader(ffmpegOut), w, dataset.Dir{Root: Cfg.DatasetPath}, label, capture.Options{
		Count:    captureOpts.Count,
		Timeout:  timeout,
		Interval: interval,
		Logger:   Logger,
	})
	if w.Err() != nil {
		w.Close()
		utils.Die("Face engine crashed", w.Err(), engineLogs(w))
	}
	if err != nil {
		utils.ShowError(os.Stderr, "Capture failed", err, ffmpeg)
		return err
	}

	for _, p := range res.Paths {
		fmt.Fprintf(os.Stderr, "   💾 %s\n", p)
	}
	fmt.Printf("captured %d/%d\n", res.Captured, res.Requested)
	if !res.Complete() {
		fmt.Fprintf(os.Stderr, "⚠️  %d headshot(s) missing, no face was found in time\n", res.Missing())
	}
	fmt.Fprintln(os.Stderr, "💡 Run 'visitwatch encode' to add the new photos to the gallery.")
	return nil
}
