package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/visitwatch/internal/face"
	"github.com/andresmejia3/visitwatch/internal/frame"
	"github.com/andresmejia3/visitwatch/internal/gallery"
	"github.com/andresmejia3/visitwatch/internal/match"
	"github.com/andresmejia3/visitwatch/internal/types"
	"github.com/andresmejia3/visitwatch/internal/utils"
	"github.com/andresmejia3/visitwatch/internal/worker"
)

// identifyTop is how many identities the report lists.
const identifyTop = 5

var identifyOpts Options

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Match the largest face in a photo against the gallery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIdentify(cmd.Context(), args[0], identifyOpts)
	},
}

func init() {
	identifyCmd.Flags().Float64VarP(&identifyOpts.Threshold, "threshold", "t", 0, "Face matching threshold (default: $VISITWATCH_THRESHOLD)")
	identifyCmd.Flags().StringVar(&identifyOpts.EngineCmd, "engine-cmd", "", "Face engine command line (default: $VISITWATCH_ENGINE_CMD)")
	rootCmd.AddCommand(identifyCmd)
}

// candidate is one identity's best distance to the probe face.
type candidate struct {
	Name     string
	Distance float64
}

func runIdentify(ctx context.Context, imagePath string, opts Options) error {
	f, err := os.Open(imagePath)
	if err != nil {
		utils.ShowError(os.Stderr, "Input file does not exist", err, nil)
		return err
	}
	img, err := frame.Decode(f)
	f.Close()
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to decode image", err, nil)
		return err
	}

	g, err := loadGallery(ctx)
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to load gallery", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	// We use ID 0 for this ad-hoc worker
	w, err := startEngine(0, firstNonEmpty(opts.EngineCmd, Cfg.EngineCmd))
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	dets, err := face.Detect(ctx, w, w, img)
	if err != nil {
		if errors.Is(err, worker.ErrCrashed) {
			w.Close()
			utils.Die("Face engine crashed", err, engineLogs(w))
		}
		utils.ShowError(os.Stderr, "AI processing failed", err, engineLogs(w))
		return err
	}

	if len(dets) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	if len(dets) > 1 {
		fmt.Printf("⚠️  Multiple faces detected (%d). Using the largest face.\n", len(dets))
	}
	probe := dets[face.Largest(dets)]

	threshold := opts.Threshold
	if threshold == 0 {
		threshold = Cfg.Threshold
	}
	printIdentifyReport(os.Stdout, probe, g, threshold)
	return nil
}

func printIdentifyReport(out io.Writer, probe types.Detection, g *gallery.Store, threshold float64) {
	m := match.New(threshold).Match(probe.Embedding, g)
	if m.Known {
		fmt.Fprintf(out, "✅ Found Match: %s (confidence %.2f)\n", m.Identity, m.Confidence)
	} else {
		fmt.Fprintf(out, "❌ No match below threshold %.2f.\n", threshold)
	}

	ranked := rankIdentities(probe.Embedding, g)
	if len(ranked) == 0 {
		return
	}
	if len(ranked) > identifyTop {
		ranked = ranked[:identifyTop]
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nNAME\tDISTANCE\tCONFIDENCE")
	fmt.Fprintln(w, "----\t--------\t----------")
	for _, c := range ranked {
		fmt.Fprintf(w, "%s\t%.3f\t%.2f\n", c.Name, c.Distance, 1-c.Distance)
	}
	w.Flush()
}

// rankIdentities keeps each identity's nearest reference and sorts identities by that distance.
func rankIdentities(e types.Embedding, g *gallery.Store) []candidate {
	best := make(map[string]int)
	var out []candidate
	for i, d := range match.Distances(e, g) {
		name := g.Label(i)
		if j, ok := best[name]; ok {
			if d < out[j].Distance {
				out[j].Distance = d
			}
			continue
		}
		best[name] = len(out)
		out = append(out, candidate{Name: name, Distance: d})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}
