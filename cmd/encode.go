package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/visitwatch/internal/dataset"
	"github.com/andresmejia3/visitwatch/internal/gallery"
	"github.com/andresmejia3/visitwatch/internal/utils"
	"github.com/andresmejia3/visitwatch/internal/worker"
)

var encodeOpts struct {
	DatasetPath string
	GalleryPath string
	EngineCmd   string
	Push        bool
}

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Rebuild the gallery from the dataset directory",
	Long: `Encodes every reference photo under <dataset>/<label>/ that contains exactly one face
and writes the gallery snapshot. Photos with no face or several faces are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEncode(cmd.Context())
	},
}

func init() {
	encodeCmd.Flags().StringVar(&encodeOpts.DatasetPath, "dataset", "", "Dataset root (default: $VISITWATCH_DATASET_PATH)")
	encodeCmd.Flags().StringVar(&encodeOpts.GalleryPath, "gallery", "", "Gallery snapshot to write (default: $VISITWATCH_GALLERY_PATH)")
	encodeCmd.Flags().StringVar(&encodeOpts.EngineCmd, "engine-cmd", "", "Face engine command line (default: $VISITWATCH_ENGINE_CMD)")
	encodeCmd.Flags().BoolVar(&encodeOpts.Push, "push", false, "Also replace the database gallery mirror")
	rootCmd.AddCommand(encodeCmd)
}

func runEncode(ctx context.Context) error {
	datasetPath := firstNonEmpty(encodeOpts.DatasetPath, Cfg.DatasetPath)
	galleryPath := firstNonEmpty(encodeOpts.GalleryPath, Cfg.GalleryPath)
	if encodeOpts.Push {
		if err := requireDB(); err != nil {
			return err
		}
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := startEngine(0, firstNonEmpty(encodeOpts.EngineCmd, Cfg.EngineCmd))
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	b := &gallery.Builder{Locator: w, Embedder: w, Logger: Logger, Progress: os.Stderr}
	g, report, err := b.Build(ctx, dataset.Dir{Root: datasetPath})
	if errors.Is(w.Err(), worker.ErrCrashed) {
		w.Close()
		utils.Die("Face engine crashed", w.Err(), engineLogs(w))
	}
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to build gallery", err, nil)
		return err
	}

	if err := g.Save(galleryPath); err != nil {
		utils.ShowError(os.Stderr, "Failed to save gallery", err, nil)
		return err
	}

	fmt.Fprintf(os.Stderr, "\n✅ Encoded %d of %d images into %s\n", report.Encoded, report.Images, galleryPath)
	for _, s := range report.Skipped {
		fmt.Fprintf(os.Stderr, "   ⚠️  skipped %s: %v\n", s.Path, s.Err)
	}
	for _, id := range g.Identities() {
		fmt.Fprintf(os.Stderr, "   👤 %s: %d reference(s)\n", id.Name, id.References)
	}

	if encodeOpts.Push {
		n, err := DB.ReplaceGallery(ctx, g)
		if err != nil {
			utils.ShowError(os.Stderr, "Failed to push gallery", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "🗄️  Pushed %d encodings to the database\n", n)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
