package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/visitwatch/internal/gallery"
	"github.com/andresmejia3/visitwatch/internal/utils"
)

var galleryFromDB bool

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Inspect the gallery and sync it with the database mirror",
}

var galleryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known identities and their reference counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		var ids []gallery.Identity
		if galleryFromDB {
			if err := requireDB(); err != nil {
				return err
			}
			var err error
			if ids, err = DB.ListIdentities(cmd.Context()); err != nil {
				utils.ShowError(os.Stderr, "Failed to list identities", err, nil)
				return err
			}
		} else {
			g, err := gallery.Load(Cfg.GalleryPath)
			if err != nil {
				utils.ShowError(os.Stderr, "Failed to load gallery", err, nil)
				return err
			}
			ids = g.Identities()
		}
		renderIdentities(os.Stdout, ids)
		return nil
	},
}

var galleryPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Replace the database gallery with the local snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := requireDB(); err != nil {
			return err
		}
		g, err := gallery.Load(Cfg.GalleryPath)
		if err != nil {
			utils.ShowError(os.Stderr, "Failed to load gallery", err, nil)
			return err
		}
		n, err := DB.ReplaceGallery(cmd.Context(), g)
		if err != nil {
			utils.ShowError(os.Stderr, "Failed to push gallery", err, nil)
			return err
		}
		fmt.Printf("✅ Pushed %d encodings (%d identities) to the database\n", n, len(g.Identities()))
		return nil
	},
}

var galleryPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Overwrite the local snapshot with the database gallery",
	Long: `Overwrite the local gallery snapshot with the encodings stored in the database.

The database keeps encodings as 32-bit pgvector values, so pulled encodings are rounded
to float32 precision. Matching distances may shift in the last few decimal places compared
with a snapshot built locally by 'encode'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := requireDB(); err != nil {
			return err
		}
		g, err := DB.LoadGallery(cmd.Context())
		if err != nil {
			utils.ShowError(os.Stderr, "Failed to read gallery from the database", err, nil)
			return err
		}
		if err := g.Save(Cfg.GalleryPath); err != nil {
			utils.ShowError(os.Stderr, "Failed to save gallery", err, nil)
			return err
		}
		fmt.Printf("✅ Wrote %d encodings to %s\n", g.Len(), Cfg.GalleryPath)
		return nil
	},
}

func init() {
	galleryListCmd.Flags().BoolVar(&galleryFromDB, "from-db", false, "List the database mirror instead of the local snapshot")
	galleryCmd.AddCommand(galleryListCmd, galleryPushCmd, galleryPullCmd)
	rootCmd.AddCommand(galleryCmd)
}

func renderIdentities(out io.Writer, ids []gallery.Identity) {
	if len(ids) == 0 {
		fmt.Fprintln(out, "No identities found in gallery.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tREFERENCES")
	fmt.Fprintln(w, "----\t----------")
	for _, id := range ids {
		fmt.Fprintf(w, "%s\t%d\n", id.Name, id.References)
	}
	w.Flush()
}
