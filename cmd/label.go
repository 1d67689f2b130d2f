package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/visitwatch/internal/dataset"
	"github.com/andresmejia3/visitwatch/internal/gallery"
	"github.com/andresmejia3/visitwatch/internal/utils"
)

var labelCmd = &cobra.Command{
	Use:   "label <old_name> <new_name>",
	Short: "Rename an identity in the dataset, the gallery and the database mirror",
	Long: `Renames the dataset folder and every gallery entry of an identity. The visit log is
an append-only record and keeps the old name.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		runLabel(cmd, args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(cmd *cobra.Command, oldName, newName string) {
	if err := dataset.ValidateLabel(newName); err != nil {
		utils.Die("Invalid name", err, nil)
	}
	if oldName == newName {
		utils.Die("Nothing to rename", fmt.Errorf("%q is already called that", oldName), nil)
	}

	// 1. Dataset folder
	moved, err := renameDatasetDir(Cfg.DatasetPath, oldName, newName)
	if err != nil {
		utils.Die("Failed to rename dataset folder", err, nil)
	}
	if moved {
		fmt.Printf("📁 Dataset folder renamed to %s\n", filepath.Join(Cfg.DatasetPath, newName))
	}

	// 2. Gallery snapshot, if one has been built yet
	g, err := gallery.Load(Cfg.GalleryPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Println("🧬 No gallery snapshot yet, skipping")
	case err != nil:
		utils.Die("Failed to load gallery", err, nil)
	default:
		relabeled, n, err := relabelGallery(g, oldName, newName)
		if err != nil {
			utils.Die("Failed to relabel gallery", err, nil)
		}
		if n > 0 {
			if err := relabeled.Save(Cfg.GalleryPath); err != nil {
				utils.Die("Failed to save gallery", err, nil)
			}
		}
		fmt.Printf("🧬 %d gallery encoding(s) relabeled\n", n)
	}

	// 3. Database mirror
	if DB != nil {
		rows, err := DB.RenameIdentity(cmd.Context(), oldName, newName)
		if err != nil {
			utils.Die("Failed to label identity in the database", err, nil)
		}
		fmt.Printf("🗄️  %d mirrored encoding(s) relabeled\n", rows)
	}

	fmt.Printf("✅ '%s' is now labeled as '%s'\n", oldName, newName)
}

// renameDatasetDir moves <root>/<old> to <root>/<new>. A missing source folder is not an error.
func renameDatasetDir(root, oldName, newName string) (bool, error) {
	from := filepath.Join(root, oldName)
	to := filepath.Join(root, newName)
	if _, err := os.Stat(from); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if _, err := os.Stat(to); err == nil {
		return false, fmt.Errorf("%s already exists, merge the photos by hand", to)
	}
	if err := os.Rename(from, to); err != nil {
		return false, err
	}
	return true, nil
}

// relabelGallery returns a copy of g with every oldName entry renamed, and how many entries changed.
func relabelGallery(g *gallery.Store, oldName, newName string) (*gallery.Store, int, error) {
	entries := g.Entries()
	n := 0
	for i := range entries {
		if entries[i].Label == oldName {
			entries[i].Label = newName
			n++
		}
	}
	out, err := gallery.New(entries...)
	return out, n, err
}
