package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/visitwatch/internal/utils"
)

var (
	resetDB      bool
	resetLogs    bool
	resetGallery bool
	resetDebug   string

	// stdin is where confirmations are read from.
	stdin io.Reader = os.Stdin
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Visit Log, Gallery, Database, Debug Frames)",
	Long:  "Clears local state. By default, it resets the visit log, the gallery snapshot and, when configured, the database. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetLogs && !resetGallery && resetDebug == "" {
			resetDB = DB != nil
			resetLogs = true
			resetGallery = true
		}

		reader := bufio.NewReader(stdin)

		if resetDB {
			if err := requireDB(); err != nil {
				utils.Die("Cannot reset database", err, nil)
			}
			if confirm(reader, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetLogs {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete the visit log (%s)?", Cfg.LogPath)) {
				fmt.Println("🗑️  Clearing Visit Log...")
				removePath(Cfg.LogPath)
			}
		}

		if resetGallery {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete the gallery snapshot (%s)?", Cfg.GalleryPath)) {
				fmt.Println("🗑️  Clearing Gallery...")
				removePath(Cfg.GalleryPath)
			}
		}

		if resetDebug != "" {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all debug frames in %s?", resetDebug)) {
				fmt.Println("🗑️  Clearing Debug Frames...")
				removePath(resetDebug)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "drop-db", false, "Drop the PostgreSQL mirror tables")
	resetCmd.Flags().BoolVar(&resetLogs, "logs", false, "Delete the visit log")
	resetCmd.Flags().BoolVar(&resetGallery, "gallery", false, "Delete the gallery snapshot (the dataset photos are kept)")
	resetCmd.Flags().StringVar(&resetDebug, "debug-frames", "", "Delete this debug frames directory")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removePath(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
