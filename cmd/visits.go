package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/visitwatch/internal/store"
	"github.com/andresmejia3/visitwatch/internal/types"
	"github.com/andresmejia3/visitwatch/internal/utils"
	"github.com/andresmejia3/visitwatch/internal/visits"
)

var visitsOpts struct {
	Date   string
	All    bool
	Export string
	Mirror bool
}

var visitsCmd = &cobra.Command{
	Use:   "visits",
	Short: "Show who was seen on a day",
	Long: `Prints the first sighting of every identity on a day (today by default) in the display timezone.
With --all every logged row is shown. --export writes the same rows as CSV.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runVisits(cmd.Context(), os.Stdout)
	},
}

func init() {
	visitsCmd.Flags().StringVar(&visitsOpts.Date, "date", "", "Day to show as YYYY-MM-DD (default: today)")
	visitsCmd.Flags().BoolVar(&visitsOpts.All, "all", false, "Show every logged visit instead of first sightings")
	visitsCmd.Flags().StringVar(&visitsOpts.Export, "export", "", "Also write the rows to this CSV file")
	visitsCmd.Flags().BoolVar(&visitsOpts.Mirror, "from-db", false, "Read visits from the database mirror (all stations)")
	rootCmd.AddCommand(visitsCmd)
}

func runVisits(ctx context.Context, out io.Writer) error {
	loc := visits.LoadLocation(Cfg.DisplayTZ)
	day := visitsOpts.Date
	if day == "" {
		day = visits.Day(time.Now(), loc)
	} else if _, err := time.ParseInLocation(time.DateOnly, day, loc); err != nil {
		utils.ShowError(os.Stderr, "Invalid --date (use YYYY-MM-DD)", err, nil)
		return err
	}

	var events []types.VisitEvent
	if visitsOpts.Mirror {
		if err := requireDB(); err != nil {
			return err
		}
		rows, err := DB.VisitsOn(ctx, day)
		if err != nil {
			utils.ShowError(os.Stderr, "Failed to read visits from the database", err, nil)
			return err
		}
		events = mirrorEvents(rows)
	} else {
		all, err := visits.ReadFile(Cfg.LogPath)
		if err != nil {
			// The log is only displayed here, so an unreadable log reads as empty.
			Logger.Warn("treating visit log as empty", "path", Cfg.LogPath, "error", err)
		}
		events = visits.OnDay(all, day, loc)
	}
	if !visitsOpts.All {
		events = visits.FirstSeen(events)
	}

	if len(events) == 0 {
		fmt.Fprintf(out, "No visits recorded on %s.\n", day)
	} else {
		renderVisits(out, day, events, loc)
	}

	if visitsOpts.Export != "" {
		if err := exportVisits(visitsOpts.Export, events); err != nil {
			utils.ShowError(os.Stderr, "Failed to export visits", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "💾 Exported %d row(s) to %s\n", len(events), visitsOpts.Export)
	}
	return nil
}

func mirrorEvents(rows []store.Visit) []types.VisitEvent {
	out := make([]types.VisitEvent, len(rows))
	for i, r := range rows {
		out[i] = r.VisitEvent
	}
	return out
}

// renderVisits prints a first-seen style table in the display timezone.
func renderVisits(out io.Writer, day string, events []types.VisitEvent, loc *time.Location) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "VISITS ON %s (%s)\n", day, loc)
	fmt.Fprintln(w, "TIME\tNAME\tCONFIDENCE")
	fmt.Fprintln(w, "----\t----\t----------")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%.2f\n", ev.Timestamp.In(loc).Format(time.TimeOnly), ev.Name, ev.Confidence)
	}
	w.Flush()
}

func exportVisits(path string, events []types.VisitEvent) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := visits.WriteCSV(f, events); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
