package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/glimps-re/vt-connector/pkg/datamodel"
	"github.com/glimps-re/vt-connector/pkg/history"
	"github.com/spf13/cobra"
)

var (
	historyLimit  int
	historyOffset int
)

func openHistory(cmd *cobra.Command) (store *history.SQLiteStore, err error) {
	if conf.History.Location == "" {
		return nil, errors.New("no history location configured")
	}
	return history.NewSQLiteStore(cmd.Context(), conf.History.Location)
}

func closeHistory(store history.Store) {
	if err := store.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "could not close history:", err)
	}
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse past verifications",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List past verifications, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		store, err := openHistory(cmd)
		if err != nil {
			return
		}
		defer closeHistory(store)
		entries, err := store.List(cmd.Context(), historyLimit, historyOffset)
		if err != nil {
			return
		}
		return printEntries(cmd.OutOrStdout(), entries)
	},
}

func printEntries(out io.Writer, entries []history.Entry) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDATE\tKIND\tSEVERITY\tDETECTIONS\tTARGET")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n", e.ID, e.CreatedAt.Format(time.DateTime), e.Kind, e.Severity, e.Malicious, e.EngineTotal, e.Target)
	}
	return w.Flush()
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a past verification with its detecting engines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		store, err := openHistory(cmd)
		if err != nil {
			return
		}
		defer closeHistory(store)
		entry, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return
		}
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(entry.Report())
	},
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count past verifications by kind and severity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		store, err := openHistory(cmd)
		if err != nil {
			return
		}
		defer closeHistory(store)
		stats, err := store.Stats(cmd.Context())
		if err != nil {
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "total: %d (urls: %d, files: %d)\nclean: %d\nsuspicious: %d\nmalicious: %d\n",
			stats.Total, stats.URLs, stats.Files, stats.Clean, stats.Suspicious, stats.Malicious)
		return
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Forget past verifications",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		store, err := openHistory(cmd)
		if err != nil {
			return
		}
		defer closeHistory(store)
		for _, id := range args {
			if err = store.Delete(cmd.Context(), id); err != nil {
				return fmt.Errorf("could not delete %s: %w", id, err)
			}
		}
		return
	},
}

var historyExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export past verifications as a JSON report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		store, err := openHistory(cmd)
		if err != nil {
			return
		}
		defer closeHistory(store)

		var reports []datamodel.Report
		for offset := 0; ; offset += history.MaxListLimit {
			entries, listErr := store.List(cmd.Context(), history.MaxListLimit, offset)
			if listErr != nil {
				return listErr
			}
			for _, e := range entries {
				reports = append(reports, e.Report())
			}
			if len(entries) < history.MaxListLimit {
				break
			}
		}

		content, err := datamodel.GenerateReport(reports)
		if err != nil {
			return
		}
		out, err := os.Create(filepath.Clean(args[0]))
		if err != nil {
			return
		}
		if _, err = io.Copy(out, content); err != nil {
			_ = out.Close()
			return
		}
		if err = out.Close(); err != nil {
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d verifications exported to %s\n", len(reports), args[0])
		return
	},
}
