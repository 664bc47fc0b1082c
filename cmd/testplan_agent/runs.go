package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jonathan/testplan-agent/internal/observability"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show a run's status, or list recent runs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		return withApp(cmd.Context(), slog.LevelWarn, func(a *app) error {
			if len(args) == 0 {
				recent, processing, err := a.runner.Recent(cmd.Context())
				if err != nil {
					return err
				}
				if statusJSON {
					return printJSON(out, map[string][]string{"runs": recent, "processing": processing})
				}
				active := make(map[string]bool, len(processing))
				for _, id := range processing {
					active[id] = true
				}
				for _, id := range recent {
					marker := ""
					if active[id] {
						marker = " (processing)"
					}
					_, _ = fmt.Fprintf(out, "%s%s\n", id, marker)
				}
				return nil
			}

			report, err := a.runner.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if statusJSON {
				return printJSON(out, report)
			}
			p := observability.NewPrinter(out)
			p.PrintRun(report.Run)
			p.PrintSections(report.Sections)
			if report.Aborted {
				_, _ = fmt.Fprintln(out, "Abort requested")
			}
			return nil
		})
	},
}

var (
	abortPurge  bool
	abortRemove bool
)

var abortCmd = &cobra.Command{
	Use:   "abort <run-id>",
	Short: "Stop a run; workers finish their current section and exit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		return withApp(cmd.Context(), slog.LevelWarn, func(a *app) error {
			res, err := a.runner.Abort(cmd.Context(), args[0], abortPurge, abortRemove)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "Run %s: %s\n", res.RunID, res.Status)
			if res.RemovedDocument {
				_, _ = fmt.Fprintln(out, "Removed generated document")
			}
			if abortPurge {
				_, _ = fmt.Fprintf(out, "Purged %d keys\n", res.PurgedKeys)
			}
			return nil
		})
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <run-id>",
	Short: "Delete all state of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		return withApp(cmd.Context(), slog.LevelWarn, func(a *app) error {
			n, err := a.runner.Purge(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "Purged %d keys for run %s\n", n, args[0])
			return nil
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <run-id>",
	Short: "Delete a run's generated document and all of its state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		return withApp(cmd.Context(), slog.LevelWarn, func(a *app) error {
			res, err := a.runner.Cleanup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "Run %s: removed document=%t, purged %d keys\n", res.RunID, res.RemovedDocument, res.PurgedKeys)
			return nil
		})
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print as JSON")
	abortCmd.Flags().BoolVar(&abortPurge, "purge", false, "Also delete the run's state (the abort flag is kept)")
	abortCmd.Flags().BoolVar(&abortRemove, "remove-document", false, "Also delete the generated document if one was saved")

	rootCmd.AddCommand(statusCmd, abortCmd, purgeCmd, cleanupCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
