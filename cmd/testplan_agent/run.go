package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonathan/testplan-agent/internal/observability"
	"github.com/jonathan/testplan-agent/internal/pipeline"
	"github.com/jonathan/testplan-agent/internal/sections"
	"github.com/jonathan/testplan-agent/internal/types"
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Generate a test plan end-to-end",
	Long: `Runs the full pipeline: resolve models -> extract sections -> initialize run
state -> actor/critic processing -> consolidation -> persistence -> retention.

Flags override values from the config file and the environment.`,
	RunE: runPipelineCmd,
}

var (
	runCollection       string
	runTitle            string
	runDocs             []string
	runActorModels      []string
	runCriticModel      string
	runFinalCriticModel string
	runPurgeOnAbort     bool
	runOutput           string
	runJSON             bool
)

func init() {
	f := runCommand.Flags()
	f.StringVarP(&runCollection, "collection", "c", "", "Source collection to read requirements from")
	f.StringVarP(&runTitle, "title", "t", "", "Title of the generated test plan")
	f.StringSliceVarP(&runDocs, "doc", "d", nil, "Document id to include (repeatable; default is the whole collection)")
	f.StringSliceVar(&runActorModels, "actor-model", nil, "Actor model as provider/model (repeatable)")
	f.StringVar(&runCriticModel, "critic-model", "", "Critic model as provider/model")
	f.StringVar(&runFinalCriticModel, "final-critic-model", "", "Final critic model as provider/model")
	f.BoolVar(&runPurgeOnAbort, "purge-on-abort", false, "Delete run state if the run is aborted")
	f.StringVarP(&runOutput, "output", "o", "", "Write the consolidated test plan to this file")
	f.BoolVar(&runJSON, "json", false, "Print the outcome as JSON")

	rootCmd.AddCommand(runCommand)
}

func runPipelineCmd(cmd *cobra.Command, _ []string) error {
	cfg := settings
	flags := cmd.Flags()
	if flags.Changed("collection") {
		cfg.Collection = runCollection
	}
	if flags.Changed("actor-model") {
		cfg.ActorModels = runActorModels
	}
	if flags.Changed("critic-model") {
		cfg.CriticModel = runCriticModel
	}
	if flags.Changed("final-critic-model") {
		cfg.FinalCriticModel = runFinalCriticModel
	}
	if flags.Changed("purge-on-abort") {
		cfg.PurgeOnAbort = runPurgeOnAbort
	}
	if cfg.Collection == "" {
		return errors.New("--collection is required (via flag or config)")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	settings = cfg

	title := runTitle
	if title == "" {
		title = "Test Plan: " + cfg.Collection
	}

	out := cmd.OutOrStdout()
	return withApp(cmd.Context(), slog.LevelWarn, func(a *app) error {
		models := cfg.Models()
		outcome := a.runner.Run(cmd.Context(), pipeline.Request{
			Title:        title,
			Source:       sections.Source{Collection: cfg.Collection, DocumentIDs: runDocs},
			Models:       &models,
			PurgeOnAbort: cfg.PurgeOnAbort,
			OnProgress:   progressPrinter(out, cfg.Verbose && !runJSON),
		})
		return reportOutcome(out, outcome, cfg.Verbose)
	})
}

// progressPrinter prints step lines, and section updates when verbose.
func progressPrinter(w io.Writer, verbose bool) pipeline.ProgressCallback {
	if runJSON {
		return nil
	}
	return func(ev pipeline.ProgressEvent) {
		switch ev.Category {
		case pipeline.CategoryStep, pipeline.CategoryModel:
			_, _ = fmt.Fprintln(w, ev.Message)
		case pipeline.CategorySection:
			if verbose {
				_, _ = fmt.Fprintf(w, "  - %s\n", ev.Message)
			}
		}
	}
}

func reportOutcome(w io.Writer, outcome pipeline.Outcome, verbose bool) error {
	if runOutput != "" && outcome.Artifact.ConsolidatedText != "" {
		if err := os.WriteFile(runOutput, []byte(outcome.Artifact.ConsolidatedText), 0644); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}

	if runJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcome); err != nil {
			return err
		}
	} else {
		if verbose {
			p := observability.NewPrinter(w)
			p.PrintFallback(outcome.Fallback)
			p.PrintArtifact(&outcome.Artifact)
		}
		_, _ = fmt.Fprintf(w, "Run %s finished: %s\n", outcome.RunID, outcome.Status)
		if outcome.Persisted != nil {
			_, _ = fmt.Fprintf(w, "Saved as %s in %s\n", outcome.Persisted.DocumentID, outcome.Persisted.Collection)
		}
		if runOutput != "" && outcome.Artifact.ConsolidatedText != "" {
			_, _ = fmt.Fprintf(w, "Wrote %s\n", runOutput)
		}
	}

	if outcome.Status == types.RunFailed {
		if outcome.Error != "" {
			return fmt.Errorf("run %s failed: %s", outcome.RunID, outcome.Error)
		}
		return fmt.Errorf("run %s failed", outcome.RunID)
	}
	return nil
}
