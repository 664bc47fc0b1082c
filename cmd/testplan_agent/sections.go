package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jonathan/testplan-agent/internal/observability"
	"github.com/jonathan/testplan-agent/internal/sections"
	"github.com/jonathan/testplan-agent/internal/types"
)

var (
	sectionsCollection string
	sectionsDocs       []string
	sectionsFile       string
	sectionsRun        string
)

var sectionsCmd = &cobra.Command{
	Use:   "sections",
	Short: "Preview section extraction, or a run's assembled results",
	Long: `Without --run, shows the sections a run would process for the given
collection, documents or local file. With --run, prints the markdown
assembled from the section results the run has stored so far.`,
	RunE: runSections,
}

func init() {
	f := sectionsCmd.Flags()
	f.StringVarP(&sectionsCollection, "collection", "c", "", "Source collection")
	f.StringSliceVarP(&sectionsDocs, "doc", "d", nil, "Document id (repeatable)")
	f.StringVarP(&sectionsFile, "file", "f", "", "Section a local text, markdown or HTML file instead")
	f.StringVar(&sectionsRun, "run", "", "Print the assembled results of this run")
	sectionsCmd.MarkFlagsMutuallyExclusive("file", "run")
	sectionsCmd.MarkFlagsMutuallyExclusive("file", "collection")

	rootCmd.AddCommand(sectionsCmd)
}

func runSections(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	p := observability.NewPrinter(out)

	if sectionsFile != "" {
		data, err := os.ReadFile(sectionsFile)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", sectionsFile, err)
		}
		ex := sections.NewExtractor(nil, sections.Options{}, nil)
		secs := sections.SortSections(ex.FromText(filepath.Base(sectionsFile), string(data)))
		return printSections(out, p, secs)
	}

	return withApp(cmd.Context(), slog.LevelWarn, func(a *app) error {
		if sectionsRun != "" {
			partial, err := a.runner.Preview(cmd.Context(), sectionsRun)
			if err != nil {
				return err
			}
			if settings.Verbose {
				p.PrintRun(partial.Run)
				p.PrintCriticResults(partial.Results)
			}
			_, _ = fmt.Fprintln(out, partial.Document)
			return nil
		}

		collection := sectionsCollection
		if collection == "" {
			collection = a.cfg.Collection
		}
		if collection == "" {
			return errors.New("--collection is required (via flag or config)")
		}
		src := sections.Source{Collection: collection, DocumentIDs: sectionsDocs}
		ex := a.runner.Extractor()
		secs, err := ex.Extract(cmd.Context(), src)
		if err != nil {
			return err
		}
		if len(secs) == 0 {
			if secs, err = ex.LastResort(cmd.Context(), src); err != nil {
				return err
			}
		}
		return printSections(out, p, sections.SortSections(secs))
	})
}

func printSections(w io.Writer, p *observability.Printer, secs []types.Section) error {
	if len(secs) == 0 {
		_, err := fmt.Fprintln(w, "No sections found")
		return err
	}
	_, _ = fmt.Fprintf(w, "%d sections\n", len(secs))
	p.PrintSections(secs)
	return nil
}
