package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/superfly/dosimg/database"
	"github.com/superfly/dosimg/tui"
)

func (a *app) listBuildsCommand() *cobra.Command {
	var limit int
	var details string

	cmd := &cobra.Command{
		Use:   "list-builds",
		Short: "Print the build history",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return usageError(fmt.Errorf("--limit must be positive, got %d", limit))
			}
			if details != "" {
				return a.showBuild(cmd.Context(), details)
			}
			return a.listBuilds(cmd.Context(), limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of builds to show, newest first")
	cmd.Flags().StringVar(&details, "id", "", "show the stages and teardown warnings of one build")
	return cmd
}

func (a *app) openHistory() (*database.DB, error) {
	db, err := database.New(a.cfg.databaseConfig(a.log))
	if err != nil {
		return nil, fmt.Errorf("failed to open build history: %w", err)
	}
	return db, nil
}

func (a *app) listBuilds(ctx context.Context, limit int) error {
	db, err := a.openHistory()
	if err != nil {
		return err
	}
	defer db.Close()

	builds, err := db.ListBuilds(ctx, limit)
	if err != nil {
		return err
	}
	if len(builds) == 0 {
		fmt.Fprintln(a.stdout, "No builds recorded.")
		return nil
	}

	styles := a.tableStyles()
	rows := make([][]string, 0, len(builds))
	for _, b := range builds {
		rows = append(rows, []string{
			b.ID,
			styles.StatusIcon(b.Status) + " " + b.Status,
			b.StartedAt.Local().Format(time.DateTime),
			buildDuration(b),
			b.FailedStage,
			b.ImagePath,
		})
	}
	fmt.Fprint(a.stdout, tui.RenderSimple(
		[]string{"ID", "STATUS", "STARTED", "DURATION", "FAILED STAGE", "IMAGE"}, rows, styles))
	return nil
}

func (a *app) showBuild(ctx context.Context, id string) error {
	db, err := a.openHistory()
	if err != nil {
		return err
	}
	defer db.Close()

	b, err := db.GetBuild(ctx, id)
	if err != nil {
		return err
	}
	stages, err := db.Stages(ctx, id)
	if err != nil {
		return err
	}
	warnings, err := db.TeardownWarnings(ctx, id)
	if err != nil {
		return err
	}

	styles := a.tableStyles()
	fmt.Fprintf(a.stdout, "Build %s: %s\n", b.ID, b.Status)
	fmt.Fprintf(a.stdout, "  %-10s %s\n", "Image:", b.ImagePath)
	fmt.Fprintf(a.stdout, "  %-10s %s\n", "Source:", b.SourcePath)
	fmt.Fprintf(a.stdout, "  %-10s %s\n", "Duration:", buildDuration(b))
	if b.Error != "" {
		fmt.Fprintf(a.stdout, "  %-10s %s\n", "Error:", b.Error)
	}
	fmt.Fprintln(a.stdout)

	rows := make([][]string, 0, len(stages))
	for _, s := range stages {
		status := database.BuildStatusSucceeded
		if !s.Succeeded {
			status = database.BuildStatusFailed
		}
		rows = append(rows, []string{
			fmt.Sprint(s.Seq),
			s.Stage,
			styles.StatusIcon(status),
			tui.FormatDuration(s.Duration),
			s.Error,
		})
	}
	fmt.Fprint(a.stdout, tui.RenderSimple([]string{"#", "STAGE", "", "DURATION", "ERROR"}, rows, styles))

	if len(warnings) > 0 {
		fmt.Fprintln(a.stdout)
		fmt.Fprintln(a.stdout, styles.Warning.Render(tui.SymbolWarning+" Cleanup warnings (non-fatal)"))
		for _, w := range warnings {
			fmt.Fprintf(a.stdout, "    %s: %s\n", w.Stage, w.Error)
		}
	}
	return nil
}

func buildDuration(b *database.Build) string {
	if b.FinishedAt == nil {
		return "-"
	}
	return tui.FormatDuration(b.FinishedAt.Sub(b.StartedAt))
}

// tableStyles returns colored styles on a terminal and plain ones otherwise.
func (a *app) tableStyles() *tui.Styles {
	if isTerminal(a.stdout) {
		return tui.DefaultStyles()
	}
	return tui.PlainStyles()
}
