package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/superfly/dosimg"
	"github.com/superfly/dosimg/database"
	"github.com/superfly/dosimg/tui"
)

func (a *app) fetchCommand() *cobra.Command {
	var quiet bool
	d := DefaultConfig()

	cmd := &cobra.Command{
		Use:   "fetch [url] [dest]",
		Short: "Download an artifact into the cache if it is not there yet",
		Long: `Fetch makes sure dest holds the artifact at url. An existing dest is never
downloaded again or re-validated.

With no arguments the configured FreeDOS source ISO is fetched to its
configured cache path. With only a url, dest is derived from the url under
the user cache directory.`,
		Args: usageArgs(cobra.MaximumNArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, dest := a.fetchTarget(args)
			return a.runFetch(cmd.Context(), url, dest, quiet)
		},
	}
	cmd.Flags().String("source-url", d.SourceURL, "FreeDOS source ISO URL used when no url argument is given")
	cmd.Flags().String("source", d.Build.SourceISO, "cache path used for the source ISO")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not show download progress")
	return cmd
}

// fetchTarget resolves the url and destination from the arguments.
func (a *app) fetchTarget(args []string) (url, dest string) {
	url, dest = a.cfg.SourceURL, a.cfg.Build.SourceISO
	if len(args) > 0 {
		url = args[0]
		if url != a.cfg.SourceURL {
			dest = dosimg.DefaultArtifactPath(defaultCacheDir(), url)
		}
	}
	if len(args) > 1 {
		dest = args[1]
	}
	return url, dest
}

func (a *app) runFetch(ctx context.Context, url, dest string, quiet bool) error {
	logger := a.log.WithField("command", "fetch")

	c, err := a.newCache(ctx, a.cfg, url)
	if err != nil {
		return err
	}

	tracker := tui.NewProgressTracker()
	cli := tui.NewCLIProgress(a.stderr, quiet, !isTerminal(a.stderr))
	tracker.Subscribe(cli.CreateProgressCallback())
	c.SetProgressFunc(tracker.UpdateFetch)

	tracker.StartFetch(url)
	art, err := c.Fetch(ctx, url, dest)
	if err != nil {
		tracker.ReportError(err)
		return &exitError{Code: exitFailure, Err: err, reported: !quiet}
	}
	tracker.CompleteFetch(art.SizeBytes, !art.Fetched)

	if art.Fetched {
		a.recordArtifact(ctx, database.Artifact{
			Path:      absPath(art.Path),
			URL:       art.URL,
			Digest:    art.Digest.String(),
			SizeBytes: art.SizeBytes,
			FetchedAt: time.Now(),
		})
		fmt.Fprintf(a.stdout, "%s\t%s\n", art.Path, art.Digest)
		return nil
	}

	logger.WithField("path", art.Path).Debug("artifact already cached")
	fmt.Fprintln(a.stdout, art.Path)
	return nil
}

// recordArtifact stores a fetched artifact in the build history. The
// history is optional for fetch, so failures are only logged.
func (a *app) recordArtifact(ctx context.Context, art database.Artifact) {
	db, err := a.openHistory()
	if err != nil {
		a.log.WithError(err).Warn("build history unavailable, artifact not recorded")
		return
	}
	defer db.Close()
	if err := db.RecordArtifact(context.WithoutCancel(ctx), art); err != nil {
		a.log.WithError(err).Warn("failed to record fetched artifact")
	}
}
