package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// CLIProgress prints build progress line by line. It is safe to use from
// the goroutine running the pipeline.
type CLIProgress struct {
	mu sync.Mutex
	w  io.Writer

	quiet  bool
	styles *Styles

	// inline is true while a progress line without a newline is on screen.
	inline   bool
	warnings []ProgressEvent
}

// NewCLIProgress creates a new CLI progress display writing to w.
func NewCLIProgress(w io.Writer, quiet, noColor bool) *CLIProgress {
	p := &CLIProgress{
		w:      w,
		quiet:  quiet,
		styles: DefaultStyles(),
	}
	if noColor {
		p.styles = PlainStyles()
	}
	return p
}

// HandleEvent handles a progress event
func (p *CLIProgress) HandleEvent(event ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Warnings are kept even in quiet mode so the summary can list them.
	if event.Type == EventTeardownWarning {
		p.warnings = append(p.warnings, event)
	}
	if p.quiet {
		return
	}

	switch event.Type {
	case EventFetchStart:
		p.println(fmt.Sprintf("%s Fetching %s",
			p.styles.Info.Render(SymbolInProgress), event.Message))

	case EventFetchProgress:
		p.printInline("  " + fetchLine(event))

	case EventFetchComplete:
		what := "Source image fetched"
		if event.Message == "cached" {
			what = "Source image already cached"
		}
		p.println(fmt.Sprintf("%s %s (%s, %s)",
			p.styles.Success.Render(SymbolSuccess), what,
			FormatBytes(event.Total), FormatDuration(event.Elapsed)))

	case EventStageStart:
		p.printInline(fmt.Sprintf("%s %s %s",
			p.styles.Info.Render(SymbolInProgress), stepLabel(event.Index, event.Count), event.Stage))

	case EventUnpackProgress:
		p.printInline(fmt.Sprintf("  %s %s: %d files, %s",
			p.styles.Muted.Render(event.Stage), event.Message, event.Files, FormatBytes(event.Current)))

	case EventStageComplete:
		p.println(fmt.Sprintf("%s %s %s",
			p.styles.Success.Render(SymbolSuccess), event.Stage,
			p.styles.Muted.Render("("+FormatDuration(event.Elapsed)+")")))

	case EventStageFailed:
		p.println(fmt.Sprintf("%s %s failed: %v",
			p.styles.Error.Render(SymbolError), event.Stage, event.Error))

	case EventTeardownWarning:
		p.println(p.styles.Warning.Render(fmt.Sprintf("%s cleanup of %s failed (non-fatal): %v",
			SymbolWarning, event.Stage, event.Error)))

	case EventError:
		p.println(fmt.Sprintf("%s Error: %v", p.styles.Error.Render(SymbolError), event.Error))
	}
}

func (p *CLIProgress) printInline(s string) {
	fmt.Fprintf(p.w, "\r\033[K%s", s)
	p.inline = true
}

func (p *CLIProgress) println(s string) {
	if p.inline {
		fmt.Fprint(p.w, "\r\033[K")
		p.inline = false
	}
	fmt.Fprintln(p.w, s)
}

func stepLabel(index, count int) string {
	if count <= 0 {
		return ""
	}
	width := len(fmt.Sprint(count))
	return fmt.Sprintf("[%*d/%d]", width, index+1, count)
}

func fetchLine(event ProgressEvent) string {
	if event.Total <= 0 {
		return fmt.Sprintf("%s received %s", FormatBytes(event.Current), event.SpeedStr)
	}
	const barWidth = 30
	filled := int(event.Percent * barWidth)
	if filled > barWidth {
		filled = barWidth
	}
	bar := "[" + strings.Repeat("=", filled)
	if filled < barWidth {
		bar += ">" + strings.Repeat(" ", barWidth-filled-1)
	}
	bar += "]"
	return fmt.Sprintf("%s %3.0f%% %s/%s %s", bar, event.Percent*100,
		FormatBytes(event.Current), FormatBytes(event.Total), event.SpeedStr)
}

// PrintHeader prints a header for the build
func (p *CLIProgress) PrintHeader(imagePath, source string) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.w, p.styles.Title.Render("FreeDOS image build"))
	fmt.Fprintf(p.w, "  %s %s\n", p.styles.Muted.Render("Image: "), imagePath)
	fmt.Fprintf(p.w, "  %s %s\n\n", p.styles.Muted.Render("Source:"), source)
}

// BuildSummary is the outcome of a build as shown to the user.
type BuildSummary struct {
	BuildID     string
	ImagePath   string
	SourcePath  string
	FailedStage string
	Error       error
	TotalTime   time.Duration
}

// PrintSummary prints the result and any teardown warnings. Warnings never
// turn a successful build into a failed one.
func (p *CLIProgress) PrintSummary(s *BuildSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inline {
		fmt.Fprint(p.w, "\r\033[K")
		p.inline = false
	}
	fmt.Fprintln(p.w)

	if len(p.warnings) > 0 {
		fmt.Fprintln(p.w, p.styles.Warning.Render(fmt.Sprintf("%s %d cleanup step(s) failed (non-fatal):", SymbolWarning, len(p.warnings))))
		for _, w := range p.warnings {
			fmt.Fprintf(p.w, "    %s: %v\n", w.Stage, w.Error)
		}
		fmt.Fprintln(p.w)
	}

	if s.Error != nil {
		stage := s.FailedStage
		if stage == "" {
			stage = "build"
		}
		fmt.Fprintf(p.w, "%s Build failed at %s: %v\n", p.styles.Error.Render(SymbolError), stage, s.Error)
		if s.BuildID != "" {
			fmt.Fprintf(p.w, "  %-12s %s\n", "Build ID:", s.BuildID)
		}
		fmt.Fprintln(p.w)
		return
	}

	fmt.Fprintln(p.w, p.styles.Success.Render(SymbolSuccess+" Image built successfully"))
	fmt.Fprintln(p.w)
	fmt.Fprintf(p.w, "  %-12s %s\n", "Image:", s.ImagePath)
	if s.BuildID != "" {
		fmt.Fprintf(p.w, "  %-12s %s\n", "Build ID:", s.BuildID)
	}
	fmt.Fprintf(p.w, "  %-12s %s\n", "Total Time:", FormatDuration(s.TotalTime))
	fmt.Fprintln(p.w)
	p.printReadme(s.SourcePath)
}

func (p *CLIProgress) printReadme(source string) {
	if source == "" {
		return
	}
	rule := strings.Repeat("=", 72)
	fmt.Fprintln(p.w, rule)
	fmt.Fprintln(p.w, "READ ME")
	fmt.Fprintln(p.w, rule)
	fmt.Fprintf(p.w, "'%s' is not deleted for future use.\n", source)
	fmt.Fprintln(p.w, "Run with --log-level=debug to see every command issued.")
	fmt.Fprintln(p.w, rule)
}

// Warnings returns the teardown warnings seen so far.
func (p *CLIProgress) Warnings() []ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ProgressEvent(nil), p.warnings...)
}

// CreateProgressCallback creates a callback for the progress tracker
func (p *CLIProgress) CreateProgressCallback() ProgressCallback {
	return p.HandleEvent
}
