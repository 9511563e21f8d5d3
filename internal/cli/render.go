package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/coral-mesh/tracecov/internal/cli/helpers"
	"github.com/coral-mesh/tracecov/internal/coverage"
	"github.com/coral-mesh/tracecov/internal/runner"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	goodStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	fairStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	poorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	hintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func percentStyle(p float64) lipgloss.Style {
	switch {
	case p >= 80:
		return goodStyle
	case p >= 50:
		return fairStyle
	default:
		return poorStyle
	}
}

// fileRow is one file of a coverage report.
type fileRow struct {
	File      string  `header:"FILE" json:"file"`
	Covered   int     `header:"COVERED" json:"covered"`
	Coverable int     `header:"COVERABLE" json:"coverable"`
	Coverage  string  `header:"COVERAGE" json:"-"`
	Percent   float64 `json:"percent"`
}

func fileRows(result *coverage.Result, root string) []fileRow {
	summary := result.Summary()
	rows := make([]fileRow, len(summary))
	for i, fs := range summary {
		rows[i] = fileRow{
			File:      displayPath(fs.File, root),
			Covered:   fs.Covered,
			Coverable: fs.Coverable,
			Coverage:  fmt.Sprintf("%.2f%%", fs.Percent()),
			Percent:   fs.Percent(),
		}
	}
	return rows
}

// displayPath shortens paths below root.
func displayPath(path, root string) string {
	if root == "" {
		return path
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}

type issueRow struct {
	Binary string `json:"binary"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
	Hint   string `json:"hint,omitempty"`
}

type summaryJSON struct {
	RunID     string     `json:"run_id"`
	ExitCode  int        `json:"exit_code"`
	Covered   int        `json:"covered"`
	Coverable int        `json:"coverable"`
	Percent   float64    `json:"percent"`
	Files     []fileRow  `json:"files"`
	Total     *totalJSON `json:"cumulative,omitempty"`
	Issues    []issueRow `json:"issues,omitempty"`
}

type totalJSON struct {
	Covered   int     `json:"covered"`
	Coverable int     `json:"coverable"`
	Percent   float64 `json:"percent"`
}

func issueRows(errs []*runner.BinaryError) []issueRow {
	rows := make([]issueRow, len(errs))
	for i, e := range errs {
		rows[i] = issueRow{Binary: e.Binary, Kind: e.Kind.String(), Error: e.Err.Error(), Hint: e.Hint}
	}
	return rows
}

func writeSummary(w io.Writer, format helpers.OutputFormat, summary *runner.Summary, root string, verbose bool) error {
	if format == helpers.FormatTable {
		renderSummary(w, summary, root, verbose)
		return nil
	}

	formatter, err := helpers.NewFormatter(format)
	if err != nil {
		return err
	}
	if format != helpers.FormatJSON {
		return formatter.Format(fileRows(summary.Result, root), w)
	}

	out := summaryJSON{
		RunID:     summary.RunID,
		ExitCode:  summary.ExitCode,
		Covered:   summary.Result.Covered(),
		Coverable: summary.Result.Coverable(),
		Percent:   coverage.Percent(summary.Result.Covered(), summary.Result.Coverable()),
		Files:     fileRows(summary.Result, root),
		Issues:    issueRows(summary.Errors),
	}
	if summary.Total != nil && summary.Total != summary.Result {
		out.Total = &totalJSON{
			Covered:   summary.Total.Covered(),
			Coverable: summary.Total.Coverable(),
			Percent:   coverage.Percent(summary.Total.Covered(), summary.Total.Coverable()),
		}
	}
	// The JSON formatter encodes any value.
	return formatter.Format(out, w)
}

// renderSummary prints the human-readable run report.
func renderSummary(w io.Writer, summary *runner.Summary, root string, verbose bool) {
	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("tracecov run %s", summary.RunID)))

	if verbose {
		for _, b := range summary.Binaries {
			state := b.Outcome.Kind.String()
			if !b.Traced {
				state += ", untraced"
			}
			_, _ = fmt.Fprintln(w, hintStyle.Render(fmt.Sprintf("  %s: %s, exit %d, %d lines, %s",
				b.Binary, state, b.ExitCode, b.Lines, b.Duration.Round(time.Millisecond))))
		}
	}
	_, _ = fmt.Fprintln(w)

	rows := fileRows(summary.Result, root)
	width := 0
	for _, r := range rows {
		width = max(width, lipgloss.Width(r.File))
	}
	fileCol := lipgloss.NewStyle().Width(width + 2)
	for _, r := range rows {
		counts := fmt.Sprintf("%d/%d", r.Covered, r.Coverable)
		_, _ = fmt.Fprintf(w, "  %s%10s  %s\n",
			fileCol.Render(r.File), counts, percentStyle(r.Percent).Render(r.Coverage))
	}
	if len(rows) > 0 {
		_, _ = fmt.Fprintln(w)
	}

	renderTotal(w, "Coverage", summary.Result)
	if summary.Total != nil && summary.Total != summary.Result {
		renderTotal(w, "Cumulative", summary.Total)
	}

	if len(summary.Errors) > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, poorStyle.Render(fmt.Sprintf("%d issue(s):", len(summary.Errors))))
		for _, e := range summary.Errors {
			_, _ = fmt.Fprintf(w, "  %s\n", e.Error())
			if e.Hint != "" {
				_, _ = fmt.Fprintf(w, "    %s\n", hintStyle.Render("hint: "+e.Hint))
			}
		}
	}

	if summary.ExitCode != 0 {
		_, _ = fmt.Fprintln(w, poorStyle.Render(fmt.Sprintf("Tests exited with code %d", summary.ExitCode)))
	}
}

func renderTotal(w io.Writer, label string, r *coverage.Result) {
	p := coverage.Percent(r.Covered(), r.Coverable())
	_, _ = fmt.Fprintf(w, "%s: %d/%d lines covered (%s)\n",
		titleStyle.Render(label), r.Covered(), r.Coverable(), percentStyle(p).Render(fmt.Sprintf("%.2f%%", p)))
}
