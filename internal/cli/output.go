// internal/cli/output.go
package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/arc-language/mpkg"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/pmezard/go-difflib/difflib"
)

var (
	colorName   = lipgloss.Color("14")
	colorOK     = lipgloss.Color("10")
	colorWarn   = lipgloss.Color("220")
	colorError  = lipgloss.Color("204")
	colorChrome = lipgloss.Color("240")

	styleName   = lipgloss.NewStyle().Foreground(colorName)
	styleDim    = lipgloss.NewStyle().Faint(true)
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
)

func success(w io.Writer, format string, args ...any) {
	mark := lipgloss.NewStyle().Foreground(colorOK).Render("✓")
	fmt.Fprintf(w, "%s %s\n", mark, fmt.Sprintf(format, args...))
}

func failure(w io.Writer, format string, args ...any) {
	mark := lipgloss.NewStyle().Foreground(colorError).Render("✗")
	fmt.Fprintf(w, "%s %s\n", mark, fmt.Sprintf(format, args...))
}

func warning(w io.Writer, format string, args ...any) {
	mark := lipgloss.NewStyle().Foreground(colorWarn).Render("!")
	fmt.Fprintf(w, "%s %s\n", mark, fmt.Sprintf(format, args...))
}

func renderTable(w io.Writer, headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorChrome)).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleHeader
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	for _, r := range rows {
		t.Row(r...)
	}
	fmt.Fprintln(w, t.String())
}

// printPlan lists a plan one entry per line
func printPlan(w io.Writer, p *mpkg.Plan) {
	for _, e := range p.Entries {
		line := styleName.Render(e.Package.Name) + " " + e.Package.Version.String()
		if e.Replaces != nil {
			line += styleDim.Render(" (replaces " + e.Replaces.String() + ")")
		}
		line += styleDim.Render(" from " + e.Repository)
		fmt.Fprintln(w, "  "+line)
	}
}

// planDiff renders the installed set before and after p as a unified diff
// of "name version" lines
func planDiff(installed []*mpkg.Installed, p *mpkg.Plan) (string, error) {
	before := make(map[string]string, len(installed))
	var names []string
	for _, st := range installed {
		before[st.Name] = st.Version.String()
		names = append(names, st.Name)
	}
	after := make(map[string]string, len(before))
	for k, v := range before {
		after[k] = v
	}
	for _, e := range p.Entries {
		if _, ok := after[e.Package.Name]; !ok {
			names = append(names, e.Package.Name)
		}
		after[e.Package.Name] = e.Package.Version.String()
	}

	var a, b strings.Builder
	for _, n := range sortedUnique(names) {
		if v, ok := before[n]; ok {
			fmt.Fprintf(&a, "%s %s\n", n, v)
		}
		fmt.Fprintf(&b, "%s %s\n", n, after[n])
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a.String()),
		B:        difflib.SplitLines(b.String()),
		FromFile: "installed",
		ToFile:   "planned",
		Context:  1,
	})
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
