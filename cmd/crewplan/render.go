package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"crewplan/internal/project"
	"crewplan/internal/schedule"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	statusStyles = map[project.Status]lipgloss.Style{
		project.StatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		project.StatusInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		project.StatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		project.StatusError:      lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
)

const (
	stageCol  = 24
	statusCol = 13
	timeCol   = 22
)

// renderStatus draws the stage table for a document.
func renderStatus(doc *project.Document) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Project "+doc.ProjectID) + "\n")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("%d items, %d packages, %d weeks, updated %s",
		len(doc.WorkItems), len(doc.WorkPackages), len(doc.TimelineBlocks), formatTime(&doc.UpdatedAt))) + "\n\n")

	cell := func(s string, w int) string { return lipgloss.NewStyle().Width(w).Render(s) }
	b.WriteString(headerStyle.Render(cell("STAGE", stageCol)+cell("STATUS", statusCol)+cell("STARTED", timeCol)+"COMPLETED") + "\n")

	for _, st := range doc.StageStatuses {
		style, ok := statusStyles[st.Status]
		if !ok {
			style = lipgloss.NewStyle()
		}
		b.WriteString(cell(st.Stage, stageCol))
		b.WriteString(style.Width(statusCol).Render(string(st.Status)))
		b.WriteString(cell(formatTime(st.StartedAt), timeCol))
		b.WriteString(formatTime(st.CompletedAt))
		b.WriteString("\n")
		if st.Error != "" {
			b.WriteString(errorStyle.Render("  └ "+st.Error) + "\n")
		}
	}

	if next := doc.NextStage(); next != "" {
		b.WriteString("\n" + mutedStyle.Render("next: "+next) + "\n")
	} else {
		b.WriteString("\n" + statusStyles[project.StatusCompleted].Render("all stages completed") + "\n")
	}
	return b.String()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// reportMarkdown summarises the packages, their volumes and the weekly
// schedule.
func reportMarkdown(doc *project.Document, r project.WorkforceRange) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", doc.ProjectID)

	done := 0
	for _, st := range doc.StageStatuses {
		if st.Status == project.StatusCompleted {
			done++
		}
	}
	fmt.Fprintf(&b, "%d of %d stages completed. %d work items in %d packages over %d weeks.\n\n",
		done, len(doc.StageStatuses), len(doc.WorkItems), len(doc.WorkPackages), len(doc.TimelineBlocks))

	if len(doc.WorkPackages) == 0 {
		b.WriteString("_No work packages yet._\n")
		return b.String()
	}

	byPkg := doc.ItemsByPackage()
	b.WriteString("## Work packages\n\n")
	b.WriteString("| Package | Name | Items | Volume | Weeks | Peak crew |\n")
	b.WriteString("|---|---|---:|---|---|---:|\n")
	for _, p := range doc.WorkPackages {
		volume := "-"
		if p.VolumeData != nil {
			volume = strings.TrimSpace(fmt.Sprintf("%g %s", p.VolumeData.Quantity, p.VolumeData.Unit))
		}
		weeks := "-"
		if p.Scheduled() {
			weeks = joinWeeks(p.ScheduleBlocks)
		}
		peak := 0
		for _, n := range p.StaffingPerBlock {
			peak = max(peak, n)
		}
		fmt.Fprintf(&b, "| %s | %s | %d | %s | %s | %d |\n",
			p.PackageID, escapeCell(p.Name), len(byPkg[p.PackageID]), volume, weeks, peak)
	}

	report := schedule.ValidateWorkforce(doc.WorkPackages, doc.TimelineBlocks, r)
	if len(doc.TimelineBlocks) > 0 {
		b.WriteString("\n## Weekly workforce\n\n")
		fmt.Fprintf(&b, "Allowed range: %d to %d workers per week.\n\n", r.Min, r.Max)
		b.WriteString("| Week | Dates | Workers | Note |\n|---:|---|---:|---|\n")
		over := map[int]bool{}
		for _, v := range report.Violations {
			over[v.WeekID] = true
		}
		under := map[int]bool{}
		for _, w := range report.Warnings {
			under[w.WeekID] = true
		}
		for _, wk := range doc.TimelineBlocks {
			note := ""
			switch {
			case over[wk.WeekID]:
				note = "over max"
			case under[wk.WeekID]:
				note = "under min"
			}
			dates := "-"
			if wk.StartDate != "" {
				dates = wk.StartDate + " to " + wk.EndDate
			}
			fmt.Fprintf(&b, "| %d | %s | %d | %s |\n", wk.WeekID, dates, report.WeeklyTotals[wk.WeekID], note)
		}
	}

	var reasoning []project.WorkPackage
	for _, p := range doc.WorkPackages {
		if p.SchedulingReasoning != "" {
			reasoning = append(reasoning, p)
		}
	}
	if len(reasoning) > 0 {
		b.WriteString("\n## Scheduling notes\n\n")
		for _, p := range reasoning {
			fmt.Fprintf(&b, "- **%s**: %s\n", p.PackageID, p.SchedulingReasoning)
		}
	}
	return b.String()
}

func joinWeeks(ws []int) string {
	sorted := append([]int(nil), ws...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, w := range sorted {
		parts[i] = fmt.Sprint(w)
	}
	return strings.Join(parts, ", ")
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

// renderMarkdown styles md for the terminal, falling back to the raw text.
func renderMarkdown(md string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}
