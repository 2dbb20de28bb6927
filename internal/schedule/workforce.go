package schedule

import (
	"math"
	"sort"

	"crewplan/internal/logging"
	"crewplan/internal/project"
)

// maxProportionalPasses bounds the scaling iterations before the trim step.
const maxProportionalPasses = 8

// Violation is a week whose summed staffing exceeds the ceiling.
type Violation struct {
	WeekID int `json:"week_id"`
	Total  int `json:"total"`
	Max    int `json:"max"`
}

// Warning is an active week staffed below the configured minimum.
type Warning struct {
	WeekID int `json:"week_id"`
	Total  int `json:"total"`
	Min    int `json:"min"`
}

// WorkforceReport summarizes weekly headcount across packages.
type WorkforceReport struct {
	Valid        bool        `json:"valid"`
	Violations   []Violation `json:"violations,omitempty"`
	Warnings     []Warning   `json:"warnings,omitempty"`
	WeeklyTotals map[int]int `json:"weekly_totals"`
}

// WeeklyTotals sums staffing per week. Every timeline week is present, and
// weeks only mentioned by packages are included too.
func WeeklyTotals(pkgs []project.WorkPackage, timeline []project.TimelineBlock) map[int]int {
	totals := make(map[int]int, len(timeline))
	for _, b := range timeline {
		totals[b.WeekID] = 0
	}
	for _, p := range pkgs {
		for w, n := range p.StaffingPerBlock {
			totals[w] += n
		}
	}
	return totals
}

// ValidateWorkforce checks the weekly ceiling. Weeks under Min are reported as
// warnings only; idle weeks are not warned about.
func ValidateWorkforce(pkgs []project.WorkPackage, timeline []project.TimelineBlock, r Range) WorkforceReport {
	report := WorkforceReport{Valid: true, WeeklyTotals: WeeklyTotals(pkgs, timeline)}
	for _, w := range sortedWeeks(report.WeeklyTotals) {
		total := report.WeeklyTotals[w]
		if r.Max > 0 && total > r.Max {
			report.Valid = false
			report.Violations = append(report.Violations, Violation{WeekID: w, Total: total, Max: r.Max})
		} else if total > 0 && total < r.Min {
			report.Warnings = append(report.Warnings, Warning{WeekID: w, Total: total, Min: r.Min})
		}
	}
	return report
}

// RepairWorkforce brings every over-ceiling week within r.Max. It first scales
// contributors proportionally (round(h*max/total), floor 1) until the week fits
// or the scaling stops changing anything, then trims one worker at a time from
// the largest contributor. The ceiling is reachable whenever r.Max is at least
// the number of packages active that week; otherwise each stays at 1 and the
// residual shows up in ValidateWorkforce. The input is not modified.
func RepairWorkforce(pkgs []project.WorkPackage, timeline []project.TimelineBlock, r Range) []project.WorkPackage {
	out := make([]project.WorkPackage, len(pkgs))
	for i, p := range pkgs {
		out[i] = p
		out[i].StaffingPerBlock = copyWeekMap(p.StaffingPerBlock)
	}
	if r.Max <= 0 {
		return out
	}

	totals := WeeklyTotals(out, timeline)
	for _, w := range sortedWeeks(totals) {
		if totals[w] <= r.Max {
			continue
		}
		before := totals[w]
		after := repairWeek(out, w, r.Max)
		if after > r.Max {
			logging.ScheduleWarn("week %d: staffing %d still exceeds max %d after repair, every package at the floor of 1", w, after, r.Max)
		} else {
			logging.ScheduleDebug("week %d: staffing %d -> %d (max %d)", w, before, after, r.Max)
		}
	}
	return out
}

// repairWeek mutates staffing for week w in pkgs and returns the new total.
func repairWeek(pkgs []project.WorkPackage, w, ceiling int) int {
	var idx []int
	total := 0
	for i := range pkgs {
		if n, ok := pkgs[i].StaffingPerBlock[w]; ok {
			idx = append(idx, i)
			total += n
		}
	}

	for pass := 0; pass < maxProportionalPasses && total > ceiling; pass++ {
		next := 0
		for _, i := range idx {
			h := pkgs[i].StaffingPerBlock[w]
			scaled := int(math.Round(float64(h) * float64(ceiling) / float64(total)))
			if scaled < 1 {
				scaled = 1
			}
			pkgs[i].StaffingPerBlock[w] = scaled
			next += scaled
		}
		if next == total {
			break
		}
		total = next
	}

	for total > ceiling {
		largest := -1
		for _, i := range idx {
			h := pkgs[i].StaffingPerBlock[w]
			if h > 1 && (largest < 0 || h > pkgs[largest].StaffingPerBlock[w]) {
				largest = i
			}
		}
		if largest < 0 {
			break
		}
		pkgs[largest].StaffingPerBlock[w]--
		total--
	}
	return total
}

func sortedWeeks(m map[int]int) []int {
	weeks := make([]int, 0, len(m))
	for w := range m {
		weeks = append(weeks, w)
	}
	sort.Ints(weeks)
	return weeks
}
