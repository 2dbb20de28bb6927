package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"crewplan/internal/logging"
	"crewplan/internal/perception"
	"crewplan/internal/project"
	"crewplan/internal/schedule"
)

// Scheduler places packages on the timeline and staffs them.
type Scheduler struct {
	base
}

type schedulerPackage struct {
	PackageID   string              `json:"package_id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Volume      *project.VolumeData `json:"volume_data,omitempty"`
}

type schedulerInput struct {
	ProjectID     string
	Timeline      []project.TimelineBlock
	Packages      []schedulerPackage
	Workforce     project.WorkforceRange
	PerPackageMax int
}

type schedulerOutput struct {
	ScheduledPackages []schedule.RawSchedule `json:"scheduled_packages"`
}

// Summary source values.
const (
	SourceModel    = "model"
	SourceFallback = "fallback"
)

// Run implements Handler.
func (s *Scheduler) Run(ctx context.Context, doc *project.Document) Result {
	if len(doc.WorkPackages) == 0 {
		return failed(fmt.Errorf("%w: no work packages to schedule", ErrPrecondition))
	}
	if len(doc.TimelineBlocks) == 0 {
		return failed(fmt.Errorf("%w: project has no timeline", ErrPrecondition))
	}

	workforce := doc.Workforce(s.opts.Workforce)
	views := make([]schedulerPackage, len(doc.WorkPackages))
	for i, p := range doc.WorkPackages {
		views[i] = schedulerPackage{PackageID: p.PackageID, Name: p.Name, Description: p.Description, Volume: p.VolumeData}
	}

	var out schedulerOutput
	in := schedulerInput{
		ProjectID:     doc.ProjectID,
		Timeline:      doc.TimelineBlocks,
		Packages:      views,
		Workforce:     workforce,
		PerPackageMax: s.opts.PerPackageMax,
	}
	res, err := s.call(ctx, doc.ProjectID, 0, in, &out)

	source := SourceModel
	var scheduled []project.WorkPackage
	switch {
	case err == nil:
		scheduled = s.validate(doc, out)
	case fallbackable(err):
		logging.StagesWarn("%s: no usable model schedule (%v), falling back", s.stage, err)
		source = SourceFallback
		scheduled = schedule.FallbackSchedule(doc.WorkPackages, doc.TimelineBlocks, workforce, s.opts.PerPackageMax)
	default:
		return failed(err)
	}

	report := schedule.ValidateWorkforce(scheduled, doc.TimelineBlocks, workforce)
	var repaired []int
	if !report.Valid {
		for _, v := range report.Violations {
			repaired = append(repaired, v.WeekID)
		}
		scheduled = schedule.RepairWorkforce(scheduled, doc.TimelineBlocks, workforce)
		report = schedule.ValidateWorkforce(scheduled, doc.TimelineBlocks, workforce)
	}
	for _, v := range report.Violations {
		logging.StagesError("%s: week %d still staffed at %d over max %d", s.stage, v.WeekID, v.Total, v.Max)
	}

	summary := map[string]any{
		"source":              source,
		"scheduled_packages":  len(scheduled),
		"workforce":           workforce,
		"repaired_weeks":      repaired,
		"residual_violations": report.Violations,
		"warnings":            report.Warnings,
		"weekly_totals":       report.WeeklyTotals,
	}
	if source == SourceModel {
		summary["model"] = res.ModelUsed
		summary["attempts"] = res.Attempts
	}

	logging.Stages("%s: %d packages scheduled (%s), %d weeks repaired, %d residual violations",
		s.stage, len(scheduled), source, len(repaired), len(report.Violations))
	return succeeded(func(doc *project.Document) {
		for _, sp := range scheduled {
			if p := doc.Package(sp.PackageID); p != nil {
				p.ScheduleBlocks = sp.ScheduleBlocks
				p.ProgressPerBlock = sp.ProgressPerBlock
				p.StaffingPerBlock = sp.StaffingPerBlock
				p.SchedulingReasoning = sp.SchedulingReasoning
			}
		}
		setResult(doc, s.stage, summary)
	})
}

// validate runs every document package through ValidateSchedule. A package
// the model skipped gets the minimal valid schedule.
func (s *Scheduler) validate(doc *project.Document, out schedulerOutput) []project.WorkPackage {
	raw := make(map[string]schedule.RawSchedule, len(out.ScheduledPackages))
	for _, r := range out.ScheduledPackages {
		r.PackageID = strings.TrimSpace(r.PackageID)
		if doc.Package(r.PackageID) == nil {
			logging.StagesWarn("%s: ignoring schedule for unknown package %q", s.stage, r.PackageID)
			continue
		}
		raw[r.PackageID] = r
	}

	weeks := doc.ValidWeekIDs()
	pkgs := make([]project.WorkPackage, len(doc.WorkPackages))
	for i, p := range doc.WorkPackages {
		r, ok := raw[p.PackageID]
		if !ok {
			logging.StagesWarn("%s: model did not schedule package %s", s.stage, p.PackageID)
			r = schedule.RawSchedule{PackageID: p.PackageID}
		}
		pkgs[i] = p
		schedule.ValidateSchedule(r, weeks, s.opts.PerPackageMax).Apply(&pkgs[i])
	}
	return pkgs
}

// fallbackable reports whether err means the model answered but nothing
// usable could be read from it.
func fallbackable(err error) bool {
	if errors.Is(err, ErrInvalidOutput) {
		return true
	}
	var ie *perception.InvocationError
	return errors.As(err, &ie) && ie.Kind == perception.KindMalformed
}
