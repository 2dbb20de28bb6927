// Package project holds the persisted project document that every pipeline
// stage enriches, plus its file persistence and the per-project run lock.
package project

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Stage names, in the order the pipeline runs them.
const (
	StageWorkPackager        = "work_packager"
	StageWorksToPackages     = "works_to_packages"
	StageCounter             = "counter"
	StageSchedulerAndStaffer = "scheduler_and_staffer"
)

// StageOrder is the declared stage order.
var StageOrder = []string{
	StageWorkPackager,
	StageWorksToPackages,
	StageCounter,
	StageSchedulerAndStaffer,
}

// Status is a stage lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// StageStatus tracks one stage.
type StageStatus struct {
	Stage       string     `json:"stage"`
	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// TimelineBlock is one week of the project calendar.
type TimelineBlock struct {
	WeekID      int    `json:"week_id"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	WorkingDays int    `json:"working_days"`
}

// WorkItem is one estimate line item.
type WorkItem struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Code      string  `json:"code,omitempty"`
	Quantity  float64 `json:"quantity"`
	Unit      string  `json:"unit"`
	PackageID string  `json:"package_id,omitempty"`
}

// VolumeData is the counter stage's per-package quantity summary.
type VolumeData struct {
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
	Notes    string  `json:"notes,omitempty"`
}

// WorkPackage groups work items and carries the schedule once planned.
type WorkPackage struct {
	PackageID           string      `json:"package_id"`
	Name                string      `json:"name"`
	Description         string      `json:"description,omitempty"`
	VolumeData          *VolumeData `json:"volume_data,omitempty"`
	ScheduleBlocks      []int       `json:"schedule_blocks,omitempty"`
	ProgressPerBlock    map[int]int `json:"progress_per_block,omitempty"`
	StaffingPerBlock    map[int]int `json:"staffing_per_block,omitempty"`
	SchedulingReasoning string      `json:"scheduling_reasoning,omitempty"`
}

// Scheduled reports whether the package has a schedule.
func (p *WorkPackage) Scheduled() bool {
	return len(p.ScheduleBlocks) > 0
}

// WorkforceRange bounds total weekly headcount across packages.
type WorkforceRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Document is the single source of truth for one project run.
type Document struct {
	ProjectID      string          `json:"project_id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StageStatuses  []StageStatus   `json:"stage_statuses"`
	TimelineBlocks []TimelineBlock `json:"timeline_blocks"`
	WorkItems      []WorkItem      `json:"work_items"`
	WorkPackages   []WorkPackage   `json:"work_packages"`

	// WorkforceRange overrides the configured range for this project.
	WorkforceRange *WorkforceRange `json:"workforce_range,omitempty"`

	Results map[string]any `json:"results,omitempty"`
}

// ErrInvalidDocument wraps every structural problem Validate finds.
var ErrInvalidDocument = errors.New("invalid project document")

// NewDocument creates a document with every stage pending.
func NewDocument(id string, items []WorkItem, timeline []TimelineBlock) *Document {
	now := time.Now().UTC()
	doc := &Document{
		ProjectID:      id,
		CreatedAt:      now,
		UpdatedAt:      now,
		TimelineBlocks: timeline,
		WorkItems:      items,
		WorkPackages:   []WorkPackage{},
		Results:        map[string]any{},
	}
	for _, name := range StageOrder {
		doc.StageStatuses = append(doc.StageStatuses, StageStatus{Stage: name, Status: StatusPending})
	}
	return doc
}

// EnsureStages appends any missing stage entries as pending, in declared
// order. Documents produced upstream sometimes omit stage_statuses.
func (d *Document) EnsureStages() {
	for _, name := range StageOrder {
		if d.StageStatus(name) == nil {
			d.StageStatuses = append(d.StageStatuses, StageStatus{Stage: name, Status: StatusPending})
		}
	}
	sort.SliceStable(d.StageStatuses, func(i, j int) bool {
		return stageIndex(d.StageStatuses[i].Stage) < stageIndex(d.StageStatuses[j].Stage)
	})
	if d.Results == nil {
		d.Results = map[string]any{}
	}
}

func stageIndex(name string) int {
	for i, s := range StageOrder {
		if s == name {
			return i
		}
	}
	return len(StageOrder)
}

// StageStatus returns the status entry for name, or nil.
func (d *Document) StageStatus(name string) *StageStatus {
	for i := range d.StageStatuses {
		if d.StageStatuses[i].Stage == name {
			return &d.StageStatuses[i]
		}
	}
	return nil
}

// NextStage returns the first stage that is not completed, or "" when done.
func (d *Document) NextStage() string {
	for _, s := range d.StageStatuses {
		if s.Status != StatusCompleted {
			return s.Stage
		}
	}
	return ""
}

// Package returns the package with id, or nil.
func (d *Document) Package(id string) *WorkPackage {
	for i := range d.WorkPackages {
		if d.WorkPackages[i].PackageID == id {
			return &d.WorkPackages[i]
		}
	}
	return nil
}

// UnassignedItems returns items without a package.
func (d *Document) UnassignedItems() []WorkItem {
	var out []WorkItem
	for _, it := range d.WorkItems {
		if it.PackageID == "" {
			out = append(out, it)
		}
	}
	return out
}

// ItemsByPackage groups items by package id.
func (d *Document) ItemsByPackage() map[string][]WorkItem {
	out := make(map[string][]WorkItem, len(d.WorkPackages))
	for _, it := range d.WorkItems {
		if it.PackageID != "" {
			out[it.PackageID] = append(out[it.PackageID], it)
		}
	}
	return out
}

// ValidWeekIDs returns the timeline week ids in order.
func (d *Document) ValidWeekIDs() []int {
	ids := make([]int, 0, len(d.TimelineBlocks))
	for _, b := range d.TimelineBlocks {
		ids = append(ids, b.WeekID)
	}
	return ids
}

// Workforce returns the project's range, falling back to def.
func (d *Document) Workforce(def WorkforceRange) WorkforceRange {
	if d.WorkforceRange != nil && d.WorkforceRange.Max > 0 {
		return *d.WorkforceRange
	}
	return def
}

// Validate checks structural invariants. It does not check schedule numbers;
// that is the schedule package's job.
func (d *Document) Validate() error {
	var errs []error
	if d.ProjectID == "" {
		errs = append(errs, errors.New("project_id is empty"))
	}

	for i, b := range d.TimelineBlocks {
		if b.WeekID != i+1 {
			errs = append(errs, fmt.Errorf("timeline block %d has week_id %d, want %d", i, b.WeekID, i+1))
			break
		}
	}

	seenItems := make(map[string]bool, len(d.WorkItems))
	for _, it := range d.WorkItems {
		if it.ID == "" {
			errs = append(errs, errors.New("work item with empty id"))
			continue
		}
		if seenItems[it.ID] {
			errs = append(errs, fmt.Errorf("duplicate work item id %q", it.ID))
		}
		seenItems[it.ID] = true
	}

	seenPkgs := make(map[string]bool, len(d.WorkPackages))
	for _, p := range d.WorkPackages {
		if p.PackageID == "" {
			errs = append(errs, errors.New("work package with empty id"))
			continue
		}
		if seenPkgs[p.PackageID] {
			errs = append(errs, fmt.Errorf("duplicate package id %q", p.PackageID))
		}
		seenPkgs[p.PackageID] = true
	}
	for _, it := range d.WorkItems {
		if it.PackageID != "" && !seenPkgs[it.PackageID] {
			errs = append(errs, fmt.Errorf("work item %q references unknown package %q", it.ID, it.PackageID))
		}
	}

	inProgress := 0
	last := -1
	open := ""
	for _, s := range d.StageStatuses {
		idx := stageIndex(s.Stage)
		if idx == len(StageOrder) {
			errs = append(errs, fmt.Errorf("unknown stage %q", s.Stage))
			continue
		}
		if idx <= last {
			errs = append(errs, fmt.Errorf("stage %q out of order", s.Stage))
		}
		last = idx
		if s.Status == StatusCompleted && open != "" {
			errs = append(errs, fmt.Errorf("stage %q completed before %q", s.Stage, open))
		} else if s.Status != StatusCompleted && open == "" {
			open = s.Stage
		}
		switch s.Status {
		case StatusPending, StatusCompleted, StatusError:
		case StatusInProgress:
			inProgress++
		default:
			errs = append(errs, fmt.Errorf("stage %q has unknown status %q", s.Stage, s.Status))
		}
	}
	if inProgress > 1 {
		errs = append(errs, fmt.Errorf("%d stages in_progress, at most one allowed", inProgress))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, errors.Join(errs...))
	}
	return nil
}
