package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDocument() *Document {
	items := []WorkItem{
		{ID: "w1", Name: "Excavation", Quantity: 120, Unit: "m3"},
		{ID: "w2", Name: "Formwork", Quantity: 300, Unit: "m2"},
		{ID: "w3", Name: "Rebar", Quantity: 12, Unit: "t"},
	}
	timeline := []TimelineBlock{
		{WeekID: 1, StartDate: "2026-03-02", EndDate: "2026-03-06", WorkingDays: 5},
		{WeekID: 2, StartDate: "2026-03-09", EndDate: "2026-03-13", WorkingDays: 5},
		{WeekID: 3, StartDate: "2026-03-16", EndDate: "2026-03-20", WorkingDays: 4},
	}
	return NewDocument("tower-a", items, timeline)
}

func TestNewDocument_AllStagesPending(t *testing.T) {
	doc := sampleDocument()
	require.Len(t, doc.StageStatuses, len(StageOrder))
	for i, s := range doc.StageStatuses {
		assert.Equal(t, StageOrder[i], s.Stage)
		assert.Equal(t, StatusPending, s.Status)
	}
	assert.Equal(t, StageWorkPackager, doc.NextStage())
	assert.NoError(t, doc.Validate())
	assert.Equal(t, []int{1, 2, 3}, doc.ValidWeekIDs())
	assert.Len(t, doc.UnassignedItems(), 3)
}

func TestDocument_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tower-a.json")
	doc := sampleDocument()
	doc.WorkPackages = []WorkPackage{{
		PackageID:        "pkg_001",
		Name:             "Earthworks",
		ScheduleBlocks:   []int{1, 2},
		ProgressPerBlock: map[int]int{1: 40, 2: 60},
		StaffingPerBlock: map[int]int{1: 4, 2: 6},
	}}
	doc.WorkItems[0].PackageID = "pkg_001"
	doc.WorkforceRange = &WorkforceRange{Min: 2, Max: 12}

	require.NoError(t, doc.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(doc, loaded); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestLoad_FillsMissingStages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"project_id": "p1",
		"stage_statuses": [{"stage": "counter", "status": "pending"}],
		"timeline_blocks": [{"week_id": 1}],
		"work_items": [{"id": "a", "name": "A", "quantity": 1, "unit": "m"}]
	}`), 0644))

	doc, err := Load(path)
	require.NoError(t, err)
	require.Len(t, doc.StageStatuses, 4)
	for i, s := range doc.StageStatuses {
		assert.Equal(t, StageOrder[i], s.Stage)
	}
	assert.NotNil(t, doc.Results)
	assert.NoError(t, doc.Validate())
}

func TestValidate_ReportsStructuralProblems(t *testing.T) {
	doc := sampleDocument()
	doc.TimelineBlocks[2].WeekID = 5
	doc.WorkItems = append(doc.WorkItems, WorkItem{ID: "w1"})
	doc.WorkItems[1].PackageID = "pkg_missing"
	doc.StageStatuses[0].Status = StatusInProgress
	doc.StageStatuses[1].Status = StatusInProgress
	doc.StageStatuses[3].Status = StatusCompleted

	err := doc.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidDocument))
	for _, want := range []string{"week_id 5", `duplicate work item id "w1"`, "pkg_missing", "in_progress", "completed before"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestDocument_Lookups(t *testing.T) {
	doc := sampleDocument()
	doc.WorkPackages = []WorkPackage{{PackageID: "pkg_001"}, {PackageID: "pkg_002"}}
	doc.WorkItems[0].PackageID = "pkg_002"
	doc.WorkItems[2].PackageID = "pkg_002"

	require.NotNil(t, doc.Package("pkg_002"))
	assert.Nil(t, doc.Package("nope"))
	assert.Len(t, doc.ItemsByPackage()["pkg_002"], 2)
	assert.Equal(t, []WorkItem{doc.WorkItems[1]}, doc.UnassignedItems())

	def := WorkforceRange{Min: 1, Max: 100}
	assert.Equal(t, def, doc.Workforce(def))
	doc.WorkforceRange = &WorkforceRange{Min: 0, Max: 10}
	assert.Equal(t, 10, doc.Workforce(def).Max)
}

func TestLock_AcquireReleaseAndStale(t *testing.T) {
	docPath := filepath.Join(t.TempDir(), "doc.json")
	lock := NewLock(docPath)

	require.NoError(t, lock.Acquire())
	locked, err := lock.IsLocked()
	require.NoError(t, err)
	assert.True(t, locked)

	err = NewLock(docPath).Acquire()
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release(), "release is idempotent")

	// A pid that cannot be running is reclaimed.
	require.NoError(t, os.WriteFile(lock.Path(), []byte(fmt.Sprint(1<<30)), 0644))
	require.NoError(t, lock.Acquire())
	require.NoError(t, lock.Release())

	require.NoError(t, os.WriteFile(lock.Path(), []byte("garbage"), 0644))
	require.NoError(t, lock.Acquire())
	require.NoError(t, lock.Release())
}
