package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewplan/internal/perception"
	"crewplan/internal/pipeline"
	"crewplan/internal/project"
)

func scheduledDoc() *project.Document {
	items := []project.WorkItem{
		{ID: "w1", Name: "Excavation", Quantity: 120, Unit: "m3", PackageID: "earth"},
		{ID: "w2", Name: "Rebar", Quantity: 4, Unit: "t", PackageID: "frame"},
	}
	timeline := []project.TimelineBlock{
		{WeekID: 1, StartDate: "2026-03-02", EndDate: "2026-03-06", WorkingDays: 5},
		{WeekID: 2, StartDate: "2026-03-09", EndDate: "2026-03-13", WorkingDays: 5},
	}
	doc := project.NewDocument("tower-a", items, timeline)
	doc.WorkPackages = []project.WorkPackage{
		{
			PackageID: "earth", Name: "Earth | works",
			VolumeData:          &project.VolumeData{Quantity: 120, Unit: "m3"},
			ScheduleBlocks:      []int{1},
			ProgressPerBlock:    map[int]int{1: 100},
			StaffingPerBlock:    map[int]int{1: 6},
			SchedulingReasoning: "Dig first.",
		},
		{
			PackageID: "frame", Name: "Frame",
			ScheduleBlocks:   []int{2, 1},
			ProgressPerBlock: map[int]int{1: 50, 2: 50},
			StaffingPerBlock: map[int]int{1: 6, 2: 4},
		},
	}
	for i := range doc.StageStatuses {
		doc.StageStatuses[i].Status = project.StatusCompleted
	}
	return doc
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestReportMarkdown(t *testing.T) {
	md := reportMarkdown(scheduledDoc(), project.WorkforceRange{Min: 8, Max: 10})

	assert.Contains(t, md, "# tower-a")
	assert.Contains(t, md, "4 of 4 stages completed")
	assert.Contains(t, md, `| earth | Earth \| works | 1 | 120 m3 | 1 | 6 |`)
	assert.Contains(t, md, "| frame | Frame | 1 | - | 1, 2 | 6 |")
	assert.Contains(t, md, "| 1 | 2026-03-02 to 2026-03-06 | 12 | over max |")
	assert.Contains(t, md, "| 2 | 2026-03-09 to 2026-03-13 | 4 | under min |")
	assert.Contains(t, md, "- **earth**: Dig first.")
}

func TestReportMarkdown_NoPackages(t *testing.T) {
	md := reportMarkdown(project.NewDocument("p", nil, nil), project.WorkforceRange{Max: 10})
	assert.Contains(t, md, "No work packages yet")
}

func TestRenderStatus(t *testing.T) {
	doc := project.NewDocument("p", nil, nil)
	doc.StageStatuses[0].Status = project.StatusCompleted
	doc.StageStatuses[1].Status = project.StatusError
	doc.StageStatuses[1].Error = "work item missing package assignment"

	out := renderStatus(doc)
	for _, name := range project.StageOrder {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "work item missing package assignment")
	assert.Contains(t, out, "next: works_to_packages")
}

func TestDescribeFailure(t *testing.T) {
	err := &pipeline.StageError{
		Stage: project.StageCounter,
		Err:   &perception.InvocationError{Kind: perception.KindRateLimited, Attempts: 5, Err: assert.AnError},
	}
	msg := describeFailure(err)
	assert.True(t, strings.HasPrefix(msg, "stage counter failed"))
	assert.Contains(t, msg, "(rate_limited after 5 attempt(s))")
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, scheduledDoc().Save(path))

	out, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "structure ok")
	assert.Contains(t, out, "workforce ok")
}

func TestResetCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, scheduledDoc().Save(path))

	out, err := execute(t, "reset", path, project.StageCounter)
	require.NoError(t, err)
	assert.Contains(t, out, "next stage counter")

	doc, err := project.Load(path)
	require.NoError(t, err)
	assert.Equal(t, project.StatusCompleted, doc.StageStatus(project.StageWorksToPackages).Status)
	assert.Equal(t, project.StatusPending, doc.StageStatus(project.StageSchedulerAndStaffer).Status)
	assert.NoFileExists(t, path+".lock")

	_, err = execute(t, "reset", path, "bogus")
	assert.Error(t, err)
}

func TestRunCommand_RequiresCredential(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("CREWPLAN_API_KEY", "")
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, scheduledDoc().Save(path))

	_, err := execute(t, "run", path)
	assert.ErrorContains(t, err, "missing LLM credential")
}
