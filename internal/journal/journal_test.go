package journal

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewplan/internal/perception"
	"crewplan/internal/pipeline"
	"crewplan/internal/project"
	"crewplan/internal/usage"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "nested", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RecordsTransitionsAndAttempts(t *testing.T) {
	j := openTemp(t)
	ctx := usage.WithProject(pipeline.WithRunID(context.Background(), "run-1"), "tower-a")
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	j.RecordTransition(ctx, pipeline.Transition{
		RunID: "run-1", ProjectID: "tower-a", Stage: project.StageCounter,
		From: project.StatusPending, To: project.StatusInProgress, At: at,
	})
	j.RecordAttempt(ctx, perception.Attempt{
		Role: perception.RoleCounter, Model: "flash", Number: 1, Kind: perception.KindRateLimited,
		MaxOutputTokens: 1000, Err: errors.New("429"),
	})
	j.RecordAttempt(ctx, perception.Attempt{
		Role: perception.RoleCounter, Model: "flash", Number: 2, Kind: perception.KindOK,
		MaxOutputTokens: 1000, Duration: 1500 * time.Millisecond,
		Usage: perception.Usage{InputTokens: 100, OutputTokens: 40},
	})
	j.RecordTransition(ctx, pipeline.Transition{
		RunID: "run-1", ProjectID: "tower-a", Stage: project.StageCounter,
		From: project.StatusInProgress, To: project.StatusCompleted, At: at.Add(2 * time.Second),
		Duration: 2 * time.Second,
	})

	runs, err := j.Runs(context.Background(), "tower-a")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
	assert.Equal(t, 2, runs[0].Transitions)
	assert.Equal(t, 2, runs[0].Attempts)
	assert.Equal(t, 100, runs[0].InputTokens)
	assert.Equal(t, 40, runs[0].OutputTokens)
	assert.True(t, runs[0].StartedAt.Equal(at))

	trans, err := j.Transitions(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, trans, 2)
	assert.Equal(t, "in_progress", trans[0].To)
	assert.Equal(t, "completed", trans[1].To)
	assert.Equal(t, 2*time.Second, trans[1].Duration)

	attempts, err := j.Attempts(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "rate_limited", attempts[0].Kind)
	assert.Equal(t, "429", attempts[0].Err)
	assert.Equal(t, "ok", attempts[1].Kind)
	assert.Equal(t, 1500*time.Millisecond, attempts[1].Duration)
}

func TestJournal_RunsAreScopedByProject(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	now := time.Now()
	j.RecordTransition(ctx, pipeline.Transition{RunID: "a", ProjectID: "p1", Stage: "counter", At: now})
	j.RecordTransition(ctx, pipeline.Transition{RunID: "b", ProjectID: "p2", Stage: "counter", At: now})
	j.RecordTransition(ctx, pipeline.Transition{RunID: "c", ProjectID: "p1", Stage: "counter", At: now.Add(time.Minute)})

	runs, err := j.Runs(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].RunID, "newest first")
	assert.Equal(t, "a", runs[1].RunID)
}

func TestJournal_ConcurrentAttempts(t *testing.T) {
	j := openTemp(t)
	ctx := pipeline.WithRunID(context.Background(), "run-x")

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.RecordAttempt(ctx, perception.Attempt{Role: perception.RoleWorksToPackages, Model: "m", Number: i, Kind: perception.KindOK})
		}()
	}
	wg.Wait()

	attempts, err := j.Attempts(ctx, "run-x")
	require.NoError(t, err)
	assert.Len(t, attempts, 20)
}

func TestJournal_ImplementsRecorders(t *testing.T) {
	j := openTemp(t)
	var _ pipeline.Recorder = j
	var _ perception.AttemptRecorder = j
}

func TestJournal_ReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	j.RecordTransition(context.Background(), pipeline.Transition{RunID: "r", ProjectID: "p", Stage: "counter", At: time.Now()})
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	runs, err := j.Runs(context.Background(), "p")
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Equal(t, path, j.Path())
}
