package tasks

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(t.TempDir())
	require.NoError(t, err)
	return s
}

func discard(string) {}

func input(id, title string, deps ...string) TaskInput {
	if deps == nil {
		deps = []string{}
	}
	return TaskInput{
		ID:           id,
		Title:        title,
		Target:       "main.go",
		Operation:    "edit",
		Specifics:    "do the thing",
		Related:      "none",
		Dependencies: deps,
	}
}

func TestCreateTasksSkipsInvalid(t *testing.T) {
	s := newService(t)
	var lines []string
	emit := func(l string) { lines = append(lines, l) }

	err := s.CreateTasks([]TaskInput{
		input("t1", "valid task"),
		{Title: "missing everything"},
	}, "sess", emit)
	require.NoError(t, err)

	joined := strings.Join(lines, "")
	assert.Contains(t, joined, "created task: valid task")
	assert.Contains(t, joined, "missing required fields")
	assert.Contains(t, joined, "1 created, 1 failed")

	tasks, err := s.loadSession("sess")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, StatusPending, tasks[0].Status)
}

func TestCreateTasksOverwritesSession(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.CreateTasks([]TaskInput{input("t1", "old")}, "sess", discard))
	require.NoError(t, s.CreateTasks([]TaskInput{input("t2", "new")}, "sess", discard))

	tasks, err := s.loadSession("sess")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t2", tasks[0].ID)
}

func TestTaskGraphScenario(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.CreateTasks([]TaskInput{
		input("t1", "first"),
		input("t2", "second", "t1"),
	}, "sess", discard))

	// T1 has no deps and becomes in_progress.
	next, err := s.NextExecutable("sess", discard)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "t1", next.ID)
	assert.Equal(t, StatusInProgress, next.Status)

	// A second call returns the same task with the repeat-view warning.
	var lines []string
	again, err := s.NextExecutable("sess", func(l string) { lines = append(lines, l) })
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "t1", again.ID)
	assert.Equal(t, 2, again.ViewedCount)
	assert.Contains(t, strings.Join(lines, ""), "already seen this task")

	// Recording the execution flips T1 to dev_completed, unblocking T2.
	require.NoError(t, s.SaveExecution("t1", "implemented the thing", discard))
	next, err = s.NextExecutable("sess", discard)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "t2", next.ID)
}

func TestNextExecutableSkipsBlockedTasks(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.CreateTasks([]TaskInput{
		{ID: "t1", Title: "blocker", Target: "a", Operation: "op", Specifics: "s", Related: "r", Dependencies: []string{}, Status: StatusInProgress},
		input("t2", "blocked", "t1"),
	}, "sess", discard))

	// The in-progress blocker is returned, never the blocked task.
	next, err := s.NextExecutable("sess", discard)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "t1", next.ID)
}

func TestNextExecutableUnknownDependencyDoesNotBlock(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.CreateTasks([]TaskInput{
		input("t2", "unknown dependency", "missing-but-pending"),
		input("t1", "also blocked", "t2"),
	}, "sess", discard))

	// t2's dependency is unknown so it does not block; t1 depends on pending t2.
	next, err := s.NextExecutable("sess", discard)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "t2", next.ID)

	// t1 stays blocked while t2 is in_progress.
	tasks, _ := s.loadSession("sess")
	for _, task := range tasks {
		if task.ID == "t1" {
			assert.Equal(t, StatusPending, task.Status)
		}
	}
}

func TestAtMostOneInProgress(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.CreateTasks([]TaskInput{
		input("t1", "a"),
		input("t2", "b"),
		input("t3", "c"),
	}, "sess", discard))

	for i := 0; i < 4; i++ {
		_, err := s.NextExecutable("sess", discard)
		require.NoError(t, err)

		tasks, err := s.loadSession("sess")
		require.NoError(t, err)
		inProgress := 0
		for _, task := range tasks {
			if task.Status == StatusInProgress {
				inProgress++
			}
		}
		assert.LessOrEqual(t, inProgress, 1)
	}
}

func TestSaveExecutionUnknownTask(t *testing.T) {
	s := newService(t)
	err := s.SaveExecution("ghost", "process", discard)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCompleteAcrossSessions(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.CreateTasks([]TaskInput{input("t1", "one")}, "sess-a", discard))
	require.NoError(t, s.CreateTasks([]TaskInput{input("t2", "two")}, "sess-b", discard))

	require.NoError(t, s.Complete("t2", discard))

	tasks, err := s.loadSession("sess-b")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tasks[0].Status)
}

func TestCurrentExecutingPrefersInProgress(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.CreateTasks([]TaskInput{
		input("t1", "a"),
		input("t2", "b"),
	}, "sess", discard))

	_, err := s.NextExecutable("sess", discard)
	require.NoError(t, err)

	current, exec, err := s.CurrentExecuting("sess", discard)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "t1", current.ID)
	assert.Nil(t, exec)

	// After dev-completion there is no in-progress task; the dev-completed
	// one is returned together with its execution record.
	require.NoError(t, s.SaveExecution("t1", "did it", discard))
	current, exec, err = s.CurrentExecuting("sess", discard)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, StatusDevCompleted, current.Status)
	require.NotNil(t, exec)
	assert.Equal(t, "did it", exec.Process)
}

func TestStats(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.CreateTasks([]TaskInput{
		input("t1", "a"),
		input("t2", "b"),
	}, "sess", discard))
	_, err := s.NextExecutable("sess", discard)
	require.NoError(t, err)

	var lines []string
	require.NoError(t, s.Stats("sess", func(l string) { lines = append(lines, l) }))
	joined := strings.Join(lines, "")
	assert.Contains(t, joined, "Total: 2")
	assert.Contains(t, joined, "pending: 1")
	assert.Contains(t, joined, "in_progress: 1")
}

func TestSetDataDir(t *testing.T) {
	s := newService(t)
	newDir := t.TempDir()
	require.NoError(t, s.SetDataDir(newDir))
	require.NoError(t, s.CreateTasks([]TaskInput{input("t1", "moved")}, "sess", discard))

	tasks, err := s.loadSession("sess")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}
