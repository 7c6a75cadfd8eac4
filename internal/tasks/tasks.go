// Package tasks is a per-session, file-backed task graph with dependency
// gating and at most one in-flight task per session.
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Task statuses. Transitions only move forward:
// pending → in_progress → dev_completed → completed.
const (
	StatusPending      = "pending"
	StatusInProgress   = "in_progress"
	StatusDevCompleted = "dev_completed"
	StatusCompleted    = "completed"
)

// ErrTaskNotFound is returned when an id matches no task in any session.
var ErrTaskNotFound = errors.New("task not found")

// Task is one unit of planned work.
type Task struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Target       string   `json:"target"`
	Operation    string   `json:"operation"`
	Specifics    string   `json:"specifics"`
	Related      string   `json:"related"`
	Dependencies []string `json:"dependencies"`
	SessionID    string   `json:"session_id"`
	Status       string   `json:"status"`
	ViewedCount  int      `json:"viewed_count"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

// Execution records how a task was completed, stored as a sidecar file.
type Execution struct {
	TaskID    string `json:"task_id"`
	Process   string `json:"execution_process"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type sessionFile struct {
	SessionID string `json:"session_id"`
	Tasks     []Task `json:"tasks"`
	UpdatedAt string `json:"updated_at"`
}

// Service loads and stores everything on demand; there is no in-memory
// cache, and every write replaces the whole session file. Callers serialize
// operations per session.
type Service struct {
	dataDir      string
	executionDir string
}

// NewService prepares the data directories.
func NewService(dataDir string) (*Service, error) {
	s := &Service{
		dataDir:      dataDir,
		executionDir: filepath.Join(dataDir, "executions"),
	}
	if err := os.MkdirAll(s.executionDir, 0o755); err != nil {
		return nil, fmt.Errorf("create task data dir: %w", err)
	}
	log.Info().Str("dir", dataDir).Msg("task_service_initialized")
	return s, nil
}

// SetDataDir moves the service to a new data directory.
func (s *Service) SetDataDir(dir string) error {
	executionDir := filepath.Join(dir, "executions")
	if err := os.MkdirAll(executionDir, 0o755); err != nil {
		return fmt.Errorf("create task data dir: %w", err)
	}
	s.dataDir = dir
	s.executionDir = executionDir
	return nil
}

// TaskInput is the caller-provided shape for CreateTasks. ID and Status are
// optional.
type TaskInput struct {
	ID           string   `json:"task_id,omitempty"`
	Title        string   `json:"title"`
	Target       string   `json:"target"`
	Operation    string   `json:"operation"`
	Specifics    string   `json:"specifics"`
	Related      string   `json:"related"`
	Dependencies []string `json:"dependencies"`
	Status       string   `json:"status,omitempty"`
}

// CreateTasks overwrites the session's task file with the given list. Tasks
// missing required fields are reported and skipped. Progress is streamed to
// emit as human-readable lines.
func (s *Service) CreateTasks(inputs []TaskInput, sessionID string, emit func(string)) error {
	emit(fmt.Sprintf("Processing %d tasks...\n", len(inputs)))

	now := time.Now().Format(time.RFC3339)
	var created []Task
	failures := 0

	for i, in := range inputs {
		if missing := missingFields(in); len(missing) > 0 {
			failures++
			emit(fmt.Sprintf("[%d/%d] skipped: missing required fields: %s\n",
				i+1, len(inputs), strings.Join(missing, ", ")))
			continue
		}
		id := in.ID
		if id == "" {
			id = uuid.NewString()
		}
		status := in.Status
		if status == "" {
			status = StatusPending
		}
		task := Task{
			ID:           id,
			Title:        in.Title,
			Target:       in.Target,
			Operation:    in.Operation,
			Specifics:    in.Specifics,
			Related:      in.Related,
			Dependencies: in.Dependencies,
			SessionID:    sessionID,
			Status:       status,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		created = append(created, task)
		emit(fmt.Sprintf("[%d/%d] created task: %s (ID: %s)\n", i+1, len(inputs), task.Title, id))
	}

	if len(created) > 0 {
		if err := s.saveSession(sessionID, created); err != nil {
			return err
		}
		emit(fmt.Sprintf("\nSaved %d tasks to %s.json\n", len(created), sessionID))
	}
	if failures > 0 {
		emit(fmt.Sprintf("%d tasks failed validation\n", failures))
	}
	emit(fmt.Sprintf("\nSummary: %d created, %d failed\n", len(created), failures))
	return nil
}

// NextExecutable returns the task the session should work on. An in-flight
// task is always returned first (with its viewed count bumped); otherwise the
// earliest pending task whose dependencies are all done becomes in_progress.
func (s *Service) NextExecutable(sessionID string, emit func(string)) (*Task, error) {
	emit("Looking for an executable task...\n")

	all, err := s.loadSession(sessionID)
	if err != nil {
		emit("No task file found\n")
		return nil, err
	}
	if len(all) == 0 {
		emit("Task file is empty\n")
		return nil, nil
	}

	byID := indexByID(all)

	if current := earliestWithStatus(all, StatusInProgress); current != nil {
		current.ViewedCount++
		current.UpdatedAt = time.Now().Format(time.RFC3339)
		if err := s.saveSession(sessionID, all); err != nil {
			return nil, err
		}
		if current.ViewedCount > 1 {
			emit(fmt.Sprintf("You have already seen this task! %s (ID: %s)\n", current.Title, current.ID))
			emit(fmt.Sprintf("Viewed %d times — this is the same task as before.\n", current.ViewedCount))
		} else {
			emit(fmt.Sprintf("Found task in progress: %s (ID: %s)\n", current.Title, current.ID))
		}
		emitTaskDetails(emit, current)
		emit("Finish the current task before requesting the next one\n")
		return current, nil
	}

	var candidates []*Task
	for i := range all {
		t := &all[i]
		if t.Status != StatusPending {
			continue
		}
		if dependenciesMet(t, byID) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		emit("No executable tasks found\n")
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt < candidates[j].CreatedAt
	})
	next := candidates[0]
	next.Status = StatusInProgress
	next.ViewedCount++
	next.UpdatedAt = time.Now().Format(time.RFC3339)
	if err := s.saveSession(sessionID, all); err != nil {
		return nil, err
	}

	emit(fmt.Sprintf("Found executable task: %s (ID: %s)\n", next.Title, next.ID))
	emitTaskDetails(emit, next)
	emit("Task marked as in progress\n")
	return next, nil
}

// SaveExecution stores the execution record and flips the task to
// dev_completed.
func (s *Service) SaveExecution(taskID, process string, emit func(string)) error {
	emit(fmt.Sprintf("Saving execution record for task %s...\n", taskID))

	task, sessionID, err := s.findTask(taskID)
	if err != nil {
		emit(fmt.Sprintf("Task %s does not exist\n", taskID))
		return err
	}

	now := time.Now().Format(time.RFC3339)
	exec := Execution{TaskID: taskID, Process: process, CreatedAt: now, UpdatedAt: now}
	data, err := json.MarshalIndent(exec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	if err := os.WriteFile(s.executionPath(taskID), data, 0o644); err != nil {
		return fmt.Errorf("write execution: %w", err)
	}

	previous := task.Status
	all, err := s.loadSession(sessionID)
	if err != nil {
		return err
	}
	for i := range all {
		if all[i].ID == taskID {
			all[i].Status = StatusDevCompleted
			all[i].UpdatedAt = now
		}
	}
	if err := s.saveSession(sessionID, all); err != nil {
		return err
	}

	emit("Execution record saved\n")
	emit(fmt.Sprintf("Task: %s (ID: %s)\n", task.Title, taskID))
	emit(fmt.Sprintf("Status: %s -> %s\n", previous, StatusDevCompleted))
	return nil
}

// CurrentExecuting returns the earliest in-progress task, or failing that the
// most recently updated dev-completed task, along with any stored execution.
func (s *Service) CurrentExecuting(sessionID string, emit func(string)) (*Task, *Execution, error) {
	emit("Looking for the active task...\n")

	all, err := s.loadSession(sessionID)
	if err != nil {
		emit("No task file found\n")
		return nil, nil, err
	}

	current := earliestWithStatus(all, StatusInProgress)
	if current == nil {
		var done []*Task
		for i := range all {
			if all[i].Status == StatusDevCompleted {
				done = append(done, &all[i])
			}
		}
		if len(done) == 0 {
			emit("No active task\n")
			return nil, nil, nil
		}
		sort.SliceStable(done, func(i, j int) bool { return done[i].UpdatedAt > done[j].UpdatedAt })
		current = done[0]
	}

	emit(fmt.Sprintf("Active task: %s (ID: %s, status: %s)\n", current.Title, current.ID, current.Status))
	emitTaskDetails(emit, current)

	exec := s.loadExecution(current.ID)
	if exec != nil {
		emit(fmt.Sprintf("Execution record:\n%s\n", exec.Process))
	} else {
		emit("No execution record for this task yet\n")
	}
	return current, exec, nil
}

// Complete locates the task across all session files and marks it completed.
func (s *Service) Complete(taskID string, emit func(string)) error {
	emit(fmt.Sprintf("Looking for task %s...\n", taskID))

	task, sessionID, err := s.findTask(taskID)
	if err != nil {
		emit(fmt.Sprintf("Task %s does not exist\n", taskID))
		return err
	}
	emit(fmt.Sprintf("Found task: %s\n", task.Title))

	all, err := s.loadSession(sessionID)
	if err != nil {
		return err
	}
	now := time.Now().Format(time.RFC3339)
	for i := range all {
		if all[i].ID == taskID {
			all[i].Status = StatusCompleted
			all[i].UpdatedAt = now
		}
	}
	if err := s.saveSession(sessionID, all); err != nil {
		return err
	}
	emit(fmt.Sprintf("Task %q marked as completed\n", task.Title))
	return nil
}

// Stats streams per-status counts and the task list for the session.
func (s *Service) Stats(sessionID string, emit func(string)) error {
	emit("Collecting task statistics...\n")

	all, err := s.loadSession(sessionID)
	if err != nil {
		emit(fmt.Sprintf("No task file for session %s\n", sessionID))
		return err
	}
	if len(all) == 0 {
		emit("Session has no tasks\n")
		return nil
	}

	counts := map[string]int{}
	for _, t := range all {
		counts[t.Status]++
	}
	emit(fmt.Sprintf("Total: %d\n", len(all)))
	emit(fmt.Sprintf("  pending: %d\n", counts[StatusPending]))
	emit(fmt.Sprintf("  in_progress: %d\n", counts[StatusInProgress]))
	emit(fmt.Sprintf("  dev_completed: %d\n", counts[StatusDevCompleted]))
	emit(fmt.Sprintf("  completed: %d\n", counts[StatusCompleted]))

	emit("\nTasks:\n")
	for i, t := range all {
		emit(fmt.Sprintf("  %d. [%s] %s (ID: %s)\n", i+1, t.Status, t.Title, t.ID))
	}
	return nil
}

/* ── storage ── */

func (s *Service) sessionPath(sessionID string) string {
	return filepath.Join(s.dataDir, sessionID+".json")
}

func (s *Service) executionPath(taskID string) string {
	return filepath.Join(s.executionDir, taskID+"_execution.json")
}

func (s *Service) loadSession(sessionID string) ([]Task, error) {
	data, err := os.ReadFile(s.sessionPath(sessionID))
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	var f sessionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	return f.Tasks, nil
}

// saveSession replaces the session file wholesale.
func (s *Service) saveSession(sessionID string, tasks []Task) error {
	f := sessionFile{
		SessionID: sessionID,
		Tasks:     tasks,
		UpdatedAt: time.Now().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("create task data dir: %w", err)
	}
	if err := os.WriteFile(s.sessionPath(sessionID), data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// findTask scans every session file for the id.
func (s *Service) findTask(taskID string) (*Task, string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sessionID := strings.TrimSuffix(entry.Name(), ".json")
		tasks, err := s.loadSession(sessionID)
		if err != nil {
			continue
		}
		for i := range tasks {
			if tasks[i].ID == taskID {
				return &tasks[i], sessionID, nil
			}
		}
	}
	return nil, "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

func (s *Service) loadExecution(taskID string) *Execution {
	data, err := os.ReadFile(s.executionPath(taskID))
	if err != nil {
		return nil
	}
	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Msg("execution_record_corrupt")
		return nil
	}
	return &exec
}

/* ── helpers ── */

func missingFields(in TaskInput) []string {
	var missing []string
	if in.Title == "" {
		missing = append(missing, "title")
	}
	if in.Target == "" {
		missing = append(missing, "target")
	}
	if in.Operation == "" {
		missing = append(missing, "operation")
	}
	if in.Specifics == "" {
		missing = append(missing, "specifics")
	}
	if in.Related == "" {
		missing = append(missing, "related")
	}
	if in.Dependencies == nil {
		missing = append(missing, "dependencies")
	}
	return missing
}

func indexByID(tasks []Task) map[string]*Task {
	m := make(map[string]*Task, len(tasks))
	for i := range tasks {
		m[tasks[i].ID] = &tasks[i]
	}
	return m
}

// dependenciesMet reports whether every dependency is completed or
// dev-completed. Unknown dependency ids do not block.
func dependenciesMet(t *Task, byID map[string]*Task) bool {
	for _, dep := range t.Dependencies {
		dep = strings.TrimSpace(dep)
		if dep == "" {
			continue
		}
		if other, ok := byID[dep]; ok {
			if other.Status != StatusCompleted && other.Status != StatusDevCompleted {
				return false
			}
		}
	}
	return true
}

func earliestWithStatus(tasks []Task, status string) *Task {
	var found *Task
	for i := range tasks {
		if tasks[i].Status != status {
			continue
		}
		if found == nil || tasks[i].CreatedAt < found.CreatedAt {
			found = &tasks[i]
		}
	}
	return found
}

func emitTaskDetails(emit func(string), t *Task) {
	emit(fmt.Sprintf("Target: %s\n", t.Target))
	emit(fmt.Sprintf("Operation: %s\n", t.Operation))
	emit(fmt.Sprintf("Specifics: %s\n", t.Specifics))
	emit(fmt.Sprintf("Related: %s\n", t.Related))
	emit(fmt.Sprintf("Dependencies: %s\n", strings.Join(t.Dependencies, ", ")))
}
