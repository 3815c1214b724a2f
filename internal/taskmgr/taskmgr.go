package taskmgr

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yokitheyo/ytscribe/internal/model"
)

const initialStatus = "Preparing..."

// Notifier receives a fresh snapshot after every change to a task.
type Notifier interface {
	TaskUpdated(task model.Task)
}

// TaskManager is the registry of conversion tasks. Reads always return copies.
type TaskManager struct {
	mu       sync.RWMutex
	tasks    map[string]*model.Task
	now      func() time.Time
	notifier Notifier
}

type Option func(*TaskManager)

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(tm *TaskManager) { tm.now = now }
}

func WithNotifier(n Notifier) Option {
	return func(tm *TaskManager) { tm.notifier = n }
}

func NewTaskManager(opts ...Option) *TaskManager {
	tm := &TaskManager{
		tasks: make(map[string]*model.Task),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(tm)
	}
	return tm
}

func (tm *TaskManager) Create(url string) (model.Task, error) {
	tm.mu.Lock()
	id := uuid.New().String()
	for tm.tasks[id] != nil {
		id = uuid.New().String()
	}
	task := &model.Task{
		ID:        id,
		SourceURL: url,
		Status:    initialStatus,
		Files:     []model.ResultFile{},
		CreatedAt: tm.now(),
	}
	tm.tasks[id] = task
	snap := task.Clone()
	tm.mu.Unlock()

	tm.notify(snap)
	return snap, nil
}

func (tm *TaskManager) Get(taskID string) (model.Task, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	task, ok := tm.tasks[taskID]
	if !ok {
		return model.Task{}, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// Delete removes the task. Deleting an unknown id is a no-op.
func (tm *TaskManager) Delete(taskID string) {
	tm.mu.Lock()
	delete(tm.tasks, taskID)
	tm.mu.Unlock()
}

// ListAll returns snapshots of every task, oldest first.
func (tm *TaskManager) ListAll() []model.Task {
	tm.mu.RLock()
	out := make([]model.Task, 0, len(tm.tasks))
	for _, task := range tm.tasks {
		out = append(out, task.Clone())
	}
	tm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (tm *TaskManager) Len() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.tasks)
}

// SetProgress records a non-terminal phase change. Progress never moves backwards.
func (tm *TaskManager) SetProgress(taskID string, progress int, status string) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("progress %d out of range", progress)
	}
	return tm.update(taskID, func(task *model.Task) error {
		if progress < task.Progress {
			return fmt.Errorf("%w: %d -> %d", ErrProgressRegression, task.Progress, progress)
		}
		task.Progress = progress
		task.Status = status
		return nil
	})
}

// Succeed marks the task finished with the given catalog.
func (tm *TaskManager) Succeed(taskID string, files []model.ResultFile, status string) error {
	if len(files) == 0 {
		return ErrNoFiles
	}
	return tm.update(taskID, func(task *model.Task) error {
		task.Files = make([]model.ResultFile, len(files))
		copy(task.Files, files)
		task.Progress = 100
		task.Status = status
		task.Error = nil
		task.Completed = true
		task.Success = true
		return nil
	})
}

// Fail marks the task finished with an error message. Files already committed are kept.
func (tm *TaskManager) Fail(taskID string, msg string) error {
	return tm.update(taskID, func(task *model.Task) error {
		task.Error = &msg
		task.Status = "Error: " + msg
		task.Completed = true
		task.Success = false
		return nil
	})
}

func (tm *TaskManager) update(taskID string, apply func(*model.Task) error) error {
	tm.mu.Lock()
	task, ok := tm.tasks[taskID]
	if !ok {
		tm.mu.Unlock()
		return ErrTaskNotFound
	}
	if task.Completed {
		tm.mu.Unlock()
		return ErrTaskFinished
	}
	if err := apply(task); err != nil {
		tm.mu.Unlock()
		return err
	}
	snap := task.Clone()
	tm.mu.Unlock()

	tm.notify(snap)
	return nil
}

func (tm *TaskManager) notify(task model.Task) {
	if tm.notifier != nil {
		tm.notifier.TaskUpdated(task)
	}
}

// FindFile looks a file id up across every task's catalog.
func (tm *TaskManager) FindFile(fileID string) (model.ResultFile, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	for _, task := range tm.tasks {
		for _, f := range task.Files {
			if f.ID == fileID {
				return f, nil
			}
		}
	}
	return model.ResultFile{}, ErrFileNotFound
}

var (
	ErrTaskNotFound       = fmt.Errorf("task not found")
	ErrFileNotFound       = fmt.Errorf("file not found")
	ErrTaskFinished       = fmt.Errorf("task already finished")
	ErrProgressRegression = fmt.Errorf("progress cannot decrease")
	ErrNoFiles            = fmt.Errorf("no result files")
)
