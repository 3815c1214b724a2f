package model

import "time"

type FileType string

const (
	FileVideo FileType = "video"
	FileAudio FileType = "audio"
	FileText  FileType = "text"
)

// ResultFile is one produced artifact. Path stays server-side.
type ResultFile struct {
	ID     string   `json:"id"`
	TaskID string   `json:"taskId"`
	Type   FileType `json:"type"`
	Name   string   `json:"name"`
	Path   string   `json:"-"`
}

type Task struct {
	ID        string       `json:"id"`
	SourceURL string       `json:"url"`
	Progress  int          `json:"progress"`
	Status    string       `json:"status"`
	Completed bool         `json:"completed"`
	Success   bool         `json:"success"`
	Error     *string      `json:"error"`
	Files     []ResultFile `json:"files"`
	CreatedAt time.Time    `json:"created_at"`
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() Task {
	c := *t
	if t.Error != nil {
		msg := *t.Error
		c.Error = &msg
	}
	c.Files = make([]ResultFile, len(t.Files))
	copy(c.Files, t.Files)
	return c
}

// Terminal reports whether the task reached success or failure.
func (t *Task) Terminal() bool {
	return t.Completed
}

// Age is the time elapsed since creation, measured at now.
func (t *Task) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

// Progress is the polling view of a task.
type Progress struct {
	Progress  int          `json:"progress"`
	Status    string       `json:"status"`
	Completed bool         `json:"completed"`
	Success   bool         `json:"success"`
	Error     *string      `json:"error"`
	Files     []ResultFile `json:"files"`
}

func (t *Task) ProgressView() Progress {
	files := t.Files
	if files == nil {
		files = []ResultFile{}
	}
	return Progress{
		Progress:  t.Progress,
		Status:    t.Status,
		Completed: t.Completed,
		Success:   t.Success,
		Error:     t.Error,
		Files:     files,
	}
}
