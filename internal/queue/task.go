// Package queue admits generation tasks under a global concurrency cap,
// dispatching them by priority into the provider fallback chain.
package queue

import (
	"context"
	"time"

	"github.com/roelfdiedericks/lessongen/internal/llm"
)

// Status is a task's lifecycle state. Transitions only move forward:
// queued -> generating -> completed|error, or queued -> cancelled.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Content types
const (
	ContentLessonPlan = "lesson_plan"
	ContentExercise   = "exercise"
	ContentGame       = "game"
	ContentCourse     = "course"
)

// Priority bounds; higher is served sooner.
const (
	MinPriority     = 1
	MaxPriority     = 100
	DefaultPriority = 50
)

// Task is one generation request. Fields after Status are written by the
// worker that owns the task, under the queue mutex.
type Task struct {
	ID          int64
	TraceID     string
	UserID      string
	ContentType string
	Prompt      string
	Priority    int

	Status      Status
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Result      string
	Provider    string
	Err         string
	ErrKind     llm.ErrorKind
	Attempts    int

	index  int // heap position, -1 once popped
	cancel context.CancelFunc
}

// TaskView is an immutable snapshot of a task for callers.
type TaskView struct {
	ID          int64         `json:"id"`
	TraceID     string        `json:"traceId"`
	UserID      string        `json:"userId"`
	ContentType string        `json:"contentType"`
	Priority    int           `json:"priority"`
	Status      Status        `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Result      string        `json:"result,omitempty"`
	Provider    string        `json:"provider,omitempty"`
	Error       string        `json:"error,omitempty"`
	ErrorKind   llm.ErrorKind `json:"errorKind,omitempty"`
	Attempts    int           `json:"attempts,omitempty"`

	// Only set while queued
	Position      int           `json:"position,omitempty"`
	EstimatedWait time.Duration `json:"estimatedWait,omitempty"`
}

func (t *Task) view() TaskView {
	v := TaskView{
		ID:          t.ID,
		TraceID:     t.TraceID,
		UserID:      t.UserID,
		ContentType: t.ContentType,
		Priority:    t.Priority,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		Result:      t.Result,
		Provider:    t.Provider,
		Error:       t.Err,
		ErrorKind:   t.ErrKind,
		Attempts:    t.Attempts,
	}
	if !t.StartedAt.IsZero() {
		started := t.StartedAt
		v.StartedAt = &started
	}
	if !t.CompletedAt.IsZero() {
		completed := t.CompletedAt
		v.CompletedAt = &completed
	}
	return v
}
