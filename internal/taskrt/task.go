// Package taskrt adapts the host agent's task list. The file runtime stores
// one JSON document per task under <dir>/<list>/<id>.json and guards each
// read-modify-write with an advisory lock file.
package taskrt

import (
	"context"
	"slices"
	"time"

	"github.com/fyrsmithlabs/taskgate/internal/governance"
)

// Status is a task's lifecycle state in the host runtime.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Task is a host runtime task.
type Task struct {
	ID          string              `json:"id"`
	Subject     string              `json:"subject"`
	Description string              `json:"description"`
	ActiveForm  string              `json:"activeForm,omitempty"`
	Status      Status              `json:"status"`
	Owner       string              `json:"owner,omitempty"`
	Kind        governance.TaskKind `json:"kind,omitempty"`
	BlockedBy   []string            `json:"blockedBy"`
	Blocks      []string            `json:"blocks"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// IsReview reports whether the task is a review task, either by its typed
// kind or by the metadata discriminator hosts without a kind field carry.
func (t *Task) IsReview() bool {
	if t.Kind == governance.KindReview {
		return true
	}
	k, _ := t.Metadata[governance.MetadataKindKey].(string)
	return governance.TaskKind(k) == governance.KindReview
}

// Spec describes a task to create. ID may be preallocated with NewID.
type Spec struct {
	ID          string
	Subject     string
	Description string
	Owner       string
	Kind        governance.TaskKind
	BlockedBy   []string
	Blocks      []string
	Metadata    map[string]any
}

// Update is applied atomically to one task. Nil fields are left alone.
type Update struct {
	Status            *Status
	Description       *string
	AppendDescription string
	AddBlockedBy      []string
	RemoveBlockedBy   []string
	AddBlocks         []string
}

// Runtime is the host task runtime.
type Runtime interface {
	NewID(ctx context.Context) (string, error)
	CreateTask(ctx context.Context, spec Spec) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, id string, u Update) (*Task, error)
	ListPendingUnblocked(ctx context.Context) ([]Task, error)
}

func newTask(spec Spec, now time.Time) *Task {
	t := &Task{
		ID:          spec.ID,
		Subject:     spec.Subject,
		Description: spec.Description,
		Status:      StatusPending,
		Owner:       spec.Owner,
		Kind:        spec.Kind,
		BlockedBy:   dedupe(nil, spec.BlockedBy),
		Blocks:      dedupe(nil, spec.Blocks),
		Metadata:    spec.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if spec.Kind != "" {
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		t.Metadata[governance.MetadataKindKey] = string(spec.Kind)
	}
	return t
}

func (u Update) apply(t *Task, now time.Time) {
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.AppendDescription != "" {
		if t.Description != "" {
			t.Description += "\n\n"
		}
		t.Description += u.AppendDescription
	}
	t.BlockedBy = dedupe(t.BlockedBy, u.AddBlockedBy)
	if len(u.RemoveBlockedBy) > 0 {
		t.BlockedBy = slices.DeleteFunc(t.BlockedBy, func(id string) bool {
			return slices.Contains(u.RemoveBlockedBy, id)
		})
	}
	t.Blocks = dedupe(t.Blocks, u.AddBlocks)
	t.UpdatedAt = now
}

// dedupe appends add to base skipping ids already present. The result is
// never nil so JSON carries [] rather than null.
func dedupe(base, add []string) []string {
	out := append(make([]string, 0, len(base)+len(add)), base...)
	for _, id := range add {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func validateSpec(spec Spec) error {
	if spec.Subject == "" {
		return &governance.ValidationError{Field: "subject", Reason: "is required"}
	}
	return nil
}
