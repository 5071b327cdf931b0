package http

import (
	"github.com/fyrsmithlabs/taskgate/internal/governance"
	"github.com/fyrsmithlabs/taskgate/internal/store"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// CreateTaskRequest is the request body for POST /api/v1/tasks.
type CreateTaskRequest struct {
	SessionID   string                `json:"session_id,omitempty"`
	Subject     string                `json:"subject"`
	Description string                `json:"description,omitempty"`
	Context     string                `json:"context,omitempty"`
	ReviewType  governance.ReviewType `json:"review_type,omitempty"`
	Owner       string                `json:"owner,omitempty"`
	Metadata    map[string]any        `json:"metadata,omitempty"`
}

// AddBlockerRequest is the request body for POST /api/v1/tasks/:id/blockers.
type AddBlockerRequest struct {
	ReviewType governance.ReviewType `json:"review_type"`
	Context    string                `json:"context,omitempty"`
}

// AddBlockerResponse names the review task created by an added blocker.
type AddBlockerResponse struct {
	ImplTaskID   string `json:"impl_task_id"`
	ReviewTaskID string `json:"review_task_id"`
}

// HistoryResponse is the response body for GET /api/v1/decisions.
type HistoryResponse struct {
	Decisions []store.HistoryEntry `json:"decisions"`
	Count     int                  `json:"count"`
}

// ExecutableResponse is the response body for GET /api/v1/tasks/:id/executable.
type ExecutableResponse struct {
	TaskID     string   `json:"task_id"`
	Executable bool     `json:"executable"`
	BlockedBy  []string `json:"blocked_by"`
	Guidance   []string `json:"guidance"`
}

// GovernedTasksResponse is the response body for GET /api/v1/tasks.
type GovernedTasksResponse struct {
	Tasks []governance.GovernedTaskRecord `json:"tasks"`
	Count int                             `json:"count"`
}

// HolisticReviewsResponse is the response body for GET /api/v1/holistic-reviews.
type HolisticReviewsResponse struct {
	Reviews []governance.HolisticReviewRecord `json:"reviews"`
	Count   int                               `json:"count"`
}
