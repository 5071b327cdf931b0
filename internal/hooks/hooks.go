package hooks

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgate/internal/governance"
	"github.com/fyrsmithlabs/taskgate/internal/pairing"
)

// HookType represents a governance lifecycle hook.
type HookType string

const (
	// HookTaskCreated is called when an agent asks the host to create a task.
	HookTaskCreated HookType = "task_created"

	// HookTaskPreExecute is called before a task moves to in_progress.
	HookTaskPreExecute HookType = "task_pre_execute"

	// HookSessionStart is called when a new agent session starts.
	HookSessionStart HookType = "session_start"

	// HookSessionEnd is called when an agent session ends.
	HookSessionEnd HookType = "session_end"
)

// ParseHookType maps a hook name onto a HookType.
func ParseHookType(s string) (HookType, error) {
	switch t := HookType(strings.ToLower(strings.TrimSpace(s))); t {
	case HookTaskCreated, HookTaskPreExecute, HookSessionStart, HookSessionEnd:
		return t, nil
	}
	return "", &governance.ValidationError{Field: "hook", Reason: "unknown hook " + s}
}

// Event is a host lifecycle event normalized for the handlers.
type Event struct {
	Type        HookType            `json:"type"`
	SessionID   string              `json:"session_id,omitempty"`
	TaskID      string              `json:"task_id,omitempty"`
	Subject     string              `json:"subject,omitempty"`
	Description string              `json:"description,omitempty"`
	Context     string              `json:"context,omitempty"`
	Owner       string              `json:"owner,omitempty"`
	Kind        governance.TaskKind `json:"kind,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
}

// IsReview reports whether the event concerns a review task.
func (e *Event) IsReview() bool {
	if e.Kind == governance.KindReview {
		return true
	}
	k, _ := e.Metadata[governance.MetadataKindKey].(string)
	return governance.TaskKind(k) == governance.KindReview
}

// Decision tells the host what to do with the intercepted action.
type Decision string

const (
	// DecisionAllow lets the host proceed.
	DecisionAllow Decision = "allow"
	// DecisionDeny refuses the action.
	DecisionDeny Decision = "deny"
	// DecisionHandled means taskgate performed the action in the host's place.
	DecisionHandled Decision = "handled"
)

// Result is the combined answer of the handlers for one event.
type Result struct {
	Decision          Decision      `json:"decision"`
	Reason            string        `json:"reason,omitempty"`
	Pair              *pairing.Pair `json:"pair,omitempty"`
	AdditionalContext string        `json:"additional_context,omitempty"`
}

// Allow is the default result.
func Allow() *Result {
	return &Result{Decision: DecisionAllow}
}

// HookHandler handles a hook event. A nil result means allow.
type HookHandler func(ctx context.Context, ev *Event) (*Result, error)

// HookManager manages lifecycle hooks
type HookManager struct {
	handlers map[HookType][]HookHandler
	logger   *zap.Logger
}

// NewHookManager creates a new hook manager
func NewHookManager(logger *zap.Logger) *HookManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HookManager{
		handlers: make(map[HookType][]HookHandler),
		logger:   logger.Named("hooks"),
	}
}

// RegisterHandler registers a handler for a hook type
func (h *HookManager) RegisterHandler(hookType HookType, handler HookHandler) {
	h.handlers[hookType] = append(h.handlers[hookType], handler)
}

// Execute runs the handlers for ev.Type in registration order. The first
// result that is not an allow stops the chain; additional context from the
// handlers that ran is concatenated.
func (h *HookManager) Execute(ctx context.Context, ev *Event) (*Result, error) {
	out := Allow()
	handlers, ok := h.handlers[ev.Type]
	if !ok {
		// No handlers registered - not an error
		return out, nil
	}

	var extra []string
	for _, handler := range handlers {
		res, err := handler(ctx, ev)
		if err != nil {
			return nil, fmt.Errorf("hook %s failed: %w", ev.Type, err)
		}
		if res == nil {
			continue
		}
		if res.AdditionalContext != "" {
			extra = append(extra, res.AdditionalContext)
		}
		if res.Decision != "" && res.Decision != DecisionAllow {
			out = res
			break
		}
	}
	out.AdditionalContext = strings.Join(extra, "\n\n")

	h.logger.Debug("hook executed",
		zap.String("hook", string(ev.Type)),
		zap.String("session_id", ev.SessionID),
		zap.String("decision", string(out.Decision)))
	return out, nil
}
